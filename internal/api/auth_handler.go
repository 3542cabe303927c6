package api

import (
	"errors"
	"net/http"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/auth"
)

// Response messages that must not reveal whether an account exists or why a
// reset failed.
const (
	resetRequestedMessage = "If an account exists for that email, a password reset link has been sent."
	magicLinkMessage      = "If an account exists for that email, a sign-in link has been sent."
	resetInvalidMessage   = "The reset link is invalid or has expired, or the new password does not meet the requirements."
	resetDoneMessage      = "Your password has been updated. You can now sign in."
	invalidLoginMessage   = "invalid email or password"
	callbackFailedPath    = "/login?error=auth_callback_failed"
)

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	svc           *auth.Service
	secureCookies bool
}

func newAuthHandler(svc *auth.Service, secureCookies bool) *authHandler {
	return &authHandler{svc: svc, secureCookies: secureCookies}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func principalResponse(p *auth.Principal) userResponse {
	return userResponse{ID: p.ID, Email: p.Email, Role: p.Role.String()}
}

// Login handles POST /api/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	sess, err := h.svc.Login(r.Context(), account.NormalizeEmail(req.Email), req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "unauthorized", invalidLoginMessage)
		return
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "account_disabled", "this account has been disabled")
		return
	case err != nil:
		writeServiceError(w, err, "failed to sign in")
		return
	}

	auth.SetSessionCookie(w, sess, h.secureCookies)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     principalResponse(&sess.Principal),
		"redirect": sess.Principal.Role.LandingPath(),
	})
}

// Logout handles POST /api/auth/logout. It always succeeds.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.svc.RecordLogout(r.Context(), auth.PrincipalFromContext(r.Context()))
	auth.ClearSessionCookie(w, h.secureCookies)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /api/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, principalResponse(p))
}

// Dashboard handles GET /api/auth/dashboard and tells the client where the
// caller's role lands.
func (h *authHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"redirect": p.Role.LandingPath(),
		"role":     p.Role.String(),
	})
}

// RequestPasswordReset handles POST /api/auth/request-password-reset. The
// response is the same whether or not the email is registered.
func (h *authHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	email, ok := readEmail(w, r)
	if !ok {
		return
	}
	h.svc.RequestPasswordReset(r.Context(), email)
	writeJSON(w, http.StatusOK, map[string]string{"message": resetRequestedMessage})
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *authHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	err := h.svc.ResetPassword(r.Context(), req.Token, req.NewPassword)
	switch {
	case errors.Is(err, auth.ErrInvalidOrExpiredToken), errors.Is(err, auth.ErrPolicyViolation):
		writeError(w, http.StatusBadRequest, "invalid_reset", resetInvalidMessage)
		return
	case err != nil:
		writeServiceError(w, err, "failed to reset password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": resetDoneMessage})
}

// MagicLink handles POST /api/auth/magic-link. Like the reset request it
// never reveals whether the email is registered.
func (h *authHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	email, ok := readEmail(w, r)
	if !ok {
		return
	}
	h.svc.RequestMagicLink(r.Context(), email)
	writeJSON(w, http.StatusOK, map[string]string{"message": magicLinkMessage})
}

// Callback handles GET /auth/callback?code=..., the landing point of emailed
// sign-in links.
func (h *authHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.ExchangeCode(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Redirect(w, r, callbackFailedPath, http.StatusFound)
		return
	}
	auth.SetSessionCookie(w, sess, h.secureCookies)
	http.Redirect(w, r, sess.Principal.Role.LandingPath(), http.StatusFound)
}

// readEmail decodes an {"email": ...} body, writing the error response itself
// when the body is unusable.
func readEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		Email string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return "", false
	}
	email := account.NormalizeEmail(req.Email)
	if email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return "", false
	}
	return email, true
}

// writeServiceError maps the remaining service errors onto a status code.
func writeServiceError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, auth.ErrUpstream) {
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "a required service is unavailable, try again later")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", message)
}
