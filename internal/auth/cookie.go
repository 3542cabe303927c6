package auth

import (
	"net/http"
	"strings"
)

// CookieName is the name of the session cookie.
const CookieName = "rentdesk_session"

// SetSessionCookie writes sess as an HttpOnly, SameSite=Lax cookie that lives
// as long as the token.
func SetSessionCookie(w http.ResponseWriter, sess *Session, secure bool) {
	maxAge := int(sess.ExpiresAt.Sub(sess.Principal.IssuedAt).Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionToken returns the raw session token from the cookie, falling back to
// an Authorization: Bearer header.
func SessionToken(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return extractBearerToken(r)
}

func hasSessionCookie(r *http.Request) bool {
	c, err := r.Cookie(CookieName)
	return err == nil && c.Value != ""
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
