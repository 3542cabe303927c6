package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/alecgard/rentdesk/internal/account"
	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/auth"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// AccountStore is the account persistence used by the admin surface.
type AccountStore interface {
	List(ctx context.Context) ([]*account.Account, error)
	Create(ctx context.Context, in account.CreateAccountInput) (*account.Account, error)
	SetRole(ctx context.Context, id string, r role.Role) (*account.Account, error)
	SetStatus(ctx context.Context, id string, in account.StatusInput) (*account.Account, error)
}

// EventLister reads back recorded auth events.
type EventLister interface {
	ListRecent(ctx context.Context, accountID string, limit int) ([]audit.Event, error)
}

// LoginLinkSender mails a one-time sign-in link to an account.
type LoginLinkSender interface {
	SendLoginLink(ctx context.Context, accountID, email string) error
}

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// adminHandler groups account management HTTP handlers (admin only).
type adminHandler struct {
	store  AccountStore
	links  LoginLinkSender
	events EventLister
	audit  auth.Recorder
}

func newAdminHandler(store AccountStore, links LoginLinkSender, events EventLister, rec auth.Recorder) *adminHandler {
	return &adminHandler{store: store, links: links, events: events, audit: rec}
}

// accountID reads and validates the {id} URL parameter, writing the error
// response itself when it is not a UUID.
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "account id must be a UUID")
		return "", false
	}
	return id.String(), true
}

func isSelf(r *http.Request, id string) bool {
	p := auth.PrincipalFromContext(r.Context())
	return p != nil && p.ID == id
}

// ListUsers handles GET /api/admin/users.
func (h *adminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list users")
		return
	}

	if accounts == nil {
		accounts = []*account.Account{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": accounts,
	})
}

// SetRole handles PUT /api/admin/users/{id}/role.
func (h *adminHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req struct {
		Role string `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	newRole, ok := role.Parse(req.Role)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "role must be one of "+roleList())
		return
	}
	if isSelf(r, id) && newRole != role.Admin {
		writeError(w, http.StatusConflict, "constraint_error", "administrators cannot remove their own admin role")
		return
	}

	acct, err := h.store.SetRole(r.Context(), id, newRole)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set role")
		return
	}

	auditLog(r, "account.role_changed", "account", id, "role", newRole.String())
	recordEvent(r, h.audit, audit.Event{Type: audit.EventRoleChanged, AccountID: id, Email: acct.Email, Success: true, Detail: newRole.String()})
	writeJSON(w, http.StatusOK, acct)
}

// SetStatus handles PUT /api/admin/users/{id}/status.
func (h *adminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}

	var req account.StatusInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Active == nil && req.Blocked == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "active or blocked is required")
		return
	}
	disabling := (req.Active != nil && !*req.Active) || (req.Blocked != nil && *req.Blocked)
	if disabling && isSelf(r, id) {
		writeError(w, http.StatusConflict, "constraint_error", "administrators cannot disable their own account")
		return
	}

	acct, err := h.store.SetStatus(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update status")
		return
	}

	detail := "active=" + strconv.FormatBool(acct.Profile.Active) + " blocked=" + strconv.FormatBool(acct.Profile.Blocked)
	auditLog(r, "account.status_changed", "account", id, "active", acct.Profile.Active, "blocked", acct.Profile.Blocked)
	recordEvent(r, h.audit, audit.Event{Type: audit.EventStatusChanged, AccountID: id, Email: acct.Email, Success: true, Detail: detail})
	writeJSON(w, http.StatusOK, acct)
}

// Invite handles POST /api/admin/invitations. The new account gets its role
// written explicitly and a magic link by email.
func (h *adminHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Role        string `json:"role"`
		DisplayName string `json:"display_name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	email := account.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "a valid email is required")
		return
	}
	invitedAs, ok := role.Parse(req.Role)
	if !ok || (invitedAs != role.Tenant && invitedAs != role.Owner) {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "role must be tenant or owner")
		return
	}

	acct, err := h.store.Create(r.Context(), account.CreateAccountInput{
		Email:       email,
		DisplayName: req.DisplayName,
		Role:        invitedAs.String(),
		Metadata:    role.Metadata{InvitedAs: invitedAs.String()},
	})
	if err != nil {
		if errors.Is(err, account.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "conflict", "an account with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	emailSent := true
	if err := h.links.SendLoginLink(r.Context(), acct.ID, acct.Email); err != nil {
		emailSent = false
		auditLog(r, "account.invite_mail_failed", "account", acct.ID, "error", err.Error())
	}

	auditLog(r, "account.invited", "account", acct.ID, "role", invitedAs.String())
	recordEvent(r, h.audit, audit.Event{Type: audit.EventAccountInvited, AccountID: acct.ID, Email: acct.Email, Success: true, Detail: invitedAs.String()})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":       acct,
		"email_sent": emailSent,
	})
}

// ListEvents handles GET /api/admin/events?account_id=&limit=.
func (h *adminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	accountFilter := q.Get("account_id")
	if accountFilter != "" {
		if _, err := uuid.Parse(accountFilter); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", "account_id must be a UUID")
			return
		}
	}

	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := h.events.ListRecent(r.Context(), accountFilter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func roleList() string {
	names := make([]string, 0, len(role.All()))
	for _, r := range role.All() {
		names = append(names, r.String())
	}
	return strings.Join(names, ", ")
}
