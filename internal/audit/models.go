package audit

import (
	"context"
	"time"
)

// Event types recorded by the auth service and admin handlers.
const (
	EventLogin          = "login"
	EventLogout         = "logout"
	EventCallback       = "callback"
	EventResetRequested = "reset_requested"
	EventResetCompleted = "reset_completed"
	EventMagicLinkSent  = "magic_link_requested"
	EventRoleChanged    = "role_changed"
	EventStatusChanged  = "status_changed"
	EventAccountInvited = "account_invited"
)

// Event is a single security-relevant action.
type Event struct {
	Type      string    `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type contextKey int

const requestInfoKey contextKey = iota

type requestInfo struct {
	ip        string
	requestID string
}

// WithRequestInfo returns a context carrying the client IP and request id that
// Stamp copies onto events.
func WithRequestInfo(ctx context.Context, ip, requestID string) context.Context {
	return context.WithValue(ctx, requestInfoKey, requestInfo{ip: ip, requestID: requestID})
}

// Stamp fills IP, RequestID and CreatedAt from ctx and the clock when unset.
func Stamp(ctx context.Context, ev Event) Event {
	if info, ok := ctx.Value(requestInfoKey).(requestInfo); ok {
		if ev.IP == "" {
			ev.IP = info.ip
		}
		if ev.RequestID == "" {
			ev.RequestID = info.requestID
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return ev
}
