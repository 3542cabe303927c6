package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/auth"
)

// auditLog emits a structured audit log entry for an admin action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if p := auth.PrincipalFromContext(r.Context()); p != nil {
		attrs = append(attrs, "actor_id", p.ID, "actor_email", p.Email, "actor_role", p.Role.String())
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

// recordEvent stamps ev with the request's actor and metadata and hands it to
// rec. A nil recorder drops the event.
func recordEvent(r *http.Request, rec auth.Recorder, ev audit.Event) {
	if rec == nil {
		return
	}
	if p := auth.PrincipalFromContext(r.Context()); p != nil && ev.ActorID == "" {
		ev.ActorID = p.ID
	}
	rec.Record(audit.Stamp(r.Context(), ev))
}
