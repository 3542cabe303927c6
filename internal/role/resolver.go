package role

import (
	"context"
	"log/slog"
	"strings"
)

// Metadata is the invitation metadata attached to an account at creation.
type Metadata struct {
	InvitedAs string `json:"invited_as,omitempty"`
}

// Signals is what the account store knows about an account's role.
type Signals struct {
	StoredRole string   // role column on the profile, "" when unset
	Metadata   Metadata // stored invitation metadata
}

// Source supplies the stored facts the resolver reads.
type Source interface {
	RoleSignals(ctx context.Context, accountID string) (Signals, error)
	CountOwnedProperties(ctx context.Context, accountID string) (int, error)
}

// Resolver computes an account's effective role. It is read-only and safe for
// concurrent use; the admin allow-list is fixed at construction.
type Resolver struct {
	source Source
	admins map[string]struct{}
}

// NewResolver creates a Resolver. adminEmails is copied.
func NewResolver(source Source, adminEmails []string) *Resolver {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			admins[e] = struct{}{}
		}
	}
	return &Resolver{source: source, admins: admins}
}

// IsAllowListed reports whether email is on the administrator allow-list.
func (r *Resolver) IsAllowListed(email string) bool {
	_, ok := r.admins[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Resolve returns the effective role, first match wins:
//
//  1. the role stored on the profile
//  2. the administrator allow-list
//  3. invitation metadata (meta first, then stored metadata)
//  4. ownership of at least one property
//  5. Default
//
// Store errors are logged and the failing step is skipped, so Resolve always
// returns a valid role.
func (r *Resolver) Resolve(ctx context.Context, accountID, email string, meta Metadata) Role {
	var signals Signals
	if r.source != nil && accountID != "" {
		s, err := r.source.RoleSignals(ctx, accountID)
		if err != nil {
			slog.WarnContext(ctx, "role signals lookup failed", "account_id", accountID, "error", err)
		} else {
			signals = s
		}
	}

	if stored, ok := Parse(signals.StoredRole); ok {
		return stored
	}

	if r.IsAllowListed(email) {
		return Admin
	}

	if invited, ok := invitedRole(meta); ok {
		return invited
	}
	if invited, ok := invitedRole(signals.Metadata); ok {
		return invited
	}

	if r.source != nil && accountID != "" {
		n, err := r.source.CountOwnedProperties(ctx, accountID)
		if err != nil {
			slog.WarnContext(ctx, "owned property count failed", "account_id", accountID, "error", err)
		} else if n > 0 {
			return Owner
		}
	}

	return Default
}

// invitedRole honours only the roles an invitation may grant.
func invitedRole(m Metadata) (Role, bool) {
	r, ok := Parse(m.InvitedAs)
	if !ok {
		return "", false
	}
	if r != Tenant && r != Owner {
		return "", false
	}
	return r, true
}
