// Package auth implements sign-in, password reset and the session route guard.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/rentdesk/internal/audit"
	"github.com/alecgard/rentdesk/internal/role"
)

var (
	// ErrInvalidCredentials is returned for an unknown email, an account
	// without a password, or a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidOrExpiredToken is returned when a reset token or login code
	// has no matching unexpired record.
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	// ErrPolicyViolation is returned when a new password is too weak.
	ErrPolicyViolation = errors.New("password does not meet policy")
	// ErrUnauthorized is returned when a request carries no valid session.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a valid session may not access a path.
	ErrForbidden = errors.New("forbidden")
	// ErrUpstream wraps datastore or mail failures.
	ErrUpstream = errors.New("upstream failure")
	// ErrAccountDisabled is returned when a blocked or inactive account
	// presents correct credentials.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrNotFound is returned by a CredentialStore when no account matches.
	ErrNotFound = errors.New("account not found")
)

// Account is the credential view of an account.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Metadata     role.Metadata
	Active       bool
	Blocked      bool
}

// Enabled reports whether the account may sign in.
func (a *Account) Enabled() bool {
	return a.Active && !a.Blocked
}

// Principal is the identity attached to an authorized request.
type Principal struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Role     role.Role `json:"role"`
	IssuedAt time.Time `json:"-"`
}

// Session is a freshly issued session token.
type Session struct {
	Token     string
	ExpiresAt time.Time
	Principal Principal
}

// CredentialStore is the persistence the auth service needs. Consume methods
// return ErrInvalidOrExpiredToken when nothing matched.
type CredentialStore interface {
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccountByID(ctx context.Context, id string) (*Account, error)
	StoreResetToken(ctx context.Context, accountID, hash string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, hash, passwordHash string, now time.Time) (string, error)
	StoreLoginCode(ctx context.Context, accountID, hash string, expiresAt time.Time) error
	ConsumeLoginCode(ctx context.Context, hash string, now time.Time) (string, error)
}

// RoleResolver computes the effective role of an account. It never fails.
type RoleResolver interface {
	Resolve(ctx context.Context, accountID, email string, meta role.Metadata) role.Role
}

// CodeExchanger trades an opaque callback code for the account id it was
// issued to.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// Recorder receives audit events.
type Recorder interface {
	Record(ev audit.Event)
}

// Observer receives auth outcomes for metrics.
type Observer interface {
	AuthAttempt(kind string, success bool)
	GuardOutcome(role, outcome string)
	MailFailure(kind string)
}

type nopRecorder struct{}

func (nopRecorder) Record(audit.Event) {}

type nopObserver struct{}

func (nopObserver) AuthAttempt(string, bool) {}
func (nopObserver) GuardOutcome(string, string) {}
func (nopObserver) MailFailure(string) {}
