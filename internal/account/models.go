package account

import (
	"time"

	"github.com/alecgard/rentdesk/internal/role"
)

// Profile extends an account with its role and status flags.
type Profile struct {
	Role        string    `json:"role,omitempty"` // "" when no role is stored
	Active      bool      `json:"active"`
	Blocked     bool      `json:"blocked"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Account represents a registered or invited user account.
type Account struct {
	ID           string        `json:"id"`
	Email        string        `json:"email"`
	PasswordHash string        `json:"-"`
	Metadata     role.Metadata `json:"metadata"`
	Profile      Profile       `json:"profile"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Enabled reports whether the account may sign in.
func (a *Account) Enabled() bool {
	return a.Profile.Active && !a.Profile.Blocked
}

// CreateAccountInput holds the fields required to create a new account.
// Password may be empty for invited accounts that sign in by magic link.
type CreateAccountInput struct {
	Email       string        `json:"email"`
	Password    string        `json:"password"`
	DisplayName string        `json:"display_name"`
	Role        string        `json:"role"`
	Metadata    role.Metadata `json:"metadata"`
}

// StatusInput holds optional profile flag updates.
type StatusInput struct {
	Active  *bool `json:"active,omitempty"`
	Blocked *bool `json:"blocked,omitempty"`
}

// Property is the minimal property record used for ownership checks.
type Property struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}
