package account

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/rentdesk/internal/auth"
)

// AuthAdapter wraps a Store to satisfy auth.CredentialStore.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges account.Store to auth.CredentialStore.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetAccountByEmail looks up an account by email and converts to auth.Account.
func (a *AuthAdapter) GetAccountByEmail(ctx context.Context, email string) (*auth.Account, error) {
	acct, err := a.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, mapNotFound(err, auth.ErrNotFound)
	}
	return toAuth(acct), nil
}

// GetAccountByID looks up an account by id and converts to auth.Account.
func (a *AuthAdapter) GetAccountByID(ctx context.Context, id string) (*auth.Account, error) {
	acct, err := a.store.GetByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, auth.ErrNotFound)
	}
	return toAuth(acct), nil
}

// StoreResetToken stores the hash of a reset token on the account.
func (a *AuthAdapter) StoreResetToken(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	return mapNotFound(a.store.SetResetToken(ctx, accountID, hash, expiresAt), auth.ErrNotFound)
}

// ConsumeResetToken swaps the password of the account holding the token.
func (a *AuthAdapter) ConsumeResetToken(ctx context.Context, hash, passwordHash string, now time.Time) (string, error) {
	id, err := a.store.ConsumeResetToken(ctx, hash, passwordHash, now)
	if err != nil {
		return "", mapNotFound(err, auth.ErrInvalidOrExpiredToken)
	}
	return id, nil
}

// StoreLoginCode stores the hash of a magic-link code.
func (a *AuthAdapter) StoreLoginCode(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	return a.store.CreateLoginCode(ctx, accountID, hash, expiresAt)
}

// ConsumeLoginCode deletes the login code and returns its account id.
func (a *AuthAdapter) ConsumeLoginCode(ctx context.Context, hash string, now time.Time) (string, error) {
	id, err := a.store.ConsumeLoginCode(ctx, hash, now)
	if err != nil {
		return "", mapNotFound(err, auth.ErrInvalidOrExpiredToken)
	}
	return id, nil
}

func mapNotFound(err, target error) error {
	if errors.Is(err, ErrNotFound) {
		return target
	}
	return err
}

func toAuth(acct *Account) *auth.Account {
	return &auth.Account{
		ID:           acct.ID,
		Email:        acct.Email,
		PasswordHash: acct.PasswordHash,
		Metadata:     acct.Metadata,
		Active:       acct.Profile.Active,
		Blocked:      acct.Profile.Blocked,
	}
}
