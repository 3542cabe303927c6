package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/rentdesk/internal/role"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned when no row matches a lookup or conditional update.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned when an account with the same email exists.
	ErrEmailTaken = errors.New("email already registered")
)

const uniqueViolation = "23505"

const selectAccount = `SELECT a.id, a.email, a.password_hash, a.metadata, a.created_at,
	p.role, p.active, p.blocked, p.display_name, p.created_at, p.updated_at
	FROM accounts a LEFT JOIN profiles p ON p.account_id = a.id`

// Store provides database operations for accounts, profiles and one-time tokens.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new account store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scanAccount scans an account row joined with its (possibly missing) profile.
func scanAccount(scan func(dest ...any) error) (*Account, error) {
	a := &Account{}
	var (
		passwordHash *string
		metadataJSON []byte
		profileRole  *string
		active       *bool
		blocked      *bool
		displayName  *string
		pCreated     *time.Time
		pUpdated     *time.Time
	)
	err := scan(&a.ID, &a.Email, &passwordHash, &metadataJSON, &a.CreatedAt,
		&profileRole, &active, &blocked, &displayName, &pCreated, &pUpdated)
	if err != nil {
		return nil, err
	}
	if passwordHash != nil {
		a.PasswordHash = *passwordHash
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}

	// An account without a profile row behaves as active and unblocked.
	a.Profile = Profile{Active: true}
	if profileRole != nil {
		a.Profile.Role = *profileRole
	}
	if active != nil {
		a.Profile.Active = *active
	}
	if blocked != nil {
		a.Profile.Blocked = *blocked
	}
	if displayName != nil {
		a.Profile.DisplayName = *displayName
	}
	if pCreated != nil {
		a.Profile.CreatedAt = *pCreated
	}
	if pUpdated != nil {
		a.Profile.UpdatedAt = *pUpdated
	}
	return a, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Create inserts a new account and its profile in one transaction.
func (s *Store) Create(ctx context.Context, in CreateAccountInput) (*Account, error) {
	var passwordHash *string
	if in.Password != "" {
		hash, err := HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		passwordHash = &hash
	}

	var profileRole *string
	if in.Role != "" {
		r, ok := role.Parse(in.Role)
		if !ok {
			return nil, fmt.Errorf("invalid role %q", in.Role)
		}
		v := r.String()
		profileRole = &v
	}

	metadataJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	var id string
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO accounts (email, password_hash, metadata)
			 VALUES ($1, $2, $3) RETURNING id`,
			NormalizeEmail(in.Email), passwordHash, metadataJSON,
		).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO profiles (account_id, role, display_name) VALUES ($1, $2, $3)`,
			id, profileRole, in.DisplayName,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID retrieves an account by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Account, error) {
	a, err := scanAccount(func(dest ...any) error {
		return s.pool.QueryRow(ctx, selectAccount+` WHERE a.id = $1`, id).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting account by id: %w", notFound(err))
	}
	return a, nil
}

// GetByEmail retrieves an account by email address, case-insensitively.
func (s *Store) GetByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := scanAccount(func(dest ...any) error {
		return s.pool.QueryRow(ctx, selectAccount+` WHERE lower(a.email) = $1`, NormalizeEmail(email)).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting account by email: %w", notFound(err))
	}
	return a, nil
}

// List returns all accounts ordered by created_at DESC.
func (s *Store) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.pool.Query(ctx, selectAccount+` ORDER BY a.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning account row: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetRole stores an explicit role on the account's profile, creating the
// profile row if it is missing.
func (s *Store) SetRole(ctx context.Context, id string, r role.Role) (*Account, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %q", r)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (account_id, role) VALUES ($1, $2)
		 ON CONFLICT (account_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()`,
		id, r.String())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("setting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// SetStatus performs a partial update of the profile flags.
func (s *Store) SetStatus(ctx context.Context, id string, in StatusInput) (*Account, error) {
	var setClauses []string
	var args []any
	argIdx := 1

	if in.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *in.Active)
		argIdx++
	}
	if in.Blocked != nil {
		setClauses = append(setClauses, fmt.Sprintf("blocked = $%d", argIdx))
		args = append(args, *in.Blocked)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE profiles SET %s, updated_at = now() WHERE account_id = $%d`,
		strings.Join(setClauses, ", "), argIdx,
	)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetByID(ctx, id)
}

// SetPassword replaces the password hash and clears any pending reset token.
func (s *Store) SetPassword(ctx context.Context, id, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $1, reset_token_hash = NULL, reset_token_expires_at = NULL
		 WHERE id = $2`, hash, id)
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetResetToken stores the hash and expiry of a password-reset token,
// replacing any earlier one.
func (s *Store) SetResetToken(ctx context.Context, id, hash string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET reset_token_hash = $1, reset_token_expires_at = $2 WHERE id = $3`,
		hash, expiresAt, id)
	if err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeResetToken sets a new password hash on the account holding an
// unexpired reset token with the given hash, clearing the token in the same
// statement. Concurrent consumers race on the row; only one sees it.
func (s *Store) ConsumeResetToken(ctx context.Context, hash, passwordHash string, now time.Time) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`UPDATE accounts
		 SET password_hash = $2, reset_token_hash = NULL, reset_token_expires_at = NULL
		 WHERE reset_token_hash = $1 AND reset_token_expires_at > $3
		 RETURNING id`,
		hash, passwordHash, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("consuming reset token: %w", notFound(err))
	}
	return id, nil
}

// CreateLoginCode stores the hash of a magic-link code.
func (s *Store) CreateLoginCode(ctx context.Context, accountID, hash string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO login_codes (code_hash, account_id, expires_at) VALUES ($1, $2, $3)`,
		hash, accountID, expiresAt)
	if err != nil {
		return fmt.Errorf("creating login code: %w", err)
	}
	return nil
}

// ConsumeLoginCode deletes an unexpired login code and returns its account id.
func (s *Store) ConsumeLoginCode(ctx context.Context, hash string, now time.Time) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM login_codes WHERE code_hash = $1 AND expires_at > $2 RETURNING account_id`,
		hash, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("consuming login code: %w", notFound(err))
	}
	return id, nil
}

// CleanExpiredLoginCodes deletes all login codes that have expired.
func (s *Store) CleanExpiredLoginCodes(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM login_codes WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning expired login codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RoleSignals returns the stored role and invitation metadata of an account.
func (s *Store) RoleSignals(ctx context.Context, accountID string) (role.Signals, error) {
	var (
		stored       *string
		metadataJSON []byte
		sig          role.Signals
	)
	err := s.pool.QueryRow(ctx,
		`SELECT p.role, a.metadata FROM accounts a
		 LEFT JOIN profiles p ON p.account_id = a.id WHERE a.id = $1`, accountID,
	).Scan(&stored, &metadataJSON)
	if err != nil {
		return sig, fmt.Errorf("getting role signals: %w", notFound(err))
	}
	if stored != nil {
		sig.StoredRole = *stored
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sig.Metadata); err != nil {
			return sig, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	return sig, nil
}

// CountOwnedProperties returns the number of properties owned by accountID.
func (s *Store) CountOwnedProperties(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM properties WHERE owner_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting owned properties: %w", err)
	}
	return n, nil
}

// CreateProperty inserts a property owned by ownerID.
func (s *Store) CreateProperty(ctx context.Context, ownerID, name, address string) (*Property, error) {
	p := &Property{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO properties (owner_id, name, address) VALUES ($1, $2, $3)
		 RETURNING id, owner_id, name, address, created_at`,
		ownerID, name, address,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Address, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating property: %w", err)
	}
	return p, nil
}
