package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists audit events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of events in a single multi-row INSERT
// statement. It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			ev.Type,
			nullable(ev.AccountID),
			ev.Email,
			nullable(ev.ActorID),
			ev.IP,
			ev.RequestID,
			ev.Success,
			ev.Detail,
			ev.CreatedAt,
		)
	}

	query := `INSERT INTO auth_events
		(type, account_id, email, actor_id, ip, request_id, success, detail, created_at)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting audit events: %w", err)
	}
	return nil
}

// ListRecent returns the newest events, optionally filtered by account.
func (s *Store) ListRecent(ctx context.Context, accountID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT type, COALESCE(account_id::text, ''), email, COALESCE(actor_id::text, ''),
		ip, request_id, success, detail, created_at FROM auth_events`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var created time.Time
		if err := rows.Scan(&ev.Type, &ev.AccountID, &ev.Email, &ev.ActorID,
			&ev.IP, &ev.RequestID, &ev.Success, &ev.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		ev.CreatedAt = created
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
