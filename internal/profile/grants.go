package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/samber/lo"
)

// ErrTrialUsed is returned when a user who already had a trial asks for
// another.
var ErrTrialUsed = errors.New("profile: trial already used")

// GrantKind is how a user obtained priority.
type GrantKind string

const (
	GrantSubscription GrantKind = "subscription"
	GrantTrial        GrantKind = "trial"
)

// ParseGrantKind parses a grant kind name.
func ParseGrantKind(s string) (GrantKind, error) {
	switch k := GrantKind(s); k {
	case GrantSubscription, GrantTrial:
		return k, nil
	}
	return "", fmt.Errorf("profile: unknown grant kind %q", s)
}

// Grant is a time-bounded priority entitlement.
type Grant struct {
	UserID    string
	Kind      GrantKind
	GrantedAt time.Time
	ExpiresAt time.Time
}

// GrantStore records priority grants.
type GrantStore interface {
	// Grant stores g. Trials are limited to one per user.
	Grant(ctx context.Context, g Grant) error
	// ActiveUntil returns the latest expiry among grants still active at now.
	ActiveUntil(ctx context.Context, userID string, now time.Time) (time.Time, bool, error)
	// Revoke deletes every grant of the user and reports how many there were.
	Revoke(ctx context.Context, userID string) (int, error)
}

// MemoryGrantStore keeps grants in process memory.
type MemoryGrantStore struct {
	mu     sync.Mutex
	grants map[string][]Grant
	trials map[string]bool
}

func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{
		grants: make(map[string][]Grant),
		trials: make(map[string]bool),
	}
}

func (s *MemoryGrantStore) Grant(_ context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.Kind == GrantTrial {
		if s.trials[g.UserID] {
			return ErrTrialUsed
		}
		s.trials[g.UserID] = true
	}
	s.grants[g.UserID] = append(s.grants[g.UserID], g)
	return nil
}

func (s *MemoryGrantStore) ActiveUntil(_ context.Context, userID string, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := lo.Filter(s.grants[userID], func(g Grant, _ int) bool { return g.ExpiresAt.After(now) })
	if len(active) == 0 {
		return time.Time{}, false, nil
	}
	latest := lo.MaxBy(active, func(a, b Grant) bool { return a.ExpiresAt.After(b.ExpiresAt) })
	return latest.ExpiresAt, true, nil
}

// Revoke removes grants but remembers that a trial was used.
func (s *MemoryGrantStore) Revoke(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.grants[userID])
	delete(s.grants, userID)
	return n, nil
}

// PostgresGrantStore keeps grants in the priority_grants table.
type PostgresGrantStore struct {
	db *sql.DB
}

func NewPostgresGrantStore(db *sql.DB) *PostgresGrantStore {
	return &PostgresGrantStore{db: db}
}

// uniqueViolation is the Postgres SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

func (s *PostgresGrantStore) Grant(ctx context.Context, g Grant) error {
	grantedAt := g.GrantedAt
	if grantedAt.IsZero() {
		grantedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO priority_grants (user_id, kind, granted_at, expires_at) VALUES ($1, $2, $3, $4)`,
		g.UserID, string(g.Kind), grantedAt, g.ExpiresAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrTrialUsed
	}
	if err != nil {
		return fmt.Errorf("profile: insert grant for %s: %w", g.UserID, err)
	}
	return nil
}

func (s *PostgresGrantStore) ActiveUntil(ctx context.Context, userID string, now time.Time) (time.Time, bool, error) {
	var until sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT max(expires_at) FROM priority_grants WHERE user_id = $1 AND expires_at > $2`,
		userID, now).Scan(&until)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("profile: active grant for %s: %w", userID, err)
	}
	if !until.Valid {
		return time.Time{}, false, nil
	}
	return until.Time, true, nil
}

// Revoke deletes non-trial grants and expires trials in place, so the
// one-trial rule survives a revoke.
func (s *PostgresGrantStore) Revoke(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("profile: revoke %s: %w", userID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM priority_grants WHERE user_id = $1 AND kind <> 'trial'`, userID)
	if err != nil {
		return 0, fmt.Errorf("profile: revoke %s: %w", userID, err)
	}
	deleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE priority_grants SET expires_at = now() WHERE user_id = $1 AND kind = 'trial' AND expires_at > now()`, userID)
	if err != nil {
		return 0, fmt.Errorf("profile: revoke %s: %w", userID, err)
	}
	expired, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("profile: revoke %s: %w", userID, err)
	}
	return int(deleted + expired), nil
}
