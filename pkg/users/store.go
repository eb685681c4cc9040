// Package users reads and writes the shared user aggregate. Every load
// returns a field-guard snapshot and every save reconciles against it, so a
// write from one system cannot silently erase protected fields written by
// the other.
package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/fieldguard"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
)

const selectColumns = `id, email, username, password_hash, role, is_active, is_user_login,
	last_login_at, system_affiliation, institution_role, primary_institution_id,
	institution_ids, is_institution_member, created_at, updated_at`

// Store is the SQL user repository
type Store struct {
	q     storage.DBTX
	guard *fieldguard.Guard
	now   func() time.Time
}

// NewStore creates a user store. A nil guard gets one that discards events.
func NewStore(q storage.DBTX, guard *fieldguard.Guard) *Store {
	if guard == nil {
		guard = fieldguard.New(nil)
	}
	return &Store{q: q, guard: guard, now: time.Now}
}

// WithTx returns a copy of the store that runs its queries on tx
func (s *Store) WithTx(tx storage.DBTX) *Store {
	c := *s
	c.q = tx
	return &c
}

// WithClock overrides the time source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Load fetches a user by ID and snapshots its protected fields
func (s *Store) Load(ctx context.Context, id int64) (*auth.User, fieldguard.Snapshot, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id)
	return s.scanLoaded(row)
}

// LoadByEmail fetches a user by email, case-insensitively
func (s *Store) LoadByEmail(ctx context.Context, email string) (*auth.User, fieldguard.Snapshot, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM users WHERE LOWER(email) = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return s.scanLoaded(row)
}

func (s *Store) scanLoaded(row *sql.Row) (*auth.User, fieldguard.Snapshot, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fieldguard.Snapshot{}, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, fieldguard.Snapshot{}, fmt.Errorf("failed to load user: %w", err)
	}
	return u, s.guard.Snapshot(u), nil
}

// Save reconciles u against snap and persists the mutable columns. It
// returns the guard events raised by the reconciliation.
func (s *Store) Save(ctx context.Context, u *auth.User, snap fieldguard.Snapshot) ([]fieldguard.Event, error) {
	events := s.guard.Reconcile(ctx, snap, u)

	ids := u.InstitutionIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return events, fmt.Errorf("failed to encode institution ids: %w", err)
	}

	u.UpdatedAt = s.timestamp()
	res, err := s.q.ExecContext(ctx, `
		UPDATE users SET
			username = $1, role = $2, is_active = $3,
			system_affiliation = $4, institution_role = $5, primary_institution_id = $6,
			institution_ids = $7, is_institution_member = $8, updated_at = $9
		WHERE id = $10`,
		u.Username, string(u.Role), u.IsActive,
		nullString(u.SystemAffiliation), nullString(u.InstitutionRole), nullInt64(u.PrimaryInstitutionID),
		string(idsJSON), nullBool(u.IsInstitutionMember), u.UpdatedAt,
		u.ID)
	if err != nil {
		return events, fmt.Errorf("failed to save user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return events, fmt.Errorf("failed to save user: %w", err)
	}
	if n == 0 {
		return events, auth.ErrUserNotFound
	}
	return events, nil
}

// Lock takes the row lock on the user for the rest of the enclosing
// transaction. Call it before Load when the load feeds a Save.
func (s *Store) Lock(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `UPDATE users SET updated_at = updated_at WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	if n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

// RecordLogin stamps last_login_at and sets the login flag
func (s *Store) RecordLogin(ctx context.Context, id int64) (time.Time, error) {
	now := s.timestamp()
	_, err := s.q.ExecContext(ctx,
		`UPDATE users SET last_login_at = $1, is_user_login = TRUE, updated_at = $1 WHERE id = $2`,
		now, id)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to record login: %w", err)
	}
	return now, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*auth.User, error) {
	var (
		u           auth.User
		role        string
		lastLogin   sql.NullTime
		affiliation sql.NullString
		instRole    sql.NullString
		primary     sql.NullInt64
		idsJSON     sql.NullString
		member      sql.NullBool
	)
	err := row.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &role, &u.IsActive, &u.IsUserLogin,
		&lastLogin, &affiliation, &instRole, &primary,
		&idsJSON, &member, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}

	u.Role = auth.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	u.SystemAffiliation = affiliation.String
	u.InstitutionRole = instRole.String
	if primary.Valid {
		v := primary.Int64
		u.PrimaryInstitutionID = &v
	}
	if member.Valid {
		v := member.Bool
		u.IsInstitutionMember = &v
	}
	if idsJSON.Valid && idsJSON.String != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &u.InstitutionIDs); err != nil {
			return nil, fmt.Errorf("invalid institution_ids for user %d: %w", u.ID, err)
		}
		if len(u.InstitutionIDs) == 0 {
			u.InstitutionIDs = nil
		}
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}
