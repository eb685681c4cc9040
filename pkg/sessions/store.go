// Package sessions is the durable per-system session store. A session row is
// created on login or SSO consumption, touched by the validation middleware,
// optionally refreshed, and either terminated (is_active = false) or deleted
// by the sweeper. Every path that creates or ends sessions keeps the user's
// is_user_login flag equal to "has at least one active, unexpired session".
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
)

// AllSystems targets every system in Terminate
const AllSystems auth.System = "all"

// DefaultTTL is the session lifetime and the sliding-window refresh length
const DefaultTTL = 7 * 24 * time.Hour

const createAttempts = 3

// Session is one login on one system from one device
type Session struct {
	ID           string      `json:"id"`
	UserID       int64       `json:"user_id"`
	System       auth.System `json:"system"`
	SessionToken string      `json:"-"`
	DeviceInfo   string      `json:"device_info"`
	IPAddress    string      `json:"ip_address"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	ExpiresAt    time.Time   `json:"expires_at"`
	IsActive     bool        `json:"is_active"`
}

// ClientInfo describes the device and address a session is created for
type ClientInfo struct {
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// Live reports whether the session is active and unexpired at now
func (s *Session) Live(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

// Store persists sessions
type Store struct {
	q       storage.DBTX
	tokens  *auth.TokenGenerator
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// NewStore creates a session store with the given lifetime
func NewStore(q storage.DBTX, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		q:      q,
		tokens: auth.NewTokenGenerator(),
		ttl:    ttl,
		now:    time.Now,
	}
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

// WithMetrics records session creation and termination counts
func (s *Store) WithMetrics(m *observability.Metrics) *Store {
	s.metrics = m
	return s
}

// TTL returns the configured session lifetime
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create inserts a new active session and marks the user as logged in.
// source labels the creation path in metrics ("login", "preprovision",
// "sso"). A session token collision is retried with a fresh secret; the
// insert skips conflicting rows instead of failing, so a collision never
// aborts the caller's transaction.
func (s *Store) Create(ctx context.Context, userID int64, system auth.System, deviceInfo, ipAddress, source string) (*Session, error) {
	if !system.Valid() {
		return nil, auth.ErrInvalidTarget
	}

	now := s.timestamp()
	sess := &Session{
		UserID:       userID,
		System:       system,
		DeviceInfo:   deviceInfo,
		IPAddress:    ipAddress,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		IsActive:     true,
	}

	err := s.atomically(ctx, func(st *Store) error {
		if err := st.lockUser(ctx, userID); err != nil {
			return err
		}
		if err := st.insert(ctx, sess); err != nil {
			return err
		}
		_, err := st.MarkLoggedIn(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordSessionCreated(string(system), source)
	}
	return sess, nil
}

func (s *Store) insert(ctx context.Context, sess *Session) error {
	for attempt := 0; attempt < createAttempts; attempt++ {
		token, err := s.tokens.SessionToken()
		if err != nil {
			return err
		}
		sess.ID = uuid.New().String()
		sess.SessionToken = token

		res, err := s.q.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, system, session_token, device_info, ip_address,
				created_at, last_activity, expires_at, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
			ON CONFLICT DO NOTHING`,
			sess.ID, sess.UserID, string(sess.System), sess.SessionToken, sess.DeviceInfo, sess.IPAddress,
			sess.CreatedAt, sess.LastActivity, sess.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("failed to create session: token collision after %d attempts", createAttempts)
}

// lockUser takes the user's row lock for the rest of the transaction.
// Every path that creates sessions or recomputes the login flag takes it
// first, so a flag recompute cannot count sessions while a concurrent
// create is still uncommitted.
func (s *Store) lockUser(ctx context.Context, userID int64) error {
	if _, err := s.q.ExecContext(ctx, `UPDATE users SET updated_at = updated_at WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

// atomically runs fn in a transaction when the store is not already bound
// to one
func (s *Store) atomically(ctx context.Context, fn func(*Store) error) error {
	db, ok := s.q.(storage.TxBeginner)
	if !ok {
		return fn(s)
	}
	return storage.RunInTx(ctx, db, func(tx *sql.Tx) error {
		return fn(s.WithTx(tx))
	})
}

// FindActive returns the most recent active, unexpired session for the
// user on system, or nil when there is none
func (s *Store) FindActive(ctx context.Context, userID int64, system auth.System) (*Session, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM sessions
		WHERE user_id = $1 AND system = $2 AND is_active = TRUE AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1`,
		userID, string(system), s.timestamp())

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	return sess, nil
}

// ActiveSystems reports which systems the user holds a live session on
func (s *Store) ActiveSystems(ctx context.Context, userID int64) (map[auth.System]bool, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT system FROM sessions
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2`,
		userID, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to query active systems: %w", err)
	}
	defer rows.Close()

	out := make(map[auth.System]bool, len(auth.AllSystems))
	for _, sys := range auth.AllSystems {
		out[sys] = false
	}
	for rows.Next() {
		var sys string
		if err := rows.Scan(&sys); err != nil {
			return nil, fmt.Errorf("failed to scan system: %w", err)
		}
		out[auth.System(sys)] = true
	}
	return out, rows.Err()
}

// ListActive returns the user's live sessions, newest first
func (s *Store) ListActive(ctx context.Context, userID int64) ([]*Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM sessions
		WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2
		ORDER BY created_at DESC`,
		userID, s.timestamp())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Touch records activity on the session. last_activity never moves
// backwards and expires_at is left alone.
func (s *Store) Touch(ctx context.Context, sess *Session) error {
	now := s.timestamp()
	_, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET last_activity = $1 WHERE id = $2 AND last_activity < $1`,
		now, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
	}
	return nil
}

// Refresh slides the expiry window to now + TTL and records activity. An
// inactive or already expired session cannot be refreshed.
func (s *Store) Refresh(ctx context.Context, sess *Session) error {
	now := s.timestamp()
	expires := now.Add(s.ttl)
	res, err := s.q.ExecContext(ctx, `
		UPDATE sessions
		SET expires_at = $1,
			last_activity = CASE WHEN last_activity < $2 THEN $2 ELSE last_activity END
		WHERE id = $3 AND is_active = TRUE AND expires_at > $2`,
		expires, now, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to refresh session: %w", err)
	}
	if n == 0 {
		return auth.ErrSessionExpired
	}
	sess.ExpiresAt = expires
	if now.After(sess.LastActivity) {
		sess.LastActivity = now
	}
	return nil
}

// Terminate deactivates the user's sessions on target, or on every system
// when target is AllSystems, then recomputes the login flag. It returns how
// many sessions were ended and how many live sessions remain. Terminating
// nothing is not an error.
func (s *Store) Terminate(ctx context.Context, userID int64, target auth.System) (terminated, remaining int, err error) {
	if target != AllSystems && !target.Valid() {
		return 0, 0, auth.ErrInvalidTarget
	}

	err = s.atomically(ctx, func(st *Store) error {
		if err := st.lockUser(ctx, userID); err != nil {
			return err
		}

		var res sql.Result
		var err error
		if target == AllSystems {
			res, err = st.q.ExecContext(ctx,
				`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND is_active = TRUE`,
				userID)
		} else {
			res, err = st.q.ExecContext(ctx,
				`UPDATE sessions SET is_active = FALSE WHERE user_id = $1 AND system = $2 AND is_active = TRUE`,
				userID, string(target))
		}
		if err != nil {
			return fmt.Errorf("failed to terminate sessions: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to terminate sessions: %w", err)
		}
		terminated = int(n)

		_, remaining, err = st.recompute(ctx, userID)
		return err
	})
	if err != nil {
		return 0, 0, err
	}

	if s.metrics != nil {
		s.metrics.RecordSessionsTerminated(string(target), terminated)
	}
	return terminated, remaining, nil
}

// CountActive counts the user's live sessions across all systems
func (s *Store) CountActive(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND is_active = TRUE AND expires_at > $2`,
		userID, s.timestamp()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return n, nil
}

// MarkLoggedIn sets the login flag if it is not already set. It reports
// whether the stored flag had to change.
func (s *Store) MarkLoggedIn(ctx context.Context, userID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE users SET is_user_login = TRUE, updated_at = $1 WHERE id = $2 AND is_user_login = FALSE`,
		s.timestamp(), userID)
	if err != nil {
		return false, fmt.Errorf("failed to set login flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set login flag: %w", err)
	}
	return n > 0, nil
}

// RecomputeLoginFlag derives is_user_login from a fresh count of live
// sessions and stores it. It returns the flag and the count.
func (s *Store) RecomputeLoginFlag(ctx context.Context, userID int64) (loggedIn bool, count int, err error) {
	err = s.atomically(ctx, func(st *Store) error {
		if err := st.lockUser(ctx, userID); err != nil {
			return err
		}
		loggedIn, count, err = st.recompute(ctx, userID)
		return err
	})
	if err != nil {
		return false, 0, err
	}
	return loggedIn, count, nil
}

// recompute expects the caller to hold the user's row lock
func (s *Store) recompute(ctx context.Context, userID int64) (bool, int, error) {
	count, err := s.CountActive(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	loggedIn := count > 0
	_, err = s.q.ExecContext(ctx,
		`UPDATE users SET is_user_login = $1, updated_at = $2 WHERE id = $3 AND is_user_login <> $1`,
		loggedIn, s.timestamp(), userID)
	if err != nil {
		return false, 0, fmt.Errorf("failed to update login flag: %w", err)
	}
	return loggedIn, count, nil
}

// DeleteExpiredOrStale removes every session past its expiry or idle since
// before staleBefore, in one statement. It returns the number of rows
// deleted and the distinct owners affected.
func (s *Store) DeleteExpiredOrStale(ctx context.Context, staleBefore time.Time) (int, []int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`DELETE FROM sessions WHERE expires_at < $1 OR last_activity < $2 RETURNING user_id`,
		s.timestamp(), staleBefore.UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	defer rows.Close()

	deleted := 0
	seen := make(map[int64]struct{})
	var owners []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return deleted, owners, fmt.Errorf("failed to scan deleted session: %w", err)
		}
		deleted++
		if _, ok := seen[userID]; !ok {
			seen[userID] = struct{}{}
			owners = append(owners, userID)
		}
	}
	return deleted, owners, rows.Err()
}

const selectColumns = `id, user_id, system, session_token, device_info, ip_address,
	created_at, last_activity, expires_at, is_active`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess   Session
		system string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &system, &sess.SessionToken, &sess.DeviceInfo, &sess.IPAddress,
		&sess.CreatedAt, &sess.LastActivity, &sess.ExpiresAt, &sess.IsActive)
	if err != nil {
		return nil, err
	}
	sess.System = auth.System(system)
	return &sess, nil
}
