package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
)

const tokenColumns = `id, user_id, token_hash, target_system, expires_at, consumed, consumed_at, created_at`

// Storage handles SSO token persistence
type Storage struct {
	q storage.DBTX
}

// NewStorage creates a new SSO token storage instance
func NewStorage(q storage.DBTX) *Storage {
	return &Storage{q: q}
}

// WithTx returns a copy of the storage that runs its queries on tx
func (s *Storage) WithTx(tx storage.DBTX) *Storage {
	return &Storage{q: tx}
}

// CreateToken persists a new unconsumed token
func (s *Storage) CreateToken(ctx context.Context, t *Token) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sso_tokens (id, user_id, token_hash, target_system, expires_at, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		t.ID, t.UserID, t.TokenHash, string(t.TargetSystem), t.ExpiresAt, t.CreatedAt)
	return err
}

// ConsumeToken marks the token consumed if, and only if, it is unconsumed,
// unexpired at now and bound to target. The check and the write are one
// statement so two concurrent callers cannot both succeed. It returns nil
// when no token qualified.
func (s *Storage) ConsumeToken(ctx context.Context, tokenHash string, target auth.System, now time.Time) (*Token, error) {
	row := s.q.QueryRowContext(ctx, `
		UPDATE sso_tokens
		SET consumed = TRUE, consumed_at = $1
		WHERE token_hash = $2 AND consumed = FALSE AND expires_at > $1 AND target_system = $3
		RETURNING `+tokenColumns,
		now, tokenHash, string(target))

	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume SSO token: %w", err)
	}
	return t, nil
}

// PeekToken returns the token if it is unconsumed and unexpired at now,
// without modifying it
func (s *Storage) PeekToken(ctx context.Context, tokenHash string, now time.Time) (*Token, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM sso_tokens
		WHERE token_hash = $1 AND consumed = FALSE AND expires_at > $2`,
		tokenHash, now)

	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up SSO token: %w", err)
	}
	return t, nil
}

// DeleteReapable removes tokens that expired before now or were consumed
// before consumedBefore
func (s *Storage) DeleteReapable(ctx context.Context, now, consumedBefore time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM sso_tokens
		WHERE expires_at < $1 OR (consumed = TRUE AND consumed_at < $2)`,
		now, consumedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reap SSO tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reaped SSO tokens: %w", err)
	}
	return int(n), nil
}

func scanToken(row *sql.Row) (*Token, error) {
	var (
		t          Token
		target     string
		consumedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &target, &t.ExpiresAt, &t.Consumed, &consumedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.TargetSystem = auth.System(target)
	if consumedAt.Valid {
		ts := consumedAt.Time
		t.ConsumedAt = &ts
	}
	return &t, nil
}
