package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/sessionbridge/pkg/async"
	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
	"github.com/platinummonkey/sessionbridge/pkg/users"
)

const tokenInsertAttempts = 3

// Config holds the exchange settings for one deployment
type Config struct {
	// LocalSystem is the system this process serves. Tokens are issued for
	// the other system and only tokens targeting this one are consumed here.
	LocalSystem auth.System
	TokenTTL    time.Duration
	Retention   time.Duration

	// RedirectBase maps each system to the base URL its users are sent to
	RedirectBase map[auth.System]string
	CallbackPath string
}

// Exchange issues, consumes, peeks at and reaps SSO handoff tokens
type Exchange struct {
	db       *sql.DB
	tokens   *Storage
	sessions *sessions.Store
	users    *users.Store
	issuer   *auth.CredentialIssuer
	gen      *auth.TokenGenerator
	cfg      Config

	logger  *observability.Logger
	metrics *observability.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Exchange
type Option func(*Exchange)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(e *Exchange) { e.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Exchange) { e.metrics = m }
}

// WithAuditLogger sets where issue and consume outcomes are recorded
func WithAuditLogger(a audit.Logger) Option {
	return func(e *Exchange) { e.audit = a }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// NewExchange wires the exchange to its stores
func NewExchange(db *sql.DB, sessionStore *sessions.Store, userStore *users.Store, issuer *auth.CredentialIssuer, cfg Config, opts ...Option) *Exchange {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	e := &Exchange{
		db:       db,
		tokens:   NewStorage(db),
		sessions: sessionStore,
		users:    userStore,
		issuer:   issuer,
		gen:      auth.NewTokenGenerator(),
		cfg:      cfg,
		logger:   observability.NewNopLogger(),
		audit:    audit.NoOpLogger{},
		tracer:   otel.Tracer("github.com/platinummonkey/sessionbridge/pkg/sso"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LocalSystem returns the system this exchange consumes tokens for
func (e *Exchange) LocalSystem() auth.System {
	return e.cfg.LocalSystem
}

func (e *Exchange) timestamp() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

// Issue creates a handoff token that lets userID open a session on target.
// The user must exist, be active and currently logged in, and target must
// be the other system.
func (e *Exchange) Issue(ctx context.Context, userID int64, target auth.System) (*IssueResult, error) {
	ctx, span := e.tracer.Start(ctx, "sso.Issue", trace.WithAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("sso.target_system", string(target)),
	))
	defer span.End()

	if !target.Valid() || target == e.cfg.LocalSystem {
		return nil, auth.ErrInvalidTarget
	}

	user, _, err := e.users.Load(ctx, userID)
	if err != nil {
		return nil, recordSpanError(span, err)
	}
	if !user.IsActive {
		return nil, auth.ErrAccountDeactivated
	}
	if !user.IsUserLogin {
		return nil, auth.ErrNotLoggedIn
	}

	now := e.timestamp()
	tok := &Token{
		UserID:       userID,
		TargetSystem: target,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.TokenTTL),
	}

	var raw string
	for attempt := 0; attempt < tokenInsertAttempts; attempt++ {
		raw, tok.TokenHash, err = e.gen.SSOToken()
		if err != nil {
			return nil, recordSpanError(span, err)
		}
		tok.ID = uuid.New().String()
		err = e.tokens.CreateToken(ctx, tok)
		if err == nil || !storage.IsUniqueViolation(err) {
			break
		}
	}
	if err != nil {
		return nil, recordSpanError(span, fmt.Errorf("failed to create SSO token: %w", err))
	}

	existing, err := e.sessions.FindActive(ctx, userID, target)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	redirect, err := e.redirectURL(target, raw)
	if err != nil {
		return nil, recordSpanError(span, err)
	}

	if e.metrics != nil {
		e.metrics.RecordTokenIssued(string(target))
	}
	e.record(ctx, audit.EventTypeSSOTokenIssue, audit.EventStatusSuccess, userID, target, tok.ID, "")

	return &IssueResult{
		Token:              raw,
		ExpiresIn:          int(e.cfg.TokenTTL / time.Second),
		ExpiresAt:          tok.ExpiresAt,
		RedirectURL:        redirect,
		TargetSystem:       target,
		HasExistingSession: existing != nil,
	}, nil
}

func (e *Exchange) redirectURL(target auth.System, raw string) (string, error) {
	base := strings.TrimRight(e.cfg.RedirectBase[target], "/")
	if base == "" {
		return "", fmt.Errorf("no redirect URL configured for system %s", target)
	}
	u, err := url.Parse(base + e.cfg.CallbackPath)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL for system %s: %w", target, err)
	}
	q := u.Query()
	q.Set("sso_token", raw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Consume redeems raw for a session on consumingSystem. The token is marked
// consumed, the user re-checked, a session found or created and a new
// credential minted, all in one transaction. Unknown, consumed, expired and
// wrongly targeted tokens all fail with ErrTokenInvalidOrExpired. If the
// user check fails the transaction rolls back and the token stays unused.
func (e *Exchange) Consume(ctx context.Context, raw string, consumingSystem auth.System, client sessions.ClientInfo) (*ConsumeResult, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "sso.Consume", trace.WithAttributes(
		attribute.String("sso.consuming_system", string(consumingSystem)),
	))
	defer span.End()

	result, tokenID, userID, err := e.consume(ctx, raw, consumingSystem, client)

	outcome := consumeOutcome(err)
	if e.metrics != nil {
		e.metrics.RecordConsume(outcome, time.Since(start))
	}
	span.SetAttributes(attribute.String("sso.outcome", outcome))

	if err != nil {
		recordSpanError(span, err)
		e.record(ctx, audit.EventTypeSSOTokenConsumeFailed, audit.EventStatusFailure, userID, consumingSystem, tokenID, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int64("user.id", userID), attribute.Bool("sso.session_created", result.SessionCreated))
	e.record(ctx, audit.EventTypeSSOTokenConsume, audit.EventStatusSuccess, userID, consumingSystem, tokenID, "")
	e.logger.WithFields(map[string]interface{}{
		"user_id":         userID,
		"system":          consumingSystem,
		"session_created": result.SessionCreated,
	}).Info("SSO token consumed")
	return result, nil
}

func (e *Exchange) consume(ctx context.Context, raw string, consumingSystem auth.System, client sessions.ClientInfo) (*ConsumeResult, string, int64, error) {
	if !auth.ValidSSOTokenFormat(raw) || !consumingSystem.Valid() {
		return nil, "", 0, auth.ErrTokenInvalidOrExpired
	}

	var (
		result  *ConsumeResult
		tokenID string
		userID  int64
	)
	err := storage.RunInTx(ctx, e.db, func(tx *sql.Tx) error {
		now := e.timestamp()
		tok, err := e.tokens.WithTx(tx).ConsumeToken(ctx, auth.HashToken(raw), consumingSystem, now)
		if err != nil {
			return err
		}
		if tok == nil {
			return auth.ErrTokenInvalidOrExpired
		}
		tokenID, userID = tok.ID, tok.UserID

		user, _, err := e.users.WithTx(tx).Load(ctx, tok.UserID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return auth.ErrAccountDeactivated
		}
		if !user.IsUserLogin {
			return auth.ErrNotLoggedIn
		}

		store := e.sessions.WithTx(tx)
		sess, err := store.FindActive(ctx, user.ID, consumingSystem)
		if err != nil {
			return err
		}
		created := false
		if sess == nil {
			sess, err = store.Create(ctx, user.ID, consumingSystem, client.DeviceInfo, client.IPAddress, "sso")
			if err != nil {
				return err
			}
			created = true
		}

		credential, expiresAt, err := e.issuer.Issue(user, map[auth.System]string{consumingSystem: sess.SessionToken})
		if err != nil {
			return err
		}

		result = &ConsumeResult{
			User:           user.Public(),
			Credential:     credential,
			ExpiresAt:      expiresAt,
			System:         consumingSystem,
			SessionCreated: created,
			Session:        sess,
		}
		return nil
	})
	if err != nil {
		return nil, tokenID, userID, err
	}
	return result, tokenID, userID, nil
}

// Peek reports who a token belongs to and where it leads without consuming
// it or changing its expiry. Consumed and expired tokens are rejected with
// the same error as unknown ones.
func (e *Exchange) Peek(ctx context.Context, raw string) (*PeekResult, error) {
	res, err := e.peek(ctx, raw)
	if e.metrics != nil {
		if err != nil {
			e.metrics.RecordPeek("invalid")
		} else {
			e.metrics.RecordPeek("valid")
		}
	}
	return res, err
}

func (e *Exchange) peek(ctx context.Context, raw string) (*PeekResult, error) {
	if !auth.ValidSSOTokenFormat(raw) {
		return nil, auth.ErrTokenInvalidOrExpired
	}

	tok, err := e.tokens.PeekToken(ctx, auth.HashToken(raw), e.timestamp())
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, auth.ErrTokenInvalidOrExpired
	}

	user, _, err := e.users.Load(ctx, tok.UserID)
	if errors.Is(err, auth.ErrUserNotFound) {
		return nil, auth.ErrTokenInvalidOrExpired
	}
	if err != nil {
		return nil, err
	}

	return &PeekResult{
		UserID:       user.ID,
		Email:        user.Email,
		User:         user.Public(),
		TargetSystem: tok.TargetSystem,
		ExpiresAt:    tok.ExpiresAt,
	}, nil
}

// Reap deletes expired tokens and tokens consumed longer ago than the
// retention window
func (e *Exchange) Reap(ctx context.Context) (int, error) {
	now := e.timestamp()
	return e.tokens.DeleteReapable(ctx, now, now.Add(-e.cfg.Retention))
}

func (e *Exchange) record(ctx context.Context, eventType audit.EventType, status audit.EventStatus, userID int64, system auth.System, tokenID, message string) {
	ev := audit.NewEvent(ctx, eventType, status)
	if userID != 0 {
		id := userID
		ev.UserID = &id
	}
	ev.System = string(system)
	ev.ResourceType = audit.ResourceTypeSSOToken
	ev.ResourceID = tokenID
	ev.Message = message
	async.SafeGo(ctx, e.logger, 5*time.Second, "sso-audit", func(ctx context.Context) error {
		return e.audit.Log(ctx, ev)
	})
}

func consumeOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, auth.ErrTokenInvalidOrExpired) {
		return "invalid"
	}
	if _, ok := auth.AsError(err); ok {
		return "rejected"
	}
	return "error"
}

func recordSpanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
