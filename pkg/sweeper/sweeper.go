// Package sweeper deletes expired and stale sessions and expired SSO tokens,
// then re-derives the login flag of every user who lost a session.
//
// A run is safe to repeat or overlap: deletion is a predicate over the
// current time and each flag is recomputed from a fresh count. Within one
// process concurrent runs share a single execution; across processes an
// optional Redis lease lets only one instance sweep per tick.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/sessionbridge/pkg/async"
	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

const (
	DefaultStaleAfter = 7 * 24 * time.Hour
	DefaultLeaseTTL   = 10 * time.Minute
	DefaultLeaseKey   = "sessionbridge:sweep:lease"
	defaultWorkers    = 4
	recomputeTimeout  = 30 * time.Second
)

// releaseLease deletes the lease only while this run still holds it
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionStore is the part of the session store a sweep needs
type SessionStore interface {
	DeleteExpiredOrStale(ctx context.Context, staleBefore time.Time) (int, []int64, error)
	RecomputeLoginFlag(ctx context.Context, userID int64) (bool, int, error)
}

// TokenReaper deletes SSO tokens past their useful life
type TokenReaper interface {
	Reap(ctx context.Context) (int, error)
}

// Result summarises one sweep
type Result struct {
	SessionsDeleted int  `json:"sessions_deleted"`
	TokensDeleted   int  `json:"tokens_deleted"`
	UsersReconciled int  `json:"users_reconciled"`
	Skipped         bool `json:"skipped"`
}

// Config holds sweep settings
type Config struct {
	// StaleAfter deletes sessions idle for longer than this even if they
	// have not expired
	StaleAfter time.Duration
	LeaseTTL   time.Duration
	LeaseKey   string
	// Workers bounds concurrent login-flag recomputes
	Workers int
}

// Sweeper runs sweeps
type Sweeper struct {
	sessions SessionStore
	tokens   TokenReaper
	redis    *redis.Client
	cfg      Config

	logger  *observability.Logger
	metrics *observability.Metrics
	audit   audit.Logger
	now     func() time.Time

	group singleflight.Group
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithRedis enables the cross-process lease
func WithRedis(client *redis.Client) Option {
	return func(s *Sweeper) { s.redis = client }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithAuditLogger records a summary event per sweep that deleted something
func WithAuditLogger(a audit.Logger) Option {
	return func(s *Sweeper) { s.audit = a }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper. tokens may be nil, in which case only sessions are
// swept.
func New(sessionStore SessionStore, tokens TokenReaper, cfg Config, opts ...Option) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = DefaultLeaseKey
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	s := &Sweeper{
		sessions: sessionStore,
		tokens:   tokens,
		cfg:      cfg,
		logger:   observability.NewNopLogger(),
		audit:    audit.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one sweep. Calls that arrive while a sweep is in progress
// in this process wait for it and receive its result. When another process
// holds the lease the run is skipped.
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		res, err := s.run(ctx)
		return res, err
	})
	res, _ := v.(Result)
	return res, err
}

func (s *Sweeper) run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result

	release, acquired := s.acquireLease(ctx)
	if !acquired {
		res.Skipped = true
		s.metrics.RecordSweep("skipped", time.Since(start), 0, 0, 0)
		s.logger.Debug("sweep lease held elsewhere, skipping")
		return res, nil
	}
	defer release()

	now := s.now().UTC().Truncate(time.Microsecond)
	var errs []error

	deleted, owners, err := s.sessions.DeleteExpiredOrStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		errs = append(errs, err)
	} else {
		res.SessionsDeleted = deleted
		failures := async.Batch(ctx, owners, s.cfg.Workers, recomputeTimeout, func(ctx context.Context, userID int64) error {
			if _, _, err := s.sessions.RecomputeLoginFlag(ctx, userID); err != nil {
				return fmt.Errorf("user %d: %w", userID, err)
			}
			return nil
		})
		res.UsersReconciled = len(owners) - len(failures)
		errs = append(errs, failures...)
	}

	if s.tokens != nil {
		n, err := s.tokens.Reap(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		res.TokensDeleted = n
	}

	err = errors.Join(errs...)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordSweep(status, time.Since(start), res.SessionsDeleted, res.TokensDeleted, res.UsersReconciled)

	log := s.logger.WithFields(map[string]interface{}{
		"sessions_deleted": res.SessionsDeleted,
		"tokens_deleted":   res.TokensDeleted,
		"users_reconciled": res.UsersReconciled,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Error("sweep finished with errors")
	} else {
		log.Info("sweep finished")
	}

	if res.SessionsDeleted > 0 || res.TokensDeleted > 0 {
		s.record(ctx, res, status)
	}
	return res, err
}

// acquireLease takes the Redis lease when Redis is configured. If Redis is
// unreachable the sweep goes ahead without it.
func (s *Sweeper) acquireLease(ctx context.Context) (release func(), acquired bool) {
	noop := func() {}
	if s.redis == nil {
		return noop, true
	}

	holder := uuid.NewString()
	ok, err := s.redis.SetNX(ctx, s.cfg.LeaseKey, holder, s.cfg.LeaseTTL).Result()
	if err != nil {
		s.logger.WithError(err).Warn("sweep lease unavailable, sweeping without it")
		return noop, true
	}
	if !ok {
		return noop, false
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseLease.Run(ctx, s.redis, []string{s.cfg.LeaseKey}, holder).Err(); err != nil {
			s.logger.WithError(err).Warn("failed to release sweep lease")
		}
	}, true
}

func (s *Sweeper) record(ctx context.Context, res Result, status string) {
	ev := audit.NewEvent(ctx, audit.EventTypeSessionSweep, audit.EventStatusSuccess)
	if status != "success" {
		ev.Status = audit.EventStatusFailure
	}
	ev.ResourceType = audit.ResourceTypeSession
	ev.Metadata = map[string]interface{}{
		"sessions_deleted": res.SessionsDeleted,
		"tokens_deleted":   res.TokensDeleted,
		"users_reconciled": res.UsersReconciled,
	}
	async.SafeGo(ctx, s.logger, 5*time.Second, "sweep-audit", func(ctx context.Context) error {
		return s.audit.Log(ctx, ev)
	})
}
