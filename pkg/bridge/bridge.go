// Package bridge orchestrates login, logout and session inspection across
// the two systems. A password login opens a session on the local system and
// pre-provisions one on the remote system, so both are covered by a single
// credential.
package bridge

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/platinummonkey/sessionbridge/pkg/async"
	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/fieldguard"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage"
	"github.com/platinummonkey/sessionbridge/pkg/users"
)

const (
	// DefaultActivityLimit is the number of audit events returned when the
	// caller does not ask for a specific amount
	DefaultActivityLimit = 50
	// MaxActivityLimit caps a single activity page
	MaxActivityLimit = 200
)

// ActivityReader reads a user's audit trail
type ActivityReader interface {
	ListForUser(ctx context.Context, userID int64, types []audit.EventType, limit int) ([]*audit.AuditEvent, error)
}

// GuardEventSource exposes recently recorded field guard events
type GuardEventSource interface {
	Events() []fieldguard.Event
	Alerts() []fieldguard.Event
}

// LoginResult is returned by a successful password login
type LoginResult struct {
	Token     string                            `json:"token"`
	ExpiresAt time.Time                         `json:"expires_at"`
	User      auth.PublicProfile                `json:"user"`
	Sessions  map[auth.System]*sessions.Session `json:"sessions"`
}

// RefreshResult is returned after a sliding-window renewal
type RefreshResult struct {
	Token            string    `json:"token"`
	ExpiresAt        time.Time `json:"expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}

// SessionState reports which systems a user holds a live session on
type SessionState struct {
	HasSessionA         bool          `json:"has_session_a"`
	HasSessionB         bool          `json:"has_session_b"`
	SystemsWithSessions []auth.System `json:"systems_with_sessions"`
}

// Bridge ties the user and session stores to the credential issuer
type Bridge struct {
	db        *sql.DB
	users     *users.Store
	sessions  *sessions.Store
	issuer    *auth.CredentialIssuer
	passwords auth.PasswordVerifier
	local     auth.System

	logger   *observability.Logger
	metrics  *observability.Metrics
	audit    audit.Logger
	activity ActivityReader
	guard    GuardEventSource
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithAuditLogger sets where logins, logouts and terminations are recorded
func WithAuditLogger(a audit.Logger) Option {
	return func(b *Bridge) { b.audit = a }
}

// WithActivityReader enables Activity. Without one, Activity returns an
// empty list.
func WithActivityReader(r ActivityReader) Option {
	return func(b *Bridge) { b.activity = r }
}

// WithGuardEvents enables GuardEvents
func WithGuardEvents(src GuardEventSource) Option {
	return func(b *Bridge) { b.guard = src }
}

// WithPasswordVerifier replaces the default bcrypt verifier
func WithPasswordVerifier(v auth.PasswordVerifier) Option {
	return func(b *Bridge) { b.passwords = v }
}

// New creates a bridge serving the local system
func New(db *sql.DB, userStore *users.Store, sessionStore *sessions.Store, issuer *auth.CredentialIssuer, local auth.System, opts ...Option) *Bridge {
	b := &Bridge{
		db:        db,
		users:     userStore,
		sessions:  sessionStore,
		issuer:    issuer,
		passwords: auth.BcryptVerifier{},
		local:     local,
		logger:    observability.NewNopLogger(),
		audit:     audit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// LocalSystem returns the system this bridge logs users into
func (b *Bridge) LocalSystem() auth.System {
	return b.local
}

// Login verifies the password and opens a session on the local system. A
// live session on the remote system is reused, otherwise a dormant one is
// pre-provisioned. Both session tokens go into the returned credential.
// Unknown emails and wrong passwords fail alike with ErrInvalidCredentials.
func (b *Bridge) Login(ctx context.Context, email, password string, client sessions.ClientInfo) (*LoginResult, error) {
	user, _, err := b.users.LoadByEmail(ctx, email)
	if errors.Is(err, auth.ErrUserNotFound) {
		b.loginFailed(ctx, 0, client, "unknown email")
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		b.metrics.RecordLogin("error")
		return nil, err
	}

	if err := b.passwords.Verify(ctx, user, password); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			b.loginFailed(ctx, user.ID, client, "wrong password")
			return nil, auth.ErrInvalidCredentials
		}
		b.metrics.RecordLogin("error")
		return nil, err
	}
	if !user.IsActive {
		b.loginFailed(ctx, user.ID, client, "account deactivated")
		return nil, auth.ErrAccountDeactivated
	}

	remote := b.local.Other()
	opened := make(map[auth.System]*sessions.Session, 2)
	err = storage.RunInTx(ctx, b.db, func(tx *sql.Tx) error {
		store := b.sessions.WithTx(tx)

		local, err := store.Create(ctx, user.ID, b.local, client.DeviceInfo, client.IPAddress, "login")
		if err != nil {
			return err
		}
		opened[b.local] = local

		existing, err := store.FindActive(ctx, user.ID, remote)
		if err != nil {
			return err
		}
		if existing == nil {
			existing, err = store.Create(ctx, user.ID, remote, client.DeviceInfo, client.IPAddress, "preprovision")
			if err != nil {
				return err
			}
		}
		opened[remote] = existing

		at, err := b.users.WithTx(tx).RecordLogin(ctx, user.ID)
		if err != nil {
			return err
		}
		user.LastLoginAt = &at
		user.IsUserLogin = true
		return nil
	})
	if err != nil {
		b.metrics.RecordLogin("error")
		return nil, err
	}

	credential, expiresAt, err := b.issuer.Issue(user, map[auth.System]string{
		b.local: opened[b.local].SessionToken,
		remote:  opened[remote].SessionToken,
	})
	if err != nil {
		b.metrics.RecordLogin("error")
		return nil, err
	}

	b.metrics.RecordLogin("success")
	ev := b.event(ctx, audit.EventTypeAuthLogin, audit.EventStatusSuccess, user.ID, client)
	ev.ResourceType = audit.ResourceTypeSession
	ev.ResourceID = opened[b.local].ID
	b.record(ctx, ev)
	b.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"system":  b.local,
	}).Info("user logged in")

	return &LoginResult{
		Token:     credential,
		ExpiresAt: expiresAt,
		User:      user.Public(),
		Sessions:  opened,
	}, nil
}

func (b *Bridge) loginFailed(ctx context.Context, userID int64, client sessions.ClientInfo, reason string) {
	b.metrics.RecordLogin("rejected")
	ev := b.event(ctx, audit.EventTypeAuthLoginFailed, audit.EventStatusFailure, userID, client)
	ev.Message = reason
	b.record(ctx, ev)
}

// Logout ends every session the user holds on every system, which also
// clears the login flag. It is idempotent.
func (b *Bridge) Logout(ctx context.Context, userID int64) (int, error) {
	terminated, _, err := b.sessions.Terminate(ctx, userID, sessions.AllSystems)
	if err != nil {
		return 0, err
	}

	ev := b.event(ctx, audit.EventTypeAuthLogout, audit.EventStatusSuccess, userID, sessions.ClientInfo{})
	ev.Metadata = map[string]interface{}{"sessions_terminated": terminated}
	b.record(ctx, ev)
	return terminated, nil
}

// TerminateCrossSystemSession ends userID's sessions on one system only.
// Callers may terminate their own sessions; admins may terminate anyone's.
func (b *Bridge) TerminateCrossSystemSession(ctx context.Context, caller *auth.AuthContext, userID int64, system auth.System) (terminated, remaining int, err error) {
	if caller == nil {
		return 0, 0, auth.ErrNotAuthenticated
	}
	if !system.Valid() {
		return 0, 0, auth.ErrInvalidTarget
	}
	if caller.UserID != userID && !caller.IsAdmin() {
		ev := b.event(ctx, audit.EventTypeSessionTerminate, audit.EventStatusDenied, caller.UserID, sessions.ClientInfo{})
		ev.System = string(system)
		ev.ResourceType = audit.ResourceTypeUser
		ev.ResourceID = strconv.FormatInt(userID, 10)
		b.record(ctx, ev)
		return 0, 0, auth.ErrForbidden.WithMessage("cannot terminate another user's sessions")
	}

	terminated, remaining, err = b.sessions.Terminate(ctx, userID, system)
	if err != nil {
		return 0, 0, err
	}

	ev := b.event(ctx, audit.EventTypeSessionTerminate, audit.EventStatusSuccess, userID, sessions.ClientInfo{})
	ev.System = string(system)
	ev.Metadata = map[string]interface{}{
		"terminated_by":       caller.UserID,
		"sessions_terminated": terminated,
		"remaining_sessions":  remaining,
	}
	b.record(ctx, ev)
	return terminated, remaining, nil
}

// ValidateSession reports per system whether the user has a live session.
// It is informational and does not authorize anything.
func (b *Bridge) ValidateSession(ctx context.Context, userID int64) (*SessionState, error) {
	active, err := b.sessions.ActiveSystems(ctx, userID)
	if err != nil {
		return nil, err
	}

	state := &SessionState{
		HasSessionA:         active[auth.SystemA],
		HasSessionB:         active[auth.SystemB],
		SystemsWithSessions: []auth.System{},
	}
	for _, sys := range auth.AllSystems {
		if active[sys] {
			state.SystemsWithSessions = append(state.SystemsWithSessions, sys)
		}
	}
	return state, nil
}

// ListSessions returns the user's live sessions on every system
func (b *Bridge) ListSessions(ctx context.Context, userID int64) ([]*sessions.Session, error) {
	list, err := b.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*sessions.Session{}
	}
	return list, nil
}

// Refresh extends the caller's local session by a full TTL and re-issues
// the credential with the same embedded session tokens
func (b *Bridge) Refresh(ctx context.Context, caller *auth.AuthContext, sess *sessions.Session) (*RefreshResult, error) {
	if caller == nil {
		return nil, auth.ErrNotAuthenticated
	}
	if sess == nil {
		return nil, auth.ErrSessionExpired
	}

	if err := b.sessions.Refresh(ctx, sess); err != nil {
		return nil, err
	}

	user, _, err := b.users.Load(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, auth.ErrAccountDeactivated
	}

	tokens := make(map[auth.System]string, len(caller.SessionTokens)+1)
	for sys, tok := range caller.SessionTokens {
		tokens[sys] = tok
	}
	tokens[sess.System] = sess.SessionToken

	credential, expiresAt, err := b.issuer.Issue(user, tokens)
	if err != nil {
		return nil, err
	}

	ev := b.event(ctx, audit.EventTypeAuthRefresh, audit.EventStatusSuccess, user.ID, sessions.ClientInfo{})
	ev.ResourceType = audit.ResourceTypeSession
	ev.ResourceID = sess.ID
	b.record(ctx, ev)

	return &RefreshResult{
		Token:            credential,
		ExpiresAt:        expiresAt,
		SessionExpiresAt: sess.ExpiresAt,
	}, nil
}

// Me returns the caller's public profile
func (b *Bridge) Me(ctx context.Context, userID int64) (*auth.PublicProfile, error) {
	user, _, err := b.users.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	profile := user.Public()
	return &profile, nil
}

// Activity returns the user's most recent audit events, newest first.
// limit is clamped to MaxActivityLimit; zero or less means the default.
func (b *Bridge) Activity(ctx context.Context, userID int64, limit int) ([]*audit.AuditEvent, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	if limit > MaxActivityLimit {
		limit = MaxActivityLimit
	}
	if b.activity == nil {
		return []*audit.AuditEvent{}, nil
	}

	events, err := b.activity.ListForUser(ctx, userID, nil, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*audit.AuditEvent{}
	}
	return events, nil
}

// GuardEvents returns the buffered field guard events, newest first. With
// alertsOnly set only alert-level events are returned.
func (b *Bridge) GuardEvents(alertsOnly bool) []fieldguard.Event {
	if b.guard == nil {
		return []fieldguard.Event{}
	}
	var events []fieldguard.Event
	if alertsOnly {
		events = b.guard.Alerts()
	} else {
		events = b.guard.Events()
	}
	out := make([]fieldguard.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
	}
	return out
}

func (b *Bridge) event(ctx context.Context, eventType audit.EventType, status audit.EventStatus, userID int64, client sessions.ClientInfo) *audit.AuditEvent {
	ev := audit.NewEvent(ctx, eventType, status)
	if userID != 0 {
		id := userID
		ev.UserID = &id
	}
	ev.System = string(b.local)
	ev.IPAddress = client.IPAddress
	ev.UserAgent = client.UserAgent
	return ev
}

func (b *Bridge) record(ctx context.Context, ev *audit.AuditEvent) {
	async.SafeGo(ctx, b.logger, 5*time.Second, "bridge-audit", func(ctx context.Context) error {
		return b.audit.Log(ctx, ev)
	})
}
