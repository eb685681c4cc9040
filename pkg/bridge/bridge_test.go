package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/fieldguard"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage/storagetest"
	"github.com/platinummonkey/sessionbridge/pkg/users"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

const testPassword = "correct horse battery staple"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type chanAuditLogger struct {
	events chan *audit.AuditEvent
}

func (l *chanAuditLogger) Log(_ context.Context, ev *audit.AuditEvent) error {
	l.events <- ev
	return nil
}

func (l *chanAuditLogger) Close() error { return nil }

func (l *chanAuditLogger) next(t *testing.T) *audit.AuditEvent {
	t.Helper()
	select {
	case ev := <-l.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event recorded")
		return nil
	}
}

type fixture struct {
	db       *sql.DB
	clock    *clock
	issuer   *auth.CredentialIssuer
	sessions *sessions.Store
	metrics  *observability.Metrics
	guard    *fieldguard.MemorySink
	audit    *chanAuditLogger
	bridge   *Bridge
	hash     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		db:      storagetest.NewSQLiteDB(t),
		clock:   &clock{t: storagetest.Now()},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		guard:   fieldguard.NewMemorySink(16),
		audit:   &chanAuditLogger{events: make(chan *audit.AuditEvent, 32)},
		hash:    string(hash),
	}
	f.issuer = auth.NewCredentialIssuer(testSecret, time.Hour).WithClock(f.clock.Now)
	f.sessions = sessions.NewStore(f.db, sessions.DefaultTTL).WithClock(f.clock.Now).WithMetrics(f.metrics)
	guard := fieldguard.New(f.guard, fieldguard.WithMetrics(f.metrics), fieldguard.WithClock(f.clock.Now))
	userStore := users.NewStore(f.db, guard).WithClock(f.clock.Now)

	opts = append([]Option{WithMetrics(f.metrics), WithAuditLogger(f.audit), WithGuardEvents(f.guard)}, opts...)
	f.bridge = New(f.db, userStore, f.sessions, f.issuer, auth.SystemA, opts...)
	return f
}

func (f *fixture) user(t *testing.T, email string, opts ...storagetest.UserOption) *auth.User {
	t.Helper()
	opts = append([]storagetest.UserOption{storagetest.WithPasswordHash(f.hash)}, opts...)
	return storagetest.CreateUser(t, f.db, email, opts...)
}

func (f *fixture) login(t *testing.T, email string) *LoginResult {
	t.Helper()
	res, err := f.bridge.Login(context.Background(), email, testPassword, sessions.ClientInfo{DeviceInfo: "laptop", IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	return res
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")

	res, err := f.bridge.Login(context.Background(), "ADA@example.org", testPassword, sessions.ClientInfo{
		DeviceInfo: "laptop",
		IPAddress:  "10.0.0.1",
		UserAgent:  "test-agent",
	})
	require.NoError(t, err)

	assert.Equal(t, u.ID, res.User.ID)
	require.Contains(t, res.Sessions, auth.SystemA)
	require.Contains(t, res.Sessions, auth.SystemB)
	assert.Equal(t, "laptop", res.Sessions[auth.SystemA].DeviceInfo)
	assert.Equal(t, f.clock.Now().Add(sessions.DefaultTTL), res.Sessions[auth.SystemB].ExpiresAt)

	claims, err := f.issuer.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, res.Sessions[auth.SystemA].SessionToken, claims.SessionTokens[auth.SystemA])
	assert.Equal(t, res.Sessions[auth.SystemB].SessionToken, claims.SessionTokens[auth.SystemB])

	assert.True(t, storagetest.LoginFlag(t, f.db, u.ID))
	assert.Equal(t, 1, storagetest.CountRows(t, f.db, "users", "id = ? AND last_login_at IS NOT NULL", u.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LoginsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SessionsCreatedTotal.WithLabelValues("B", "preprovision")))

	ev := f.audit.next(t)
	assert.Equal(t, audit.EventTypeAuthLogin, ev.EventType)
	assert.Equal(t, "10.0.0.1", ev.IPAddress)
	assert.Equal(t, "test-agent", ev.UserAgent)
	assert.Equal(t, res.Sessions[auth.SystemA].ID, ev.ResourceID)
}

func TestLogin_ReusesLiveRemoteSession(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")
	existing, err := f.sessions.Create(context.Background(), u.ID, auth.SystemB, "phone", "10.0.0.2", "sso")
	require.NoError(t, err)

	res := f.login(t, "ada@example.org")

	assert.Equal(t, existing.ID, res.Sessions[auth.SystemB].ID)
	assert.Equal(t, 1, storagetest.CountRows(t, f.db, "sessions", "user_id = ? AND system = 'B'", u.ID))

	claims, err := f.issuer.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, existing.SessionToken, claims.SessionTokens[auth.SystemB])
}

func TestLogin_EachLoginOpensANewLocalSession(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")

	first := f.login(t, "ada@example.org")
	second := f.login(t, "ada@example.org")

	assert.NotEqual(t, first.Sessions[auth.SystemA].ID, second.Sessions[auth.SystemA].ID)
	assert.Equal(t, first.Sessions[auth.SystemB].ID, second.Sessions[auth.SystemB].ID)
	assert.Equal(t, 2, storagetest.CountRows(t, f.db, "sessions", "user_id = ? AND system = 'A'", u.ID))
}

func TestLogin_Rejected(t *testing.T) {
	f := newFixture(t)
	f.user(t, "ada@example.org")
	f.user(t, "gone@example.org", storagetest.Inactive())

	tests := []struct {
		name     string
		email    string
		password string
		wantErr  error
	}{
		{name: "unknown email", email: "nobody@example.org", password: testPassword, wantErr: auth.ErrInvalidCredentials},
		{name: "wrong password", email: "ada@example.org", password: "hunter2", wantErr: auth.ErrInvalidCredentials},
		{name: "deactivated", email: "gone@example.org", password: testPassword, wantErr: auth.ErrAccountDeactivated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.bridge.Login(context.Background(), tt.email, tt.password, sessions.ClientInfo{})
			assert.ErrorIs(t, err, tt.wantErr)

			ev := f.audit.next(t)
			assert.Equal(t, audit.EventTypeAuthLoginFailed, ev.EventType)
			assert.Equal(t, audit.EventStatusFailure, ev.Status)
		})
	}

	assert.Equal(t, 0, storagetest.CountRows(t, f.db, "sessions", ""))
	assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.LoginsTotal.WithLabelValues("rejected")))
}

type failingVerifier struct{}

func (failingVerifier) Verify(context.Context, *auth.User, string) error {
	return errors.New("verifier offline")
}

func TestLogin_VerifierError(t *testing.T) {
	f := newFixture(t, WithPasswordVerifier(failingVerifier{}))
	f.user(t, "ada@example.org")

	_, err := f.bridge.Login(context.Background(), "ada@example.org", testPassword, sessions.ClientInfo{})
	require.Error(t, err)
	_, isDomain := auth.AsError(err)
	assert.False(t, isDomain)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LoginsTotal.WithLabelValues("error")))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")
	f.login(t, "ada@example.org")
	f.audit.next(t)

	terminated, err := f.bridge.Logout(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, terminated)
	assert.False(t, storagetest.LoginFlag(t, f.db, u.ID))

	ev := f.audit.next(t)
	assert.Equal(t, audit.EventTypeAuthLogout, ev.EventType)

	terminated, err = f.bridge.Logout(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, terminated)
}

func TestTerminateCrossSystemSession(t *testing.T) {
	f := newFixture(t)
	ada := f.user(t, "ada@example.org")
	bob := f.user(t, "bob@example.org")
	admin := f.user(t, "root@example.org", storagetest.WithRole(auth.RoleAdmin))
	f.login(t, "ada@example.org")
	f.login(t, "bob@example.org")
	ctx := context.Background()

	adaCtx := &auth.AuthContext{UserID: ada.ID, Role: auth.RoleUser}
	adminCtx := &auth.AuthContext{UserID: admin.ID, Role: auth.RoleAdmin}

	t.Run("own sessions on one system", func(t *testing.T) {
		terminated, remaining, err := f.bridge.TerminateCrossSystemSession(ctx, adaCtx, ada.ID, auth.SystemA)
		require.NoError(t, err)
		assert.Equal(t, 1, terminated)
		assert.Equal(t, 1, remaining)
		assert.True(t, storagetest.LoginFlag(t, f.db, ada.ID))
	})

	t.Run("another user without privilege", func(t *testing.T) {
		_, _, err := f.bridge.TerminateCrossSystemSession(ctx, adaCtx, bob.ID, auth.SystemA)
		assert.ErrorIs(t, err, auth.ErrForbidden)
		assert.Equal(t, 2, storagetest.CountRows(t, f.db, "sessions", "user_id = ? AND is_active = TRUE", bob.ID))
	})

	t.Run("admin terminates another user", func(t *testing.T) {
		terminated, remaining, err := f.bridge.TerminateCrossSystemSession(ctx, adminCtx, bob.ID, auth.SystemB)
		require.NoError(t, err)
		assert.Equal(t, 1, terminated)
		assert.Equal(t, 1, remaining)
	})

	t.Run("last system clears the flag", func(t *testing.T) {
		_, remaining, err := f.bridge.TerminateCrossSystemSession(ctx, adaCtx, ada.ID, auth.SystemB)
		require.NoError(t, err)
		assert.Equal(t, 0, remaining)
		assert.False(t, storagetest.LoginFlag(t, f.db, ada.ID))
	})

	t.Run("all is not a single system", func(t *testing.T) {
		_, _, err := f.bridge.TerminateCrossSystemSession(ctx, adaCtx, ada.ID, sessions.AllSystems)
		assert.ErrorIs(t, err, auth.ErrInvalidTarget)
	})

	t.Run("anonymous", func(t *testing.T) {
		_, _, err := f.bridge.TerminateCrossSystemSession(ctx, nil, ada.ID, auth.SystemA)
		assert.ErrorIs(t, err, auth.ErrNotAuthenticated)
	})
}

func TestValidateSession(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")
	ctx := context.Background()

	state, err := f.bridge.ValidateSession(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, state.HasSessionA)
	assert.False(t, state.HasSessionB)
	assert.Empty(t, state.SystemsWithSessions)
	assert.NotNil(t, state.SystemsWithSessions)

	_, err = f.sessions.Create(ctx, u.ID, auth.SystemB, "", "", "sso")
	require.NoError(t, err)

	state, err = f.bridge.ValidateSession(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, state.HasSessionA)
	assert.True(t, state.HasSessionB)
	assert.Equal(t, []auth.System{auth.SystemB}, state.SystemsWithSessions)

	f.login(t, "ada@example.org")
	state, err = f.bridge.ValidateSession(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []auth.System{auth.SystemA, auth.SystemB}, state.SystemsWithSessions)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")

	list, err := f.bridge.ListSessions(context.Background(), u.ID)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	f.login(t, "ada@example.org")
	list, err = f.bridge.ListSessions(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")
	login := f.login(t, "ada@example.org")
	ctx := context.Background()

	claims, err := f.issuer.Verify(login.Token)
	require.NoError(t, err)

	f.clock.Advance(3 * 24 * time.Hour)
	sess, err := f.sessions.FindActive(ctx, u.ID, auth.SystemA)
	require.NoError(t, err)

	res, err := f.bridge.Refresh(ctx, claims.AuthContext(), sess)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(sessions.DefaultTTL), res.SessionExpiresAt)

	refreshed, err := f.issuer.Verify(res.Token)
	require.NoError(t, err)
	assert.Equal(t, claims.SessionTokens, refreshed.SessionTokens)
	assert.True(t, refreshed.ExpiresAt.After(claims.ExpiresAt.Time))

	_, err = f.bridge.Refresh(ctx, claims.AuthContext(), nil)
	assert.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")

	profile, err := f.bridge.Me(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.org", profile.Email)

	_, err = f.bridge.Me(context.Background(), u.ID+100)
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
}

type fakeActivity struct {
	limit  int
	events []*audit.AuditEvent
	err    error
}

func (a *fakeActivity) ListForUser(_ context.Context, _ int64, _ []audit.EventType, limit int) ([]*audit.AuditEvent, error) {
	a.limit = limit
	return a.events, a.err
}

func TestActivity(t *testing.T) {
	reader := &fakeActivity{events: []*audit.AuditEvent{{EventType: audit.EventTypeAuthLogin}}}
	f := newFixture(t, WithActivityReader(reader))

	tests := []struct {
		name      string
		limit     int
		wantLimit int
	}{
		{name: "default", limit: 0, wantLimit: DefaultActivityLimit},
		{name: "explicit", limit: 10, wantLimit: 10},
		{name: "clamped", limit: 1000, wantLimit: MaxActivityLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := f.bridge.Activity(context.Background(), 1, tt.limit)
			require.NoError(t, err)
			assert.Len(t, events, 1)
			assert.Equal(t, tt.wantLimit, reader.limit)
		})
	}

	reader.err = errors.New("boom")
	_, err := f.bridge.Activity(context.Background(), 1, 0)
	assert.Error(t, err)
}

func TestActivity_WithoutReader(t *testing.T) {
	f := newFixture(t)
	events, err := f.bridge.Activity(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
}

func TestUpdateProfile_RestoresNulledProtectedFields(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org", storagetest.WithProtected(auth.ProtectedFields{
		SystemAffiliation:    "A",
		PrimaryInstitutionID: int64Ptr(3),
		InstitutionIDs:       []int64{3},
	}))

	var update ProfileUpdate
	require.NoError(t, json.Unmarshal([]byte(`{
		"system_affiliation": null,
		"primary_institution_id": null,
		"institution_role": "faculty",
		"institution_ids": [5]
	}`), &update))

	res, err := f.bridge.UpdateProfile(context.Background(), u.ID, update, sessions.ClientInfo{IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"system_affiliation", "primary_institution_id"}, res.RepairedFields)
	assert.Equal(t, "A", res.User.SystemAffiliation)
	assert.Equal(t, "faculty", res.User.InstitutionRole)
	require.NotNil(t, res.User.PrimaryInstitutionID)
	assert.Equal(t, int64(3), *res.User.PrimaryInstitutionID)
	assert.Equal(t, []int64{3, 5}, res.User.InstitutionIDs)

	assert.Len(t, f.guard.Alerts(), 2)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.FieldGuardEventsTotal.WithLabelValues("system_affiliation", "attempted_null")))

	ev := f.audit.next(t)
	assert.Equal(t, audit.EventTypeUserUpdate, ev.EventType)
	assert.Equal(t, audit.EventStatusRepaired, ev.Status)
}

func TestUpdateProfile_AbsentKeysAreUntouched(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org", storagetest.WithProtected(auth.ProtectedFields{
		SystemAffiliation: "B",
		InstitutionRole:   "staff",
	}))

	var update ProfileUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"username":"ada"}`), &update))
	assert.False(t, update.SystemAffiliation.Set)

	res, err := f.bridge.UpdateProfile(context.Background(), u.ID, update, sessions.ClientInfo{})
	require.NoError(t, err)
	assert.Empty(t, res.RepairedFields)
	assert.Equal(t, "ada", res.User.Username)
	assert.Equal(t, "B", res.User.SystemAffiliation)
	assert.Equal(t, "staff", res.User.InstitutionRole)
	assert.Empty(t, f.guard.Events())

	ev := f.audit.next(t)
	assert.Equal(t, audit.EventStatusSuccess, ev.Status)
}

func TestUpdateProfile_Errors(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org")

	tests := []struct {
		name     string
		body     string
		id       int64
		wantCode auth.Code
	}{
		{name: "empty username", body: `{"username":"  "}`, id: u.ID, wantCode: auth.CodeBadRequest},
		{name: "null username", body: `{"username":null}`, id: u.ID, wantCode: auth.CodeBadRequest},
		{name: "unknown system", body: `{"system_affiliation":"C"}`, id: u.ID, wantCode: auth.CodeBadRequest},
		{name: "missing user", body: `{"username":"x"}`, id: 404, wantCode: auth.CodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var update ProfileUpdate
			require.NoError(t, json.Unmarshal([]byte(tt.body), &update))

			_, err := f.bridge.UpdateProfile(context.Background(), tt.id, update, sessions.ClientInfo{})
			de, ok := auth.AsError(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, tt.wantCode, de.Code)
		})
	}
	assert.Empty(t, f.guard.Events())
}

func int64Ptr(v int64) *int64 { return &v }

func TestGuardEvents_NewestFirst(t *testing.T) {
	f := newFixture(t)
	u := f.user(t, "ada@example.org", storagetest.WithProtected(auth.ProtectedFields{SystemAffiliation: "A"}))

	var update ProfileUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"institution_role":"faculty"}`), &update))
	_, err := f.bridge.UpdateProfile(context.Background(), u.ID, update, sessions.ClientInfo{})
	require.NoError(t, err)
	var nulled ProfileUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"system_affiliation":null}`), &nulled))
	_, err = f.bridge.UpdateProfile(context.Background(), u.ID, nulled, sessions.ClientInfo{})
	require.NoError(t, err)

	events := f.bridge.GuardEvents(false)
	require.Len(t, events, 2)
	assert.Equal(t, fieldguard.FieldSystemAffiliation, events[0].Field)
	assert.Equal(t, fieldguard.FieldInstitutionRole, events[1].Field)

	alerts := f.bridge.GuardEvents(true)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Alert)

	bare := New(f.db, nil, f.sessions, f.issuer, auth.SystemA)
	assert.NotNil(t, bare.GuardEvents(false))
	assert.Empty(t, bare.GuardEvents(false))
}
