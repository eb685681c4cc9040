package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/bridge"
	"github.com/platinummonkey/sessionbridge/pkg/middleware"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage/storagetest"
	"github.com/platinummonkey/sessionbridge/pkg/sweeper"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type routers struct {
	a *mux.Router
	b *mux.Router
}

func (f *bridgeFixture) routers(t *testing.T, tokenLimit func(http.Handler) http.Handler) routers {
	t.Helper()

	authn := middleware.NewAuthenticator(f.issuer)
	build := func(ex *Exchange) *mux.Router {
		b := bridge.New(f.db, f.users, f.sessions, f.issuer, ex.LocalSystem())
		sw := sweeper.New(f.sessions, ex, sweeper.Config{}, sweeper.WithClock(f.clock.Now))
		validator := middleware.NewSessionValidator(f.sessions, ex.LocalSystem(), 0, nil, nil)
		router := mux.NewRouter()
		NewHandlers(ex, b, sw, authn, tokenLimit).WithSessionValidator(validator).RegisterRoutes(router)
		return router
	}
	return routers{a: build(f.systemA), b: build(f.systemB)}
}

// credential signs a credential for u the way a login on system A would
func (f *bridgeFixture) credential(t *testing.T, u *auth.User) string {
	t.Helper()
	token, _, err := f.issuer.Issue(u, map[auth.System]string{auth.SystemA: "unused"})
	require.NoError(t, err)
	return token
}

func call(t *testing.T, router http.Handler, method, path, credential string, body interface{}) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sso-handler-test")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestHandlers_Handoff(t *testing.T) {
	f := newFixture(t)
	u := f.loggedInUser(t, "ada@example.org")
	r := f.routers(t, nil)
	cred := f.credential(t, u)

	status, env := call(t, r.a, http.MethodPost, "/sso/token", cred, map[string]string{"target_system": "B"})
	require.Equal(t, http.StatusOK, status, env.Message)

	var issued struct {
		SSOToken           string `json:"sso_token"`
		ExpiresIn          int    `json:"expires_in"`
		RedirectURL        string `json:"redirect_url"`
		HasExistingSession bool   `json:"has_existing_session"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &issued))
	assert.Equal(t, 300, issued.ExpiresIn)
	assert.False(t, issued.HasExistingSession)
	assert.Contains(t, issued.RedirectURL, "https://b.example.org/sso/callback?sso_token=")

	// peeking does not use the token up
	for i := 0; i < 2; i++ {
		status, env = call(t, r.b, http.MethodPost, "/sso/validate-token", "", map[string]string{"sso_token": issued.SSOToken})
		require.Equal(t, http.StatusOK, status)
		assert.Contains(t, string(env.Data), `"target_system":"B"`)
		assert.Contains(t, string(env.Data), `"email":"ada@example.org"`)
	}

	// system A does not consume tokens meant for B
	status, env = call(t, r.a, http.MethodPost, "/sso/consume", "", map[string]string{"sso_token": issued.SSOToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(auth.CodeTokenInvalidOrExpired), env.Code)

	status, env = call(t, r.b, http.MethodPost, "/sso/consume", "", map[string]string{"sso_token": issued.SSOToken})
	require.Equal(t, http.StatusOK, status, env.Message)
	var consumed struct {
		Token string             `json:"token"`
		User  auth.PublicProfile `json:"user"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &consumed))
	assert.Equal(t, u.ID, consumed.User.ID)
	claims, err := f.issuer.Verify(consumed.Token)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.SessionTokens[auth.SystemB])
	assert.Equal(t, 1, storagetest.CountRows(t, f.db, "sessions", "user_id = ? AND system = 'B' AND device_info = 'sso-handler-test'", u.ID))

	secondStatus, second := call(t, r.b, http.MethodPost, "/sso/consume", "", map[string]string{"sso_token": issued.SSOToken})
	assert.Equal(t, http.StatusUnauthorized, secondStatus)
	assert.Equal(t, string(auth.CodeTokenInvalidOrExpired), second.Code)

	status, env = call(t, r.b, http.MethodPost, "/sso/validate-token", "", map[string]string{"sso_token": issued.SSOToken})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, second, env, "peek after consume looks like any other invalid token")

	status, env = call(t, r.a, http.MethodGet, "/sso/session", cred, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"has_session_a":true,"has_session_b":true,"systems_with_sessions":["A","B"]}`, string(env.Data))
}

func TestHandlers_IssueErrors(t *testing.T) {
	f := newFixture(t)
	u := f.loggedInUser(t, "ada@example.org")
	loggedOut := storagetest.CreateUser(t, f.db, "bob@example.org")
	r := f.routers(t, nil)

	tests := []struct {
		name       string
		credential string
		body       interface{}
		wantStatus int
		wantCode   auth.Code
	}{
		{name: "own system", credential: f.credential(t, u), body: map[string]string{"target_system": "A"}, wantStatus: http.StatusBadRequest, wantCode: auth.CodeInvalidTarget},
		{name: "unknown system", credential: f.credential(t, u), body: map[string]string{"target_system": "C"}, wantStatus: http.StatusBadRequest, wantCode: auth.CodeInvalidTarget},
		{name: "missing target", credential: f.credential(t, u), body: map[string]string{}, wantStatus: http.StatusBadRequest, wantCode: auth.CodeBadRequest},
		{name: "no credential", body: map[string]string{"target_system": "B"}, wantStatus: http.StatusUnauthorized, wantCode: auth.CodeNotAuthenticated},
		{name: "not logged in", credential: f.credential(t, loggedOut), body: map[string]string{"target_system": "B"}, wantStatus: http.StatusUnauthorized, wantCode: auth.CodeNotLoggedIn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := call(t, r.a, http.MethodPost, "/sso/token", tt.credential, tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.False(t, env.Success)
			assert.Equal(t, string(tt.wantCode), env.Code)
		})
	}
}

func TestHandlers_ConsumeRequiresToken(t *testing.T) {
	f := newFixture(t)
	r := f.routers(t, nil)

	status, env := call(t, r.b, http.MethodPost, "/sso/consume", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(auth.CodeBadRequest), env.Code)

	status, env = call(t, r.b, http.MethodPost, "/sso/consume", "", map[string]string{"sso_token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(auth.CodeTokenInvalidOrExpired), env.Code)
}

func TestHandlers_TerminateAndList(t *testing.T) {
	f := newFixture(t)
	u := f.loggedInUser(t, "ada@example.org")
	other := f.loggedInUser(t, "bob@example.org")
	_, err := f.sessions.Create(context.Background(), u.ID, auth.SystemB, "phone", "10.0.0.9", "sso")
	require.NoError(t, err)
	r := f.routers(t, nil)
	cred := f.credential(t, u)

	status, env := call(t, r.a, http.MethodGet, "/sso/sessions", cred, nil)
	require.Equal(t, http.StatusOK, status)
	var listed struct {
		Sessions         []map[string]interface{} `json:"sessions"`
		CurrentSessionID string                   `json:"current_session_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Len(t, listed.Sessions, 2)
	for _, s := range listed.Sessions {
		assert.Contains(t, s, "device_info")
		assert.Contains(t, s, "last_activity")
		assert.NotContains(t, s, "session_token")
	}
	local, err := f.sessions.FindActive(context.Background(), u.ID, auth.SystemA)
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, local.ID, listed.CurrentSessionID)

	status, env = call(t, r.a, http.MethodPost, "/sso/terminate", cred, map[string]interface{}{"user_id": other.ID, "system": "A"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(auth.CodeForbidden), env.Code)

	status, env = call(t, r.a, http.MethodPost, "/sso/terminate", cred, map[string]string{"system": "everything"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(auth.CodeInvalidTarget), env.Code)

	status, env = call(t, r.a, http.MethodPost, "/sso/terminate", cred, map[string]string{"system": "a"})
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.JSONEq(t, `{"sessions_terminated":1,"remaining_sessions":1}`, string(env.Data))
	assert.True(t, storagetest.LoginFlag(t, f.db, u.ID))

	status, env = call(t, r.a, http.MethodGet, "/sso/session", cred, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"has_session_a":false,"has_session_b":true,"systems_with_sessions":["B"]}`, string(env.Data))

	// without a local session the listing still succeeds, unmarked
	status, env = call(t, r.a, http.MethodGet, "/sso/sessions", cred, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, string(env.Data), "current_session_id")
	assert.Contains(t, string(env.Data), `"system":"B"`)
}

func TestHandlers_Cleanup(t *testing.T) {
	f := newFixture(t)
	u := f.loggedInUser(t, "ada@example.org")
	admin := storagetest.CreateUser(t, f.db, "root@example.org", storagetest.WithRole(auth.RoleAdmin))
	r := f.routers(t, nil)

	_, err := f.systemA.Issue(context.Background(), u.ID, auth.SystemB)
	require.NoError(t, err)

	status, env := call(t, r.a, http.MethodPost, "/sso/cleanup", f.credential(t, u), nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, string(auth.CodeForbidden), env.Code)

	f.clock.Advance(sessions.DefaultTTL + time.Minute)

	status, env = call(t, r.a, http.MethodPost, "/sso/cleanup", f.credential(t, admin), nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.JSONEq(t, `{"sessions_deleted":1,"tokens_deleted":1,"users_reconciled":1,"skipped":false}`, string(env.Data))
	assert.False(t, storagetest.LoginFlag(t, f.db, u.ID))
}

func TestHandlers_TokenRoutesAreRateLimited(t *testing.T) {
	f := newFixture(t)
	limiter := middleware.NewLocalRateLimiter(&middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})
	r := f.routers(t, middleware.RateLimit(limiter, "sso-token", nil, nil, nil))

	body := map[string]string{"sso_token": "garbage"}
	status, _ := call(t, r.b, http.MethodPost, "/sso/validate-token", "", body)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, env := call(t, r.b, http.MethodPost, "/sso/validate-token", "", body)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, string(auth.CodeRateLimited), env.Code)
}
