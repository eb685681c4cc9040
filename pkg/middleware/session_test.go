package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/contextkeys"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/storage/storagetest"
)

func withAuth(r *http.Request, userID int64) *http.Request {
	return r.WithContext(contextkeys.WithAuth(r.Context(), &auth.AuthContext{UserID: userID}))
}

type countingStore struct {
	SessionStore
	touches int
}

func (c *countingStore) Touch(ctx context.Context, sess *sessions.Session) error {
	c.touches++
	return c.SessionStore.Touch(ctx, sess)
}

func TestSessionValidator_Require(t *testing.T) {
	db := storagetest.NewSQLiteDB(t)
	store := sessions.NewStore(db, sessions.DefaultTTL)
	ctx := context.Background()

	withSession := storagetest.CreateUser(t, db, "ada@example.org")
	live, err := store.Create(ctx, withSession.ID, auth.SystemA, "", "", "login")
	require.NoError(t, err)
	remoteOnly := storagetest.CreateUser(t, db, "bob@example.org")
	_, err = store.Create(ctx, remoteOnly.ID, auth.SystemB, "", "", "sso")
	require.NoError(t, err)

	m := observability.NewMetrics(prometheus.NewRegistry())
	v := NewSessionValidator(store, auth.SystemA, 0, nil, m)

	var got *sessions.Session
	handler := v.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetSession(r)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("live session", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/auth/me", nil), withSession.ID))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, live.ID, got.ID)
	})

	t.Run("session only on the other system", func(t *testing.T) {
		got = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/auth/me", nil), remoteOnly.ID))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(auth.CodeSessionExpired), decodeError(t, rec).Code)
		assert.Nil(t, got)
	})

	t.Run("terminated session rejects a still-valid credential", func(t *testing.T) {
		_, _, err := store.Terminate(ctx, withSession.ID, auth.SystemA)
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/auth/me", nil), withSession.ID))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(auth.CodeSessionExpired), decodeError(t, rec).Code)
	})

	t.Run("no auth context", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionValidationsTotal.WithLabelValues("valid")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionValidationsTotal.WithLabelValues("expired")))
}

func TestSessionValidator_AnnotateLetsRequestThrough(t *testing.T) {
	db := storagetest.NewSQLiteDB(t)
	store := sessions.NewStore(db, sessions.DefaultTTL)
	user := storagetest.CreateUser(t, db, "ada@example.org")

	v := NewSessionValidator(store, auth.SystemA, 0, nil, nil)
	called := false
	handler := v.Annotate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, GetSession(r))
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/sso/session", nil), user.ID))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionValidator_RepairsLoginFlag(t *testing.T) {
	db := storagetest.NewSQLiteDB(t)
	store := sessions.NewStore(db, sessions.DefaultTTL)
	ctx := context.Background()
	user := storagetest.CreateUser(t, db, "ada@example.org")
	_, err := store.Create(ctx, user.ID, auth.SystemA, "", "", "login")
	require.NoError(t, err)

	// drift the flag behind the store's back
	_, err = db.Exec(`UPDATE users SET is_user_login = FALSE WHERE id = ?`, user.ID)
	require.NoError(t, err)

	m := observability.NewMetrics(prometheus.NewRegistry())
	v := NewSessionValidator(store, auth.SystemA, 0, nil, m)
	_, err = v.Validate(ctx, user.ID)
	require.NoError(t, err)

	assert.True(t, storagetest.LoginFlag(t, db, user.ID))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LoginFlagRepairsTotal))
}

func TestSessionValidator_ThrottlesTouch(t *testing.T) {
	db := storagetest.NewSQLiteDB(t)
	store := &countingStore{SessionStore: sessions.NewStore(db, sessions.DefaultTTL)}
	ctx := context.Background()
	user := storagetest.CreateUser(t, db, "ada@example.org")
	_, err := sessions.NewStore(db, sessions.DefaultTTL).Create(ctx, user.ID, auth.SystemA, "", "", "login")
	require.NoError(t, err)

	v := NewSessionValidator(store, auth.SystemA, time.Minute, nil, nil)
	for i := 0; i < 5; i++ {
		_, err := v.Validate(ctx, user.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.touches)

	unthrottled := NewSessionValidator(store, auth.SystemA, 0, nil, nil)
	for i := 0; i < 3; i++ {
		_, err := unthrottled.Validate(ctx, user.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, store.touches)
}

type failingStore struct{ SessionStore }

func (failingStore) FindActive(context.Context, int64, auth.System) (*sessions.Session, error) {
	return nil, errors.New("connection refused")
}

func TestSessionValidator_StorageError(t *testing.T) {
	v := NewSessionValidator(failingStore{}, auth.SystemA, 0, nil, nil)
	handler := v.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withAuth(httptest.NewRequest(http.MethodGet, "/auth/me", nil), 1))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, string(auth.CodeStorageError), body.Code)
	assert.Equal(t, "connection refused", body.Message)
}
