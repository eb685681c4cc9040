package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/contextkeys"
	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
)

// SessionStore is what the validator needs from the session store
type SessionStore interface {
	FindActive(ctx context.Context, userID int64, system auth.System) (*sessions.Session, error)
	Touch(ctx context.Context, sess *sessions.Session) error
	MarkLoggedIn(ctx context.Context, userID int64) (bool, error)
}

// SessionValidator checks that the caller still holds a live session on
// the local system. A valid credential is not enough: sessions are what
// revocation acts on.
type SessionValidator struct {
	store   SessionStore
	local   auth.System
	logger  *observability.Logger
	metrics *observability.Metrics

	// touched remembers recently touched sessions so last_activity is
	// written at most once per interval
	touched *expirable.LRU[string, struct{}]
}

// NewSessionValidator creates a validator for the local system.
// touchInterval of zero touches on every request.
func NewSessionValidator(store SessionStore, local auth.System, touchInterval time.Duration, logger *observability.Logger, metrics *observability.Metrics) *SessionValidator {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	v := &SessionValidator{
		store:   store,
		local:   local,
		logger:  logger,
		metrics: metrics,
	}
	if touchInterval > 0 {
		v.touched = expirable.NewLRU[string, struct{}](10000, nil, touchInterval)
	}
	return v
}

// Require rejects the request with SessionExpired when no live session
// exists. It must run after Authenticator.
func (v *SessionValidator) Require(next http.Handler) http.Handler {
	return v.handler(next, true)
}

// Annotate attaches the live session when there is one and lets the
// request through either way
func (v *SessionValidator) Annotate(next http.Handler) http.Handler {
	return v.handler(next, false)
}

func (v *SessionValidator) handler(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := GetAuthContext(r)
		if authCtx == nil {
			httputil.WriteDomainError(w, auth.ErrNotAuthenticated)
			return
		}

		sess, err := v.Validate(r.Context(), authCtx.UserID)
		if err != nil {
			if required {
				httputil.WriteDomainError(w, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithSession(r.Context(), sess)))
	})
}

// Validate returns the caller's most recent live session on the local
// system, touching it and repairing the login flag on the way
func (v *SessionValidator) Validate(ctx context.Context, userID int64) (*sessions.Session, error) {
	sess, err := v.store.FindActive(ctx, userID, v.local)
	if err != nil {
		v.metrics.RecordSessionValidation("error")
		return nil, err
	}
	if sess == nil {
		v.metrics.RecordSessionValidation("expired")
		return nil, auth.ErrSessionExpired
	}
	v.metrics.RecordSessionValidation("valid")

	if v.touched != nil {
		if _, ok := v.touched.Get(sess.ID); ok {
			return sess, nil
		}
	}

	if err := v.store.Touch(ctx, sess); err != nil {
		v.logger.WithError(err).WithField("session_id", sess.ID).Warn("failed to touch session")
	}
	repaired, err := v.store.MarkLoggedIn(ctx, userID)
	if err != nil {
		v.logger.WithError(err).WithField("user_id", userID).Warn("failed to repair login flag")
	} else if repaired {
		v.metrics.RecordLoginFlagRepair()
		v.logger.WithField("user_id", userID).Info("repaired login flag for user with live session")
	}
	if v.touched != nil {
		v.touched.Add(sess.ID, struct{}{})
	}
	return sess, nil
}

// GetSession returns the session attached by SessionValidator, or nil
func GetSession(r *http.Request) *sessions.Session {
	sess, _ := contextkeys.GetSession(r.Context()).(*sessions.Session)
	return sess
}
