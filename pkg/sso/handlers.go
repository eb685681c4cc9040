package sso

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/bridge"
	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/middleware"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/sweeper"
)

// SessionBridge is the part of the authentication bridge the session routes
// delegate to
type SessionBridge interface {
	ValidateSession(ctx context.Context, userID int64) (*bridge.SessionState, error)
	TerminateCrossSystemSession(ctx context.Context, caller *auth.AuthContext, userID int64, system auth.System) (terminated, remaining int, err error)
	ListSessions(ctx context.Context, userID int64) ([]*sessions.Session, error)
}

// Sweeper runs a cleanup sweep on demand
type Sweeper interface {
	Run(ctx context.Context) (sweeper.Result, error)
}

// Handlers handles SSO-related HTTP requests
type Handlers struct {
	exchange   *Exchange
	bridge     SessionBridge
	sweeper    Sweeper
	authn      *middleware.Authenticator
	validator  *middleware.SessionValidator
	tokenLimit func(http.Handler) http.Handler
}

// NewHandlers creates the /sso handlers. tokenLimit wraps the two routes
// that accept a raw SSO token without a credential and may be nil. When
// sweeper is nil, POST /sso/cleanup only reaps tokens.
func NewHandlers(exchange *Exchange, b SessionBridge, sw Sweeper, authn *middleware.Authenticator, tokenLimit func(http.Handler) http.Handler) *Handlers {
	return &Handlers{
		exchange:   exchange,
		bridge:     b,
		sweeper:    sw,
		authn:      authn,
		tokenLimit: tokenLimit,
	}
}

// WithSessionValidator lets GET /sso/sessions mark the caller's own local
// session in the listing. Call it before RegisterRoutes.
func (h *Handlers) WithSessionValidator(v *middleware.SessionValidator) *Handlers {
	h.validator = v
	return h
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Token exchange routes; the token is the credential
	router.Handle("/sso/consume", h.limited(h.consume)).Methods("POST")
	router.Handle("/sso/validate-token", h.limited(h.validateToken)).Methods("POST")

	// Authenticated routes
	router.Handle("/sso/token", h.authenticated(h.issueToken)).Methods("POST")
	router.Handle("/sso/session", h.authenticated(h.sessionState)).Methods("GET")
	router.Handle("/sso/terminate", h.authenticated(h.terminate)).Methods("POST")
	var list http.Handler = http.HandlerFunc(h.listSessions)
	if h.validator != nil {
		list = h.validator.Annotate(list)
	}
	router.Handle("/sso/sessions", h.authn.Handler(list)).Methods("GET")

	router.Handle("/sso/cleanup", h.authn.Handler(middleware.RequireAdmin(http.HandlerFunc(h.cleanup)))).Methods("POST")
}

func (h *Handlers) limited(fn http.HandlerFunc) http.Handler {
	if h.tokenLimit == nil {
		return fn
	}
	return h.tokenLimit(fn)
}

func (h *Handlers) authenticated(fn http.HandlerFunc) http.Handler {
	return h.authn.Handler(fn)
}

type issueRequest struct {
	TargetSystem string `json:"target_system"`
}

// issueToken handles POST /sso/token
func (h *Handlers) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.TargetSystem, "target_system") {
		return
	}
	target, err := auth.ParseSystem(req.TargetSystem)
	if err != nil {
		httputil.WriteDomainError(w, auth.ErrInvalidTarget)
		return
	}

	res, err := h.exchange.Issue(r.Context(), middleware.GetAuthContext(r).UserID, target)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

type tokenRequest struct {
	SSOToken   string `json:"sso_token"`
	DeviceInfo string `json:"device_info"`
}

// consume handles POST /sso/consume
func (h *Handlers) consume(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.SSOToken, "sso_token") {
		return
	}

	client := sessions.ClientInfo{
		DeviceInfo: httputil.DeviceInfo(r, req.DeviceInfo),
		IPAddress:  httputil.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}
	res, err := h.exchange.Consume(r.Context(), req.SSOToken, h.exchange.LocalSystem(), client)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// validateToken handles POST /sso/validate-token
func (h *Handlers) validateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.SSOToken, "sso_token") {
		return
	}

	res, err := h.exchange.Peek(r.Context(), req.SSOToken)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}

// sessionState handles GET /sso/session
func (h *Handlers) sessionState(w http.ResponseWriter, r *http.Request) {
	state, err := h.bridge.ValidateSession(r.Context(), middleware.GetAuthContext(r).UserID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, state)
}

type terminateRequest struct {
	// UserID defaults to the caller
	UserID int64  `json:"user_id"`
	System string `json:"system"`
}

// terminate handles POST /sso/terminate
func (h *Handlers) terminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.System, "system") {
		return
	}
	system, err := auth.ParseSystem(req.System)
	if err != nil {
		httputil.WriteDomainError(w, auth.ErrInvalidTarget)
		return
	}

	caller := middleware.GetAuthContext(r)
	userID := req.UserID
	if userID == 0 {
		userID = caller.UserID
	}

	terminated, remaining, err := h.bridge.TerminateCrossSystemSession(r.Context(), caller, userID, system)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"sessions_terminated": terminated,
		"remaining_sessions":  remaining,
	})
}

// listSessions handles GET /sso/sessions
func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.bridge.ListSessions(r.Context(), middleware.GetAuthContext(r).UserID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	data := map[string]interface{}{"sessions": list}
	if current := middleware.GetSession(r); current != nil {
		data["current_session_id"] = current.ID
	}
	httputil.WriteSuccess(w, data)
}

// cleanup handles POST /sso/cleanup
func (h *Handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		n, err := h.exchange.Reap(r.Context())
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}
		httputil.WriteSuccess(w, sweeper.Result{TokensDeleted: n})
		return
	}

	res, err := h.sweeper.Run(r.Context())
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, res)
}
