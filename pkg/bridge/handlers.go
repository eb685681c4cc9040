package bridge

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/middleware"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
)

// Handlers serves the /auth routes
type Handlers struct {
	bridge     *Bridge
	authn      *middleware.Authenticator
	validator  *middleware.SessionValidator
	loginLimit func(http.Handler) http.Handler
}

// NewHandlers creates the /auth handlers. loginLimit wraps POST /auth/login
// and may be nil.
func NewHandlers(b *Bridge, authn *middleware.Authenticator, validator *middleware.SessionValidator, loginLimit func(http.Handler) http.Handler) *Handlers {
	return &Handlers{
		bridge:     b,
		authn:      authn,
		validator:  validator,
		loginLimit: loginLimit,
	}
}

// RegisterRoutes registers the /auth routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	var login http.Handler = http.HandlerFunc(h.login)
	if h.loginLimit != nil {
		login = h.loginLimit(login)
	}
	router.Handle("/auth/login", login).Methods("POST")

	router.Handle("/auth/logout", h.authn.Handler(http.HandlerFunc(h.logout))).Methods("POST")
	router.Handle("/auth/activity", h.authn.Handler(http.HandlerFunc(h.activity))).Methods("GET")
	router.Handle("/auth/guard-events", h.authn.Handler(middleware.RequireAdmin(http.HandlerFunc(h.guardEvents)))).Methods("GET")

	// live local session required
	router.Handle("/auth/refresh", h.authn.Handler(h.validator.Require(http.HandlerFunc(h.refresh)))).Methods("POST")
	router.Handle("/auth/me", h.authn.Handler(h.validator.Require(http.HandlerFunc(h.me)))).Methods("GET")
	router.Handle("/auth/me", h.authn.Handler(h.validator.Require(http.HandlerFunc(h.updateMe)))).Methods("PATCH")
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceInfo string `json:"device_info"`
}

// login handles POST /auth/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") || !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	client := sessions.ClientInfo{
		DeviceInfo: httputil.DeviceInfo(r, req.DeviceInfo),
		IPAddress:  httputil.ClientIP(r),
		UserAgent:  r.UserAgent(),
	}
	result, err := h.bridge.Login(r.Context(), req.Email, req.Password, client)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// logout handles POST /auth/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	authCtx := middleware.GetAuthContext(r)

	terminated, err := h.bridge.Logout(r.Context(), authCtx.UserID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccessMessage(w, "logged out of all systems", map[string]interface{}{
		"sessions_terminated": terminated,
	})
}

// refresh handles POST /auth/refresh
func (h *Handlers) refresh(w http.ResponseWriter, r *http.Request) {
	result, err := h.bridge.Refresh(r.Context(), middleware.GetAuthContext(r), middleware.GetSession(r))
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// me handles GET /auth/me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	profile, err := h.bridge.Me(r.Context(), middleware.GetAuthContext(r).UserID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"user": profile})
}

// updateMe handles PATCH /auth/me
func (h *Handlers) updateMe(w http.ResponseWriter, r *http.Request) {
	var update ProfileUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	client := sessions.ClientInfo{IPAddress: httputil.ClientIP(r), UserAgent: r.UserAgent()}
	result, err := h.bridge.UpdateProfile(r.Context(), middleware.GetAuthContext(r).UserID, update, client)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// activity handles GET /auth/activity
func (h *Handlers) activity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.bridge.Activity(r.Context(), middleware.GetAuthContext(r).UserID, limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}

// guardEvents handles GET /auth/guard-events
func (h *Handlers) guardEvents(w http.ResponseWriter, r *http.Request) {
	alertsOnly := false
	if raw := r.URL.Query().Get("alerts"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httputil.WriteBadRequest(w, "alerts must be a boolean")
			return
		}
		alertsOnly = v
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": h.bridge.GuardEvents(alertsOnly)})
}
