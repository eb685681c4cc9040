package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every Record method is safe to call
// on a nil *Metrics so components work without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SSO token metrics
	SSOTokensIssuedTotal *prometheus.CounterVec
	SSOConsumptionsTotal *prometheus.CounterVec
	SSOConsumeDuration   prometheus.Histogram
	SSOTokenPeeksTotal   *prometheus.CounterVec

	// Session metrics
	SessionsCreatedTotal    *prometheus.CounterVec
	SessionsTerminatedTotal *prometheus.CounterVec
	SessionValidationsTotal *prometheus.CounterVec
	LoginFlagRepairsTotal   prometheus.Counter

	// Sweeper metrics
	SweepRunsTotal       *prometheus.CounterVec
	SweepDuration        prometheus.Histogram
	SweepSessionsDeleted prometheus.Counter
	SweepTokensDeleted   prometheus.Counter
	SweepUsersReconciled prometheus.Counter

	// Field guard metrics
	FieldGuardEventsTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitedTotal *prometheus.CounterVec

	// Password logins
	LoginsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SSOTokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sso_tokens_issued_total",
				Help: "SSO handoff tokens issued, by target system",
			},
			[]string{"target_system"},
		),
		SSOConsumptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sso_token_consumptions_total",
				Help: "SSO token consumption attempts, by result",
			},
			[]string{"result"},
		),
		SSOConsumeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_sso_consume_duration_seconds",
				Help:    "Duration of the atomic consume transaction",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		SSOTokenPeeksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sso_token_peeks_total",
				Help: "Read-only SSO token validity checks, by result",
			},
			[]string{"result"},
		),

		SessionsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sessions_created_total",
				Help: "Sessions created, by system and source (login, sso)",
			},
			[]string{"system", "source"},
		),
		SessionsTerminatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sessions_terminated_total",
				Help: "Sessions marked inactive by explicit termination",
			},
			[]string{"system"},
		),
		SessionValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_session_validations_total",
				Help: "Session validation middleware outcomes",
			},
			[]string{"result"},
		),
		LoginFlagRepairsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_login_flag_repairs_total",
				Help: "Times the middleware found is_user_login inconsistent and repaired it",
			},
		),

		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_sweep_runs_total",
				Help: "Sweeper runs, by status (success, error, skipped)",
			},
			[]string{"status"},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bridge_sweep_duration_seconds",
				Help:    "Sweeper run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepSessionsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_sweep_sessions_deleted_total",
				Help: "Expired or stale sessions deleted by the sweeper",
			},
		),
		SweepTokensDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_sweep_tokens_deleted_total",
				Help: "SSO tokens reaped by the sweeper",
			},
		),
		SweepUsersReconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_sweep_users_reconciled_total",
				Help: "Users whose login flag was recomputed by the sweeper",
			},
		),

		FieldGuardEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_field_guard_events_total",
				Help: "Protected field guard events, by field and action",
			},
			[]string{"field", "action"},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_logins_total",
				Help: "Password logins by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SSOTokensIssuedTotal,
		m.SSOConsumptionsTotal,
		m.SSOConsumeDuration,
		m.SSOTokenPeeksTotal,
		m.SessionsCreatedTotal,
		m.SessionsTerminatedTotal,
		m.SessionValidationsTotal,
		m.LoginFlagRepairsTotal,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepSessionsDeleted,
		m.SweepTokensDeleted,
		m.SweepUsersReconciled,
		m.FieldGuardEventsTotal,
		m.RateLimitedTotal,
		m.LoginsTotal,
	)

	return m
}

// RecordTokenIssued counts an issued SSO token
func (m *Metrics) RecordTokenIssued(targetSystem string) {
	if m == nil {
		return
	}
	m.SSOTokensIssuedTotal.WithLabelValues(targetSystem).Inc()
}

// RecordConsume counts a consume attempt and its duration
func (m *Metrics) RecordConsume(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.SSOConsumptionsTotal.WithLabelValues(result).Inc()
	m.SSOConsumeDuration.Observe(d.Seconds())
}

// RecordPeek counts a read-only token check
func (m *Metrics) RecordPeek(result string) {
	if m == nil {
		return
	}
	m.SSOTokenPeeksTotal.WithLabelValues(result).Inc()
}

// RecordSessionCreated counts a new session row
func (m *Metrics) RecordSessionCreated(system, source string) {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.WithLabelValues(system, source).Inc()
}

// RecordSessionsTerminated counts sessions deactivated by termination
func (m *Metrics) RecordSessionsTerminated(system string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsTerminatedTotal.WithLabelValues(system).Add(float64(n))
}

// RecordSessionValidation counts a session middleware outcome
func (m *Metrics) RecordSessionValidation(result string) {
	if m == nil {
		return
	}
	m.SessionValidationsTotal.WithLabelValues(result).Inc()
}

// RecordLoginFlagRepair counts a login flag repaired by the middleware
func (m *Metrics) RecordLoginFlagRepair() {
	if m == nil {
		return
	}
	m.LoginFlagRepairsTotal.Inc()
}

// RecordSweep records a completed sweeper run
func (m *Metrics) RecordSweep(status string, d time.Duration, sessions, tokens, users int) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(d.Seconds())
	m.SweepSessionsDeleted.Add(float64(sessions))
	m.SweepTokensDeleted.Add(float64(tokens))
	m.SweepUsersReconciled.Add(float64(users))
}

// RecordFieldGuardEvent counts a field guard event
func (m *Metrics) RecordFieldGuardEvent(field, action string) {
	if m == nil {
		return
	}
	m.FieldGuardEventsTotal.WithLabelValues(field, action).Inc()
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited(route string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordLogin counts a password login attempt
func (m *Metrics) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routeLabel uses the mux path template so label cardinality stays bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterRoutes exposes /metrics on router
func (m *Metrics) RegisterRoutes(router *mux.Router) {
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
}
