package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/bridge"
	"github.com/platinummonkey/sessionbridge/pkg/config"
	"github.com/platinummonkey/sessionbridge/pkg/fieldguard"
	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/middleware"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/sso"
	"github.com/platinummonkey/sessionbridge/pkg/storage/postgres"
	"github.com/platinummonkey/sessionbridge/pkg/sweeper"
	"github.com/platinummonkey/sessionbridge/pkg/users"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("system", string(cfg.Bridge.LocalSystem))
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled: failed to initialize exporter")
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		logger.WithError(err).Error("Failed to prepare schema")
		os.Exit(1)
	}
	logger.Info("Database ready")

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			// Redis only backs rate limits and the sweep lease; both have
			// a local fallback
			logger.WithError(err).Warn("Redis unavailable, using in-process rate limits")
			redisClient = nil
		}
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	auditDB, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize audit log")
		os.Exit(1)
	}

	recentGuardEvents := fieldguard.NewMemorySink(1000)
	guard := fieldguard.New(fieldguard.MultiSink{
		fieldguard.NewLogSink(logger),
		fieldguard.NewAuditSink(auditDB, logger),
		recentGuardEvents,
	}, fieldguard.WithMetrics(metrics))

	userStore := users.NewStore(db, guard)
	sessionStore := sessions.NewStore(db, cfg.Bridge.SessionTTL).WithMetrics(metrics)
	issuer := auth.NewCredentialIssuer([]byte(cfg.Bridge.SigningSecret), cfg.Bridge.CredentialTTL)

	redirects := make(map[auth.System]string, len(auth.AllSystems))
	for _, sys := range auth.AllSystems {
		redirects[sys] = cfg.Bridge.RedirectBase(sys)
	}
	exchange := sso.NewExchange(db, sessionStore, userStore, issuer, sso.Config{
		LocalSystem:  cfg.Bridge.LocalSystem,
		TokenTTL:     cfg.Bridge.SSOTokenTTL,
		Retention:    cfg.Bridge.SSOTokenRetention,
		RedirectBase: redirects,
		CallbackPath: cfg.Bridge.CallbackPath,
	},
		sso.WithLogger(logger),
		sso.WithMetrics(metrics),
		sso.WithAuditLogger(auditDB),
	)

	b := bridge.New(db, userStore, sessionStore, issuer, cfg.Bridge.LocalSystem,
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithAuditLogger(auditDB),
		bridge.WithActivityReader(auditDB),
		bridge.WithGuardEvents(recentGuardEvents),
	)

	sweepOpts := []sweeper.Option{
		sweeper.WithLogger(logger),
		sweeper.WithMetrics(metrics),
		sweeper.WithAuditLogger(auditDB),
	}
	if redisClient != nil {
		sweepOpts = append(sweepOpts, sweeper.WithRedis(redisClient))
	}
	sw := sweeper.New(sessionStore, exchange, sweeper.Config{
		StaleAfter: cfg.Bridge.StaleAfter,
		LeaseTTL:   cfg.Bridge.SweepLeaseTTL,
	}, sweepOpts...)
	scheduler, err := sweeper.NewScheduler(sw, cfg.Bridge.SweepSchedule, cfg.Bridge.SweepLeaseTTL, logger)
	if err != nil {
		logger.WithError(err).Error("Invalid sweep schedule")
		os.Exit(1)
	}

	authn := middleware.NewAuthenticator(issuer)
	validator := middleware.NewSessionValidator(sessionStore, cfg.Bridge.LocalSystem, cfg.Bridge.TouchInterval, logger, metrics)

	limitCfg := middleware.DefaultRateLimitConfig()
	limitCfg.RequestsPerWindow = cfg.Bridge.ExchangeRateLimit
	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = middleware.NewDistributedRateLimiter(redisClient, limitCfg, "sessionbridge:ratelimit")
	} else {
		limiter = middleware.NewLocalRateLimiter(limitCfg)
	}
	limit := func(route string) func(http.Handler) http.Handler {
		return middleware.RateLimit(limiter, route, limitCfg, logger, metrics)
	}

	router := mux.NewRouter()
	router.Use(httputil.Chain(
		httputil.TrustedProxies(cfg.Server.TrustedProxies),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	))
	router.Use(observability.HTTPMetricsMiddleware(metrics))

	observability.NewHealthChecker(db, redisClient).RegisterRoutes(router)
	if cfg.Observability.MetricsEnabled {
		metrics.RegisterRoutes(router)
	}

	sso.NewHandlers(exchange, b, sw, authn, limit("sso-token")).
		WithSessionValidator(validator).
		RegisterRoutes(router)
	bridge.NewHandlers(b, authn, validator, limit("login")).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      observability.InstrumentHandler(router, "sessionbridge"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("audit", func(context.Context) error { return auditDB.Close() })
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	shutdown.Register("sweeper", scheduler.Stop)

	scheduler.Start()
	logger.Infof("Sweep scheduled: %s", cfg.Bridge.SweepSchedule)

	go func() {
		logger.Infof("Starting session bridge for system %s on %s", cfg.Bridge.LocalSystem, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForSignal(ctx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}
