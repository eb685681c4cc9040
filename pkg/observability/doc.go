// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing and graceful shutdown for the bridge.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", 42).Info("session created")
//
// The logger writes logrus JSON. Request-scoped loggers are attached by
// httputil.LoggingMiddleware and retrieved with FromContext.
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordTokenIssued("B")
//
// All Record methods accept a nil receiver.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	checker.RegisterRoutes(router)
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, cfg, logger)
//	defer observability.ShutdownTracing(ctx, tp, logger)
package observability
