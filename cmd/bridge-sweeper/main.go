package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/sessionbridge/pkg/audit"
	"github.com/platinummonkey/sessionbridge/pkg/config"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
	"github.com/platinummonkey/sessionbridge/pkg/sessions"
	"github.com/platinummonkey/sessionbridge/pkg/sso"
	"github.com/platinummonkey/sessionbridge/pkg/storage/postgres"
	"github.com/platinummonkey/sessionbridge/pkg/sweeper"
)

var (
	runOnce  = flag.Bool("once", false, "Run a single sweep and exit")
	schedule = flag.String("schedule", "", "Cron schedule for sweeps (overrides BRIDGE_SWEEP_SCHEDULE)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadSweeperConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule != "" {
		cfg.Bridge.SweepSchedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("component", "sweeper")
	ctx := context.Background()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	auditDB, err := audit.NewDBLogger(db)
	if err != nil {
		log.Fatalf("Failed to initialize audit log: %v", err)
	}
	defer auditDB.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sessionStore := sessions.NewStore(db, cfg.Bridge.SessionTTL).WithMetrics(metrics)

	// Reap touches only the token table, so no user store or issuer is needed
	tokens := sso.NewExchange(db, sessionStore, nil, nil, sso.Config{
		TokenTTL:  cfg.Bridge.SSOTokenTTL,
		Retention: cfg.Bridge.SSOTokenRetention,
	}, sso.WithLogger(logger), sso.WithMetrics(metrics))

	opts := []sweeper.Option{
		sweeper.WithLogger(logger),
		sweeper.WithMetrics(metrics),
		sweeper.WithAuditLogger(auditDB),
	}
	if cfg.Redis.Enabled() {
		var client *redis.Client
		client, err = postgres.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, sweeping without a lease")
		} else {
			defer client.Close()
			opts = append(opts, sweeper.WithRedis(client))
		}
	}

	sw := sweeper.New(sessionStore, tokens, sweeper.Config{
		StaleAfter: cfg.Bridge.StaleAfter,
		LeaseTTL:   cfg.Bridge.SweepLeaseTTL,
	}, opts...)

	// Run once mode (for cron jobs outside the process, or manual cleanup)
	if *runOnce {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Bridge.SweepLeaseTTL)
		defer cancel()
		res, err := sw.Run(runCtx)
		if err != nil {
			logger.WithError(err).Error("Sweep failed")
			os.Exit(1)
		}
		logger.WithFields(map[string]interface{}{
			"sessions_deleted": res.SessionsDeleted,
			"tokens_deleted":   res.TokensDeleted,
			"users_reconciled": res.UsersReconciled,
			"skipped":          res.Skipped,
		}).Info("Sweep completed")
		return
	}

	scheduler, err := sweeper.NewScheduler(sw, cfg.Bridge.SweepSchedule, cfg.Bridge.SweepLeaseTTL, logger)
	if err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}
	scheduler.Start()
	logger.Infof("Session sweeper started, schedule: %s", cfg.Bridge.SweepSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(ctx, cfg.Bridge.SweepLeaseTTL)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Sweep still running at shutdown")
	}
	logger.Info("Sweeper stopped")
}
