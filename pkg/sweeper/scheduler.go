package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// Scheduler runs a Sweeper on a cron schedule. Failed runs are logged and
// retried at the next tick.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	logger  *observability.Logger
	timeout time.Duration
}

// NewScheduler parses schedule (standard five-field cron or a descriptor
// such as "@every 1h") and registers the sweep. timeout bounds each run.
func NewScheduler(s *Sweeper, schedule string, timeout time.Duration, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	sch := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.PrintfLogger(logger.Logrus())),
		)),
		sweeper: s,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := sch.cron.AddFunc(schedule, sch.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sch, nil
}

// Start begins running sweeps in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs and waits for a running sweep to finish or
// for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	defer observability.RecoverPanic(s.logger, "session sweep")

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.sweeper.Run(ctx); err != nil {
		s.logger.WithError(err).Warn("scheduled sweep failed, will retry at next tick")
	}
}
