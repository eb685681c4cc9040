package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// The context is detached from parentCtx's cancellation so a task started
// from a request handler survives the response being written.
//
// Example:
//
//	SafeGo(r.Context(), logger, 5*time.Second, "audit write", func(ctx context.Context) error {
//	    return auditLogger.Log(ctx, event)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					WithField("panic", fmt.Sprint(r)).
					WithField("stack", string(debug.Stack())).
					Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// Batch runs fn for every item with at most workers in flight and returns
// every error encountered. Unlike a plain errgroup, one failure does not
// cancel the remaining items. A panicking item is reported as an error.
//
// Example:
//
//	errs := Batch(ctx, userIDs, 4, 10*time.Second, func(ctx context.Context, id int64) error {
//	    return recompute(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, item := range items {
		item := item
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(itemCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	g.Wait()

	return errs
}
