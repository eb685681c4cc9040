// Package async provides panic-safe concurrency helpers for background work.
//
// SafeGo launches a fire-and-forget task with a timeout, panic recovery and
// structured error logging:
//
//	async.SafeGo(ctx, logger, 5*time.Second, "audit write", func(ctx context.Context) error {
//		return auditLogger.Log(ctx, event)
//	})
//
// Batch fans a slice out to a bounded number of workers and collects every
// error, which suits per-user reconciliation after a sweep:
//
//	errs := async.Batch(ctx, userIDs, 4, 10*time.Second, recompute)
package async
