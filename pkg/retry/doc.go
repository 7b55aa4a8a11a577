// Package retry provides exponential backoff retry logic for transient failures.
//
// # Overview
//
// Do runs a call until it succeeds, the attempt budget is spent or the
// context ends. The connector uses it for publishing batches downstream; the
// errors package builds its RetryPolicy on top of it.
//
// A budget of N means exactly N calls, never N+1. Attempts(n) returns a
// config with that budget and default backoff:
//
//	err := retry.Do(ctx, retry.Attempts(5), func() error {
//	    return publisher.Publish(ctx, batch)
//	})
//
// Errors wrapped with NonRetryable end the loop at once. The wrapper unwraps
// to its cause, so callers can still inspect it with errors.Is:
//
//	err := retry.Do(ctx, cfg, func() error {
//	    if err := call(); err != nil && !isTransient(err) {
//	        return retry.NonRetryable(err)
//	    }
//	    return err
//	})
//
// OnRetry is called before every backoff sleep and is the place to log the
// failed attempt:
//
//	cfg := retry.Attempts(3)
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("Publish failed, retrying", "attempt", attempt, "delay", delay, "error", err)
//	}
//
// # Context Cancellation
//
// Do stops as soon as the context is cancelled, either between attempts or
// during a backoff delay, and returns the context error.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter mechanism uses a
// thread-safe random source.
package retry
