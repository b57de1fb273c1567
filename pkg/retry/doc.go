// Package retry runs an operation again after transient failures, with
// exponential backoff and optional jitter.
//
// The default check retries what the engine reports as transient (a busy
// file, an exhausted queue) and nothing else:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return openDatabase(ctx)
//	})
//
// Callers with their own notion of transient errors use DoWithRetryable.
package retry
