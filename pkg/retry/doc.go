// Package retry runs an operation with exponential backoff and jitter.
//
// Whether an error is worth another attempt is decided by Config.Retryable;
// without one every error except those wrapped with NonRetryable is retried.
// The engine client uses it for revision-checked KV writes, where a conflict
// means "read again and reapply":
//
//	cfg := retry.DefaultConfig()
//	cfg.Retryable = natsclient.IsKVConflictError
//	err := retry.Do(ctx, cfg, func() error {
//	    return store.saveOnce(ctx, p)
//	})
//
// Do stops as soon as ctx ends, both while the operation runs and during the
// backoff sleep.
package retry
