package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/pkg/retry"
)

// KV errors. They are wrapped with a class by KVStore so callers can use both
// errors.Is and the errors package classifiers.
var (
	ErrKVKeyNotFound        = stderrors.New("kv: key not found")
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
)

// KVEntry is a value with the revision it was read at.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KVOptions configures KV operations.
type KVOptions struct {
	MaxRetries    int           // extra CAS attempts after the first
	RetryDelay    time.Duration // initial delay between attempts
	MaxRetryDelay time.Duration
	Timeout       time.Duration // per operation, 0 for none
	MaxValueSize  int           // 0 for unlimited
}

// DefaultKVOptions returns the defaults used by NewKVStore.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1024 * 1024,
	}
}

// KVStore wraps a bucket with revision-checked writes.
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  *slog.Logger
}

// NewKVStore wraps bucket.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger.With("bucket", bucket.Bucket()),
	}
}

func (kv *KVStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

func (kv *KVStore) checkSize(method string, value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return errors.Invalidf("natsclient", method, "value of %d bytes exceeds limit %d",
			len(value), kv.options.MaxValueSize)
	}
	return nil
}

// Get returns the current value of key.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(ErrKVKeyNotFound, "natsclient", "Get", "get "+key)
		}
		return nil, errors.WrapTransient(err, "natsclient", "Get", "get "+key)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision(), Created: entry.Created()}, nil
}

// Put writes key unconditionally.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize("Put", value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "natsclient", "Put", "put "+key)
	}
	kv.logger.Debug("KV put", "key", key, "revision", rev)
	return rev, nil
}

// Create writes key only when it does not exist.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize("Create", value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, errors.WrapInvalid(ErrKVKeyExists, "natsclient", "Create", "create "+key)
		}
		return 0, errors.WrapTransient(err, "natsclient", "Create", "create "+key)
	}
	kv.logger.Debug("KV create", "key", key, "revision", rev)
	return rev, nil
}

// Update writes key only when its revision is still revision.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize("Update", value); err != nil {
		return 0, err
	}
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, errors.WrapInvalid(ErrKVRevisionMismatch, "natsclient", "Update", "update "+key)
		}
		return 0, errors.WrapTransient(err, "natsclient", "Update", "update "+key)
	}
	kv.logger.Debug("KV update", "key", key, "from", revision, "to", rev)
	return rev, nil
}

// UpdateWithRetry applies fn to the current value of key (nil when absent) and
// writes the result with a revision check, retrying on conflicts. An error
// from fn aborts without retry.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
		Retryable: func(err error) bool {
			return IsKVConflictError(err) || errors.IsTransient(err)
		},
	}

	attempt := 0
	err := retry.Do(ctx, cfg, func() error {
		attempt++
		var (
			current  []byte
			revision uint64
		)
		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !IsKVNotFoundError(err):
			return err
		}

		next, err := fn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if err := kv.checkSize("UpdateWithRetry", next); err != nil {
			return retry.NonRetryable(err)
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && IsKVConflictError(err) {
			kv.logger.Debug("KV conflict, retrying", "key", key, "attempt", attempt)
		}
		return err
	})
	if err != nil && IsKVConflictError(err) {
		return errors.WrapTransient(ErrKVMaxRetriesExceeded, "natsclient", "UpdateWithRetry", "update "+key)
	}
	return err
}

// Delete removes key. Deleting an absent key is ErrKVKeyNotFound.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	if _, err := kv.bucket.Get(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return errors.WrapInvalid(ErrKVKeyNotFound, "natsclient", "Delete", "delete "+key)
		}
		return errors.WrapTransient(err, "natsclient", "Delete", "delete "+key)
	}
	if err := kv.bucket.Delete(ctx, key); err != nil {
		return errors.WrapTransient(err, "natsclient", "Delete", "delete "+key)
	}
	kv.logger.Debug("KV delete", "key", key)
	return nil
}

// Keys lists the keys currently in the bucket, which may be none.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.withTimeout(ctx)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, errors.WrapTransient(err, "natsclient", "Keys", "list keys")
	}
	return keys, nil
}

// Watch streams changes to keys matching pattern. The watcher lives until
// stopped or ctx ends.
func (kv *KVStore) Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Watch", fmt.Sprintf("watch %s", pattern))
	}
	return w, nil
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "key not found") || strings.Contains(s, "10037")
}

// IsKVConflictError reports whether err is a failed revision check.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "wrong last sequence") || strings.Contains(s, "10071") ||
		strings.Contains(s, "key exists")
}
