//go:build integration

package natsclient

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/espflow/errors"
)

func newTestKV(t *testing.T, bucket string) *KVStore {
	t.Helper()
	tc := NewTestClient(t, WithKVBuckets(bucket))
	kvBucket, err := tc.Client.GetKeyValueBucket(context.Background(), bucket)
	require.NoError(t, err)
	return tc.Client.NewKVStore(kvBucket)
}

func TestKVStore_CreateGetUpdateDelete(t *testing.T) {
	kv := newTestKV(t, "crud")
	ctx := context.Background()

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	rev, err := kv.Create(ctx, "a", []byte("one"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "a", []byte("again"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "one", string(entry.Value))
	assert.Equal(t, rev, entry.Revision)

	_, err = kv.Update(ctx, "a", []byte("stale"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	_, err = kv.Update(ctx, "a", []byte("two"), rev)
	require.NoError(t, err)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.True(t, IsKVNotFoundError(err))
	assert.ErrorIs(t, kv.Delete(ctx, "a"), ErrKVKeyNotFound)
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	kv := newTestKV(t, "counter")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const writers = 8
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.UpdateWithRetry(ctx, "n", func(cur []byte) ([]byte, error) {
				n := 0
				if cur != nil {
					n, _ = strconv.Atoi(string(cur))
				}
				return []byte(strconv.Itoa(n + 1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(writers), string(entry.Value))
}

func TestKVStore_UpdateFunctionErrorStops(t *testing.T) {
	kv := newTestKV(t, "abort")
	calls := 0
	err := kv.UpdateWithRetry(context.Background(), "k", func([]byte) ([]byte, error) {
		calls++
		return nil, errors.Invalidf("test", "update", "refused")
	})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, 1, calls)
}
