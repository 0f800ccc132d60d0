package sigmatrade

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTieredCache(t *testing.T, clock *fakeClock, store Store) *TieredCache {
	t.Helper()
	cache := NewTieredCache(TieredCacheOptions{
		MaxEntries: 16,
		Store:      store,
		Logger:     NewDiscardLogger(),
		Now:        clock.Now,
	})
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func TestTieredCacheMemoryOnlyExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, nil)
	ctx := context.Background()
	require.False(t, cache.Persistent())

	cache.Set("k", json.RawMessage(`"v"`), time.Minute)
	value, ok := cache.Get(ctx, "k", 0)
	require.True(t, ok)
	require.JSONEq(t, `"v"`, string(value))

	clock.Advance(time.Minute)
	_, ok = cache.Get(ctx, "k", 0)
	require.True(t, ok, "entry is valid up to and including its ttl")

	clock.Advance(time.Millisecond)
	_, ok = cache.Get(ctx, "k", 0)
	require.False(t, ok)
}

func TestTieredCacheTTLOverride(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, nil)
	ctx := context.Background()

	cache.Set("k", json.RawMessage(`1`), time.Hour)
	clock.Advance(2 * time.Minute)

	_, ok := cache.Get(ctx, "k", time.Minute)
	require.False(t, ok)
	_, ok = cache.Get(ctx, "k", 0)
	require.False(t, ok, "an expired read evicts the L1 entry")
}

func TestTieredCacheExpiresInBothTiers(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	cache := newTestTieredCache(t, clock, store)
	ctx := context.Background()

	cache.Set("page", json.RawMessage(`[1]`), time.Minute)
	cache.Flush()

	clock.Advance(2 * time.Minute)
	_, ok := cache.Get(ctx, "page", 0)
	require.False(t, ok)

	entry, err := store.Get(ctx, "page", 0)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestTieredCachePromotesPersistentHits(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	ctx := context.Background()

	writer := NewTieredCache(TieredCacheOptions{Store: store, Logger: NewDiscardLogger(), Now: clock.Now})
	writer.Set("balances", json.RawMessage(`{"BNB":"1"}`), time.Minute)
	writer.Flush()

	// a second facade over the same store starts with an empty L1
	reader := NewTieredCache(TieredCacheOptions{Store: store, Logger: NewDiscardLogger(), Now: clock.Now})

	clock.Advance(50 * time.Second)
	value, ok := reader.Get(ctx, "balances", 0)
	require.True(t, ok)
	require.JSONEq(t, `{"BNB":"1"}`, string(value))

	promoted, ok := reader.memory.Peek("balances")
	require.True(t, ok)
	require.Equal(t, clock.Now(), promoted.storedAt)
	require.Equal(t, time.Minute, promoted.ttl)

	// L2 considers the row expired now, the promoted copy is still fresh
	clock.Advance(20 * time.Second)
	_, ok = reader.Get(ctx, "balances", 0)
	require.True(t, ok)
	entry, err := store.Get(ctx, "balances", 0)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestTieredCacheInvalidateAllPreservesKeys(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, nil)
	ctx := context.Background()

	cache.Set("w:transactions_page_1", json.RawMessage(`[]`), time.Minute)
	cache.Set("w:all_balances", json.RawMessage(`{}`), time.Minute)
	cache.Set("w:total_tx_count", json.RawMessage(`42`), time.Hour)

	cache.InvalidateAll("w:total_tx_count")

	_, ok := cache.Get(ctx, "w:transactions_page_1", 0)
	require.False(t, ok)
	_, ok = cache.Get(ctx, "w:all_balances", 0)
	require.False(t, ok)
	value, ok := cache.Get(ctx, "w:total_tx_count", 0)
	require.True(t, ok)
	require.JSONEq(t, `42`, string(value))
}

func TestTieredCacheInvalidateAllLeavesPersistentTier(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	cache := newTestTieredCache(t, clock, store)
	ctx := context.Background()

	cache.Set("k", json.RawMessage(`1`), time.Minute)
	cache.Flush()
	cache.InvalidateAll()

	_, ok := cache.memory.Peek("k")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "k", 0)
	require.True(t, ok, "served again from L2")
}

func TestTieredCacheToleratesPersistentFailures(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, failingStore{})
	ctx := context.Background()

	cache.Set("k", json.RawMessage(`"v"`), time.Minute)
	cache.Flush()

	value, ok := cache.Get(ctx, "k", 0)
	require.True(t, ok)
	require.JSONEq(t, `"v"`, string(value))

	_, ok = cache.Get(ctx, "missing", 0)
	require.False(t, ok)
	require.Zero(t, cache.Cleanup(ctx))
}

func TestTieredCacheDeleteReachesBothTiers(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	cache := newTestTieredCache(t, clock, store)
	ctx := context.Background()

	cache.Set("k", json.RawMessage(`1`), time.Minute)
	cache.Delete("k")
	cache.Flush()

	_, ok := cache.Get(ctx, "k", 0)
	require.False(t, ok)
	entry, err := store.Get(ctx, "k", 0)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestTieredCacheCleanup(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	cache := newTestTieredCache(t, clock, store)
	ctx := context.Background()

	cache.Set("short", json.RawMessage(`1`), time.Minute)
	cache.Set("long", json.RawMessage(`2`), time.Hour)
	cache.Flush()
	clock.Advance(5 * time.Minute)

	// one expired L1 entry plus its L2 row
	require.Equal(t, 2, cache.Cleanup(ctx))
	_, ok := cache.Get(ctx, "long", 0)
	require.True(t, ok)
}

func TestTieredCacheCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := openMemLevelDBStore(t, clock)
	cache := NewTieredCache(TieredCacheOptions{Store: store, Logger: NewDiscardLogger(), Now: clock.Now})

	cache.Set("k", json.RawMessage(`1`), time.Minute)
	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())

	// writes after close stay in L1 only
	cache.Set("late", json.RawMessage(`2`), time.Minute)
	_, ok := cache.Get(context.Background(), "late", 0)
	require.True(t, ok)
}

func TestCacheGetAndSetTyped(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, nil)
	ctx := context.Background()

	txs := []Transaction{{Hash: "0xaa", Timestamp: 10, Kind: TxKindNative, Value: "1"}}
	cacheSet(cache, "page", txs, time.Minute)

	got, ok := cacheGet[[]Transaction](ctx, cache, "page", 0)
	require.True(t, ok)
	require.Equal(t, txs, got)

	cache.Set("broken", json.RawMessage(`{"not":"a list"}`), time.Minute)
	_, ok = cacheGet[[]Transaction](ctx, cache, "broken", 0)
	require.False(t, ok)

	var nilCache *TieredCache
	cacheSet(nilCache, "page", txs, time.Minute)
	_, ok = cacheGet[[]Transaction](ctx, nilCache, "page", 0)
	require.False(t, ok)
}

var errStoreDown = errors.New("store down")

type failingStore struct{}

func (failingStore) Get(context.Context, string, time.Duration) (*StoreEntry, error) {
	return nil, errStoreDown
}

func (failingStore) Set(context.Context, string, json.RawMessage, time.Duration) error {
	return errStoreDown
}

func (failingStore) Delete(context.Context, string) error { return errStoreDown }

func (failingStore) Clear(context.Context) error { return errStoreDown }

func (failingStore) CleanupExpired(context.Context) (int, error) { return 0, errStoreDown }

func (failingStore) Close() error { return nil }
