package sigmatrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBalanceSource struct {
	mu    sync.Mutex
	next  BalanceSet
	calls int
}

func (f *fakeBalanceSource) Balances(context.Context, string) BalanceSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return cloneBalanceSet(f.next)
}

func (f *fakeBalanceSource) set(next BalanceSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = next
}

func balanceSet(count *uint64, snapshots ...BalanceSnapshot) BalanceSet {
	set := BalanceSet{Balances: make(map[string]BalanceSnapshot), TxCount: count}
	for _, snapshot := range snapshots {
		set.Balances[snapshot.TokenSymbol] = snapshot
	}
	return set
}

func ptrUint64(v uint64) *uint64 {
	return &v
}

func TestBalanceServiceCachesResults(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestTieredCache(t, clock, nil)
	source := &fakeBalanceSource{next: balanceSet(ptrUint64(42),
		BalanceSnapshot{TokenSymbol: "BNB", RawBalance: "1", Decimals: 18, Formatted: "0.0000"},
	)}
	observer := &recordingObserver{}
	service := NewBalanceService(source, cache, observer, time.Minute, time.Hour)
	ctx := context.Background()

	first := service.Refresh(ctx, testWallet, false)
	require.Equal(t, "1", first.Balances["BNB"].RawBalance)
	require.Equal(t, 1, source.calls)

	count, ok := service.TxCount(ctx, testWallet)
	require.True(t, ok)
	require.Equal(t, uint64(42), count)

	second := service.Refresh(ctx, testWallet, false)
	require.Equal(t, first, second)
	require.Equal(t, 1, source.calls, "served from cache")

	service.Refresh(ctx, testWallet, true)
	require.Equal(t, 2, source.calls, "force bypasses the cache")
	require.Len(t, observer.balances, 3)

	// balances expire after a minute, the transaction count lives for an hour
	clock.Advance(2 * time.Minute)
	_, ok = cache.Get(ctx, BalancesCacheKey(testWallet), 0)
	require.False(t, ok)
	_, ok = service.TxCount(ctx, testWallet)
	require.True(t, ok)
}

func TestBalanceServiceKeepsLastKnownOnFailure(t *testing.T) {
	t.Parallel()

	cache := newTestTieredCache(t, newFakeClock(), nil)
	source := &fakeBalanceSource{next: balanceSet(ptrUint64(3),
		BalanceSnapshot{TokenSymbol: "BNB", RawBalance: "5"},
		BalanceSnapshot{TokenSymbol: "USDT", RawBalance: "7"},
	)}
	observer := &recordingObserver{}
	service := NewBalanceService(source, cache, observer, time.Minute, time.Hour)
	ctx := context.Background()

	service.Refresh(ctx, testWallet, true)

	source.set(BalanceSet{})
	kept := service.Refresh(ctx, testWallet, true)
	require.Equal(t, "5", kept.Balances["BNB"].RawBalance)
	require.Equal(t, "7", kept.Balances["USDT"].RawBalance)
	require.Len(t, observer.balances, 1, "a failed refresh notifies nobody")

	// a partial batch only replaces what it carries
	source.set(balanceSet(nil, BalanceSnapshot{TokenSymbol: "BNB", RawBalance: "6"}))
	merged := service.Refresh(ctx, testWallet, true)
	require.Equal(t, "6", merged.Balances["BNB"].RawBalance)
	require.Equal(t, "7", merged.Balances["USDT"].RawBalance)
	require.NotNil(t, merged.TxCount)
	require.Equal(t, uint64(3), *merged.TxCount)
}

func TestBalanceServiceUnknownWalletWithoutHistory(t *testing.T) {
	t.Parallel()

	cache := newTestTieredCache(t, newFakeClock(), nil)
	service := NewBalanceService(&fakeBalanceSource{}, cache, nil, time.Minute, time.Hour)

	set := service.Refresh(context.Background(), testWallet, false)
	require.True(t, set.Empty())
	_, ok := cache.Get(context.Background(), BalancesCacheKey(testWallet), 0)
	require.False(t, ok)
}

func TestBalanceCacheKeys(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0xabc:all_balances", BalancesCacheKey("0xabc"))
	require.Equal(t, "0xabc:total_tx_count", TxCountCacheKey("0xabc"))
	require.Equal(t, "0xabc:transactions_page_2", PageCacheKey("0xabc", 2))
}
