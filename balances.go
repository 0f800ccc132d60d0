package sigmatrade

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

const balanceDisplayPlaces = 4

var balanceLog = NewLogger("balances")

// BalanceSource fetches the balances of a wallet. An empty set means the
// balances are unknown.
type BalanceSource interface {
	Balances(ctx context.Context, wallet string) BalanceSet
}

// BalanceObserver receives refreshed balances.
type BalanceObserver interface {
	OnBalancesReady(wallet string, balances BalanceSet)
}

// BalancesCacheKey is the cache key of a wallet's all-assets balance blob.
func BalancesCacheKey(wallet string) string {
	return wallet + ":all_balances"
}

// TxCountCacheKey is the cache key of a wallet's total transaction count.
func TxCountCacheKey(wallet string) string {
	return wallet + ":total_tx_count"
}

// BalanceService serves wallet balances through the tiered cache.
type BalanceService struct {
	source    BalanceSource
	cache     *TieredCache
	observer  BalanceObserver
	lastKnown *lastKnownBalances
	ttl       time.Duration
	countTTL  time.Duration
	logger    Logger
}

// NewBalanceService wires a balance source to the cache.
func NewBalanceService(source BalanceSource, cache *TieredCache, observer BalanceObserver, ttl, countTTL time.Duration) *BalanceService {
	return &BalanceService{
		source:    source,
		cache:     cache,
		observer:  observer,
		lastKnown: newLastKnownBalances(defaultLastKnownCapacity),
		ttl:       ttl,
		countTTL:  countTTL,
		logger:    balanceLog,
	}
}

// Refresh returns the balances of wallet, from cache unless force is set. A
// failed fetch leaves the last known balances in place and notifies nobody.
func (s *BalanceService) Refresh(ctx context.Context, wallet string, force bool) BalanceSet {
	if !force {
		if cached, ok := cacheGet[BalanceSet](ctx, s.cache, BalancesCacheKey(wallet), 0); ok {
			merged := s.lastKnown.Merge(wallet, cached)
			s.notify(wallet, merged)
			return merged
		}
	}

	set := s.source.Balances(ctx, wallet)
	if set.Empty() {
		s.logger.Warnf("balances unknown wallet=%s, keeping last known values", wallet)
		last, _ := s.lastKnown.Get(wallet)
		return last
	}

	cacheSet(s.cache, BalancesCacheKey(wallet), set, s.ttl)
	if set.TxCount != nil {
		cacheSet(s.cache, TxCountCacheKey(wallet), *set.TxCount, s.countTTL)
	}
	merged := s.lastKnown.Merge(wallet, set)
	s.notify(wallet, merged)
	return merged
}

// TxCount returns the cached total transaction count of wallet.
func (s *BalanceService) TxCount(ctx context.Context, wallet string) (uint64, bool) {
	return cacheGet[uint64](ctx, s.cache, TxCountCacheKey(wallet), 0)
}

func (s *BalanceService) notify(wallet string, set BalanceSet) {
	if s.observer != nil {
		s.observer.OnBalancesReady(wallet, set)
	}
}

// formatUnits renders raw base units with the token's decimals, truncated to
// four places for display.
func formatUnits(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, int32(-decimals)).Truncate(balanceDisplayPlaces).StringFixed(balanceDisplayPlaces)
}
