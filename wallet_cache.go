package sigmatrade

import (
	"maps"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultLastKnownCapacity = 64

// lastKnownBalances remembers the most recent non-empty balances per wallet,
// so a failed refresh leaves the previous values on screen.
type lastKnownBalances struct {
	mu    sync.Mutex
	store *lru.Cache[string, BalanceSet]
}

func newLastKnownBalances(maxEntries int) *lastKnownBalances {
	if maxEntries <= 0 {
		maxEntries = defaultLastKnownCapacity
	}
	store, err := lru.New[string, BalanceSet](maxEntries)
	if err != nil {
		return nil
	}
	return &lastKnownBalances{
		store: store,
	}
}

func (c *lastKnownBalances) Get(wallet string) (BalanceSet, bool) {
	if c == nil || wallet == "" {
		return BalanceSet{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.store.Get(wallet)
	if !ok {
		return BalanceSet{}, false
	}
	return cloneBalanceSet(entry), true
}

// Merge overlays the assets present in set onto the remembered ones; assets
// missing from a partial batch keep their previous value.
func (c *lastKnownBalances) Merge(wallet string, set BalanceSet) BalanceSet {
	if c == nil || wallet == "" {
		return set
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := BalanceSet{Balances: make(map[string]BalanceSnapshot)}
	if previous, ok := c.store.Get(wallet); ok {
		maps.Copy(merged.Balances, previous.Balances)
		merged.TxCount = previous.TxCount
	}
	maps.Copy(merged.Balances, set.Balances)
	if set.TxCount != nil {
		count := *set.TxCount
		merged.TxCount = &count
	}
	c.store.Add(wallet, merged)
	return cloneBalanceSet(merged)
}

func cloneBalanceSet(set BalanceSet) BalanceSet {
	cloned := BalanceSet{Balances: maps.Clone(set.Balances)}
	if cloned.Balances == nil {
		cloned.Balances = make(map[string]BalanceSnapshot)
	}
	if set.TxCount != nil {
		count := *set.TxCount
		cloned.TxCount = &count
	}
	return cloned
}
