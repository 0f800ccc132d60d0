package sigmatrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrFetchInProgress is returned when a load is requested while another one
// for the same wallet is still running. The request is dropped, not queued.
var ErrFetchInProgress = errors.New("transaction fetch already in progress")

var aggregatorLog = NewLogger("aggregator")

// AggregatorState is the phase of the current fetch cycle.
type AggregatorState int

const (
	StateIdle AggregatorState = iota
	StateFetching
	StateMerging
	StateDone
	StateError
)

func (s AggregatorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransactionSource lists explorer history pages.
type TransactionSource interface {
	ListTransactions(ctx context.Context, action, wallet string, page, offset int) ([]Transaction, error)
}

// TransferLogSource returns recent token transfers observed on the node. It
// never fails; an unavailable node yields an empty list.
type TransferLogSource interface {
	RecentTokenTransfers(ctx context.Context, wallet string) []Transaction
}

// TransactionObserver receives the aggregator's results.
type TransactionObserver interface {
	OnTransactionsReady(wallet string, transactions []Transaction)
	OnNoMoreData(wallet string)
	OnFetchError(wallet string, err error)
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	Explorer TransactionSource
	Logs     TransferLogSource
	Cache    *TieredCache
	Observer TransactionObserver
	Logger   Logger
	PageSize int
	PageTTL  time.Duration
}

// Aggregator assembles the paginated transaction history of the active wallet
// from explorer pages and recent node logs.
type Aggregator struct {
	explorer TransactionSource
	logs     TransferLogSource
	cache    *TieredCache
	observer TransactionObserver
	logger   Logger
	pageSize int
	pageTTL  time.Duration

	mu         sync.Mutex
	wallet     string
	generation uint64
	page       int
	hasMore    bool
	items      []Transaction
	state      AggregatorState

	// loading guards one load per generation; a load left over from the
	// previous wallet does not block the next one.
	loading    bool
	loadingGen uint64
}

// NewAggregator builds an aggregator with no active wallet.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = aggregatorLog
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Aggregator{
		explorer: opts.Explorer,
		logs:     opts.Logs,
		cache:    opts.Cache,
		observer: opts.Observer,
		logger:   logger,
		pageSize: pageSize,
		pageTTL:  opts.PageTTL,
		page:     1,
		hasMore:  true,
	}
}

// PageCacheKey is the wallet-scoped cache key of one history page.
func PageCacheKey(wallet string, page int) string {
	return fmt.Sprintf("%s:transactions_page_%d", wallet, page)
}

// SetWallet switches the active wallet and discards the accumulated history.
// Loads still running for the previous wallet finish and are cached but not
// delivered, and do not hold back loads for the new wallet.
func (a *Aggregator) SetWallet(wallet string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wallet = wallet
	a.generation++
	a.page = 1
	a.hasMore = true
	a.items = nil
	a.state = StateIdle
}

// Snapshot returns the accumulated history and pagination state.
func (a *Aggregator) Snapshot() (items []Transaction, hasMore bool, state AggregatorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Transaction(nil), a.items...), a.hasMore, a.state
}

// Load fetches the next page of the active wallet, or page 1 again when reset
// is set. It is a no-op once the history is exhausted, and returns
// ErrFetchInProgress if another load for the active wallet is running.
func (a *Aggregator) Load(ctx context.Context, reset bool) error {
	a.mu.Lock()
	if a.wallet == "" {
		a.mu.Unlock()
		return ErrUnknownWallet
	}
	if a.loading && a.loadingGen == a.generation {
		a.mu.Unlock()
		return ErrFetchInProgress
	}
	if reset {
		a.page = 1
		a.hasMore = true
	}
	if !a.hasMore {
		a.mu.Unlock()
		return nil
	}
	wallet, page, generation := a.wallet, a.page, a.generation
	a.loading, a.loadingGen = true, generation
	a.state = StateFetching
	a.mu.Unlock()
	defer a.release(generation)

	err := a.cycle(ctx, wallet, page, generation, reset)
	if err != nil {
		aggregatorCycles.WithLabelValues("error").Inc()
		a.logger.Warnf("fetch cycle failed wallet=%s page=%d error=%v", wallet, page, err)
		delivered := a.finish(generation, StateError)
		if delivered && a.observer != nil {
			a.observer.OnFetchError(wallet, err)
		}
		a.finish(generation, StateIdle)
		return err
	}
	return nil
}

func (a *Aggregator) cycle(ctx context.Context, wallet string, page int, generation uint64, reset bool) error {
	key := PageCacheKey(wallet, page)
	if !reset {
		if cached, ok := cacheGet[[]Transaction](ctx, a.cache, key, 0); ok {
			aggregatorCycles.WithLabelValues("cache").Inc()
			a.deliver(wallet, generation, cached, false)
			return nil
		}
	}

	var normals, tokens, recent []Transaction
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		normals, err = a.explorer.ListTransactions(groupCtx, ExplorerActionNormal, wallet, page, a.pageSize)
		if err != nil {
			return fmt.Errorf("normal transactions page %d: %w", page, err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		tokens, err = a.explorer.ListTransactions(groupCtx, ExplorerActionToken, wallet, page, a.pageSize)
		if err != nil {
			return fmt.Errorf("token transactions page %d: %w", page, err)
		}
		return nil
	})
	if page == 1 && a.logs != nil {
		group.Go(func() error {
			recent = a.logs.RecentTokenTransfers(groupCtx, wallet)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	a.setState(generation, StateMerging)
	merged := MergeTransactions(recent, tokens, normals)
	cacheSet(a.cache, key, merged, a.pageTTL)
	aggregatorCycles.WithLabelValues("fetched").Inc()
	a.logger.Printf("page merged wallet=%s page=%d normal=%d token=%d recent=%d merged=%d", wallet, page, len(normals), len(tokens), len(recent), len(merged))
	a.deliver(wallet, generation, merged, reset)
	return nil
}

// deliver folds a page into the accumulated history if the load still
// belongs to the active wallet, then notifies the observer.
func (a *Aggregator) deliver(wallet string, generation uint64, page []Transaction, reset bool) {
	a.mu.Lock()
	if generation != a.generation {
		a.mu.Unlock()
		a.logger.Printf("discarding stale page wallet=%s", wallet)
		return
	}
	if reset {
		a.items = appendUnique(nil, page)
	} else {
		a.items = appendUnique(a.items, page)
	}
	a.page++
	exhausted := len(page) < a.pageSize
	if exhausted {
		a.hasMore = false
	}
	a.state = StateDone
	items := append([]Transaction(nil), a.items...)
	a.mu.Unlock()

	if a.observer == nil {
		return
	}
	a.observer.OnTransactionsReady(wallet, items)
	if exhausted {
		a.observer.OnNoMoreData(wallet)
	}
}

func (a *Aggregator) release(generation uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loading && a.loadingGen == generation {
		a.loading = false
	}
}

func (a *Aggregator) setState(generation uint64, state AggregatorState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation == a.generation {
		a.state = state
	}
}

func (a *Aggregator) finish(generation uint64, state AggregatorState) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation {
		return false
	}
	a.state = state
	return true
}
