package sigmatrade

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownWallet is returned when no wallet is active or the requested one
// is not configured.
var ErrUnknownWallet = errors.New("unknown wallet")

const defaultRowHeight = 72

var dashboardLog = NewLogger("dashboard")

// Observer receives everything the dashboard produces.
type Observer interface {
	TransactionObserver
	BalanceObserver
	OnScrollNearEnd(wallet string)
}

// Session is the per-process dashboard state.
type Session struct {
	ID        string   `json:"id"`
	Wallets   []string `json:"wallets"`
	Active    string   `json:"active"`
	LastBlock uint64   `json:"lastBlock"`
}

// Row is one materialised line of the transaction list.
type Row struct {
	Index       int         `json:"index"`
	Top         int         `json:"top"`
	Transaction Transaction `json:"transaction"`
}

// DashboardOptions wires the dashboard to its data sources.
type DashboardOptions struct {
	Wallets  []string
	Explorer TransactionSource
	Logs     TransferLogSource
	Balances BalanceSource
	Cache    *TieredCache
	Observer Observer
	Logger   Logger

	PageSize              int
	PageTTL               time.Duration
	BalanceTTL            time.Duration
	TxCountTTL            time.Duration
	InvalidateEveryBlocks uint64
	RowHeight             int
}

// Dashboard owns one session and the components serving it.
type Dashboard struct {
	aggregator      *Aggregator
	balances        *BalanceService
	cache           *TieredCache
	observer        Observer
	logger          Logger
	invalidateEvery uint64

	mu      sync.Mutex
	session Session

	scrollMu sync.Mutex
	list     *VirtualList[Transaction]
	rows     []Row

	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup
}

// NewDashboard builds a dashboard with no active wallet.
func NewDashboard(opts DashboardOptions) (*Dashboard, error) {
	if len(opts.Wallets) == 0 {
		return nil, errors.New("dashboard: no wallets configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = dashboardLog
	}
	rowHeight := opts.RowHeight
	if rowHeight <= 0 {
		rowHeight = defaultRowHeight
	}

	wallets := make([]string, 0, len(opts.Wallets))
	for _, wallet := range opts.Wallets {
		wallets = append(wallets, normalizeAddress(wallet))
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dashboard{
		cache:           opts.Cache,
		observer:        opts.Observer,
		logger:          logger,
		invalidateEvery: opts.InvalidateEveryBlocks,
		session: Session{
			ID:      uuid.NewString(),
			Wallets: wallets,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	d.list = NewVirtualList(VirtualListOptions[Transaction]{
		ItemHeight: rowHeight,
		Render: func(index int, tx Transaction, top int) {
			d.rows = append(d.rows, Row{Index: index, Top: top, Transaction: tx})
		},
		OnNearEnd: d.nearEnd,
	})
	d.aggregator = NewAggregator(AggregatorOptions{
		Explorer: opts.Explorer,
		Logs:     opts.Logs,
		Cache:    opts.Cache,
		Observer: d,
		Logger:   logger,
		PageSize: opts.PageSize,
		PageTTL:  opts.PageTTL,
	})
	d.balances = NewBalanceService(opts.Balances, opts.Cache, opts.Observer, opts.BalanceTTL, opts.TxCountTTL)
	return d, nil
}

// NewDashboardFromConfig builds the explorer and node clients described by cfg.
func NewDashboardFromConfig(cfg *Config, cache *TieredCache, observer Observer) (*Dashboard, error) {
	tokens, err := cfg.TokenSpecs()
	if err != nil {
		return nil, err
	}
	explorer := &ExplorerClient{
		BaseURL:     cfg.ExplorerURL,
		APIKey:      cfg.ExplorerAPIKey,
		MinInterval: cfg.ExplorerMinInterval,
	}
	node := &RPCClient{
		Endpoint:       cfg.NodeURL,
		Rate:           cfg.NodeRate,
		Burst:          cfg.NodeBurst,
		NativeSymbol:   cfg.NativeSymbol,
		Tokens:         tokens,
		LookbackBlocks: cfg.LogLookbackBlocks,
		BlockTime:      cfg.BlockTime,
	}
	return NewDashboard(DashboardOptions{
		Wallets:               cfg.WalletAddresses(),
		Explorer:              explorer,
		Logs:                  node,
		Balances:              node,
		Cache:                 cache,
		Observer:              observer,
		PageSize:              cfg.PageSize,
		PageTTL:               cfg.PageTTL,
		BalanceTTL:            cfg.BalanceTTL,
		TxCountTTL:            cfg.TxCountTTL,
		InvalidateEveryBlocks: cfg.InvalidateEveryBlocks,
	})
}

// Session returns a copy of the session state.
func (d *Dashboard) Session() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	session := d.session
	session.Wallets = slices.Clone(d.session.Wallets)
	return session
}

func (d *Dashboard) activeWallet() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session.Active
}

// SelectWallet makes wallet active, loads its balances (from cache when
// fresh) and refetches its first history page.
func (d *Dashboard) SelectWallet(ctx context.Context, wallet string) error {
	normalized := normalizeAddress(wallet)
	d.mu.Lock()
	if !slices.Contains(d.session.Wallets, normalized) {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWallet, wallet)
	}
	d.session.Active = normalized
	d.mu.Unlock()

	d.aggregator.SetWallet(normalized)
	d.list.SetItems(nil)
	d.logger.Printf("wallet selected wallet=%s", normalized)

	d.balances.Refresh(ctx, normalized, false)
	return d.aggregator.Load(ctx, true)
}

// Refresh refetches balances and page 1 of the active wallet, bypassing the
// cache.
func (d *Dashboard) Refresh(ctx context.Context) error {
	wallet := d.activeWallet()
	if wallet == "" {
		return ErrUnknownWallet
	}
	d.balances.Refresh(ctx, wallet, true)
	return d.aggregator.Load(ctx, true)
}

// LoadMore appends the next history page of the active wallet.
func (d *Dashboard) LoadMore(ctx context.Context) error {
	return d.aggregator.Load(ctx, false)
}

// Transactions returns the accumulated history of the active wallet.
func (d *Dashboard) Transactions() (items []Transaction, hasMore bool, state AggregatorState) {
	return d.aggregator.Snapshot()
}

// Balances returns the balances of the active wallet from cache, fetching
// them when the cache has nothing fresh.
func (d *Dashboard) Balances(ctx context.Context) (BalanceSet, error) {
	wallet := d.activeWallet()
	if wallet == "" {
		return BalanceSet{}, ErrUnknownWallet
	}
	return d.balances.Refresh(ctx, wallet, false), nil
}

// TxCount returns the cached total transaction count of the active wallet.
func (d *Dashboard) TxCount(ctx context.Context) (uint64, bool) {
	wallet := d.activeWallet()
	if wallet == "" {
		return 0, false
	}
	return d.balances.TxCount(ctx, wallet)
}

// Scroll returns the rows inside the viewport. Landing near the bottom kicks
// off a background page load.
func (d *Dashboard) Scroll(scrollTop, viewportHeight int) (Window, []Row) {
	d.scrollMu.Lock()
	defer d.scrollMu.Unlock()
	d.rows = nil
	window := d.list.Scroll(scrollTop, viewportHeight)
	rows := d.rows
	d.rows = nil
	return window, rows
}

func (d *Dashboard) nearEnd() {
	wallet := d.activeWallet()
	if wallet == "" {
		return
	}
	if _, hasMore, state := d.aggregator.Snapshot(); !hasMore || state == StateFetching || state == StateMerging {
		return
	}
	if d.observer != nil {
		d.observer.OnScrollNearEnd(wallet)
	}
	d.background(func(ctx context.Context) error {
		return d.aggregator.Load(ctx, false)
	})
}

// OnNewBlock records the chain head. Every InvalidateEveryBlocks blocks it
// drops L1 (keeping transaction counts) and starts a background refresh of
// the active wallet. Returns whether the cache was invalidated.
func (d *Dashboard) OnNewBlock(number uint64) bool {
	d.mu.Lock()
	d.session.LastBlock = number
	wallets := slices.Clone(d.session.Wallets)
	active := d.session.Active
	d.mu.Unlock()

	if d.invalidateEvery == 0 || number%d.invalidateEvery != 0 {
		return false
	}

	preserved := make([]string, 0, len(wallets))
	for _, wallet := range wallets {
		preserved = append(preserved, TxCountCacheKey(wallet))
	}
	d.cache.InvalidateAll(preserved...)
	d.logger.Printf("cache invalidated block=%d", number)

	if active != "" {
		d.background(d.Refresh)
	}
	return true
}

func (d *Dashboard) background(load func(ctx context.Context) error) {
	if d.ctx.Err() != nil {
		return
	}
	d.loads.Add(1)
	go func() {
		defer d.loads.Done()
		if err := load(d.ctx); err != nil && !errors.Is(err, ErrFetchInProgress) {
			d.logger.Warnf("background load failed error=%v", err)
		}
	}()
}

// Wait blocks until background loads started by Scroll or OnNewBlock have
// finished.
func (d *Dashboard) Wait() {
	d.loads.Wait()
}

// Close cancels background loads and waits for them.
func (d *Dashboard) Close() {
	d.cancel()
	d.loads.Wait()
}

func (d *Dashboard) OnTransactionsReady(wallet string, transactions []Transaction) {
	d.list.SetItems(transactions)
	if d.observer != nil {
		d.observer.OnTransactionsReady(wallet, transactions)
	}
}

func (d *Dashboard) OnNoMoreData(wallet string) {
	if d.observer != nil {
		d.observer.OnNoMoreData(wallet)
	}
}

func (d *Dashboard) OnFetchError(wallet string, err error) {
	if d.observer != nil {
		d.observer.OnFetchError(wallet, err)
	}
}
