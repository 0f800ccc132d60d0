package sigmatrade

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMemoryEntries   = 1000
	defaultWriteQueueLen   = 256
	persistentWriteTimeout = 5 * time.Second
)

var cacheLog = NewLogger("cache")

type cacheEntry struct {
	value    json.RawMessage
	storedAt time.Time
	ttl      time.Duration
}

func (e cacheEntry) expired(now time.Time, ttlOverride time.Duration) bool {
	ttl := e.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	return now.Sub(e.storedAt) > ttl
}

// memoryTier is the volatile L1: a bounded LRU of JSON values with per-entry ttl.
type memoryTier struct {
	mu    sync.RWMutex
	store *lru.Cache[string, cacheEntry]
}

func newMemoryTier(maxEntries int) *memoryTier {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	store, _ := lru.New[string, cacheEntry](maxEntries)
	return &memoryTier{store: store}
}

func (c *memoryTier) Get(key string, now time.Time, ttlOverride time.Duration) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.store.Get(key)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(now, ttlOverride) {
		c.mu.Lock()
		if current, ok := c.store.Peek(key); ok && current.storedAt.Equal(entry.storedAt) {
			c.store.Remove(key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *memoryTier) Peek(key string) (cacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Peek(key)
}

func (c *memoryTier) Add(key string, value json.RawMessage, storedAt time.Time, ttl time.Duration) {
	c.mu.Lock()
	c.store.Add(key, cacheEntry{value: value, storedAt: storedAt, ttl: ttl})
	c.mu.Unlock()
}

func (c *memoryTier) Remove(key string) {
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
}

// PurgeExcept drops every entry whose key is not in keep.
func (c *memoryTier) PurgeExcept(keep map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.store.Keys() {
		if _, ok := keep[key]; ok {
			continue
		}
		c.store.Remove(key)
	}
}

func (c *memoryTier) PurgeExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.store.Keys() {
		entry, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if entry.expired(now, 0) {
			c.store.Remove(key)
			removed++
		}
	}
	return removed
}

// TieredCacheOptions configures a TieredCache.
type TieredCacheOptions struct {
	MaxEntries int
	// Store is the persistent tier; nil runs memory-only.
	Store         Store
	Logger        Logger
	Now           func() time.Time
	WriteQueueLen int
}

type storeOp struct {
	key    string
	value  json.RawMessage
	ttl    time.Duration
	delete bool
}

// TieredCache reads through and writes through an in-memory L1 and an optional
// persistent L2. Writes to L2 happen on a single background goroutine so they
// keep their order and never block or fail the caller.
type TieredCache struct {
	memory *memoryTier
	store  Store
	logger Logger
	now    func() time.Time

	ops     chan storeOp
	pending sync.WaitGroup
	done    chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

// NewTieredCache builds the facade and starts the background writer when a
// persistent store is present.
func NewTieredCache(opts TieredCacheOptions) *TieredCache {
	logger := opts.Logger
	if logger == nil {
		logger = cacheLog
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &TieredCache{
		memory: newMemoryTier(opts.MaxEntries),
		store:  opts.Store,
		logger: logger,
		now:    now,
		done:   make(chan struct{}),
	}
	if c.store != nil {
		queueLen := opts.WriteQueueLen
		if queueLen <= 0 {
			queueLen = defaultWriteQueueLen
		}
		c.ops = make(chan storeOp, queueLen)
		go c.runWriter()
	} else {
		close(c.done)
	}
	return c
}

// Persistent reports whether an L2 tier is attached.
func (c *TieredCache) Persistent() bool {
	return c != nil && c.store != nil
}

// Get returns the cached value for key. An L2 hit is promoted into L1 with a
// fresh timestamp, which restarts its L1 lifetime.
func (c *TieredCache) Get(ctx context.Context, key string, ttlOverride time.Duration) (json.RawMessage, bool) {
	if c == nil || key == "" {
		return nil, false
	}
	if value, ok := c.memory.Get(key, c.now(), ttlOverride); ok {
		cacheLookups.WithLabelValues("memory", "hit").Inc()
		return value, true
	}
	cacheLookups.WithLabelValues("memory", "miss").Inc()

	if c.store == nil {
		return nil, false
	}
	entry, err := c.store.Get(ctx, key, ttlOverride)
	if err != nil {
		c.logger.Warnf("persistent get failed key=%s error=%v", key, err)
		cacheLookups.WithLabelValues("persistent", "error").Inc()
		return nil, false
	}
	if entry == nil {
		cacheLookups.WithLabelValues("persistent", "miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("persistent", "hit").Inc()
	c.memory.Add(key, entry.Value, c.now(), entry.TTLDuration())
	return entry.Value, true
}

// Set stores value in L1 immediately and queues the L2 write.
func (c *TieredCache) Set(key string, value json.RawMessage, ttl time.Duration) {
	if c == nil || key == "" {
		return
	}
	c.memory.Add(key, value, c.now(), ttl)
	c.enqueue(storeOp{key: key, value: value, ttl: ttl})
}

// Delete removes key from both tiers.
func (c *TieredCache) Delete(key string) {
	if c == nil || key == "" {
		return
	}
	c.memory.Remove(key)
	c.enqueue(storeOp{key: key, delete: true})
}

// InvalidateAll clears L1 except the preserved keys. L2 is left alone, so a
// later L1 miss may still be served from L2 until that entry's ttl lapses.
func (c *TieredCache) InvalidateAll(preserved ...string) {
	if c == nil {
		return
	}
	keep := make(map[string]struct{}, len(preserved))
	for _, key := range preserved {
		keep[key] = struct{}{}
	}
	c.memory.PurgeExcept(keep)
}

// Cleanup drops expired L1 entries and runs the L2 janitor. Errors are logged;
// skipping cleanup entirely is always safe.
func (c *TieredCache) Cleanup(ctx context.Context) int {
	if c == nil {
		return 0
	}
	removed := c.memory.PurgeExpired(c.now())
	if c.store != nil {
		n, err := c.store.CleanupExpired(ctx)
		if err != nil {
			c.logger.Warnf("persistent cleanup failed error=%v", err)
		}
		removed += n
	}
	return removed
}

func (c *TieredCache) enqueue(op storeOp) {
	if c.store == nil {
		return
	}
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return
	}
	c.pending.Add(1)
	select {
	case c.ops <- op:
	default:
		c.pending.Done()
		cacheWriteFailures.Inc()
		c.logger.Warnf("persistent write queue full, dropping key=%s", op.key)
	}
}

func (c *TieredCache) runWriter() {
	defer close(c.done)
	for op := range c.ops {
		c.apply(op)
		c.pending.Done()
	}
}

func (c *TieredCache) apply(op storeOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistentWriteTimeout)
	defer cancel()

	var err error
	if op.delete {
		err = c.store.Delete(ctx, op.key)
	} else {
		err = c.store.Set(ctx, op.key, op.value, op.ttl)
	}
	if err != nil {
		cacheWriteFailures.Inc()
		c.logger.Warnf("persistent write failed key=%s error=%v", op.key, err)
	}
}

// Flush blocks until every queued L2 write has been applied.
func (c *TieredCache) Flush() {
	if c == nil {
		return
	}
	c.pending.Wait()
}

// Close drains the writer and closes the persistent store.
func (c *TieredCache) Close() error {
	if c == nil {
		return nil
	}
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	if c.ops != nil {
		close(c.ops)
	}
	c.closeMu.Unlock()

	<-c.done
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func cacheGet[T any](ctx context.Context, c *TieredCache, key string, ttlOverride time.Duration) (T, bool) {
	var zero T
	raw, ok := c.Get(ctx, key, ttlOverride)
	if !ok {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		c.logger.Warnf("cached value undecodable key=%s error=%v", key, err)
		return zero, false
	}
	return value, true
}

func cacheSet[T any](c *TieredCache, key string, value T, ttl time.Duration) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warnf("cache encode failed key=%s error=%v", key, err)
		return
	}
	c.Set(key, raw, ttl)
}
