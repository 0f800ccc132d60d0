package sigmatrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned by OpenStore when no persistent tier can be used.
var ErrStoreUnavailable = errors.New("persistent cache unavailable")

var storeLog = NewLogger("store")

// Store is the persistent (L2) cache tier. Implementations police expiry on
// read, so CleanupExpired is a janitor and never required for correctness.
type Store interface {
	// Get returns nil, nil on a miss or when the entry expired. ttlOverride
	// replaces the stored ttl for the validity check when positive.
	Get(ctx context.Context, key string, ttlOverride time.Duration) (*StoreEntry, error)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	CleanupExpired(ctx context.Context) (int, error)
	Close() error
}

// StoreEntry is the persisted row of the cache table.
type StoreEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
}

func newStoreEntry(key string, value json.RawMessage, ttl time.Duration, now time.Time) StoreEntry {
	return StoreEntry{
		Key:       key,
		Value:     value,
		Timestamp: now.UnixMilli(),
		TTL:       ttl.Milliseconds(),
	}
}

// StoredAt returns the write time of the entry.
func (e StoreEntry) StoredAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// TTLDuration returns the entry's own time-to-live.
func (e StoreEntry) TTLDuration() time.Duration {
	return time.Duration(e.TTL) * time.Millisecond
}

// Expired reports whether the entry outlived ttlOverride (or its own ttl when
// the override is not positive).
func (e StoreEntry) Expired(now time.Time, ttlOverride time.Duration) bool {
	ttl := e.TTLDuration()
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	return now.Sub(e.StoredAt()) > ttl
}

// OpenStore initialises the configured backend. Any failure yields
// ErrStoreUnavailable so callers can continue memory-only.
func OpenStore(ctx context.Context, cfg *Config) (Store, error) {
	switch cfg.StoreBackend {
	case StoreBackendMemory:
		return nil, ErrStoreUnavailable
	case StoreBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			storeLog.Warnf("redis store unavailable addr=%s error=%v", cfg.RedisAddr, err)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return NewRedisStore(client, RedisStoreOptions{}), nil
	default:
		store, err := OpenLevelDBStore(cfg.StorePath)
		if err != nil {
			storeLog.Warnf("leveldb store unavailable path=%s error=%v", cfg.StorePath, err)
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return store, nil
	}
}
