package sigmatrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "sigmatrade:cache"

// RedisStoreOptions tunes a RedisStore.
type RedisStoreOptions struct {
	KeyPrefix string
	Now       func() time.Time
}

// RedisStore keeps the cache table in Redis: one string per row under
// "<prefix>:<key>" and a sorted set "<prefix>:ts" scored by timestamp as the
// secondary index.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client redis.UniversalClient, opts RedisStoreOptions) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &RedisStore{client: client, prefix: prefix, now: now}
}

func (s *RedisStore) rowKey(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":ts"
}

func (s *RedisStore) load(ctx context.Context, key string) (*StoreEntry, error) {
	raw, err := s.client.Get(ctx, s.rowKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	var entry StoreEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode row %s: %w", key, err)
	}
	return &entry, nil
}

func (s *RedisStore) Get(ctx context.Context, key string, ttlOverride time.Duration) (*StoreEntry, error) {
	entry, err := s.load(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Expired(s.now(), ttlOverride) {
		if err := s.Delete(ctx, key); err != nil {
			storeLog.Warnf("redis expire delete key=%s error=%v", key, err)
		}
		return nil, nil
	}
	return entry, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	entry := newStoreEntry(key, value, ttl, s.now())
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode row %s: %w", key, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.rowKey(key), raw, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(entry.Timestamp), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.rowKey(key))
		pipe.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis scan index: %w", err)
	}
	rows := make([]string, 0, len(keys)+1)
	for _, key := range keys {
		rows = append(rows, s.rowKey(key))
	}
	rows = append(rows, s.indexKey())
	if err := s.client.Del(ctx, rows...).Err(); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan index: %w", err)
	}
	now := s.now()
	removed := 0
	for _, key := range keys {
		entry, err := s.load(ctx, key)
		if err != nil {
			storeLog.Warnf("redis cleanup skip key=%s error=%v", key, err)
			continue
		}
		if entry != nil && !entry.Expired(now, 0) {
			continue
		}
		if err := s.Delete(ctx, key); err != nil {
			return removed, err
		}
		if entry != nil {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
