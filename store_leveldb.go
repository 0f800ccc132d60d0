package sigmatrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	levelDBTablePrefix = "cache/"
	levelDBIndexPrefix = "cache_ts/"
)

// LevelDBStoreOptions tunes a LevelDBStore.
type LevelDBStoreOptions struct {
	Now func() time.Time
}

// LevelDBStore keeps the cache table in an embedded LevelDB. Rows live under
// "cache/<key>"; "cache_ts/<timestamp>/<key>" is the secondary index on
// timestamp walked by CleanupExpired.
type LevelDBStore struct {
	db  *leveldb.DB
	now func() time.Time

	// serialises read-modify-write of a row and its index entry
	mu sync.Mutex
}

// OpenLevelDBStore opens (or creates) the database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return NewLevelDBStore(db, LevelDBStoreOptions{}), nil
}

// NewLevelDBStore wraps an already opened database.
func NewLevelDBStore(db *leveldb.DB, opts LevelDBStoreOptions) *LevelDBStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LevelDBStore{db: db, now: now}
}

func levelDBRowKey(key string) []byte {
	return []byte(levelDBTablePrefix + key)
}

func levelDBIndexKey(timestamp int64, key string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", levelDBIndexPrefix, timestamp, key))
}

func (s *LevelDBStore) load(key string) (*StoreEntry, error) {
	raw, err := s.db.Get(levelDBRowKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %s: %w", key, err)
	}
	var entry StoreEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode row %s: %w", key, err)
	}
	return &entry, nil
}

func (s *LevelDBStore) Get(_ context.Context, key string, ttlOverride time.Duration) (*StoreEntry, error) {
	entry, err := s.load(key)
	if err != nil || entry == nil {
		return nil, err
	}
	if entry.Expired(s.now(), ttlOverride) {
		if err := s.deleteIfStamped(key, entry.Timestamp); err != nil {
			storeLog.Warnf("leveldb expire delete key=%s error=%v", key, err)
		}
		return nil, nil
	}
	return entry, nil
}

func (s *LevelDBStore) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	entry := newStoreEntry(key, value, ttl, s.now())
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode row %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	previous, err := s.load(key)
	if err != nil {
		return err
	}
	if previous != nil {
		batch.Delete(levelDBIndexKey(previous.Timestamp, key))
	}
	batch.Put(levelDBRowKey(key), raw)
	batch.Put(levelDBIndexKey(entry.Timestamp, key), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb write %s: %w", key, err)
	}
	return nil
}

func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *LevelDBStore) deleteLocked(key string) error {
	entry, err := s.load(key)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(levelDBRowKey(key))
	batch.Delete(levelDBIndexKey(entry.Timestamp, key))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb delete %s: %w", key, err)
	}
	return nil
}

// deleteIfStamped removes the row only if it still carries the given
// timestamp, so a concurrent overwrite is not lost to a lazy expiry.
func (s *LevelDBStore) deleteIfStamped(key string, timestamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.load(key)
	if err != nil || entry == nil || entry.Timestamp != timestamp {
		return err
	}
	return s.deleteLocked(key)
}

func (s *LevelDBStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range []string{levelDBTablePrefix, levelDBIndexPrefix} {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
		iter.Release()
		if err := iter.Error(); err != nil {
			return fmt.Errorf("leveldb scan %s: %w", prefix, err)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("leveldb clear: %w", err)
	}
	return nil
}

func (s *LevelDBStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	batch := new(leveldb.Batch)
	removed := 0

	iter := s.db.NewIterator(util.BytesPrefix([]byte(levelDBIndexPrefix)), nil)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Release()
			return removed, err
		}
		indexKey := append([]byte(nil), iter.Key()...)
		// cache_ts/<20 digits>/<key>
		rest := indexKey[len(levelDBIndexPrefix):]
		if len(rest) < 21 {
			batch.Delete(indexKey)
			continue
		}
		key := string(rest[21:])
		entry, err := s.load(key)
		if err != nil {
			storeLog.Warnf("leveldb cleanup skip key=%s error=%v", key, err)
			continue
		}
		if entry == nil || fmt.Sprintf("%020d", entry.Timestamp) != string(rest[:20]) {
			batch.Delete(indexKey)
			continue
		}
		if entry.Expired(now, 0) {
			batch.Delete(indexKey)
			batch.Delete(levelDBRowKey(key))
			removed++
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("leveldb cleanup scan: %w", err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("leveldb cleanup write: %w", err)
	}
	return removed, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
