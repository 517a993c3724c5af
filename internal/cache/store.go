// Package cache is the persistent, TTL-aware store of vulnerability query
// results, safe for concurrent use by the matching workers. Entries are
// keyed by a content hash of the query terms, so one entry can serve every
// coordinate that resolves to the same product.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/depscope/vulnmatch/model"
)

const bucketQueries = "queries"

// CorruptEntryError marks an entry whose stored payload could not be decoded.
// Corruption is never fatal to a run: Get drops the entry and reports a miss.
type CorruptEntryError struct {
	Key string
	Err error
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s: %v", e.Key, e.Err)
}

func (e *CorruptEntryError) Unwrap() error {
	return e.Err
}

// Entry is one cached query result. Complete=false marks an entry from a
// partially drained multi-page fetch; such entries are invisible to Get and
// only reachable through Resume.
type Entry struct {
	Key       string                      `json:"key"`
	Payload   []model.VulnerabilityRecord `json:"payload"`
	FetchedAt time.Time                   `json:"fetched_at"`
	TTL       time.Duration               `json:"ttl"`
	Complete  bool                        `json:"complete"`
	NextIndex int                         `json:"next_index,omitempty"` // resume cursor for incomplete fetches
}

// Stats summarizes the store for maintenance reporting.
type Stats struct {
	TotalEntries int   `json:"total_entries"`
	ValidEntries int   `json:"valid_entries"`
	TotalBytes   int64 `json:"total_bytes"`
}

// Store is a bbolt-backed cache. All methods are safe for concurrent use.
type Store struct {
	db     *bolt.DB
	ttl    time.Duration
	leases sync.Map // key -> chan struct{}, closed on release
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Open opens (creating if needed) the cache database under dir. ttl is the
// default entry lifetime applied by Put.
func Open(dir string, ttl time.Duration, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}

	dbPath := filepath.Join(dir, "vulnmatch.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketQueries))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close cache db: %w", err)
	}
	return nil
}

// QueryKey derives the deterministic cache key for a set of query terms.
// Order and case of the input do not matter.
func QueryKey(terms []string) string {
	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(t)))
	}
	sort.Strings(normalized)
	sum := sha256.Sum256([]byte(strings.Join(normalized, "\n")))
	return hex.EncodeToString(sum[:])
}

// Get returns the entry for key, or (nil, false) when there is no entry, the
// entry is incomplete, or its TTL has elapsed. An unreadable payload is
// treated as a miss: the corrupt entry is dropped so the caller refetches.
func (s *Store) Get(key string) (*Entry, bool) {
	entry, err := s.read(key)
	if err != nil {
		s.logger.Warnw("dropping corrupt cache entry", "key", key, "error", err)
		_ = s.Delete(key)
		return nil, false
	}
	if entry == nil || !entry.Complete {
		return nil, false
	}
	if s.now().Sub(entry.FetchedAt) > entry.TTL {
		return nil, false
	}
	return entry, true
}

// Resume returns an incomplete, unexpired entry for key so an interrupted
// multi-page fetch can continue from its cursor instead of restarting.
func (s *Store) Resume(key string) (*Entry, bool) {
	entry, err := s.read(key)
	if err != nil || entry == nil || entry.Complete {
		return nil, false
	}
	if s.now().Sub(entry.FetchedAt) > entry.TTL {
		return nil, false
	}
	return entry, true
}

// Put writes the entry for key atomically: a concurrent reader sees either
// the previous entry or the full new one, never a partial write.
func (s *Store) Put(key string, payload []model.VulnerabilityRecord, complete bool, nextIndex int) error {
	entry := Entry{
		Key:       key,
		Payload:   payload,
		FetchedAt: s.now(),
		TTL:       s.ttl,
		Complete:  complete,
		NextIndex: nextIndex,
	}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes the entry for key. Used by maintenance and corruption
// recovery, never by the matching path for valid entries.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).Delete([]byte(key))
	})
}

// Lease is an exclusive in-process claim on a cache key, held while a worker
// fetches that key so concurrent workers wait instead of duplicating the
// network call.
type Lease struct {
	store    *Store
	key      string
	done     chan struct{}
	released sync.Once
}

// Acquire blocks until the lease for key is free or ctx is done.
func (s *Store) Acquire(ctx context.Context, key string) (*Lease, error) {
	for {
		done := make(chan struct{})
		actual, loaded := s.leases.LoadOrStore(key, done)
		if !loaded {
			return &Lease{store: s, key: key, done: done}, nil
		}
		select {
		case <-actual.(chan struct{}):
			// holder released, contend again
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release frees the lease and wakes any waiters. Safe to call more than once.
func (l *Lease) Release() {
	l.released.Do(func() {
		l.store.leases.Delete(l.key)
		close(l.done)
	})
}

// Prune deletes every entry whose age exceeds olderThan and returns the
// number removed. Maintenance only; independent of the matching path.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketQueries))
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil || entry.FetchedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune cache: %w", err)
	}
	return removed, nil
}

// Stats reports entry counts and payload size for maintenance.
func (s *Store) Stats() (Stats, error) {
	var stats Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketQueries)).ForEach(func(k, v []byte) error {
			stats.TotalEntries++
			stats.TotalBytes += int64(len(v))
			var entry Entry
			if err := json.Unmarshal(v, &entry); err == nil &&
				entry.Complete && s.now().Sub(entry.FetchedAt) <= entry.TTL {
				stats.ValidEntries++
			}
			return nil
		})
	})
	if err != nil {
		return stats, fmt.Errorf("failed to read cache stats: %w", err)
	}
	return stats, nil
}

func (s *Store) read(key string) (*Entry, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketQueries)).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, &CorruptEntryError{Key: key, Err: err}
	}
	return &entry, nil
}
