package memory

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/logging"
)

// ErrClosed is returned (wrapped in a StorageError) by operations on a
// closed store.
var ErrClosed = errors.New("store closed")

const indexCollection = "entries"

// Options configures a Store.
type Options struct {
	// Capacity is the hard ceiling on live entries. Defaults to 4096.
	Capacity int

	// Dimensions is the embedding size accepted by the similarity index.
	// Zero adopts the length of the first embedded entry and enforces it
	// from then on.
	Dimensions int

	// SnapshotPath enables persistence: the backing table is written to this
	// file (atomic replace) on every mutation and loaded on construction.
	SnapshotPath string

	// Logger defaults to a no-op implementation.
	Logger logging.Logger

	// Clock overrides the time source. Defaults to time.Now.
	Clock func() time.Time
}

type record struct {
	entry core.MemoryEntry
	elem  *list.Element // value is the entry key; nil only during load
}

// Store is the concrete core.MemoryStore. All operations serialize on one
// mutex; eviction happens inside the same critical section as the insert
// that triggered it, so readers never observe the store above capacity.
type Store struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*record
	lru     *list.List // front = most recently used
	index   *chromem.Collection
	logger  logging.Logger
	closed  bool
}

// New creates a store, loading a prior snapshot when one exists at the
// configured path.
func New(optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		Capacity: 4096,
		Logger:   logging.NoOpLogger{},
		Clock:    time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", opts.Capacity)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection(indexCollection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create similarity index: %w", err)
	}

	s := &Store{
		opts:    opts,
		entries: make(map[string]*record),
		lru:     list.New(),
		index:   col,
		logger:  opts.Logger,
	}

	if opts.SnapshotPath != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// compile-time contract check
var _ core.MemoryStore = (*Store)(nil)

// Put inserts or overwrites the entry stored under key. Overwriting resets
// the creation time; the entry is treated as fresh for TTL and similarity
// tie-breaking purposes.
func (s *Store) Put(ctx context.Context, key string, value []byte, optFns ...func(*core.PutOptions)) error {
	var po core.PutOptions
	for _, fn := range optFns {
		fn(&po)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &core.StorageError{Op: "put", Err: ErrClosed}
	}
	if err := s.checkDimsLocked(po.Embedding); err != nil {
		return err
	}

	now := s.opts.Clock().UTC()
	entry := core.MemoryEntry{
		Key:        key,
		Value:      append([]byte(nil), value...),
		Embedding:  append([]float32(nil), po.Embedding...),
		Provenance: po.Provenance,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        po.TTL,
	}

	prev, existed := s.entries[key]
	if existed {
		wasIndexed := len(prev.entry.Embedding) > 0
		prev.entry = entry
		s.lru.MoveToFront(prev.elem)
		if wasIndexed && len(entry.Embedding) == 0 {
			s.indexDelete(ctx, key)
		}
	} else {
		rec := &record{entry: entry}
		rec.elem = s.lru.PushFront(key)
		s.entries[key] = rec
	}

	if len(entry.Embedding) > 0 {
		if err := s.indexAdd(ctx, key, entry.Embedding); err != nil {
			// keep table and index coherent: drop the entry again
			s.removeLocked(ctx, key)
			return &core.StorageError{Op: "put", Err: err}
		}
	}

	s.evictLocked(ctx, now)

	if err := s.persistLocked(); err != nil {
		return &core.StorageError{Op: "put", Err: err}
	}
	return nil
}

// GetExact looks up an entry by key. A hit bumps the entry's last-access
// time and LRU position; an expired entry is removed lazily and reported as
// a miss.
func (s *Store) GetExact(ctx context.Context, key string) (core.MemoryEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.MemoryEntry{}, false, &core.StorageError{Op: "get", Err: ErrClosed}
	}

	rec, ok := s.entries[key]
	if !ok {
		return core.MemoryEntry{}, false, nil
	}

	now := s.opts.Clock().UTC()
	if rec.entry.Expired(now) {
		s.removeLocked(ctx, key)
		return core.MemoryEntry{}, false, nil
	}

	rec.entry.LastAccess = now
	s.lru.MoveToFront(rec.elem)
	return copyEntry(rec.entry), true, nil
}

// QueryBySimilarity returns up to k entries scoring at least minScore
// against the query embedding, best first; ties go to the newer entry.
func (s *Store) QueryBySimilarity(ctx context.Context, embedding []float32, k int, minScore float32) ([]core.SimilarityMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &core.StorageError{Op: "query", Err: ErrClosed}
	}
	if err := s.checkDimsLocked(embedding); err != nil {
		return nil, err
	}

	// purge expired entries up front so the index only serves live ones
	s.purgeExpiredLocked(ctx, s.opts.Clock().UTC())

	n := s.index.Count()
	if n == 0 {
		return nil, nil
	}
	if n > k {
		n = k
	}

	results, err := s.index.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, &core.StorageError{Op: "query", Err: err}
	}

	matches := make([]core.SimilarityMatch, 0, len(results))
	for _, r := range results {
		rec, ok := s.entries[r.ID]
		if !ok || r.Similarity < minScore {
			continue
		}
		matches = append(matches, core.SimilarityMatch{Entry: copyEntry(rec.entry), Score: r.Similarity})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
	})

	return matches, nil
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close persists a final snapshot and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.persistLocked()
	s.closed = true
	if err != nil {
		return &core.StorageError{Op: "close", Err: err}
	}
	return nil
}

// checkDimsLocked enforces the fixed embedding dimensionality, adopting it
// from the first embedded vector when unconfigured.
func (s *Store) checkDimsLocked(embedding []float32) error {
	if len(embedding) == 0 {
		return nil
	}
	if s.opts.Dimensions == 0 {
		s.opts.Dimensions = len(embedding)
		return nil
	}
	if len(embedding) != s.opts.Dimensions {
		return fmt.Errorf("embedding dimensionality %d does not match store dimensionality %d", len(embedding), s.opts.Dimensions)
	}
	return nil
}

// evictLocked enforces the capacity ceiling: expired entries go first, then
// the least recently used of the remainder.
func (s *Store) evictLocked(ctx context.Context, now time.Time) {
	if len(s.entries) <= s.opts.Capacity {
		return
	}

	s.purgeExpiredLocked(ctx, now)

	for len(s.entries) > s.opts.Capacity {
		back := s.lru.Back()
		if back == nil {
			return
		}
		key := back.Value.(string)
		s.removeLocked(ctx, key)
		s.logger.Debug("evicted memory entry", "key", key, "reason", "lru")
	}
}

func (s *Store) purgeExpiredLocked(ctx context.Context, now time.Time) {
	for key, rec := range s.entries {
		if rec.entry.Expired(now) {
			s.removeLocked(ctx, key)
			s.logger.Debug("evicted memory entry", "key", key, "reason", "ttl")
		}
	}
}

// removeLocked deletes an entry from the table, the LRU list and, when
// indexed, the similarity index.
func (s *Store) removeLocked(ctx context.Context, key string) {
	rec, ok := s.entries[key]
	if !ok {
		return
	}
	if rec.elem != nil {
		s.lru.Remove(rec.elem)
	}
	delete(s.entries, key)
	if len(rec.entry.Embedding) > 0 {
		s.indexDelete(ctx, key)
	}
}

func (s *Store) indexAdd(ctx context.Context, key string, embedding []float32) error {
	return s.index.AddDocument(ctx, chromem.Document{
		ID:        key,
		Content:   key,
		Embedding: embedding,
	})
}

func (s *Store) indexDelete(ctx context.Context, key string) {
	if err := s.index.Delete(ctx, nil, nil, key); err != nil {
		// the table already dropped the entry; a stale index id is filtered
		// out at query time
		s.logger.Warn("similarity index delete failed", "key", key, "error", err)
	}
}

func copyEntry(e core.MemoryEntry) core.MemoryEntry {
	cp := e
	cp.Value = append([]byte(nil), e.Value...)
	cp.Embedding = append([]float32(nil), e.Embedding...)
	return cp
}
