package core

import (
	"context"
	"time"
)

// Provenance records which agent and task produced a memory entry.
type Provenance struct {
	Agent  string `json:"agent,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// MemoryEntry is one stored fact, retrievable by exact key or, when it
// carries an embedding, by semantic similarity. Entries are overwritten by
// key as a whole, never partially updated.
type MemoryEntry struct {
	Key        string        `json:"key"`
	Value      []byte        `json:"value"`
	Embedding  []float32     `json:"embedding,omitempty"`
	Provenance Provenance    `json:"provenance"`
	CreatedAt  time.Time     `json:"created_at"`
	LastAccess time.Time     `json:"last_access"`
	TTL        time.Duration `json:"ttl,omitempty"`
}

// Expired reports whether the entry's TTL has passed at the given instant.
// A zero TTL means the entry never expires.
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// SimilarityMatch pairs a recalled entry with its cosine similarity score.
type SimilarityMatch struct {
	Entry MemoryEntry
	Score float32
}

// PutOptions carries the optional attributes of a memory write.
type PutOptions struct {
	// Embedding indexes the entry for similarity recall. Its length must
	// equal the store's configured dimensionality.
	Embedding []float32
	// TTL bounds the entry's lifetime; zero means no expiry.
	TTL time.Duration
	// Provenance records the writer for diagnosis.
	Provenance Provenance
}

// MemoryStore unifies exact-match and semantic recall behind one retrieval
// contract with bounded capacity and explicit eviction.
//
// Every entry reachable via QueryBySimilarity is also reachable by its key
// via GetExact: the vector index is a secondary index over a single backing
// table, never a separate source of truth. Individual operations are atomic;
// a read-then-write pair across two calls is not, and callers accept
// last-writer-wins.
type MemoryStore interface {
	// Put inserts or overwrites the entry stored under key. The store never
	// exceeds its capacity bound: eviction runs synchronously as part of the
	// call. Fails with a StorageError when the backing medium is unavailable;
	// the caller decides whether to retry or proceed without caching.
	Put(ctx context.Context, key string, value []byte, optFns ...func(*PutOptions)) error

	// GetExact looks up an entry by key. The boolean reports a hit; a miss is
	// not an error. A hit updates the entry's last-access time.
	GetExact(ctx context.Context, key string) (MemoryEntry, bool, error)

	// QueryBySimilarity returns up to k entries whose cosine similarity to the
	// query embedding is at least minScore, ordered by descending score with
	// ties broken by more recent creation. An empty result is not an error.
	QueryBySimilarity(ctx context.Context, embedding []float32, k int, minScore float32) ([]SimilarityMatch, error)

	// Len reports the current number of live entries.
	Len() int

	// Close flushes any persistence and releases resources.
	Close() error
}
