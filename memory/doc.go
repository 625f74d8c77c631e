// Package memory implements the hybrid memory store: an exact-match
// key/value table with TTL and LRU eviction, plus a secondary similarity
// index (chromem-go) over the same entries for semantic recall.
//
// The table is the single source of truth. The vector index only holds the
// keys of entries that carry an embedding, and every index mutation happens
// inside the same critical section as the table mutation, so an entry
// reachable by similarity is always reachable by its own key. Capacity is a
// hard ceiling: Put evicts synchronously (expired entries first, then least
// recently used) before returning.
//
// With a snapshot path configured the table survives process restarts via an
// atomically replaced JSON snapshot; the vector index is rebuilt from the
// snapshot on startup.
package memory
