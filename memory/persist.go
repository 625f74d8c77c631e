package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/threatmesh/threatmesh/core"
)

// snapshot is the on-disk layout of the backing table. The similarity index
// is not persisted; it is rebuilt from the embedded entries on load.
type snapshot struct {
	SavedAt time.Time          `json:"saved_at"`
	Entries []core.MemoryEntry `json:"entries"`
}

// persistLocked writes the table to the snapshot path via a temp file and an
// atomic rename, so a crash mid-write never corrupts the previous snapshot.
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	if s.opts.SnapshotPath == "" {
		return nil
	}

	snap := snapshot{SavedAt: s.opts.Clock().UTC()}
	snap.Entries = make([]core.MemoryEntry, 0, len(s.entries))
	for _, rec := range s.entries {
		snap.Entries = append(snap.Entries, rec.entry)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(s.opts.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.opts.SnapshotPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// load restores the table and rebuilds the similarity index from a prior
// snapshot. A missing file is a clean start, not an error. Entries already
// expired at load time are dropped.
func (s *Store) load() error {
	data, err := os.ReadFile(s.opts.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", s.opts.SnapshotPath, err)
	}

	now := s.opts.Clock().UTC()

	// rebuild LRU order: oldest access first so the most recently used entry
	// ends up at the front
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].LastAccess.Before(snap.Entries[j].LastAccess)
	})

	ctx := context.Background()
	loaded := 0
	for _, e := range snap.Entries {
		if e.Expired(now) {
			continue
		}
		if err := s.checkDimsLocked(e.Embedding); err != nil {
			s.logger.Warn("dropping snapshot entry", "key", e.Key, "error", err)
			continue
		}
		rec := &record{entry: e}
		rec.elem = s.lru.PushFront(e.Key)
		s.entries[e.Key] = rec
		if len(e.Embedding) > 0 {
			if err := s.indexAdd(ctx, e.Key, e.Embedding); err != nil {
				return fmt.Errorf("rebuild similarity index: %w", err)
			}
		}
		loaded++
	}

	// the snapshot may exceed the configured capacity when the ceiling was
	// lowered between restarts; evict down before serving reads
	s.evictLocked(ctx, now)

	if loaded > 0 {
		s.logger.Info("memory snapshot loaded", "path", s.opts.SnapshotPath, "entries", loaded)
	}
	return nil
}
