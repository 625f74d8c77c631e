package memory

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/threatmesh/threatmesh/core"
)

// fixed unit vectors: cosine similarity against unitX is the first component
var (
	unitX = []float32{1, 0, 0}
	vec08 = []float32{0.8, 0.6, 0}
	vec06 = []float32{0.6, 0.8, 0}
	unitY = []float32{0, 1, 0}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, optFns ...func(o *Options)) *Store {
	t.Helper()
	s, err := New(optFns...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetExactRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "k1", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	entry, ok, err := s.GetExact(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(entry.Value) != "v1" {
		t.Fatalf("round-trip mismatch: %q", entry.Value)
	}

	// overwrite by key
	if err := s.Put(ctx, "k1", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	entry, ok, _ = s.GetExact(ctx, "k1")
	if !ok || string(entry.Value) != "v2" {
		t.Fatalf("expected overwritten value, got %q (ok=%v)", entry.Value, ok)
	}
	if s.Len() != 1 {
		t.Fatalf("overwrite must not grow the store: %d", s.Len())
	}
}

func TestGetExactMiss(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.GetExact(context.Background(), "absent")
	if err != nil {
		t.Fatalf("miss is not an error: %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) { o.Clock = clock.Now })
	ctx := context.Background()

	if err := s.Put(ctx, "short", []byte("v"), func(po *core.PutOptions) { po.TTL = time.Second }); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok, _ := s.GetExact(ctx, "short"); !ok {
		t.Fatalf("expected hit before expiry")
	}

	clock.Advance(2 * time.Second)
	if _, ok, _ := s.GetExact(ctx, "short"); ok {
		t.Fatalf("expected miss after expiry")
	}
	if s.Len() != 0 {
		t.Fatalf("expired entry must be removed lazily, len=%d", s.Len())
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	const capacity = 16
	s := newTestStore(t, func(o *Options) {
		o.Capacity = capacity
		o.Dimensions = 3
	})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", rng.Intn(40))
		var optFns []func(*core.PutOptions)
		if rng.Intn(2) == 0 {
			optFns = append(optFns, func(po *core.PutOptions) { po.Embedding = unitX })
		}
		if err := s.Put(ctx, key, []byte("v"), optFns...); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if got := s.Len(); got > capacity {
			t.Fatalf("capacity ceiling violated after put %d: %d > %d", i, got, capacity)
		}
	}
}

func TestEvictionExpiredFirstThenLRU(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Capacity = 3
		o.Clock = clock.Now
	})
	ctx := context.Background()

	if err := s.Put(ctx, "e1", []byte("v"), func(po *core.PutOptions) { po.TTL = time.Second }); err != nil {
		t.Fatalf("put e1: %v", err)
	}
	mustPut(t, s, "e2")
	mustPut(t, s, "e3")

	clock.Advance(2 * time.Second)
	mustPut(t, s, "e4") // over capacity: the expired e1 goes, not the LRU e2

	if _, ok, _ := s.GetExact(ctx, "e1"); ok {
		t.Fatalf("expired entry must be evicted first")
	}
	if _, ok, _ := s.GetExact(ctx, "e2"); !ok {
		t.Fatalf("live LRU entry must survive while an expired one exists")
	}

	// e2 was just bumped by the read above; e3 is now least recently used
	mustPut(t, s, "e5")
	if _, ok, _ := s.GetExact(ctx, "e3"); ok {
		t.Fatalf("expected LRU eviction of e3")
	}
	if _, ok, _ := s.GetExact(ctx, "e2"); !ok {
		t.Fatalf("recently read entry must survive LRU eviction")
	}
}

func TestQueryBySimilarityOrderingAndThreshold(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Dimensions = 3 })
	ctx := context.Background()

	puts := map[string][]float32{
		"exact":      unitX,
		"close":      vec08,
		"farther":    vec06,
		"orthogonal": unitY,
	}
	for key, emb := range puts {
		e := emb
		if err := s.Put(ctx, key, []byte(key), func(po *core.PutOptions) { po.Embedding = e }); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	matches, err := s.QueryBySimilarity(ctx, unitX, 10, 0.7)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches above 0.7, got %d", len(matches))
	}
	if matches[0].Entry.Key != "exact" || matches[1].Entry.Key != "close" {
		t.Fatalf("unexpected order: %s, %s", matches[0].Entry.Key, matches[1].Entry.Key)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Fatalf("scores not non-increasing at %d", i)
		}
	}
	for _, m := range matches {
		if m.Score < 0.7 {
			t.Fatalf("score %f below threshold", m.Score)
		}
	}

	// k bounds the result count
	one, _ := s.QueryBySimilarity(ctx, unitX, 1, 0)
	if len(one) != 1 || one[0].Entry.Key != "exact" {
		t.Fatalf("k=1 must return the best match only, got %d", len(one))
	}

	// nothing clears an impossible threshold; empty result, not an error
	none, err := s.QueryBySimilarity(ctx, unitX, 10, 1.1)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty result, got %d err=%v", len(none), err)
	}
}

func TestQuerySimilarityTieBreakNewerFirst(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Dimensions = 3
		o.Clock = clock.Now
	})
	ctx := context.Background()

	put := func(key string) {
		if err := s.Put(ctx, key, []byte(key), func(po *core.PutOptions) { po.Embedding = unitX }); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	put("older")
	clock.Advance(time.Minute)
	put("newer")

	matches, err := s.QueryBySimilarity(ctx, unitX, 2, 0.5)
	if err != nil || len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d err=%v", len(matches), err)
	}
	if matches[0].Entry.Key != "newer" {
		t.Fatalf("tie must break to the newer entry, got %s", matches[0].Entry.Key)
	}
}

func TestSimilarityResultsReachableByKey(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Dimensions = 3 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("obs-%d", i)
		if err := s.Put(ctx, key, []byte(key), func(po *core.PutOptions) { po.Embedding = vec08 }); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	matches, err := s.QueryBySimilarity(ctx, unitX, 5, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, m := range matches {
		entry, ok, err := s.GetExact(ctx, m.Entry.Key)
		if err != nil || !ok {
			t.Fatalf("indexed entry %s not reachable by key (ok=%v err=%v)", m.Entry.Key, ok, err)
		}
		if string(entry.Value) != string(m.Entry.Value) {
			t.Fatalf("index and table disagree for %s", m.Entry.Key)
		}
	}
}

func TestQuerySkipsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, func(o *Options) {
		o.Dimensions = 3
		o.Clock = clock.Now
	})
	ctx := context.Background()

	if err := s.Put(ctx, "fleeting", []byte("v"), func(po *core.PutOptions) {
		po.Embedding = unitX
		po.TTL = time.Second
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clock.Advance(2 * time.Second)

	matches, err := s.QueryBySimilarity(ctx, unitX, 5, 0)
	if err != nil || len(matches) != 0 {
		t.Fatalf("expired entries must not be recalled, got %d err=%v", len(matches), err)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Dimensions = 3 })
	ctx := context.Background()

	err := s.Put(ctx, "bad", []byte("v"), func(po *core.PutOptions) {
		po.Embedding = []float32{1, 0}
	})
	if err == nil {
		t.Fatalf("expected dimensionality rejection")
	}
	if _, err := s.QueryBySimilarity(ctx, []float32{1, 0}, 3, 0); err == nil {
		t.Fatalf("expected query dimensionality rejection")
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	ctx := context.Background()

	s1, err := New(func(o *Options) {
		o.SnapshotPath = path
		o.Dimensions = 3
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s1.Put(ctx, "plain", []byte("p")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s1.Put(ctx, "embedded", []byte("e"), func(po *core.PutOptions) {
		po.Embedding = unitX
		po.Provenance = core.Provenance{Agent: "analyst", TaskID: "t1"}
	}); err != nil {
		t.Fatalf("put embedded: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(func(o *Options) {
		o.SnapshotPath = path
		o.Dimensions = 3
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entry, ok, _ := s2.GetExact(ctx, "plain")
	if !ok || string(entry.Value) != "p" {
		t.Fatalf("plain entry lost across restart")
	}
	entry, ok, _ = s2.GetExact(ctx, "embedded")
	if !ok || entry.Provenance.Agent != "analyst" {
		t.Fatalf("embedded entry or provenance lost across restart: %+v", entry)
	}

	matches, err := s2.QueryBySimilarity(ctx, unitX, 1, 0.9)
	if err != nil || len(matches) != 1 || matches[0].Entry.Key != "embedded" {
		t.Fatalf("similarity index not rebuilt: %d err=%v", len(matches), err)
	}
}

func TestSnapshotLoadEnforcesLoweredCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	clock := newFakeClock()
	ctx := context.Background()

	s1, err := New(func(o *Options) {
		o.SnapshotPath = path
		o.Capacity = 6
		o.Clock = clock.Now
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := s1.Put(ctx, fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("put k%d: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := New(func(o *Options) {
		o.SnapshotPath = path
		o.Capacity = 2
		o.Clock = clock.Now
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if got := s2.Len(); got != 2 {
		t.Fatalf("expected load to evict down to capacity 2, got %d entries", got)
	}
	for _, key := range []string{"k4", "k5"} {
		if _, ok, _ := s2.GetExact(ctx, key); !ok {
			t.Fatalf("most recently used entry %s should survive the load", key)
		}
	}
	if _, ok, _ := s2.GetExact(ctx, "k0"); ok {
		t.Fatal("least recently used entry k0 should have been evicted on load")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	s := newTestStore(t)
	_ = s.Close()
	if err := s.Put(context.Background(), "k", []byte("v")); !core.IsStorage(err) {
		t.Fatalf("expected storage error after close, got %v", err)
	}
	if _, _, err := s.GetExact(context.Background(), "k"); !core.IsStorage(err) {
		t.Fatalf("expected storage error after close, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t, func(o *Options) {
		o.Capacity = 64
		o.Dimensions = 3
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i%8)
			if err := s.Put(ctx, key, []byte("v"), func(po *core.PutOptions) { po.Embedding = unitX }); err != nil {
				t.Errorf("put: %v", err)
			}
			if _, _, err := s.GetExact(ctx, key); err != nil {
				t.Errorf("get: %v", err)
			}
			if _, err := s.QueryBySimilarity(ctx, unitX, 4, 0); err != nil {
				t.Errorf("query: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func mustPut(t *testing.T, s *Store, key string) {
	t.Helper()
	if err := s.Put(context.Background(), key, []byte("v")); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}
