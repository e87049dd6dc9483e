package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gaugeSink tracks concurrent deliveries to observe the scheduler's
// concurrency bound.
type gaugeSink struct {
	cur  atomic.Int64
	max  atomic.Int64
	hits atomic.Int64
	done chan struct{}
	once sync.Once
}

func newGaugeSink() *gaugeSink {
	return &gaugeSink{done: make(chan struct{})}
}

func (s *gaugeSink) Deliver(_ QueryID, hits []Value) {
	cur := s.cur.Add(1)
	for {
		max := s.max.Load()
		if cur <= max || s.max.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	s.hits.Add(int64(len(hits)))
	s.cur.Add(-1)
}

func (s *gaugeSink) Done(QueryID) {
	s.once.Do(func() { close(s.done) })
}

func (s *gaugeSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("query did not complete")
	}
}

func seedPartitions(t *testing.T, ix *Index, n, rowsEach int) {
	t.Helper()
	schema := flowSchema()
	for i := 0; i < n; i++ {
		if err := ix.AddSlice(flowSlice(schema, i*rowsEach, rowsEach, uint64(i*rowsEach))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	waitUntil(t, "partitions to persist", func() bool { return ix.Stats().Persisted == n })
}

// TestQueryAcrossPersistedPartitions counts hits over several partitions.
func TestQueryAcrossPersistedPartitions(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 50})
	seedPartitions(t, ix, 4, 50)
	sink := NewCollectingSink(16)
	cursor, err := ix.Query(Conjunction{
		Predicate{Field: "c", Op: OpGreaterEqual, Literal: IntValue(42)},
		Predicate{Field: "c", Op: OpLess, Literal: IntValue(84)},
	}, sink, 1, 100, "test")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if cursor.TotalCandidates == 0 {
		t.Fatal("no candidates found")
	}
	hits := sink.Wait()
	if len(hits) != 42 {
		t.Fatalf("hits = %d, want 42", len(hits))
	}
}

// TestQuerySeesActivePartition verifies unflushed events answer from
// memory.
func TestQuerySeesActivePartition(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 1000})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 10, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	sink := NewCollectingSink(4)
	if _, err := ix.Query(Predicate{Field: "c", Op: OpEqual, Literal: UintValue(3)},
		sink, 1, 10, "test"); err != nil {
		t.Fatalf("query: %v", err)
	}
	hits := sink.Wait()
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
}

// TestSchedulerConcurrencyBound checks that concurrent partition lookups
// never exceed the configured budget.
func TestSchedulerConcurrencyBound(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{
		PartitionCapacity:    20,
		MaxConcurrentLookups: 2,
	})
	seedPartitions(t, ix, 6, 20)
	sink := newGaugeSink()
	cursor, err := ix.Query(TrueExpr{}, sink, 1, 100, "test")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if cursor.TotalCandidates != 6 {
		t.Fatalf("candidates = %d, want 6", cursor.TotalCandidates)
	}
	sink.wait(t)
	if got := sink.max.Load(); got > 2 {
		t.Fatalf("concurrent lookups = %d, budget 2", got)
	}
	if got := sink.hits.Load(); got != 120 {
		t.Fatalf("hits = %d, want 120", got)
	}
}

// TestTasteAndActivate schedules a taste first and the rest on demand; the
// done signal fires exactly once, after everything completed.
func TestTasteAndActivate(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 10})
	seedPartitions(t, ix, 3, 10)
	sink := newGaugeSink()
	cursor, err := ix.Query(TrueExpr{}, sink, 1, 1, "test")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if cursor.TasteScheduled != 1 || cursor.TotalCandidates != 3 {
		t.Fatalf("cursor = %+v", cursor)
	}
	select {
	case <-sink.done:
		t.Fatal("done fired with candidates still unscheduled")
	case <-time.After(100 * time.Millisecond):
	}
	if _, err := ix.Activate(cursor.ID, 2); err != nil {
		t.Fatalf("activate: %v", err)
	}
	sink.wait(t)
	if got := sink.hits.Load(); got != 30 {
		t.Fatalf("hits = %d, want 30", got)
	}
}

// TestQueryCancellation removes a caller's queries before results arrive;
// done never fires and the partition cache is left alone.
func TestQueryCancellation(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{
		PartitionCapacity:    20,
		MaxConcurrentLookups: 1,
	})
	seedPartitions(t, ix, 4, 20)
	sink := newGaugeSink()
	if _, err := ix.Query(TrueExpr{}, sink, 1, 100, "dying-caller"); err != nil {
		t.Fatalf("query: %v", err)
	}
	ix.RemoveCaller("dying-caller")
	ix.mu.Lock()
	pending := len(ix.pending.entries)
	queries := len(ix.queries)
	cached := ix.inmem.Len()
	ix.mu.Unlock()
	if queries != 0 {
		t.Fatalf("queries not deregistered: %d", queries)
	}
	if pending != 0 {
		t.Fatalf("pending queue not drained: %d", pending)
	}
	select {
	case <-sink.done:
		t.Fatal("done fired for a cancelled query")
	case <-time.After(200 * time.Millisecond):
	}
	ix.mu.Lock()
	cachedAfter := ix.inmem.Len()
	ix.mu.Unlock()
	if cachedAfter < cached {
		t.Fatal("cancellation evicted the partition cache")
	}
}

// TestErasedCandidateCompletes erases a partition before querying; it is no
// longer a candidate and the query completes immediately instead of hanging.
func TestErasedCandidateCompletes(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 10})
	seedPartitions(t, ix, 1, 10)
	id := catalog.Get()[0].ID
	if err := ix.Erase(id); err != nil {
		t.Fatalf("erase: %v", err)
	}
	sink := newGaugeSink()
	cursor, err := ix.Query(TrueExpr{}, sink, 1, 10, "test")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if cursor.TotalCandidates != 0 {
		t.Fatalf("erased partition still a candidate: %+v", cursor)
	}
	sink.wait(t)
}
