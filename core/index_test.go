package core

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestIndex(t *testing.T, opts IndexOptions) (*Index, *Catalog, *Filesystem, Layout) {
	t.Helper()
	fs, layout := newTestLayout(t)
	catalog := NewCatalog(nil)
	ix, err := NewIndex(opts, fs, layout, catalog, NewMetrics(nil), nil, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	return ix, catalog, fs, layout
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestIndexCapacityDecommission verifies that hitting partition capacity
// decommissions and persists the active partition, with the uuid moving
// through the disjoint state sets.
func TestIndexCapacityDecommission(t *testing.T) {
	ix, catalog, _, layout := newTestIndex(t, IndexOptions{PartitionCapacity: 100})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 100, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "partition to persist", func() bool {
		s := ix.Stats()
		return s.Persisted == 1 && s.Unpersisted == 0 && s.Active == 0
	})
	if catalog.Size() != 1 {
		t.Fatalf("catalog size = %d, want 1", catalog.Size())
	}
	infos := catalog.Get()
	id := infos[0].ID
	if !fileExists(layout.PartitionPath(id)) ||
		!fileExists(layout.SynopsisPath(id)) ||
		!fileExists(layout.StorePath(id, ".store")) {
		t.Fatal("persisted partition is missing one of its three files")
	}
}

// TestIndexExactCapacityNeverSplits ingests exactly capacity events in one
// slice and expects a single partition.
func TestIndexExactCapacityNeverSplits(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 64})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 64, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "partition to persist", func() bool { return ix.Stats().Persisted == 1 })
	if got := catalog.Get()[0].Events; got != 64 {
		t.Fatalf("partition has %d events, want 64", got)
	}
}

// TestIndexOversizedSlicePersistsWhole checks that a slice beyond capacity
// still lands in one partition.
func TestIndexOversizedSlicePersistsWhole(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 64})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 65, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "oversized partition to persist", func() bool { return ix.Stats().Persisted == 1 })
	if got := catalog.Get()[0].Events; got != 65 {
		t.Fatalf("oversized partition has %d events, want 65", got)
	}
}

// TestIndexFlushFanout flushes several active partitions in parallel.
func TestIndexFlushFanout(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 1000})
	schemaA := flowSchema()
	schemaB := RecordType(FieldType{Name: "f", Type: ScalarType(KindFloat64)}).Named("other")
	if err := ix.AddSlice(flowSlice(schemaA, 0, 10, 0)); err != nil {
		t.Fatalf("add a: %v", err)
	}
	rows := []Value{mkRecord("f", FloatValue(1.5))}
	if err := ix.AddSlice(TableSlice{Schema: schemaB,
		Data: Series{Type: schemaB, Values: rows}, ImportTime: time.Now()}); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if err := ix.FlushAndWait(0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitUntil(t, "both partitions to persist", func() bool { return ix.Stats().Persisted == 2 })
	if catalog.Size() != 2 {
		t.Fatalf("catalog size = %d, want 2", catalog.Size())
	}
}

// TestIndexErase removes a partition from every set and the disk.
func TestIndexErase(t *testing.T) {
	ix, catalog, _, layout := newTestIndex(t, IndexOptions{PartitionCapacity: 10})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 10, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "partition to persist", func() bool { return ix.Stats().Persisted == 1 })
	id := catalog.Get()[0].ID
	if err := ix.Erase(id); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if ix.Stats().Persisted != 0 || catalog.Size() != 0 {
		t.Fatal("erase left state behind")
	}
	if fileExists(layout.PartitionPath(id)) {
		t.Fatal("erase left files behind")
	}
}

// TestIndexRecovery restarts an index over an existing data directory and
// expects the persisted partitions back, orphaned synopses deleted, and
// pending markers replayed.
func TestIndexRecovery(t *testing.T) {
	fs, layout := newTestLayout(t)
	catalog := NewCatalog(nil)
	ix, err := NewIndex(IndexOptions{PartitionCapacity: 10}, fs, layout, catalog,
		NewMetrics(nil), nil, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 10, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "partition to persist", func() bool { return ix.Stats().Persisted == 1 })
	if err := ix.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-transform: staged outputs plus a marker.
	out1, out2 := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{out1, out2} {
		if _, err := WriteStagedPartition(fs, layout, id, schema, "store",
			[]TableSlice{flowSlice(schema, 0, 5, 0)}); err != nil {
			t.Fatalf("staged output: %v", err)
		}
	}
	in := catalog.Get()[0].ID
	marker := TransformMarker{Inputs: []uuid.UUID{in}, Outputs: []uuid.UUID{out1, out2}}
	if err := WriteTransformMarker(fs, layout.MarkerPath(uuid.New()), marker); err != nil {
		t.Fatalf("marker: %v", err)
	}
	// An orphaned synopsis without a partition must be cleaned up.
	orphan := uuid.New()
	if err := fs.WriteFile(layout.SynopsisPath(orphan), []byte("{}")); err != nil {
		t.Fatalf("orphan: %v", err)
	}

	catalog2 := NewCatalog(nil)
	ix2, err := NewIndex(IndexOptions{PartitionCapacity: 10}, fs, layout, catalog2,
		NewMetrics(nil), nil, nil)
	if err != nil {
		t.Fatalf("recovery: %v", err)
	}
	t.Cleanup(func() { _ = ix2.Close() })
	stats := ix2.Stats()
	// The marker replay erased the input and moved both outputs in.
	if stats.Persisted != 2 {
		t.Fatalf("persisted after recovery = %d, want 2", stats.Persisted)
	}
	if fileExists(layout.PartitionPath(in)) {
		t.Fatal("marker input not erased during recovery")
	}
	if fileExists(layout.SynopsisPath(orphan)) {
		t.Fatal("orphaned synopsis not deleted")
	}
	if catalog2.Size() != 2 {
		t.Fatalf("catalog after recovery = %d, want 2", catalog2.Size())
	}
}

// TestIndexActiveTimeout decommissions an idle active partition.
func TestIndexActiveTimeout(t *testing.T) {
	ix, _, _, _ := newTestIndex(t, IndexOptions{
		PartitionCapacity:      1000,
		ActivePartitionTimeout: 100 * time.Millisecond,
	})
	schema := flowSchema()
	if err := ix.AddSlice(flowSlice(schema, 0, 5, 0)); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitUntil(t, "timeout decommission", func() bool { return ix.Stats().Persisted == 1 })
}
