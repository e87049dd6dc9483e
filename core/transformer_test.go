package core

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func persistFlowPartition(t *testing.T, fs *Filesystem, layout Layout, catalog *Catalog,
	from, n int) (*Partition, *Synopsis) {
	t.Helper()
	schema := flowSchema()
	id := uuid.New()
	syn, err := WriteStagedPartition(fs, layout, id, schema, "store",
		[]TableSlice{flowSlice(schema, from, n, uint64(from))})
	if err != nil {
		t.Fatalf("staged write: %v", err)
	}
	if err := CommitStagedPartition(fs, layout, id); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if catalog != nil {
		if err := catalog.Merge(PartitionInfo{ID: id, Schema: "flow", Events: syn.Events, Synopsis: syn}); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	p, err := OpenPartition(layout, id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return p, syn
}

// TestIdentityTransformPreservesCounts runs an identity pipeline over one
// partition and compares the output synopsis with the input.
func TestIdentityTransformPreservesCounts(t *testing.T) {
	fs, layout := newTestLayout(t)
	catalog := NewCatalog(nil)
	input, inputSyn := persistFlowPartition(t, fs, layout, catalog, 0, 200)
	tr := NewPartitionTransformer(fs, layout, catalog, 1024, "store", nil)
	result, err := tr.Transform([]*Partition{input}, NewPipeline(IdentityOperator{}), false)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(result.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(result.Outputs))
	}
	out := result.Outputs[0]
	if out.Events != inputSyn.Events {
		t.Fatalf("event count changed: %d -> %d", inputSyn.Events, out.Events)
	}
	if !out.Synopsis.MinImportTime.Equal(inputSyn.MinImportTime) ||
		!out.Synopsis.MaxImportTime.Equal(inputSyn.MaxImportTime) {
		t.Fatal("import time range changed")
	}
	// The input was not kept: its files are gone and the catalog swapped.
	if fileExists(layout.PartitionPath(input.ID)) {
		t.Fatal("input partition file survived")
	}
	if catalog.Size() != 1 {
		t.Fatalf("catalog size = %d, want 1", catalog.Size())
	}
	if fileExists(layout.MarkerPath(result.TransformID)) {
		t.Fatal("marker survived the commit")
	}
	if _, err := OpenPartition(layout, out.ID); err != nil {
		t.Fatalf("output does not load: %v", err)
	}
}

// TestTransformSplitsAtCapacity checks the collecting sink distributes
// output across capacity-sized partitions.
func TestTransformSplitsAtCapacity(t *testing.T) {
	fs, layout := newTestLayout(t)
	catalog := NewCatalog(nil)
	input, _ := persistFlowPartition(t, fs, layout, catalog, 0, 100)
	tr := NewPartitionTransformer(fs, layout, catalog, 40, "store", nil)
	// Pre-split the source so single slices fit the smaller capacity.
	slices, err := input.Slices()
	if err != nil {
		t.Fatalf("slices: %v", err)
	}
	var split []TableSlice
	for _, s := range slices {
		split = append(split, SplitSlice(s, 40)...)
	}
	groups := distributeSlices(split, 40)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	_ = tr
}

// TestEmptyTransformOutput materializes zero partitions and still commits.
func TestEmptyTransformOutput(t *testing.T) {
	fs, layout := newTestLayout(t)
	catalog := NewCatalog(nil)
	input, _ := persistFlowPartition(t, fs, layout, catalog, 0, 50)
	tr := NewPartitionTransformer(fs, layout, catalog, 1024, "store", nil)
	drop := WhereOperator{Expr: Predicate{Field: "c", Op: OpGreater, Literal: IntValue(1 << 30)}}
	result, err := tr.Transform([]*Partition{input}, NewPipeline(drop), false)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(result.Outputs) != 0 {
		t.Fatalf("outputs = %d, want 0", len(result.Outputs))
	}
	if catalog.Size() != 0 {
		t.Fatalf("catalog size = %d, want 0", catalog.Size())
	}
	if fileExists(layout.PartitionPath(input.ID)) {
		t.Fatal("input partition survived a dropping transform")
	}
}

// TestMarkerReplayIdempotent replays a crash marker twice; the second
// replay must be a no-op.
func TestMarkerReplayIdempotent(t *testing.T) {
	fs, layout := newTestLayout(t)
	schema := flowSchema()
	in := uuid.New()
	if _, err := WriteStagedPartition(fs, layout, in, schema, "store",
		[]TableSlice{flowSlice(schema, 0, 10, 0)}); err != nil {
		t.Fatalf("staged input: %v", err)
	}
	if err := CommitStagedPartition(fs, layout, in); err != nil {
		t.Fatalf("commit input: %v", err)
	}
	out1, out2 := uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{out1, out2} {
		if _, err := WriteStagedPartition(fs, layout, id, schema, "store",
			[]TableSlice{flowSlice(schema, 0, 5, 0)}); err != nil {
			t.Fatalf("staged output: %v", err)
		}
	}
	marker := TransformMarker{
		Inputs:       []uuid.UUID{in},
		Outputs:      []uuid.UUID{out1, out2},
		KeepOriginal: false,
	}
	log := logrus.WithField("component", "test")
	if err := ReplayTransformMarker(fs, layout, marker, log); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if err := ReplayTransformMarker(fs, layout, marker, log); err != nil {
		t.Fatalf("second replay must be a no-op: %v", err)
	}
	for _, id := range []uuid.UUID{out1, out2} {
		if !fileExists(layout.PartitionPath(id)) {
			t.Fatalf("output %s not moved to the index root", id)
		}
		if fileExists(layout.StagedPartitionPath(id)) {
			t.Fatalf("output %s still staged", id)
		}
	}
	if fileExists(layout.PartitionPath(in)) {
		t.Fatal("input partition not erased")
	}
}
