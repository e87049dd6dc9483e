package core

import (
	"testing"
	"time"
)

// TestRetentionSweep erases aged-out internal partitions and leaves user
// schemas alone regardless of age.
func TestRetentionSweep(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 10})
	oldTime := time.Now().Add(-40 * 24 * time.Hour)

	metricsSchema := RecordType(FieldType{Name: "v", Type: ScalarType(KindInt64)}).
		Named("strata.metrics.import")
	userSchema := RecordType(FieldType{Name: "v", Type: ScalarType(KindInt64)}).
		Named("flow")
	for _, schema := range []Type{metricsSchema, userSchema} {
		rows := []Value{mkRecord("v", IntValue(1))}
		slice := TableSlice{
			Schema:     schema,
			Data:       Series{Type: schema, Values: rows},
			ImportTime: oldTime,
		}
		if err := ix.AddSlice(slice); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := ix.FlushAndWait(0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitUntil(t, "partitions to persist", func() bool { return ix.Stats().Persisted == 2 })

	r := NewRetention(DefaultRetentionPolicy(), ix, catalog, time.Hour, nil, nil)
	t.Cleanup(r.Close)
	if erased := r.Sweep(); erased != 1 {
		t.Fatalf("erased %d partitions, want 1", erased)
	}
	infos := catalog.Get()
	if len(infos) != 1 || infos[0].Schema != "flow" {
		t.Fatalf("wrong partition survived: %+v", infos)
	}
}

// TestRetentionDisabledRule verifies a zero duration disables its rule.
func TestRetentionDisabledRule(t *testing.T) {
	ix, catalog, _, _ := newTestIndex(t, IndexOptions{PartitionCapacity: 10})
	schema := RecordType(FieldType{Name: "v", Type: ScalarType(KindInt64)}).
		Named("strata.operator-metrics.run")
	rows := []Value{mkRecord("v", IntValue(1))}
	if err := ix.AddSlice(TableSlice{
		Schema:     schema,
		Data:       Series{Type: schema, Values: rows},
		ImportTime: time.Now().Add(-365 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ix.FlushAndWait(0); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitUntil(t, "partition to persist", func() bool { return ix.Stats().Persisted == 1 })
	r := NewRetention(DefaultRetentionPolicy(), ix, catalog, time.Hour, nil, nil)
	t.Cleanup(r.Close)
	if erased := r.Sweep(); erased != 0 {
		t.Fatalf("disabled rule erased %d partitions", erased)
	}
}
