package core

import (
	"encoding/json"
	"testing"
	"time"
)

func synopsisFixture(t *testing.T) *Synopsis {
	t.Helper()
	syn := NewSynopsis("flow")
	var rows []Value
	for i := 0; i < 100; i++ {
		rows = append(rows, mkRecord("c", IntValue(int64(i)), "s", StringValue("x")))
	}
	schema := RecordType(
		FieldType{Name: "c", Type: ScalarType(KindInt64)},
		FieldType{Name: "s", Type: ScalarType(KindString)},
	).Named("flow")
	syn.Observe(TableSlice{
		Schema:     schema,
		Data:       Series{Type: schema, Values: rows},
		ImportTime: time.Unix(1000, 0).UTC(),
	}, 100)
	return syn
}

// TestSynopsisRangeRejection checks min/max based rejection of ordering
// probes.
func TestSynopsisRangeRejection(t *testing.T) {
	syn := synopsisFixture(t)
	if syn.Events != 100 {
		t.Fatalf("events = %d, want 100", syn.Events)
	}
	if syn.CouldMatch(Predicate{Field: "c", Op: OpGreater, Literal: IntValue(1000)}) {
		t.Fatal("range sketch should reject c > 1000")
	}
	if !syn.CouldMatch(Predicate{Field: "c", Op: OpGreater, Literal: IntValue(50)}) {
		t.Fatal("range sketch should admit c > 50")
	}
	if syn.CouldMatch(Predicate{Field: "c", Op: OpLess, Literal: IntValue(0)}) {
		t.Fatal("range sketch should reject c < 0")
	}
}

// TestSynopsisBloomRejection checks equality rejection via the bloom
// sketch.
func TestSynopsisBloomRejection(t *testing.T) {
	syn := synopsisFixture(t)
	if !syn.CouldMatch(Predicate{Field: "s", Op: OpEqual, Literal: StringValue("x")}) {
		t.Fatal("bloom should admit a present value")
	}
	if syn.CouldMatch(Predicate{Field: "s", Op: OpEqual, Literal: StringValue("definitely-absent-value")}) {
		t.Fatal("bloom should reject an absent value")
	}
	// Unknown fields only admit != probes.
	if syn.CouldMatch(Predicate{Field: "nope", Op: OpEqual, Literal: IntValue(1)}) {
		t.Fatal("unknown field should reject equality")
	}
	if !syn.CouldMatch(Predicate{Field: "nope", Op: OpNotEqual, Literal: IntValue(1)}) {
		t.Fatal("unknown field should admit !=")
	}
}

// TestSynopsisJSONRoundTrip verifies the synopsis file format survives a
// round trip with working sketches.
func TestSynopsisJSONRoundTrip(t *testing.T) {
	syn := synopsisFixture(t)
	data, err := json.Marshal(syn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Synopsis
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Events != syn.Events || !back.MinImportTime.Equal(syn.MinImportTime) {
		t.Fatalf("round trip lost header: %+v", back)
	}
	if !back.CouldMatch(Predicate{Field: "s", Op: OpEqual, Literal: StringValue("x")}) {
		t.Fatal("round-tripped bloom lost its entries")
	}
	if back.CouldMatch(Predicate{Field: "c", Op: OpGreater, Literal: IntValue(1000)}) {
		t.Fatal("round-tripped range sketch broken")
	}
}
