package core

import "testing"

func mkRecord(pairs ...any) Value {
	r := &Record{}
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Fields = append(r.Fields, Field{Name: pairs[i].(string), Value: pairs[i+1].(Value)})
	}
	return RecordValue(r)
}

// TestSeriesBuilderLateFieldBackfill verifies that fields appearing late
// read as null on earlier rows.
func TestSeriesBuilderLateFieldBackfill(t *testing.T) {
	b := NewSeriesBuilder("test", nil)
	b.Append(mkRecord("a", IntValue(1)))
	b.Append(mkRecord("a", IntValue(2), "b", StringValue("x")))
	series := b.Finish()
	if len(series) != 1 {
		t.Fatalf("expected one series, got %d", len(series))
	}
	s := series[0]
	if s.Length() != 2 {
		t.Fatalf("expected 2 rows, got %d", s.Length())
	}
	col := s.Column("b")
	if !col[0].IsNull() {
		t.Fatalf("early row should read null for late field, got %+v", col[0])
	}
	if col[1].Str != "x" {
		t.Fatalf("late field lost: %+v", col[1])
	}
	if got, _ := s.Type.Field("b"); got.Kind != KindString {
		t.Fatalf("series type missed field b: %s", s.Type)
	}
}

// TestSeriesBuilderNumericWidening checks that conflicting numeric kinds
// widen instead of nulling.
func TestSeriesBuilderNumericWidening(t *testing.T) {
	b := NewSeriesBuilder("test", nil)
	b.Append(mkRecord("n", IntValue(1)))
	b.Append(mkRecord("n", FloatValue(2.5)))
	series := b.Finish()
	s := series[0]
	if ft, _ := s.Type.Field("n"); ft.Kind != KindFloat64 {
		t.Fatalf("expected widened float64, got %s", ft.Kind)
	}
	col := s.Column("n")
	if col[0].Kind != KindFloat64 || col[0].Float != 1 {
		t.Fatalf("early int should widen to float, got %+v", col[0])
	}
}

// TestSeriesBuilderConflictNulls verifies that irreconcilable kinds null
// the value with a warning.
func TestSeriesBuilderConflictNulls(t *testing.T) {
	diags := &CollectingDiagnostics{}
	b := NewSeriesBuilder("test", diags)
	b.Append(mkRecord("v", IntValue(1)))
	b.Append(mkRecord("v", StringValue("oops")))
	series := b.Finish()
	col := series[0].Column("v")
	if !col[1].IsNull() {
		t.Fatalf("conflicting value should null, got %+v", col[1])
	}
	if len(diags.Warnings()) == 0 {
		t.Fatal("expected a conflict warning")
	}
}

// TestSeededSeriesBuilderShape checks that every seed field exists in the
// output type from the first row.
func TestSeededSeriesBuilderShape(t *testing.T) {
	seed := RecordType(
		FieldType{Name: "c", Type: ScalarType(KindUint64)},
		FieldType{Name: "s", Type: ScalarType(KindString)},
	).Named("flow")
	b := NewSeededSeriesBuilder(seed, nil)
	b.Append(mkRecord("c", UintValue(1)))
	series := b.Finish()
	s := series[0]
	if s.Type.Name != "flow" {
		t.Fatalf("series lost schema name: %q", s.Type.Name)
	}
	if len(s.Type.Fields) != 2 {
		t.Fatalf("seed fields missing from type: %s", s.Type)
	}
	if col := s.Column("s"); !col[0].IsNull() {
		t.Fatalf("absent seed field should be null, got %+v", col[0])
	}
}

// TestSeriesBuilderRemoveLast drops only the most recent row.
func TestSeriesBuilderRemoveLast(t *testing.T) {
	b := NewSeriesBuilder("test", nil)
	b.Append(mkRecord("a", IntValue(1)))
	b.Append(mkRecord("a", IntValue(2)))
	b.RemoveLast()
	if b.Length() != 1 {
		t.Fatalf("expected 1 row after RemoveLast, got %d", b.Length())
	}
	series := b.Finish()
	if got := series[0].Column("a")[0].Int; got != 1 {
		t.Fatalf("wrong surviving row: %d", got)
	}
}

// TestSeriesBuilderEmptyFinish checks that an empty builder finishes to no
// series.
func TestSeriesBuilderEmptyFinish(t *testing.T) {
	b := NewSeriesBuilder("test", nil)
	if series := b.Finish(); len(series) != 0 {
		t.Fatalf("empty builder produced %d series", len(series))
	}
}
