package core

import (
	"net/netip"
	"testing"
)

// TestPredicateEval covers the comparison operators against record rows.
func TestPredicateEval(t *testing.T) {
	row := mkRecord(
		"c", UintValue(50),
		"s", StringValue("hello"),
		"addr", IPValue(netip.MustParseAddr("10.1.2.3")),
	)
	cases := []struct {
		expr Expression
		want bool
	}{
		{Predicate{Field: "c", Op: OpEqual, Literal: IntValue(50)}, true},
		{Predicate{Field: "c", Op: OpGreaterEqual, Literal: IntValue(42)}, true},
		{Predicate{Field: "c", Op: OpLess, Literal: IntValue(42)}, false},
		{Predicate{Field: "s", Op: OpEqual, Literal: StringValue("hello")}, true},
		{Predicate{Field: "s", Op: OpNotEqual, Literal: StringValue("x")}, true},
		{Predicate{Field: "missing", Op: OpEqual, Literal: IntValue(1)}, false},
		{Predicate{Field: "missing", Op: OpNotEqual, Literal: IntValue(1)}, true},
		{Predicate{Field: "addr", Op: OpIn,
			Literal: SubnetValue(netip.MustParsePrefix("10.0.0.0/8"))}, true},
		{Predicate{Field: "addr", Op: OpIn,
			Literal: SubnetValue(netip.MustParsePrefix("192.168.0.0/16"))}, false},
		{Conjunction{
			Predicate{Field: "c", Op: OpGreaterEqual, Literal: IntValue(42)},
			Predicate{Field: "c", Op: OpLess, Literal: IntValue(84)},
		}, true},
		{Disjunction{
			Predicate{Field: "c", Op: OpLess, Literal: IntValue(10)},
			Predicate{Field: "s", Op: OpEqual, Literal: StringValue("hello")},
		}, true},
		{Negation{Expr: Predicate{Field: "c", Op: OpEqual, Literal: IntValue(50)}}, false},
	}
	for i, tc := range cases {
		if got := tc.expr.Eval(row); got != tc.want {
			t.Fatalf("case %d (%s): got %v, want %v", i, tc.expr, got, tc.want)
		}
	}
}

// TestFieldOfNested resolves dotted paths through nested records.
func TestFieldOfNested(t *testing.T) {
	row := mkRecord("outer", mkRecord("inner", IntValue(7)))
	p := Predicate{Field: "outer.inner", Op: OpEqual, Literal: IntValue(7)}
	if !p.Eval(row) {
		t.Fatal("nested field resolution failed")
	}
}

// TestRefineForSchema verifies that predicates on missing fields reject the
// schema for conjunctions and survive for != probes.
func TestRefineForSchema(t *testing.T) {
	schema := RecordType(FieldType{Name: "c", Type: ScalarType(KindUint64)}).Named("flow")
	if _, ok := RefineForSchema(Predicate{Field: "c", Op: OpEqual, Literal: IntValue(1)}, schema); !ok {
		t.Fatal("predicate on present field should refine")
	}
	if _, ok := RefineForSchema(Predicate{Field: "zz", Op: OpEqual, Literal: IntValue(1)}, schema); ok {
		t.Fatal("predicate on missing field should reject the schema")
	}
	refined, ok := RefineForSchema(Predicate{Field: "zz", Op: OpNotEqual, Literal: IntValue(1)}, schema)
	if !ok {
		t.Fatal("!= on missing field should still match")
	}
	if _, isTrue := refined.(TrueExpr); !isTrue {
		t.Fatalf("expected TrueExpr, got %T", refined)
	}
	conj := Conjunction{
		Predicate{Field: "c", Op: OpEqual, Literal: IntValue(1)},
		Predicate{Field: "zz", Op: OpEqual, Literal: IntValue(2)},
	}
	if _, ok := RefineForSchema(conj, schema); ok {
		t.Fatal("conjunction with impossible leg should reject the schema")
	}
}

// TestExprFields collects the touched field paths without duplicates.
func TestExprFields(t *testing.T) {
	expr := Conjunction{
		Predicate{Field: "a", Op: OpEqual, Literal: IntValue(1)},
		Disjunction{
			Predicate{Field: "b", Op: OpLess, Literal: IntValue(2)},
			Predicate{Field: "a", Op: OpGreater, Literal: IntValue(0)},
		},
	}
	fields := ExprFields(expr)
	if len(fields) != 2 || fields[0] != "a" || fields[1] != "b" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}
