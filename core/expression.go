package core

import (
	"fmt"
	"strings"
)

// CompOp enumerates predicate comparison operators.
type CompOp int

const (
	OpEqual CompOp = iota
	OpNotEqual
	OpLess
	OpLessEqual
	OpGreater
	OpGreaterEqual
	OpIn
)

func (o CompOp) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpIn:
		return "in"
	}
	return "?"
}

// Expression is the runtime query contract between the scheduler, the
// catalog, and partitions. It is deliberately not a language front end.
type Expression interface {
	// Eval decides the expression against one event row.
	Eval(row Value) bool
	String() string
}

// TrueExpr matches everything.
type TrueExpr struct{}

func (TrueExpr) Eval(Value) bool  { return true }
func (TrueExpr) String() string   { return "true" }

// Predicate compares a (possibly dotted) field against a literal.
type Predicate struct {
	Field   string
	Op      CompOp
	Literal Value
}

func (p Predicate) String() string {
	return fmt.Sprintf("%s %s %s", p.Field, p.Op, p.Literal)
}

// Eval implements Expression. A missing field satisfies only !=.
func (p Predicate) Eval(row Value) bool {
	v, ok := fieldOf(row, p.Field)
	if !ok || v.IsNull() {
		return p.Op == OpNotEqual && !p.Literal.IsNull()
	}
	return compareValues(v, p.Op, p.Literal)
}

// Conjunction matches when every operand matches.
type Conjunction []Expression

func (c Conjunction) Eval(row Value) bool {
	for _, e := range c {
		if !e.Eval(row) {
			return false
		}
	}
	return true
}

func (c Conjunction) String() string { return joinExprs([]Expression(c), " && ") }

// Disjunction matches when any operand matches.
type Disjunction []Expression

func (d Disjunction) Eval(row Value) bool {
	for _, e := range d {
		if e.Eval(row) {
			return true
		}
	}
	return false
}

func (d Disjunction) String() string { return joinExprs([]Expression(d), " || ") }

// Negation inverts its operand.
type Negation struct {
	Expr Expression
}

func (n Negation) Eval(row Value) bool { return !n.Expr.Eval(row) }
func (n Negation) String() string      { return "!(" + n.Expr.String() + ")" }

func joinExprs(exprs []Expression, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// fieldOf resolves a dotted field path against a record row.
func fieldOf(row Value, path string) (Value, bool) {
	if row.Kind != KindRecord || row.Rec == nil {
		return Value{}, false
	}
	if v, ok := row.Rec.Get(path); ok {
		return v, true
	}
	i := strings.Index(path, ".")
	if i < 0 {
		return Value{}, false
	}
	head, ok := row.Rec.Get(path[:i])
	if !ok {
		return Value{}, false
	}
	return fieldOf(head, path[i+1:])
}

func compareValues(v Value, op CompOp, lit Value) bool {
	switch op {
	case OpEqual:
		return valuesEqual(v, lit)
	case OpNotEqual:
		return !valuesEqual(v, lit)
	case OpIn:
		return valueIn(v, lit)
	}
	cmp, ok := orderValues(v, lit)
	if !ok {
		return false
	}
	switch op {
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// valuesEqual compares with numeric widening so 42:u64 equals 42:i64.
func valuesEqual(a, b Value) bool {
	if a.Kind == b.Kind {
		return a.Equal(b)
	}
	if cmp, ok := compareNumeric(a, b); ok {
		return cmp == 0
	}
	return false
}

func orderValues(a, b Value) (int, bool) {
	if cmp, ok := compareNumeric(a, b); ok {
		return cmp, true
	}
	if (a.Kind == KindString || a.Kind == KindPattern) &&
		(b.Kind == KindString || b.Kind == KindPattern) {
		return strings.Compare(a.Str, b.Str), true
	}
	if (a.Kind == KindIP || a.Kind == KindBlob) && a.Kind == b.Kind {
		return strings.Compare(string(a.Bytes), string(b.Bytes)), true
	}
	return 0, false
}

// valueIn handles ip-in-subnet and membership in a list literal.
func valueIn(v, lit Value) bool {
	switch lit.Kind {
	case KindSubnet:
		addr, ok := v.Addr()
		if !ok {
			return false
		}
		prefix, ok := lit.Prefix()
		if !ok {
			return false
		}
		return prefix.Contains(addr.Unmap()) || prefix.Contains(addr)
	case KindList:
		for i := range lit.List {
			if valuesEqual(v, lit.List[i]) {
				return true
			}
		}
	}
	return false
}

// ExprFields collects the distinct field paths an expression touches.
func ExprFields(e Expression) []string {
	seen := make(map[string]struct{})
	var out []string
	var walk func(Expression)
	walk = func(e Expression) {
		switch x := e.(type) {
		case Predicate:
			if _, dup := seen[x.Field]; !dup {
				seen[x.Field] = struct{}{}
				out = append(out, x.Field)
			}
		case Conjunction:
			for _, sub := range x {
				walk(sub)
			}
		case Disjunction:
			for _, sub := range x {
				walk(sub)
			}
		case Negation:
			walk(x.Expr)
		}
	}
	walk(e)
	return out
}

// RefineForSchema specializes an expression for one schema: predicates on
// fields the schema lacks collapse to false, which lets conjunctions reject
// whole schemas without touching data. The bool result reports whether the
// refined expression can match at all.
func RefineForSchema(e Expression, schema Type) (Expression, bool) {
	switch x := e.(type) {
	case Predicate:
		if schema.Kind != KindRecord {
			return x, true
		}
		if _, ok := ResolveKey(schema, x.Field, ""); !ok {
			if x.Op == OpNotEqual {
				return TrueExpr{}, true
			}
			return x, false
		}
		return x, true
	case Conjunction:
		refined := make(Conjunction, 0, len(x))
		for _, sub := range x {
			r, ok := RefineForSchema(sub, schema)
			if !ok {
				return x, false
			}
			refined = append(refined, r)
		}
		return refined, true
	case Disjunction:
		refined := make(Disjunction, 0, len(x))
		any := false
		for _, sub := range x {
			r, ok := RefineForSchema(sub, schema)
			if ok {
				refined = append(refined, r)
				any = true
			}
		}
		if !any {
			return x, false
		}
		return refined, true
	case Negation:
		return x, true
	}
	return e, true
}
