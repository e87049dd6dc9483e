package core

// Operator is the runtime contract between the pipeline executor and the
// core. Operators see slices in input order and may emit zero or more
// slices per input plus a tail on Finish.
type Operator interface {
	Name() string
	Process(slice TableSlice) ([]TableSlice, error)
	Finish() ([]TableSlice, error)
}

// Pipeline chains operators between a fixed source and a sink.
type Pipeline struct {
	ops []Operator
}

// NewPipeline builds a pipeline from the given operators. An empty pipeline
// is the identity.
func NewPipeline(ops ...Operator) *Pipeline {
	return &Pipeline{ops: ops}
}

// Run feeds the source slices through every operator in order and returns
// the sink input. Input slices flow in partition order; outputs come out in
// pipeline order.
func (p *Pipeline) Run(source []TableSlice) ([]TableSlice, error) {
	current := source
	for _, op := range p.ops {
		var next []TableSlice
		for _, slice := range current {
			out, err := op.Process(slice)
			if err != nil {
				return nil, err
			}
			next = append(next, out...)
		}
		tail, err := op.Finish()
		if err != nil {
			return nil, err
		}
		next = append(next, tail...)
		current = next
	}
	return current, nil
}

// IdentityOperator passes slices through untouched.
type IdentityOperator struct{}

func (IdentityOperator) Name() string { return "identity" }

func (IdentityOperator) Process(slice TableSlice) ([]TableSlice, error) {
	return []TableSlice{slice}, nil
}

func (IdentityOperator) Finish() ([]TableSlice, error) { return nil, nil }

// WhereOperator keeps only the events matching its expression.
type WhereOperator struct {
	Expr Expression
}

func (WhereOperator) Name() string { return "where" }

func (w WhereOperator) Process(slice TableSlice) ([]TableSlice, error) {
	expr := w.Expr
	if expr == nil {
		expr = TrueExpr{}
	}
	var kept []Value
	for _, row := range slice.Rows() {
		if expr.Eval(row) {
			kept = append(kept, row)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	return []TableSlice{{
		Schema:       slice.Schema,
		Data:         Series{Type: slice.Schema, Values: kept},
		ImportTime:   slice.ImportTime,
		FirstEventID: slice.FirstEventID,
	}}, nil
}

func (WhereOperator) Finish() ([]TableSlice, error) { return nil, nil }

// HeadOperator keeps the first n events and drops the rest.
type HeadOperator struct {
	N    int
	seen int
}

func (*HeadOperator) Name() string { return "head" }

func (h *HeadOperator) Process(slice TableSlice) ([]TableSlice, error) {
	if h.seen >= h.N {
		return nil, nil
	}
	remaining := h.N - h.seen
	if slice.Length() <= remaining {
		h.seen += slice.Length()
		return []TableSlice{slice}, nil
	}
	h.seen = h.N
	return []TableSlice{{
		Schema:       slice.Schema,
		Data:         Series{Type: slice.Schema, Values: slice.Rows()[:remaining]},
		ImportTime:   slice.ImportTime,
		FirstEventID: slice.FirstEventID,
	}}, nil
}

func (*HeadOperator) Finish() ([]TableSlice, error) { return nil, nil }
