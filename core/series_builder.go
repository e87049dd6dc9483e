package core

// SeriesBuilder accumulates values of one evolving type into a columnar
// series. New record fields extend the type; earlier rows read as null for
// them. Conflicting field kinds widen numerically where possible and
// otherwise null the offending value with a warning.
type SeriesBuilder struct {
	name string
	typ  Type
	rows []Value
	dh   DiagnosticHandler
}

// NewSeriesBuilder returns an unseeded builder. The name labels finished
// series whose type carries no alias of its own.
func NewSeriesBuilder(name string, dh DiagnosticHandler) *SeriesBuilder {
	return &SeriesBuilder{
		name: name,
		typ:  RecordType(),
		dh:   orDiscard(dh),
	}
}

// NewSeededSeriesBuilder returns a builder pre-shaped by a schema. Every
// field of the seed exists in the output type from the first row on.
func NewSeededSeriesBuilder(seed Type, dh DiagnosticHandler) *SeriesBuilder {
	b := NewSeriesBuilder(seed.Name, dh)
	if seed.Kind == KindRecord {
		b.typ = Type{Kind: KindRecord, Name: seed.Name, Attrs: seed.Attrs,
			Fields: append([]FieldType{}, seed.Fields...)}
	}
	return b
}

// Name returns the schema name the builder produces under.
func (b *SeriesBuilder) Name() string { return b.name }

// Length returns the number of buffered rows.
func (b *SeriesBuilder) Length() int { return len(b.rows) }

// RemoveLast drops the most recently appended row.
func (b *SeriesBuilder) RemoveLast() {
	if n := len(b.rows); n > 0 {
		b.rows = b.rows[:n-1]
	}
}

// Append adds one value, unifying its type into the builder's.
func (b *SeriesBuilder) Append(v Value) {
	if v.Kind == KindRecord {
		v = RecordValue(b.unifyRecord(v.Rec))
	}
	b.rows = append(b.rows, v)
}

// unifyRecord folds the record's field types into the builder type and
// normalizes values that conflict with the unified type.
func (b *SeriesBuilder) unifyRecord(r *Record) *Record {
	if r == nil {
		return &Record{}
	}
	out := &Record{Fields: make([]Field, 0, len(r.Fields))}
	for _, f := range r.Fields {
		ft, ok := b.typ.Field(f.Name)
		vt := TypeOf(f.Value)
		if !ok {
			b.typ.Fields = append(b.typ.Fields, FieldType{Name: f.Name, Type: vt})
			out.Fields = append(out.Fields, f)
			continue
		}
		merged, ok := unifyTypes(ft, vt)
		if !ok {
			b.dh.Emit(Diagnosticf(SeverityWarning,
				"field %q of type %s conflicts with series type %s; value nulled",
				f.Name, vt, ft))
			out.Fields = append(out.Fields, Field{Name: f.Name, Value: Null()})
			continue
		}
		b.setFieldType(f.Name, merged)
		out.Fields = append(out.Fields, Field{Name: f.Name, Value: widenValue(f.Value, merged)})
	}
	return out
}

func (b *SeriesBuilder) setFieldType(name string, t Type) {
	for i := range b.typ.Fields {
		if b.typ.Fields[i].Name == name {
			b.typ.Fields[i].Type = t
			return
		}
	}
}

// Finish returns the accumulated rows as a single series and resets the
// builder. Record rows are re-shaped to the final unified type with nulls
// for absent fields. An empty builder finishes to no series at all.
func (b *SeriesBuilder) Finish() []Series {
	if len(b.rows) == 0 {
		return nil
	}
	typ := b.typ
	if typ.Name == "" {
		typ.Name = b.name
	}
	values := make([]Value, len(b.rows))
	for i, row := range b.rows {
		if row.Kind != KindRecord {
			values[i] = row
			continue
		}
		shaped := &Record{Fields: make([]Field, 0, len(typ.Fields))}
		for _, ft := range typ.Fields {
			if fv, ok := rowField(row, ft.Name); ok {
				shaped.Fields = append(shaped.Fields, Field{Name: ft.Name, Value: widenValue(fv, ft.Type)})
			} else {
				shaped.Fields = append(shaped.Fields, Field{Name: ft.Name, Value: Null()})
			}
		}
		values[i] = RecordValue(shaped)
	}
	b.rows = nil
	return []Series{{Type: typ, Values: values}}
}

func rowField(row Value, name string) (Value, bool) {
	if row.Rec == nil {
		return Value{}, false
	}
	return row.Rec.Get(name)
}

// unifyTypes merges a field's established type with an incoming value type.
// Nulls defer to the other side; numeric kinds widen; structural types must
// agree recursively on shared fields.
func unifyTypes(a, b Type) (Type, bool) {
	if a.Kind == KindNull {
		return b, true
	}
	if b.Kind == KindNull {
		return a, true
	}
	if a.Kind == b.Kind {
		switch a.Kind {
		case KindRecord:
			merged := a
			for _, bf := range b.Fields {
				if af, ok := a.Field(bf.Name); ok {
					m, ok := unifyTypes(af, bf.Type)
					if !ok {
						return Type{}, false
					}
					for i := range merged.Fields {
						if merged.Fields[i].Name == bf.Name {
							merged.Fields[i].Type = m
						}
					}
					continue
				}
				merged.Fields = append(merged.Fields, bf)
			}
			return merged, true
		case KindList:
			if a.Elem == nil {
				return b, true
			}
			if b.Elem == nil {
				return a, true
			}
			m, ok := unifyTypes(*a.Elem, *b.Elem)
			if !ok {
				return Type{}, false
			}
			return ListType(m), true
		}
		return a, true
	}
	if a.Kind.IsNumeric() && b.Kind.IsNumeric() {
		return ScalarType(widenNumericKinds(a.Kind, b.Kind)), true
	}
	return Type{}, false
}

func widenNumericKinds(a, b Kind) Kind {
	if a == KindFloat64 || b == KindFloat64 {
		return KindFloat64
	}
	if a != b {
		// Signed/unsigned mixes are only safe as float64; an enum adopts the
		// other numeric kind.
		if (a == KindInt64 && b == KindUint64) || (a == KindUint64 && b == KindInt64) {
			return KindFloat64
		}
		if a == KindEnum {
			return b
		}
		if b == KindEnum {
			return a
		}
	}
	return a
}

// widenValue converts a value to the unified field type where a lossless or
// numeric conversion exists; otherwise the value passes through.
func widenValue(v Value, t Type) Value {
	if v.Kind == t.Kind || v.IsNull() {
		return v
	}
	switch t.Kind {
	case KindFloat64:
		if f, ok := v.asFloat(); ok {
			return FloatValue(f)
		}
	case KindInt64:
		if v.Kind == KindEnum {
			return IntValue(int64(v.Enum))
		}
	case KindUint64:
		if v.Kind == KindEnum {
			return UintValue(uint64(v.Enum))
		}
	case KindList:
		if v.Kind == KindList && t.Elem != nil {
			out := make([]Value, len(v.List))
			for i := range v.List {
				out[i] = widenValue(v.List[i], *t.Elem)
			}
			return ListValue(out)
		}
	}
	return v
}
