package core

// Series is a columnar array of values sharing one type. For record series,
// every value is a record shaped exactly like the series type, with missing
// fields backfilled as nulls.
type Series struct {
	Type   Type
	Values []Value
}

// Length returns the number of values in the series.
func (s Series) Length() int { return len(s.Values) }

// Column extracts the named field column of a record series. Missing fields
// yield nulls so the column always has series length.
func (s Series) Column(name string) []Value {
	out := make([]Value, len(s.Values))
	for i, v := range s.Values {
		if v.Kind == KindRecord && v.Rec != nil {
			if fv, ok := v.Rec.Get(name); ok {
				out[i] = fv
				continue
			}
		}
		out[i] = Null()
	}
	return out
}
