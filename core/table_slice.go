package core

import "time"

// TableSlice is a batch of events sharing one schema. It carries the import
// time of its oldest event and the id of its first event; ids within a slice
// are contiguous.
type TableSlice struct {
	Schema       Type
	Data         Series
	ImportTime   time.Time
	FirstEventID uint64
}

// Length returns the number of events in the slice.
func (s TableSlice) Length() int { return s.Data.Length() }

// SchemaName returns the slice's schema name.
func (s TableSlice) SchemaName() string { return s.Schema.Name }

// Rows returns the event rows. Record schemas yield record values.
func (s TableSlice) Rows() []Value { return s.Data.Values }

// Row returns the i-th event.
func (s TableSlice) Row(i int) Value { return s.Data.Values[i] }

// EventID returns the id of the i-th event.
func (s TableSlice) EventID(i int) uint64 { return s.FirstEventID + uint64(i) }

// SeriesToTableSlices wraps finished series into table slices, naming
// unnamed schemas with the fallback and stamping the import time.
func SeriesToTableSlices(series []Series, fallbackName string, importTime time.Time) []TableSlice {
	out := make([]TableSlice, 0, len(series))
	for _, s := range series {
		if s.Length() == 0 {
			continue
		}
		schema := s.Type
		if schema.Name == "" {
			schema.Name = fallbackName
		}
		out = append(out, TableSlice{
			Schema:     schema,
			Data:       Series{Type: schema, Values: s.Values},
			ImportTime: importTime,
		})
	}
	return out
}

// SplitSlice cuts a slice into pieces of at most max events, preserving
// import time and re-deriving first event ids.
func SplitSlice(s TableSlice, max int) []TableSlice {
	if max <= 0 || s.Length() <= max {
		return []TableSlice{s}
	}
	var out []TableSlice
	for off := 0; off < s.Length(); off += max {
		end := off + max
		if end > s.Length() {
			end = s.Length()
		}
		out = append(out, TableSlice{
			Schema:       s.Schema,
			Data:         Series{Type: s.Schema, Values: s.Data.Values[off:end]},
			ImportTime:   s.ImportTime,
			FirstEventID: s.FirstEventID + uint64(off),
		})
	}
	return out
}
