package core

import (
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
)

// sketchFalsePositiveRate tunes the per-field bloom sketches. Sketches only
// have to reject partitions cheaply; false positives merely cost a lookup.
const sketchFalsePositiveRate = 0.01

// FieldSketch summarizes one field of a partition: a bloom filter over value
// hashes for equality probes and a numeric range for ordering probes.
type FieldSketch struct {
	Bloom    *bloom.BloomFilter `json:"bloom,omitempty"`
	HasRange bool               `json:"has_range,omitempty"`
	Min      float64            `json:"min,omitempty"`
	Max      float64            `json:"max,omitempty"`
}

func newFieldSketch(expected uint) *FieldSketch {
	if expected == 0 {
		expected = 1
	}
	return &FieldSketch{Bloom: bloom.NewWithEstimates(expected, sketchFalsePositiveRate)}
}

// hashValue folds a value into the 64-bit key space shared by sketches and
// value indexes.
func hashValue(v Value) uint64 {
	return xxhash.Sum64(v.canonicalBytes(nil))
}

func (s *FieldSketch) observe(v Value) {
	if v.IsNull() {
		return
	}
	if s.Bloom != nil {
		var key [8]byte
		h := hashValue(v)
		for i := 0; i < 8; i++ {
			key[i] = byte(h >> (8 * i))
		}
		s.Bloom.Add(key[:])
	}
	if f, ok := v.asFloat(); ok {
		if !s.HasRange {
			s.HasRange, s.Min, s.Max = true, f, f
			return
		}
		if f < s.Min {
			s.Min = f
		}
		if f > s.Max {
			s.Max = f
		}
	}
}

// couldContain reports whether the sketch admits the comparison. "true"
// means maybe; only a definitive miss returns false.
func (s *FieldSketch) couldContain(op CompOp, lit Value) bool {
	switch op {
	case OpEqual:
		if s.Bloom == nil {
			return true
		}
		var key [8]byte
		h := hashValue(lit)
		for i := 0; i < 8; i++ {
			key[i] = byte(h >> (8 * i))
		}
		return s.Bloom.Test(key[:])
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		f, ok := lit.asFloat()
		if !ok || !s.HasRange {
			return true
		}
		switch op {
		case OpLess:
			return s.Min < f
		case OpLessEqual:
			return s.Min <= f
		case OpGreater:
			return s.Max > f
		case OpGreaterEqual:
			return s.Max >= f
		}
	}
	return true
}

// Synopsis is the per-partition sketch the catalog uses to reject
// partitions without reading them.
type Synopsis struct {
	Version       int                     `json:"version"`
	Schema        string                  `json:"schema"`
	Events        uint64                  `json:"events"`
	MinImportTime time.Time               `json:"min_import_time"`
	MaxImportTime time.Time               `json:"max_import_time"`
	Fields        map[string]*FieldSketch `json:"fields"`
	PartitionURL  string                  `json:"partition_url"`
	PartitionSize int64                   `json:"partition_size"`
	StoreURL      string                  `json:"store_url"`
	StoreSize     int64                   `json:"store_size"`
}

// synopsisVersion tags the current synopsis layout.
const synopsisVersion = 1

// NewSynopsis returns an empty synopsis for a schema.
func NewSynopsis(schema string) *Synopsis {
	return &Synopsis{
		Version: synopsisVersion,
		Schema:  schema,
		Fields:  make(map[string]*FieldSketch),
	}
}

// Observe folds one slice into the synopsis.
func (s *Synopsis) Observe(slice TableSlice, expectedEvents uint) {
	if s.Events == 0 || slice.ImportTime.Before(s.MinImportTime) {
		s.MinImportTime = slice.ImportTime
	}
	if slice.ImportTime.After(s.MaxImportTime) {
		s.MaxImportTime = slice.ImportTime
	}
	s.Events += uint64(slice.Length())
	for _, row := range slice.Rows() {
		if row.Kind != KindRecord || row.Rec == nil {
			continue
		}
		flat := FlattenRecord(row.Rec, "")
		for _, f := range flat.Fields {
			sk, ok := s.Fields[f.Name]
			if !ok {
				sk = newFieldSketch(expectedEvents)
				s.Fields[f.Name] = sk
			}
			sk.observe(f.Value)
		}
	}
}

// CouldMatch reports whether the sketches admit the expression. A partition
// whose synopsis returns false can be skipped entirely.
func (s *Synopsis) CouldMatch(e Expression) bool {
	switch x := e.(type) {
	case Predicate:
		sk, ok := s.Fields[x.Field]
		if !ok {
			// Unknown fields can still match != probes.
			return x.Op == OpNotEqual
		}
		return sk.couldContain(x.Op, x.Literal)
	case Conjunction:
		for _, sub := range x {
			if !s.CouldMatch(sub) {
				return false
			}
		}
		return true
	case Disjunction:
		for _, sub := range x {
			if s.CouldMatch(sub) {
				return true
			}
		}
		return len(x) == 0
	}
	return true
}
