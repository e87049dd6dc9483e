package core

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"
)

// ValueIndex is a typed bitmap index over one field of a partition: for
// every distinct value hash it keeps the set of row ids carrying it, plus a
// numeric range for ordering probes.
type ValueIndex struct {
	kind     Kind
	exact    map[uint64]*roaring.Bitmap
	hasRange bool
	min, max float64
}

// NewValueIndex returns an empty index for values of the given kind.
func NewValueIndex(kind Kind) *ValueIndex {
	return &ValueIndex{kind: kind, exact: make(map[uint64]*roaring.Bitmap)}
}

// Kind returns the indexed value kind.
func (x *ValueIndex) Kind() Kind { return x.kind }

// Add records that row carries v. Nulls are not indexed.
func (x *ValueIndex) Add(row uint32, v Value) {
	if v.IsNull() {
		return
	}
	h := hashValue(v)
	bm, ok := x.exact[h]
	if !ok {
		bm = roaring.New()
		x.exact[h] = bm
	}
	bm.Add(row)
	if f, ok := v.asFloat(); ok {
		if !x.hasRange {
			x.hasRange, x.min, x.max = true, f, f
			return
		}
		if f < x.min {
			x.min = f
		}
		if f > x.max {
			x.max = f
		}
	}
}

// Lookup answers an equality probe with the exact row set. Ordering probes
// return only a cheap no-rows/maybe answer via the range; the caller scans
// the store for them. The bool result reports whether the answer is exact.
func (x *ValueIndex) Lookup(op CompOp, lit Value) (*roaring.Bitmap, bool) {
	switch op {
	case OpEqual:
		if bm, ok := x.exact[hashValue(lit)]; ok {
			return bm.Clone(), true
		}
		return roaring.New(), true
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if f, ok := lit.asFloat(); ok && x.hasRange {
			miss := (op == OpLess && x.min >= f) ||
				(op == OpLessEqual && x.min > f) ||
				(op == OpGreater && x.max <= f) ||
				(op == OpGreaterEqual && x.max < f)
			if miss {
				return roaring.New(), true
			}
		}
	}
	return nil, false
}

type valueIndexEntry struct {
	Hash string `json:"h"`
	Rows []byte `json:"rows"`
}

type valueIndexJSON struct {
	Kind     Kind              `json:"kind"`
	HasRange bool              `json:"has_range,omitempty"`
	Min      float64           `json:"min,omitempty"`
	Max      float64           `json:"max,omitempty"`
	Entries  []valueIndexEntry `json:"entries"`
}

// MarshalJSON implements json.Marshaler with roaring-serialized row sets.
func (x *ValueIndex) MarshalJSON() ([]byte, error) {
	out := valueIndexJSON{Kind: x.kind, HasRange: x.hasRange, Min: x.min, Max: x.max}
	for h, bm := range x.exact {
		raw, err := bm.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("value index: marshal bitmap: %w", err)
		}
		out.Entries = append(out.Entries, valueIndexEntry{
			Hash: strconv.FormatUint(h, 16),
			Rows: raw,
		})
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *ValueIndex) UnmarshalJSON(data []byte) error {
	var in valueIndexJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	x.kind = in.Kind
	x.hasRange, x.min, x.max = in.HasRange, in.Min, in.Max
	x.exact = make(map[uint64]*roaring.Bitmap, len(in.Entries))
	for _, e := range in.Entries {
		h, err := strconv.ParseUint(e.Hash, 16, 64)
		if err != nil {
			return fmt.Errorf("value index: bad hash %q: %w", e.Hash, err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(e.Rows); err != nil {
			return fmt.Errorf("value index: unmarshal bitmap: %w", err)
		}
		x.exact[h] = bm
	}
	return nil
}

// TypeIDs maps an event name to the row ids carrying it within a partition.
type TypeIDs map[string]*roaring.Bitmap

// MarshalJSON serializes the bitmaps in roaring's binary format.
func (t TypeIDs) MarshalJSON() ([]byte, error) {
	out := make(map[string][]byte, len(t))
	for name, bm := range t {
		raw, err := bm.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("type ids: marshal bitmap: %w", err)
		}
		out[name] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *TypeIDs) UnmarshalJSON(data []byte) error {
	var in map[string][]byte
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*t = make(TypeIDs, len(in))
	for name, raw := range in {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(raw); err != nil {
			return fmt.Errorf("type ids: unmarshal bitmap: %w", err)
		}
		(*t)[name] = bm
	}
	return nil
}
