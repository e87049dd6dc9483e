package core

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"time"
)

// Kind enumerates the value kinds understood by the engine. The numeric
// values double as signature type tags and must stay stable between runs;
// gaps are reserved slots that older deployments may still emit.
type Kind uint8

const (
	KindNull     Kind = 0
	KindBool     Kind = 1
	KindInt64    Kind = 2
	KindUint64   Kind = 3
	KindFloat64  Kind = 4
	KindDuration Kind = 5
	KindTime     Kind = 6
	KindString   Kind = 7
	KindPattern  Kind = 8
	KindIP       Kind = 9
	KindSubnet   Kind = 10
	KindEnum     Kind = 11
	KindList     Kind = 12
	kindMap      Kind = 13 // reserved, never produced
	KindRecord   Kind = 14
	KindBlob     Kind = 16
)

// numKinds is the size of the static type tag table. Indexes at or above it
// are internal markers used during signature computation only.
const numKinds = 18

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindFloat64:
		return "double"
	case KindDuration:
		return "duration"
	case KindTime:
		return "time"
	case KindString:
		return "string"
	case KindPattern:
		return "pattern"
	case KindIP:
		return "ip"
	case KindSubnet:
		return "subnet"
	case KindEnum:
		return "enumeration"
	case KindList:
		return "list"
	case KindRecord:
		return "record"
	case KindBlob:
		return "blob"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsNumeric reports whether values of this kind participate in numeric
// widening. Enumerations count as numeric because their u8 index does.
func (k Kind) IsNumeric() bool {
	switch k {
	case KindInt64, KindUint64, KindFloat64, KindEnum:
		return true
	}
	return false
}

// IsStructural reports whether the kind is a container.
func (k Kind) IsStructural() bool {
	return k == KindList || k == KindRecord
}

// Field is one entry of a record value, in insertion order.
type Field struct {
	Name  string `json:"n"`
	Value Value  `json:"v"`
}

// Record is an ordered field map. Field order preserves input appearance
// order; signature computation sorts by name separately.
type Record struct {
	Fields []Field `json:"fields"`
}

// Get returns the value stored under name, if any.
func (r *Record) Get(name string) (Value, bool) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return r.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// Set stores v under name, replacing an existing entry.
func (r *Record) Set(name string, v Value) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}

// SortedFields returns the fields sorted lexicographically by name.
func (r *Record) SortedFields() []Field {
	out := make([]Field, len(r.Fields))
	copy(out, r.Fields)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Value is the tagged union over every kind the engine moves around.
// Durations are integer nanoseconds, times nanoseconds since the Unix epoch,
// IPs 16-byte v6-mapped and subnets 16 address bytes plus one prefix byte.
type Value struct {
	Kind  Kind    `json:"k"`
	Bool  bool    `json:"b,omitempty"`
	Int   int64   `json:"i,omitempty"`   // int64, duration, time
	Uint  uint64  `json:"u,omitempty"`   // uint64
	Float float64 `json:"f,omitempty"`   // double
	Str   string  `json:"s,omitempty"`   // string, pattern
	Bytes []byte  `json:"y,omitempty"`   // blob, ip (16), subnet (17)
	Enum  uint8   `json:"e,omitempty"`   // enumeration index
	List  []Value `json:"l,omitempty"`
	Rec   *Record `json:"r,omitempty"`
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

func unixEpoch() time.Time { return time.Unix(0, 0).UTC() }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an int64.
func IntValue(i int64) Value { return Value{Kind: KindInt64, Int: i} }

// UintValue wraps a uint64.
func UintValue(u uint64) Value { return Value{Kind: KindUint64, Uint: u} }

// FloatValue wraps a float64.
func FloatValue(f float64) Value { return Value{Kind: KindFloat64, Float: f} }

// DurationValue wraps a duration as integer nanoseconds.
func DurationValue(d time.Duration) Value {
	return Value{Kind: KindDuration, Int: int64(d)}
}

// TimeValue wraps a point in time as nanoseconds since the epoch.
func TimeValue(t time.Time) Value { return Value{Kind: KindTime, Int: t.UnixNano()} }

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// PatternValue wraps a pattern literal.
func PatternValue(s string) Value { return Value{Kind: KindPattern, Str: s} }

// BlobValue wraps raw bytes.
func BlobValue(b []byte) Value { return Value{Kind: KindBlob, Bytes: b} }

// EnumValue wraps an enumeration index.
func EnumValue(idx uint8) Value { return Value{Kind: KindEnum, Enum: idx} }

// IPValue wraps an address, stored 16-byte v6-mapped.
func IPValue(a netip.Addr) Value {
	b := a.As16()
	return Value{Kind: KindIP, Bytes: b[:]}
}

// SubnetValue wraps a prefix as 16 address bytes followed by the prefix
// length. IPv4 prefixes are mapped to their v6 equivalent.
func SubnetValue(p netip.Prefix) Value {
	addr := p.Addr()
	bits := p.Bits()
	if addr.Is4() {
		addr = netip.AddrFrom16(addr.As16())
		bits += 96
	}
	b := addr.As16()
	return Value{Kind: KindSubnet, Bytes: append(b[:], byte(bits))}
}

// ListValue wraps a list of values.
func ListValue(vs []Value) Value { return Value{Kind: KindList, List: vs} }

// RecordValue wraps an ordered record.
func RecordValue(r *Record) Value { return Value{Kind: KindRecord, Rec: r} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Duration returns the duration payload.
func (v Value) Duration() time.Duration { return time.Duration(v.Int) }

// Time returns the time payload.
func (v Value) Time() time.Time { return time.Unix(0, v.Int).UTC() }

// Addr returns the address payload for ip values.
func (v Value) Addr() (netip.Addr, bool) {
	if v.Kind != KindIP || len(v.Bytes) != 16 {
		return netip.Addr{}, false
	}
	var b [16]byte
	copy(b[:], v.Bytes)
	return netip.AddrFrom16(b), true
}

// Prefix returns the subnet payload.
func (v Value) Prefix() (netip.Prefix, bool) {
	if v.Kind != KindSubnet || len(v.Bytes) != 17 {
		return netip.Prefix{}, false
	}
	var b [16]byte
	copy(b[:], v.Bytes[:16])
	return netip.PrefixFrom(netip.AddrFrom16(b), int(v.Bytes[16])), true
}

// String renders the value with default formatting. This is also the
// representation used when a seed coerces any value to a string.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt64:
		return strconv.FormatInt(v.Int, 10)
	case KindUint64:
		return strconv.FormatUint(v.Uint, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindDuration:
		return v.Duration().String()
	case KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case KindString, KindPattern:
		return v.Str
	case KindIP:
		if a, ok := v.Addr(); ok {
			return a.Unmap().String()
		}
		return "invalid-ip"
	case KindSubnet:
		if p, ok := v.Prefix(); ok {
			return p.String()
		}
		return "invalid-subnet"
	case KindEnum:
		return strconv.FormatUint(uint64(v.Enum), 10)
	case KindBlob:
		return fmt.Sprintf("blob(%d bytes)", len(v.Bytes))
	case KindList:
		return fmt.Sprintf("list(%d)", len(v.List))
	case KindRecord:
		if v.Rec == nil {
			return "record(0)"
		}
		return fmt.Sprintf("record(%d)", len(v.Rec.Fields))
	}
	return "invalid"
}

// canonicalBytes appends a stable byte encoding of the value to dst. It is
// used for value hashing (indexes and sketches), not for persistence.
func (v Value) canonicalBytes(dst []byte) []byte {
	dst = append(dst, byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindInt64, KindDuration, KindTime:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int))
	case KindUint64:
		dst = binary.BigEndian.AppendUint64(dst, v.Uint)
	case KindFloat64:
		dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
	case KindString, KindPattern:
		dst = append(dst, v.Str...)
	case KindIP, KindSubnet, KindBlob:
		dst = append(dst, v.Bytes...)
	case KindEnum:
		dst = append(dst, v.Enum)
	case KindList:
		for i := range v.List {
			dst = v.List[i].canonicalBytes(dst)
		}
	case KindRecord:
		if v.Rec != nil {
			for _, f := range v.Rec.SortedFields() {
				dst = append(dst, f.Name...)
				dst = append(dst, 0)
				dst = f.Value.canonicalBytes(dst)
			}
		}
	}
	return dst
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt64, KindDuration, KindTime:
		return v.Int == o.Int
	case KindUint64:
		return v.Uint == o.Uint
	case KindFloat64:
		return v.Float == o.Float
	case KindString, KindPattern:
		return v.Str == o.Str
	case KindIP, KindSubnet, KindBlob:
		return string(v.Bytes) == string(o.Bytes)
	case KindEnum:
		return v.Enum == o.Enum
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindRecord:
		a, b := v.Rec, o.Rec
		if (a == nil) != (b == nil) {
			return false
		}
		if a == nil {
			return true
		}
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			if a.Fields[i].Name != b.Fields[i].Name {
				return false
			}
			if !a.Fields[i].Value.Equal(b.Fields[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// compareNumeric compares two numeric values after widening to float64.
// The bool result is false when either side is not numeric.
func compareNumeric(a, b Value) (int, bool) {
	af, aok := a.asFloat()
	bf, bok := b.asFloat()
	if !aok || !bok {
		return 0, false
	}
	switch {
	case af < bf:
		return -1, true
	case af > bf:
		return 1, true
	}
	return 0, true
}

func (v Value) asFloat() (float64, bool) {
	switch v.Kind {
	case KindInt64, KindDuration, KindTime:
		return float64(v.Int), true
	case KindUint64:
		return float64(v.Uint), true
	case KindFloat64:
		return v.Float, true
	case KindEnum:
		return float64(v.Enum), true
	}
	return 0, false
}
