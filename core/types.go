package core

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Attr is a single key/value type attribute, e.g. {unit: "ms"} or {skip}.
type Attr struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// FieldType is one field of a record type.
type FieldType struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Type describes the shape of a Value. A non-empty Name makes the type an
// alias; record types carry Fields, list types carry Elem. Attributes are
// ordered and participate in equality but not in congruence.
type Type struct {
	Kind   Kind        `json:"kind"`
	Name   string      `json:"name,omitempty"`
	Attrs  []Attr      `json:"attrs,omitempty"`
	Elem   *Type       `json:"elem,omitempty"`
	Fields []FieldType `json:"fields,omitempty"`
	Enum   []string    `json:"enum,omitempty"` // dictionary for enumerations
}

// NullType is the type of the null value.
func NullType() Type { return Type{Kind: KindNull} }

// ScalarType builds an unnamed type of the given non-structural kind.
func ScalarType(k Kind) Type { return Type{Kind: k} }

// ListType builds a list type over elem.
func ListType(elem Type) Type { return Type{Kind: KindList, Elem: &elem} }

// RecordType builds an unnamed record type.
func RecordType(fields ...FieldType) Type {
	return Type{Kind: KindRecord, Fields: fields}
}

// Named returns a copy of t carrying the given alias name.
func (t Type) Named(name string) Type {
	t.Name = name
	return t
}

// WithAttrs returns a copy of t with the given attributes appended.
func (t Type) WithAttrs(attrs ...Attr) Type {
	t.Attrs = append(append([]Attr{}, t.Attrs...), attrs...)
	return t
}

// Attribute returns the value of the named attribute, if present.
func (t Type) Attribute(key string) (string, bool) {
	for _, a := range t.Attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Field returns the type of the named field of a record type.
func (t Type) Field(name string) (Type, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return t.Fields[i].Type, true
		}
	}
	return Type{}, false
}

// String renders the type for logs and diagnostics.
func (t Type) String() string {
	var b strings.Builder
	if t.Name != "" {
		fmt.Fprintf(&b, "%s=", t.Name)
	}
	switch t.Kind {
	case KindList:
		if t.Elem != nil {
			fmt.Fprintf(&b, "list<%s>", t.Elem.String())
		} else {
			b.WriteString("list<?>")
		}
	case KindRecord:
		b.WriteString("record{")
		for i, f := range t.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %s", f.Name, f.Type.String())
		}
		b.WriteString("}")
	default:
		b.WriteString(t.Kind.String())
	}
	return b.String()
}

// Equal compares two types structurally, including names and attributes.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Name != o.Name {
		return false
	}
	if len(t.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range t.Attrs {
		if t.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	return t.congruentWith(o, true)
}

// Congruent compares two types ignoring names and attributes. Congruence is
// the relation used for schema matching.
func (t Type) Congruent(o Type) bool {
	return t.congruentWith(o, false)
}

func (t Type) congruentWith(o Type, strict bool) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindList:
		if (t.Elem == nil) != (o.Elem == nil) {
			return false
		}
		if t.Elem == nil {
			return true
		}
		if strict {
			return t.Elem.Equal(*o.Elem)
		}
		return t.Elem.Congruent(*o.Elem)
	case KindRecord:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name {
				return false
			}
			if strict {
				if !t.Fields[i].Type.Equal(o.Fields[i].Type) {
					return false
				}
			} else if !t.Fields[i].Type.Congruent(o.Fields[i].Type) {
				return false
			}
		}
		return true
	case KindEnum:
		if len(t.Enum) != len(o.Enum) {
			return false
		}
		for i := range t.Enum {
			if t.Enum[i] != o.Enum[i] {
				return false
			}
		}
		return true
	}
	return true
}

// Digest returns a stable content digest of the type, including name and
// attributes.
func (t Type) Digest() uint64 {
	h := xxhash.New()
	t.appendDigest(h)
	return h.Sum64()
}

func (t Type) appendDigest(h *xxhash.Digest) {
	_, _ = h.Write([]byte{byte(t.Kind)})
	_, _ = h.WriteString(t.Name)
	_, _ = h.Write([]byte{0})
	for _, a := range t.Attrs {
		_, _ = h.WriteString(a.Key)
		_, _ = h.Write([]byte{1})
		_, _ = h.WriteString(a.Value)
		_, _ = h.Write([]byte{2})
	}
	switch t.Kind {
	case KindList:
		if t.Elem != nil {
			t.Elem.appendDigest(h)
		}
	case KindRecord:
		for _, f := range t.Fields {
			_, _ = h.WriteString(f.Name)
			_, _ = h.Write([]byte{3})
			f.Type.appendDigest(h)
		}
	case KindEnum:
		for _, e := range t.Enum {
			_, _ = h.WriteString(e)
			_, _ = h.Write([]byte{4})
		}
	}
}

// TypeOf infers the type of a value. Records keep their field order; lists
// take the type of their first non-null element.
func TypeOf(v Value) Type {
	switch v.Kind {
	case KindList:
		for i := range v.List {
			if !v.List[i].IsNull() {
				return ListType(TypeOf(v.List[i]))
			}
		}
		elem := NullType()
		return Type{Kind: KindList, Elem: &elem}
	case KindRecord:
		var fields []FieldType
		if v.Rec != nil {
			fields = make([]FieldType, 0, len(v.Rec.Fields))
			for _, f := range v.Rec.Fields {
				fields = append(fields, FieldType{Name: f.Name, Type: TypeOf(f.Value)})
			}
		}
		return Type{Kind: KindRecord, Fields: fields}
	default:
		return Type{Kind: v.Kind}
	}
}
