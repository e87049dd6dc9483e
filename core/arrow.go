package core

import (
	"encoding/json"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Arrow conversion flattens record schemas into dotted top-level columns.
// Scalar kinds map to native arrow types; lists of scalars map to arrow
// lists; deeper nesting degrades to a JSON-encoded string column. The
// engine's own schema travels in the partition metadata, so reading maps
// arrow values back through the original field types.

func arrowTypeFor(t Type) arrow.DataType {
	switch t.Kind {
	case KindNull:
		return arrow.Null
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindInt64:
		return arrow.PrimitiveTypes.Int64
	case KindUint64:
		return arrow.PrimitiveTypes.Uint64
	case KindFloat64:
		return arrow.PrimitiveTypes.Float64
	case KindDuration:
		return arrow.FixedWidthTypes.Duration_ns
	case KindTime:
		return arrow.FixedWidthTypes.Timestamp_ns
	case KindString, KindPattern:
		return arrow.BinaryTypes.String
	case KindBlob:
		return arrow.BinaryTypes.Binary
	case KindIP:
		return &arrow.FixedSizeBinaryType{ByteWidth: 16}
	case KindSubnet:
		return &arrow.FixedSizeBinaryType{ByteWidth: 17}
	case KindEnum:
		return arrow.PrimitiveTypes.Uint8
	case KindList:
		if t.Elem != nil && !t.Elem.Kind.IsStructural() && t.Elem.Kind != KindNull {
			return arrow.ListOf(arrowTypeFor(*t.Elem))
		}
		return arrow.BinaryTypes.String
	case KindRecord:
		// Records are flattened before conversion; a record leaking through
		// here degrades to JSON text.
		return arrow.BinaryTypes.String
	}
	return arrow.BinaryTypes.String
}

// flatFields returns the flattened (dotted) field list of a record schema.
func flatFields(schema Type) []FieldType {
	var out []FieldType
	var walk func(prefix string, t Type)
	walk = func(prefix string, t Type) {
		for _, f := range t.Fields {
			name := f.Name
			if prefix != "" {
				name = prefix + "." + f.Name
			}
			if f.Type.Kind == KindRecord {
				walk(name, f.Type)
				continue
			}
			out = append(out, FieldType{Name: name, Type: f.Type})
		}
	}
	if schema.Kind == KindRecord {
		walk("", schema)
	}
	return out
}

// arrowSchemaFor builds the arrow schema for a flattened record type.
func arrowSchemaFor(schema Type) (*arrow.Schema, []FieldType) {
	flat := flatFields(schema)
	fields := make([]arrow.Field, len(flat))
	for i, f := range flat {
		fields[i] = arrow.Field{Name: f.Name, Type: arrowTypeFor(f.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil), flat
}

// rowsToArrowRecord converts record rows into one arrow record batch.
func rowsToArrowRecord(schema Type, rows []Value) (arrow.Record, error) {
	arrowSchema, flat := arrowSchemaFor(schema)
	rb := array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema)
	defer rb.Release()
	for _, row := range rows {
		var flatRow *Record
		if row.Kind == KindRecord && row.Rec != nil {
			flatRow = FlattenRecord(row.Rec, "")
		} else {
			flatRow = &Record{}
		}
		for i, f := range flat {
			v, ok := flatRow.Get(f.Name)
			if !ok {
				v = Null()
			}
			if err := appendArrowValue(rb.Field(i), f.Type, v); err != nil {
				return nil, fmt.Errorf("arrow: field %s: %w", f.Name, err)
			}
		}
	}
	return rb.NewRecord(), nil
}

func appendArrowValue(b array.Builder, t Type, v Value) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}
	switch fb := b.(type) {
	case *array.NullBuilder:
		fb.AppendNull()
	case *array.BooleanBuilder:
		fb.Append(v.Bool)
	case *array.Int64Builder:
		fb.Append(v.Int)
	case *array.Uint64Builder:
		fb.Append(v.Uint)
	case *array.Float64Builder:
		fb.Append(v.Float)
	case *array.DurationBuilder:
		fb.Append(arrow.Duration(v.Int))
	case *array.TimestampBuilder:
		fb.Append(arrow.Timestamp(v.Int))
	case *array.StringBuilder:
		if t.Kind == KindList || t.Kind == KindRecord {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode structural value: %w", err)
			}
			fb.Append(string(raw))
			return nil
		}
		fb.Append(v.Str)
	case *array.BinaryBuilder:
		fb.Append(v.Bytes)
	case *array.FixedSizeBinaryBuilder:
		fb.Append(v.Bytes)
	case *array.Uint8Builder:
		fb.Append(v.Enum)
	case *array.ListBuilder:
		fb.Append(true)
		elemType := ScalarType(KindNull)
		if t.Elem != nil {
			elemType = *t.Elem
		}
		vb := fb.ValueBuilder()
		for i := range v.List {
			if err := appendArrowValue(vb, elemType, v.List[i]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

// arrowRecordToRows converts one arrow record batch back into record rows
// shaped by the original schema.
func arrowRecordToRows(schema Type, rec arrow.Record) ([]Value, error) {
	_, flat := arrowSchemaFor(schema)
	n := int(rec.NumRows())
	if int(rec.NumCols()) != len(flat) {
		return nil, fmt.Errorf("arrow: column count %d does not match schema %d",
			rec.NumCols(), len(flat))
	}
	rows := make([]Value, n)
	for i := 0; i < n; i++ {
		flatRow := &Record{Fields: make([]Field, 0, len(flat))}
		for c, f := range flat {
			v, err := arrowValueAt(rec.Column(c), f.Type, i)
			if err != nil {
				return nil, fmt.Errorf("arrow: field %s: %w", f.Name, err)
			}
			flatRow.Fields = append(flatRow.Fields, Field{Name: f.Name, Value: v})
		}
		rows[i] = RecordValue(UnflattenRecord(flatRow, ""))
	}
	return rows, nil
}

func arrowValueAt(col arrow.Array, t Type, i int) (Value, error) {
	if col.IsNull(i) {
		return Null(), nil
	}
	switch a := col.(type) {
	case *array.Null:
		return Null(), nil
	case *array.Boolean:
		return BoolValue(a.Value(i)), nil
	case *array.Int64:
		return IntValue(a.Value(i)), nil
	case *array.Uint64:
		return UintValue(a.Value(i)), nil
	case *array.Float64:
		return FloatValue(a.Value(i)), nil
	case *array.Duration:
		return Value{Kind: KindDuration, Int: int64(a.Value(i))}, nil
	case *array.Timestamp:
		return Value{Kind: KindTime, Int: int64(a.Value(i))}, nil
	case *array.String:
		if t.Kind == KindList || t.Kind == KindRecord {
			var v Value
			if err := json.Unmarshal([]byte(a.Value(i)), &v); err != nil {
				return Value{}, fmt.Errorf("decode structural value: %w", err)
			}
			return v, nil
		}
		if t.Kind == KindPattern {
			return PatternValue(a.Value(i)), nil
		}
		return StringValue(a.Value(i)), nil
	case *array.Binary:
		return BlobValue(append([]byte{}, a.Value(i)...)), nil
	case *array.FixedSizeBinary:
		raw := append([]byte{}, a.Value(i)...)
		if t.Kind == KindSubnet {
			return Value{Kind: KindSubnet, Bytes: raw}, nil
		}
		return Value{Kind: KindIP, Bytes: raw}, nil
	case *array.Uint8:
		return EnumValue(a.Value(i)), nil
	case *array.List:
		start, end := a.ValueOffsets(i)
		elemType := ScalarType(KindNull)
		if t.Elem != nil {
			elemType = *t.Elem
		}
		values := a.ListValues()
		out := make([]Value, 0, end-start)
		for j := start; j < end; j++ {
			v, err := arrowValueAt(values, elemType, int(j))
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return ListValue(out), nil
	}
	return Value{}, fmt.Errorf("unsupported arrow array %T", col)
}
