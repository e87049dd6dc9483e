package core

import (
	"bytes"
	"testing"
)

// TestSignatureFieldPermutation verifies that two records with the same
// fields in different insertion order produce byte-equal signatures.
func TestSignatureFieldPermutation(t *testing.T) {
	b1 := NewDataBuilder(nil, nil)
	r1 := b1.Record()
	r1.Field("a").DataUnparsed("1")
	r1.Field("b").DataUnparsed("2")
	r1.Field("c").DataUnparsed("3")
	sig1 := b1.AppendSignature(nil, nil)

	b2 := NewDataBuilder(nil, nil)
	r2 := b2.Record()
	r2.Field("c").DataUnparsed("3")
	r2.Field("a").DataUnparsed("1")
	r2.Field("b").DataUnparsed("2")
	sig2 := b2.AppendSignature(nil, nil)

	if !bytes.Equal(sig1, sig2) {
		t.Fatalf("signatures differ: %x vs %x", sig1, sig2)
	}
}

// TestSignatureMarkers checks the structural frame of a record signature.
func TestSignatureMarkers(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	r := b.Record()
	r.Field("x").Data(IntValue(7))
	sig := b.AppendSignature(nil, nil)
	if len(sig) < 4 {
		t.Fatalf("signature too short: %x", sig)
	}
	if sig[0] != sigRecordBegin || sig[len(sig)-1] != sigRecordEnd {
		t.Fatalf("bad record frame: %x", sig)
	}
	want := []byte{sigRecordBegin, 'x', byte(KindInt64), sigRecordEnd}
	if !bytes.Equal(sig, want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
}

// TestSignatureSeededSentinels verifies that a seeded record missing a seed
// field still signs identically to a record carrying it.
func TestSignatureSeededSentinels(t *testing.T) {
	seed := RecordType(
		FieldType{Name: "c", Type: ScalarType(KindUint64)},
		FieldType{Name: "s", Type: ScalarType(KindString)},
	).Named("flow")

	full := NewDataBuilder(nil, nil)
	r := full.Record()
	r.Field("c").DataUnparsed("42")
	r.Field("s").DataUnparsed("hello")
	sigFull := full.AppendSignature(nil, &seed)

	partial := NewDataBuilder(nil, nil)
	r2 := partial.Record()
	r2.Field("c").DataUnparsed("42")
	sigPartial := partial.AppendSignature(nil, &seed)

	if !bytes.Equal(sigFull, sigPartial) {
		t.Fatalf("seeded signatures differ: %x vs %x", sigFull, sigPartial)
	}
}

// TestSignatureSchemaOnlyDropsUnseededFields checks that schema_only kills
// fields outside the seed during signature computation.
func TestSignatureSchemaOnlyDropsUnseededFields(t *testing.T) {
	seed := RecordType(FieldType{Name: "a", Type: ScalarType(KindInt64)})
	b := NewDataBuilder(nil, nil)
	b.SetSchemaOnly(true)
	r := b.Record()
	r.Field("a").Data(IntValue(1))
	r.Field("zz").Data(StringValue("dropped"))
	sig := b.AppendSignature(nil, &seed)
	want := []byte{sigRecordBegin, 'a', byte(KindInt64), sigRecordEnd}
	if !bytes.Equal(sig, want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
	v := b.Materialize(&seed, true)
	if v.Rec == nil || len(v.Rec.Fields) != 1 || v.Rec.Fields[0].Name != "a" {
		t.Fatalf("schema_only materialize kept extra fields: %+v", v)
	}
}

// TestListSignatureUniform checks that a homogeneous list signs as one tag.
func TestListSignatureUniform(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	l := b.List()
	l.Data(IntValue(1))
	l.Data(IntValue(2))
	l.Data(IntValue(3))
	sig := b.AppendSignature(nil, nil)
	want := []byte{sigListBegin, byte(KindInt64), sigListEnd}
	if !bytes.Equal(sig, want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
}

// TestListSignatureNumericWidening verifies the widening rules for mixed
// numeric lists.
func TestListSignatureNumericWidening(t *testing.T) {
	cases := []struct {
		name string
		fill func(*ListBuilder)
		want Kind
	}{
		{"float wins", func(l *ListBuilder) {
			l.Data(IntValue(1))
			l.Data(FloatValue(1.5))
		}, KindFloat64},
		{"signed plus large unsigned", func(l *ListBuilder) {
			l.Data(IntValue(-1))
			l.Data(UintValue(1 << 63))
		}, KindFloat64},
		{"large unsigned only", func(l *ListBuilder) {
			l.Data(UintValue(1 << 63))
			l.Data(IntValue(3))
		}, KindUint64},
		{"small mix stays signed", func(l *ListBuilder) {
			l.Data(IntValue(1))
			l.Data(UintValue(2))
		}, KindInt64},
	}
	for _, tc := range cases {
		b := NewDataBuilder(nil, nil)
		l := b.List()
		tc.fill(l)
		sig := b.AppendSignature(nil, nil)
		want := []byte{sigListBegin, byte(tc.want), sigListEnd}
		if !bytes.Equal(sig, want) {
			t.Fatalf("%s: signature = %x, want %x", tc.name, sig, want)
		}
	}
}

// TestListSignatureMixedStructural checks the placeholder emission and the
// mismatch diagnostic for lists mixing records and lists.
func TestListSignatureMixedStructural(t *testing.T) {
	diags := &CollectingDiagnostics{}
	b := NewDataBuilder(nil, diags)
	l := b.List()
	l.Record().Field("a").Data(IntValue(1))
	nested := l.List()
	nested.Data(IntValue(2))
	sig := b.AppendSignature(nil, nil)
	want := []byte{
		sigListBegin,
		sigRecordBegin, sigRecordEnd,
		sigListBegin, sigListEnd,
		sigListError,
		sigListEnd,
	}
	if !bytes.Equal(sig, want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
	if len(diags.Warnings()) == 0 {
		t.Fatal("expected a type mismatch warning")
	}
}

// TestSeedMismatchNullsValue checks that a value conflicting with its seed
// becomes null with a warning, and that the signature reflects the seed.
func TestSeedMismatchNullsValue(t *testing.T) {
	diags := &CollectingDiagnostics{}
	b := NewDataBuilder(nil, diags)
	seed := RecordType(FieldType{Name: "ip", Type: ScalarType(KindIP)})
	r := b.Record()
	r.Field("ip").Data(BoolValue(true))
	sig := b.AppendSignature(nil, &seed)
	want := []byte{sigRecordBegin, 'i', 'p', byte(KindIP), sigRecordEnd}
	if !bytes.Equal(sig, want) {
		t.Fatalf("signature = %x, want %x", sig, want)
	}
	if len(diags.Warnings()) == 0 {
		t.Fatal("expected a mismatch warning")
	}
	v := b.Materialize(&seed, true)
	got, ok := v.Rec.Get("ip")
	if !ok || !got.IsNull() {
		t.Fatalf("mismatched field should be null, got %+v", got)
	}
}

// TestNumericSeedCoercion verifies numeric reconciliation against a seed:
// in-range casts succeed, out-of-range casts null with a warning.
func TestNumericSeedCoercion(t *testing.T) {
	diags := &CollectingDiagnostics{}
	b := NewDataBuilder(nil, diags)
	seed := RecordType(
		FieldType{Name: "ok", Type: ScalarType(KindUint64)},
		FieldType{Name: "neg", Type: ScalarType(KindUint64)},
	)
	r := b.Record()
	r.Field("ok").Data(IntValue(7))
	r.Field("neg").Data(IntValue(-7))
	v := b.Materialize(&seed, true)
	okVal, _ := v.Rec.Get("ok")
	if okVal.Kind != KindUint64 || okVal.Uint != 7 {
		t.Fatalf("expected uint64(7), got %+v", okVal)
	}
	negVal, _ := v.Rec.Get("neg")
	if !negVal.IsNull() {
		t.Fatalf("out-of-range cast should null, got %+v", negVal)
	}
	if len(diags.Warnings()) == 0 {
		t.Fatal("expected an out-of-range warning")
	}
}

// TestSeedDurationUnit checks that numbers coerce into durations using the
// seed's unit attribute.
func TestSeedDurationUnit(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	seed := RecordType(FieldType{
		Name: "lat",
		Type: ScalarType(KindDuration).WithAttrs(Attr{Key: "unit", Value: "ms"}),
	})
	r := b.Record()
	r.Field("lat").Data(IntValue(1500))
	v := b.Materialize(&seed, true)
	lat, _ := v.Rec.Get("lat")
	if lat.Kind != KindDuration {
		t.Fatalf("expected duration, got %s", lat.Kind)
	}
	if lat.Duration().Milliseconds() != 1500 {
		t.Fatalf("expected 1500ms, got %s", lat.Duration())
	}
}

// TestMaterializeRoundTrip checks materialize(build(r)) == r for a typed
// record without seeds.
func TestMaterializeRoundTrip(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	r := b.Record()
	r.Field("n").Data(IntValue(42))
	r.Field("s").Data(StringValue("x"))
	inner := r.Field("rec").Record()
	inner.Field("f").Data(FloatValue(2.5))
	l := r.Field("l").List()
	l.Data(BoolValue(true))
	l.Data(BoolValue(false))
	got := b.Materialize(nil, true)
	want := RecordValue(&Record{Fields: []Field{
		{Name: "n", Value: IntValue(42)},
		{Name: "s", Value: StringValue("x")},
		{Name: "rec", Value: RecordValue(&Record{Fields: []Field{
			{Name: "f", Value: FloatValue(2.5)},
		}})},
		{Name: "l", Value: ListValue([]Value{BoolValue(true), BoolValue(false)})},
	}})
	if !got.Equal(want) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

// TestBuilderSlotReuse verifies that clearing keeps slots reusable and that
// stale state never leaks into the next event.
func TestBuilderSlotReuse(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	r := b.Record()
	r.Field("a").Data(IntValue(1))
	r.Field("b").Data(StringValue("first"))
	first := b.Materialize(nil, true)
	if len(first.Rec.Fields) != 2 {
		t.Fatalf("first event has %d fields", len(first.Rec.Fields))
	}
	r = b.Record()
	r.Field("a").Data(IntValue(2))
	second := b.Materialize(nil, true)
	if len(second.Rec.Fields) != 1 {
		t.Fatalf("stale fields leaked into second event: %+v", second)
	}
	a, _ := second.Rec.Get("a")
	if a.Int != 2 {
		t.Fatalf("expected a=2, got %+v", a)
	}
}

// TestFindFieldRawNested resolves dotted selector paths against the raw
// tree.
func TestFindFieldRawNested(t *testing.T) {
	b := NewDataBuilder(nil, nil)
	r := b.Record()
	r.Field("selector").DataUnparsed("http")
	r.Field("meta").Record().Field("kind").DataUnparsed("dns")
	if node := b.FindFieldRaw("selector"); node == nil || node.raw != "http" {
		t.Fatalf("top-level selector lookup failed: %+v", node)
	}
	if node := b.FindFieldRaw("meta.kind"); node == nil || node.raw != "dns" {
		t.Fatalf("nested selector lookup failed: %+v", node)
	}
	if node := b.FindFieldRaw("missing"); node != nil {
		t.Fatalf("lookup of missing field returned %+v", node)
	}
}

// TestFastListSignaturesOptIn checks that the fast list path changes
// nothing unless explicitly enabled.
func TestFastListSignaturesOptIn(t *testing.T) {
	seed := ListType(ScalarType(KindInt64))
	build := func(fast bool) []byte {
		b := NewDataBuilder(nil, nil)
		b.SetFastListSignatures(fast)
		l := b.List()
		l.Data(IntValue(1))
		l.Data(IntValue(2))
		return b.AppendSignature(nil, &seed)
	}
	slow := build(false)
	fast := build(true)
	if !bytes.Equal(slow, fast) {
		t.Fatalf("homogeneous list signatures diverge: %x vs %x", slow, fast)
	}
}
