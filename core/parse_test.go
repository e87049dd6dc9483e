package core

import (
	"testing"
	"time"
)

// TestBestEffortParseOrder checks the type ladder: bool before numbers,
// numbers before times, subnets before ips.
func TestBestEffortParseOrder(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{"true", KindBool},
		{"false", KindBool},
		{"42", KindInt64},
		{"-42", KindInt64},
		{"18446744073709551615", KindUint64},
		{"1.25", KindFloat64},
		{"2024-03-01T12:00:00Z", KindTime},
		{"1h30m", KindDuration},
		{"2d", KindDuration},
		{"10.0.0.0/8", KindSubnet},
		{"10.1.2.3", KindIP},
		{"::1", KindIP},
		{"hello world", KindString},
		{"", KindString},
	}
	for _, tc := range cases {
		res := BestEffortParse(tc.in, nil)
		got := KindString
		if res.Value != nil {
			got = res.Value.Kind
		}
		if got != tc.kind {
			t.Fatalf("parse %q: got %s, want %s", tc.in, got, tc.kind)
		}
	}
}

// TestNumericAgnosticParseSkipsNumbers verifies the JSON-oriented parser
// leaves numeric-looking strings alone.
func TestNumericAgnosticParseSkipsNumbers(t *testing.T) {
	for _, in := range []string{"42", "-1", "1.25"} {
		if res := NumericAgnosticParse(in, nil); res.Value != nil {
			t.Fatalf("parse %q: expected string, got %s", in, res.Value.Kind)
		}
	}
	if res := NumericAgnosticParse("10.1.2.3", nil); res.Value == nil || res.Value.Kind != KindIP {
		t.Fatalf("ip parsing should survive the numeric-agnostic parser")
	}
}

// TestSeededParseStrict checks strict seeded parsing with fallback to
// string plus a warning diagnostic.
func TestSeededParseStrict(t *testing.T) {
	seed := ScalarType(KindInt64)
	if res := SeededParse("42", &seed); res.Value == nil || res.Value.Int != 42 {
		t.Fatalf("seeded int parse failed: %+v", res)
	}
	res := SeededParse("not-a-number", &seed)
	if res.Value != nil {
		t.Fatalf("expected parse failure, got %+v", res.Value)
	}
	if res.Diag == nil || res.Diag.Severity != SeverityWarning {
		t.Fatal("expected a warning diagnostic")
	}
}

// TestSeededParseDurationUnit checks that bare numbers pick the duration
// unit from the seed's attribute.
func TestSeededParseDurationUnit(t *testing.T) {
	seed := ScalarType(KindDuration).WithAttrs(Attr{Key: "unit", Value: "ms"})
	res := SeededParse("250", &seed)
	if res.Value == nil || res.Value.Kind != KindDuration {
		t.Fatalf("expected duration, got %+v", res)
	}
	if res.Value.Duration() != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %s", res.Value.Duration())
	}
}

// TestSeededParseTimeWithoutUnit verifies that a numeric time without a
// unit attribute warns instead of guessing.
func TestSeededParseTimeWithoutUnit(t *testing.T) {
	seed := ScalarType(KindTime)
	res := SeededParse("1700000000", &seed)
	if res.Value != nil {
		t.Fatalf("expected no value, got %+v", res.Value)
	}
	if res.Diag == nil || res.Diag.Severity != SeverityWarning {
		t.Fatal("expected a warning about the missing unit")
	}
}
