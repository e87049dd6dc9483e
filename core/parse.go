package core

import (
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// parseResult carries the outcome of parsing a raw string. A nil Value means
// the input did not parse as any type and should remain a string.
type parseResult struct {
	Value *Value
	Diag  *Diagnostic
}

// ParseFunc turns a raw input string into typed data, optionally guided by a
// seed type. Implementations must not panic on arbitrary input.
type ParseFunc func(s string, seed *Type) parseResult

func resultValue(v Value) parseResult   { return parseResult{Value: &v} }
func resultString() parseResult        { return parseResult{} }
func resultDiag(d Diagnostic) parseResult {
	return parseResult{Diag: &d}
}

// BestEffortParse tries, in order: bool, int64/uint64, float64, time,
// duration, subnet, ip. Inputs matching none of these remain strings.
func BestEffortParse(s string, seed *Type) parseResult {
	if seed != nil {
		return SeededParse(s, seed)
	}
	if v, ok := parseBool(s); ok {
		return resultValue(v)
	}
	if v, ok := parseInteger(s); ok {
		return resultValue(v)
	}
	if v, ok := parseFloat(s); ok {
		return resultValue(v)
	}
	if v, ok := parseTime(s); ok {
		return resultValue(v)
	}
	if v, ok := parseDuration(s); ok {
		return resultValue(v)
	}
	if v, ok := parseSubnet(s); ok {
		return resultValue(v)
	}
	if v, ok := parseIP(s); ok {
		return resultValue(v)
	}
	return resultString()
}

// NumericAgnosticParse behaves like BestEffortParse but never tries numeric
// types. It serves formats that already type their numbers, such as JSON.
func NumericAgnosticParse(s string, seed *Type) parseResult {
	if seed != nil {
		return SeededParse(s, seed)
	}
	if v, ok := parseBool(s); ok {
		return resultValue(v)
	}
	if v, ok := parseTime(s); ok {
		return resultValue(v)
	}
	if v, ok := parseDuration(s); ok {
		return resultValue(v)
	}
	if v, ok := parseSubnet(s); ok {
		return resultValue(v)
	}
	if v, ok := parseIP(s); ok {
		return resultValue(v)
	}
	return resultString()
}

// SeededParse parses strictly against the seed type. On failure it emits a
// warning and leaves the input a string. Structural seeds are not supported
// here; the data builder resolves those before parsing leaves.
func SeededParse(s string, seed *Type) parseResult {
	if seed == nil {
		return BestEffortParse(s, nil)
	}
	switch seed.Kind {
	case KindNull:
		return resultString()
	case KindBool:
		if v, ok := parseBool(s); ok {
			return resultValue(v)
		}
	case KindInt64:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return resultValue(IntValue(i))
		}
	case KindUint64:
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return resultValue(UintValue(u))
		}
	case KindFloat64:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return resultValue(FloatValue(f))
		}
	case KindDuration:
		if v, ok := parseDuration(s); ok {
			return resultValue(v)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			unit, ok := seed.Attribute("unit")
			if !ok {
				unit = "s"
			}
			if d, ok := durationFromNumber(f, unit); ok {
				return resultValue(DurationValue(d))
			}
		}
	case KindTime:
		if v, ok := parseTime(s); ok {
			return resultValue(v)
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			unit, ok := seed.Attribute("unit")
			if !ok {
				return resultDiag(Diagnosticf(SeverityWarning,
					"could not parse %q as time", s).
					WithNote("the value is a number, but the schema does not specify a unit"))
			}
			if d, ok := durationFromNumber(f, unit); ok {
				return resultValue(TimeValue(time.Unix(0, 0).Add(d)))
			}
		}
	case KindString:
		return resultValue(StringValue(s))
	case KindPattern:
		return resultValue(PatternValue(s))
	case KindIP:
		if v, ok := parseIP(s); ok {
			return resultValue(v)
		}
	case KindSubnet:
		if v, ok := parseSubnet(s); ok {
			return resultValue(v)
		}
	case KindEnum:
		for i, name := range seed.Enum {
			if name == s {
				return resultValue(EnumValue(uint8(i)))
			}
		}
	case KindBlob:
		return resultValue(BlobValue([]byte(s)))
	}
	return resultDiag(Diagnosticf(SeverityWarning,
		"failed to parse %q as %s", s, seed.Kind))
}

func parseBool(s string) (Value, bool) {
	switch s {
	case "true", "True", "TRUE":
		return BoolValue(true), true
	case "false", "False", "FALSE":
		return BoolValue(false), true
	}
	return Value{}, false
}

func parseInteger(s string) (Value, bool) {
	if s == "" {
		return Value{}, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i), true
	}
	// Positive values beyond int64 range still fit uint64.
	if s[0] != '-' {
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return UintValue(u), true
		}
	}
	return Value{}, false
}

func parseFloat(s string) (Value, bool) {
	if s == "" {
		return Value{}, false
	}
	// Reject inputs like "inf" or "nan-like" words that ParseFloat accepts
	// but that rarely mean numbers in telemetry feeds.
	c := s[0]
	if c != '-' && c != '+' && c != '.' && (c < '0' || c > '9') {
		return Value{}, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FloatValue(f), true
	}
	return Value{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (Value, bool) {
	// Quick shape check keeps pure numbers and words out of the layouts.
	if len(s) < 8 || s[4] != '-' {
		return Value{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeValue(t), true
		}
	}
	return Value{}, false
}

func parseDuration(s string) (Value, bool) {
	if s == "" {
		return Value{}, false
	}
	c := s[0]
	if c != '-' && c != '+' && c != '.' && (c < '0' || c > '9') {
		return Value{}, false
	}
	// Day suffixes are common in retention settings but unknown to
	// time.ParseDuration.
	if strings.HasSuffix(s, "d") {
		if f, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64); err == nil {
			return DurationValue(time.Duration(f * 24 * float64(time.Hour))), true
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return DurationValue(d), true
	}
	return Value{}, false
}

func parseIP(s string) (Value, bool) {
	if a, err := netip.ParseAddr(s); err == nil {
		return IPValue(a), true
	}
	return Value{}, false
}

func parseSubnet(s string) (Value, bool) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return SubnetValue(p), true
	}
	return Value{}, false
}

// durationFromNumber scales a number by the named unit. Unknown units fail.
func durationFromNumber(f float64, unit string) (time.Duration, bool) {
	var scale float64
	switch unit {
	case "ns", "nanosecond", "nanoseconds":
		scale = 1
	case "us", "microsecond", "microseconds":
		scale = float64(time.Microsecond)
	case "ms", "millisecond", "milliseconds":
		scale = float64(time.Millisecond)
	case "s", "second", "seconds":
		scale = float64(time.Second)
	case "min", "minute", "minutes":
		scale = float64(time.Minute)
	case "h", "hour", "hours":
		scale = float64(time.Hour)
	case "d", "day", "days":
		scale = 24 * float64(time.Hour)
	default:
		return 0, false
	}
	return time.Duration(f * scale), true
}

// ParserNamed resolves a parser by config name.
func ParserNamed(name string) (ParseFunc, bool) {
	switch name {
	case "", "best-effort":
		return BestEffortParse, true
	case "numeric-agnostic", "json":
		return NumericAgnosticParse, true
	case "seeded":
		return SeededParse, true
	}
	return nil, false
}
