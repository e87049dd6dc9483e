package core

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
)

// NDJSONSource feeds newline-delimited JSON objects into an importer. JSON
// already types its numbers, so strings go in unparsed under the
// numeric-agnostic parser while numbers and bools arrive typed.
type NDJSONSource struct {
	imp *Importer
	dh  DiagnosticHandler
}

// NewNDJSONSource wires a source to an importer.
func NewNDJSONSource(imp *Importer, dh DiagnosticHandler) *NDJSONSource {
	return &NDJSONSource{imp: imp, dh: orDiscard(dh)}
}

// Read consumes the whole reader, building one event per line. Malformed
// lines produce a warning and are skipped; the count of accepted events is
// returned.
func (s *NDJSONSource) Read(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	accepted := 0
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			s.dh.Emit(Diagnosticf(SeverityWarning, "skipping malformed JSON on line %d", line).
				WithNote("%v", err))
			continue
		}
		s.imp.WithBuilder(func(msb *MultiSeriesBuilder) {
			rec := msb.Record()
			writeJSONObject(msb, rec, obj)
		})
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return accepted, fmt.Errorf("ndjson: read: %w", err)
	}
	return accepted, nil
}

func writeJSONObject(msb *MultiSeriesBuilder, rec *RecordBuilder, obj map[string]any) {
	// JSON object order is lost by the decoder; sorted keys keep ingestion
	// deterministic.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeJSONValue(msb.UnflattenedField(rec, k), obj[k])
	}
}

func writeJSONValue(node *ObjectBuilder, v any) {
	switch x := v.(type) {
	case nil:
		node.Null()
	case bool:
		node.Data(BoolValue(x))
	case float64:
		// encoding/json gives every number as float64; integral values map
		// back to int64 where exact.
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			node.Data(IntValue(int64(x)))
			return
		}
		node.Data(FloatValue(x))
	case string:
		node.DataUnparsed(x)
	case []any:
		l := node.List()
		for _, e := range x {
			writeJSONListElement(l, e)
		}
	case map[string]any:
		r := node.Record()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeJSONValue(r.Field(k), x[k])
		}
	default:
		node.Null()
	}
}

func writeJSONListElement(l *ListBuilder, v any) {
	switch x := v.(type) {
	case nil:
		l.Null()
	case bool:
		l.Data(BoolValue(x))
	case float64:
		if x == math.Trunc(x) && x >= math.MinInt64 && x <= math.MaxInt64 {
			l.Data(IntValue(int64(x)))
			return
		}
		l.Data(FloatValue(x))
	case string:
		l.DataUnparsed(x)
	case []any:
		nested := l.List()
		for _, e := range x {
			writeJSONListElement(nested, e)
		}
	case map[string]any:
		r := l.Record()
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeJSONValue(r.Field(k), x[k])
		}
	default:
		l.Null()
	}
}
