package core

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy selects how a MultiSeriesBuilder routes events to series builders.
type Policy interface {
	policyName() string
}

// PolicyDefault gives each distinct signature its own builder and derives
// the schema name from the record shape.
type PolicyDefault struct{}

func (PolicyDefault) policyName() string { return "default" }

// PolicySchema seeds every record with one named schema.
type PolicySchema struct {
	Name string
}

func (PolicySchema) policyName() string { return "schema" }

// PolicySelector reads a record field per event to pick the schema name. A
// non-empty prefix is prepended with a dot.
type PolicySelector struct {
	FieldName    string
	NamingPrefix string
}

func (PolicySelector) policyName() string { return "selector" }

// MSBSettings tunes a MultiSeriesBuilder.
type MSBSettings struct {
	// Ordered keeps only one builder active; switching signatures flushes
	// the previous builder. Merge implies it.
	Ordered bool
	// Merge collapses all events into one schemaless builder.
	Merge bool
	// SchemaOnly drops fields that are not part of the seed schema.
	SchemaOnly bool
	// Raw parses only fields present in the seed; others stay strings.
	Raw bool
	// UnnestSeparator splits dotted keys; empty means ".".
	UnnestSeparator string
	// DesiredBatchSize is the yield threshold per builder.
	DesiredBatchSize uint64
	// Timeout bounds how long events linger before a yield flushes them.
	Timeout time.Duration
	// DefaultSchemaName labels series whose type has no name of its own.
	DefaultSchemaName string
	// FastListSignatures opts into the inaccurate fast list path.
	FastListSignatures bool
}

// DefaultMSBSettings returns the settings used when a source specifies
// nothing.
func DefaultMSBSettings() MSBSettings {
	return MSBSettings{
		UnnestSeparator:   DefaultUnnestSeparator,
		DesiredBatchSize:  1024,
		Timeout:           time.Second,
		DefaultSchemaName: "strata.event",
	}
}

// gcTimeoutFactor scales the yield timeout into the idle span after which an
// entry is garbage collected.
const gcTimeoutFactor = 10

type msbEntry struct {
	key     string
	builder *SeriesBuilder
	seed    *Type // parsing/commit seed; nil for sentinel schemas
	flushed time.Time
	unused  bool
}

func (e *msbEntry) flush() []Series {
	return e.builder.Finish()
}

// MultiSeriesBuilder routes heterogeneous events into homogeneous series
// builders keyed by structural signature, yielding batches of series. It is
// a non-suspending value type owned by one goroutine at a time.
type MultiSeriesBuilder struct {
	policy   Policy
	settings MSBSettings
	dh       DiagnosticHandler
	schemas  *SchemaRegistry
	clk      clock.Clock

	raw     *DataBuilder
	merging *SeriesBuilder
	// mergeSeed types the merging builder under the schema policy.
	mergeSeed *Type

	entries     []*msbEntry
	sigMap      map[string]int
	ready       []Series
	lastYield   time.Time
	activeIndex int

	// per-event routing state computed by completeLastEvent
	sigBuf []byte
}

// NewMultiSeriesBuilder constructs a builder for the given policy and
// settings. Known schemas seed parsing and routing; parser defaults to
// BestEffortParse.
func NewMultiSeriesBuilder(policy Policy, settings MSBSettings, dh DiagnosticHandler,
	schemas *SchemaRegistry, parser ParseFunc, clk clock.Clock) (*MultiSeriesBuilder, error) {
	if policy == nil {
		policy = PolicyDefault{}
	}
	if settings.UnnestSeparator == "" {
		settings.UnnestSeparator = DefaultUnnestSeparator
	}
	if settings.DesiredBatchSize == 0 {
		settings.DesiredBatchSize = DefaultMSBSettings().DesiredBatchSize
	}
	if settings.Timeout <= 0 {
		settings.Timeout = DefaultMSBSettings().Timeout
	}
	if settings.DefaultSchemaName == "" {
		settings.DefaultSchemaName = DefaultMSBSettings().DefaultSchemaName
	}
	if clk == nil {
		clk = clock.New()
	}
	dh = orDiscard(dh)
	raw := NewDataBuilder(parser, dh)
	raw.SetSchemaOnly(settings.SchemaOnly)
	raw.SetRawFieldsOnly(settings.Raw)
	raw.SetFastListSignatures(settings.FastListSignatures)
	m := &MultiSeriesBuilder{
		policy:   policy,
		settings: settings,
		dh:       dh,
		schemas:  schemas,
		clk:      clk,
		raw:      raw,
		sigMap:   make(map[string]int),
	}
	switch p := policy.(type) {
	case PolicyDefault:
		// Merging all events necessarily makes them ordered.
		m.settings.Ordered = m.settings.Ordered || m.settings.Merge
	case PolicySchema:
		seed, ok := schemas.Lookup(p.Name)
		if m.settings.SchemaOnly && !ok {
			return nil, fmt.Errorf("multi series builder: schema_only requires known schema %q", p.Name)
		}
		if ok && m.settings.SchemaOnly {
			// With a seed and schema_only there is only one possible shape,
			// so everything merges into a single builder.
			m.settings.Merge = true
		}
		if m.settings.Merge {
			m.settings.Ordered = true
			if ok {
				s := seed
				m.mergeSeed = &s
				m.merging = NewSeededSeriesBuilder(seed, dh)
			} else {
				m.merging = NewSeriesBuilder(p.Name, dh)
			}
		}
	case PolicySelector:
		if p.FieldName == "" {
			return nil, fmt.Errorf("multi series builder: selector policy requires a field name")
		}
	}
	if m.usesMergingBuilder() && m.merging == nil {
		m.merging = NewSeriesBuilder("", dh)
	}
	m.lastYield = clk.Now().Add(-settings.Timeout)
	return m, nil
}

// Record starts the next event as a record. The previous event, if any, is
// routed first.
func (m *MultiSeriesBuilder) Record() *RecordBuilder {
	m.completeLastEvent()
	return m.raw.Record()
}

// List starts the next event as a list.
func (m *MultiSeriesBuilder) List() *ListBuilder {
	m.completeLastEvent()
	return m.raw.List()
}

// UnflattenedField resolves a possibly dotted key into nested record fields
// on the given record builder, honoring the unnest separator.
func (m *MultiSeriesBuilder) UnflattenedField(r *RecordBuilder, key string) *ObjectBuilder {
	sep := m.settings.UnnestSeparator
	for {
		i := indexOfSeparator(key, sep)
		if i < 0 {
			return r.Field(key)
		}
		r = r.Field(key[:i]).Record()
		key = key[i+len(sep):]
	}
}

func indexOfSeparator(key, sep string) int {
	if sep == "" {
		return -1
	}
	for i := 0; i+len(sep) <= len(key); i++ {
		if key[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// RemoveLast drops the event currently being built, or failing that the last
// event committed to the active builder.
func (m *MultiSeriesBuilder) RemoveLast() {
	if m.usesMergingBuilder() {
		if m.raw.HasElements() {
			m.raw.Clear()
			return
		}
		m.merging.RemoveLast()
		return
	}
	if m.raw.HasElements() {
		m.raw.Clear()
		return
	}
	if m.activeIndex < len(m.entries) {
		m.entries[m.activeIndex].builder.RemoveLast()
	}
}

// YieldReady returns the series whose builders hit the batch size or the
// timeout. Calls arriving more often than once per timeout are no-ops.
func (m *MultiSeriesBuilder) YieldReady() []Series {
	now := m.clk.Now()
	if now.Sub(m.lastYield) < m.settings.Timeout {
		return nil
	}
	m.lastYield = now
	if m.usesMergingBuilder() {
		m.completeLastEvent()
		return m.merging.Finish()
	}
	m.makeAvailableWhere(func(e *msbEntry) bool {
		return uint64(e.builder.Length()) >= m.settings.DesiredBatchSize ||
			now.Sub(e.flushed) >= m.settings.Timeout
	}, now)
	m.garbageCollectWhere(func(e *msbEntry) bool {
		return now.Sub(e.flushed) >= gcTimeoutFactor*m.settings.Timeout
	})
	out := m.ready
	m.ready = nil
	return out
}

// Finalize flushes every pending event and builder.
func (m *MultiSeriesBuilder) Finalize() []Series {
	if m.usesMergingBuilder() {
		m.completeLastEvent()
		return m.merging.Finish()
	}
	m.makeAvailableWhere(func(*msbEntry) bool { return true }, m.clk.Now())
	out := m.ready
	m.ready = nil
	return out
}

// DefaultSchemaName exposes the fallback name for slice conversion.
func (m *MultiSeriesBuilder) DefaultSchemaName() string {
	return m.settings.DefaultSchemaName
}

func (m *MultiSeriesBuilder) usesMergingBuilder() bool {
	if _, ok := m.policy.(PolicySelector); ok {
		return false
	}
	return m.settings.Merge
}

func (m *MultiSeriesBuilder) makeAvailableWhere(pred func(*msbEntry) bool, now time.Time) {
	m.completeLastEvent()
	for _, e := range m.entries {
		if !e.unused && pred(e) {
			if flushed := e.flush(); len(flushed) > 0 {
				m.ready = append(m.ready, flushed...)
				// flushed tracks the last productive flush so idle entries
				// age toward garbage collection.
				e.flushed = now
			}
		}
	}
}

func (m *MultiSeriesBuilder) garbageCollectWhere(pred func(*msbEntry) bool) {
	for _, e := range m.entries {
		if e.unused || !pred(e) {
			continue
		}
		if e.builder.Length() != 0 {
			// GC must be strictly wider than yield; a builder with events
			// can never be collected.
			continue
		}
		e.unused = true
		delete(m.sigMap, e.key)
	}
}

// completeLastEvent routes the raw event built since the previous call into
// its series builder. This is where policy, signature and seeding meet.
func (m *MultiSeriesBuilder) completeLastEvent() {
	if !m.raw.HasElements() {
		return
	}
	if m.usesMergingBuilder() {
		m.raw.CommitTo(m.merging, m.mergeSeed, true)
		return
	}
	m.sigBuf = m.sigBuf[:0]
	needsSignature := true
	var builderSeed *Type    // seeds the spawned series builder
	var parseSeed *Type      // seeds parsing, coercion and the signature
	var sentinelName string  // names a sentinel <name, null> builder
	haveSentinel := false

	switch p := m.policy.(type) {
	case PolicyDefault:
		// nothing to choose
	case PolicySchema:
		if seed, ok := m.schemas.Lookup(p.Name); ok {
			s := seed
			builderSeed = &s
			parseSeed = &s
			needsSignature = !m.settings.SchemaOnly
		} else {
			sentinelName = p.Name
			haveSentinel = true
		}
		m.sigBuf = append(m.sigBuf, p.Name...)
	case PolicySelector:
		schemaName, selectorWasString, found := m.selectorSchemaName(p)
		if !found {
			m.dh.Emit(Diagnosticf(SeverityWarning, "event did not contain selector field").
				WithNote("selector field %q was not found", p.FieldName))
		} else {
			if seed, ok := m.schemas.Lookup(schemaName); ok {
				s := seed
				builderSeed = &s
				parseSeed = &s
			}
			if m.settings.Merge {
				// The caller promised unique selectors; the name suffices.
				needsSignature = schemaName == ""
			}
			if builderSeed != nil && m.settings.SchemaOnly {
				needsSignature = false
			}
			if builderSeed == nil {
				if m.settings.SchemaOnly {
					// Unknown schemas cannot be represented at all in
					// schema_only mode; drop the event.
					m.dh.Emit(Diagnosticf(SeverityWarning, "selected schema not found").
						WithNote("%q does not refer to a known schema", schemaName))
					m.raw.Clear()
					return
				}
				if selectorWasString && !m.settings.Merge {
					m.dh.Emit(Diagnosticf(SeverityWarning, "selected schema not found").
						WithNote("%q does not refer to a known schema", schemaName))
				}
				sentinelName = schemaName
				haveSentinel = true
			}
			m.sigBuf = append(m.sigBuf, schemaName...)
		}
	}
	if needsSignature {
		m.sigBuf = m.raw.AppendSignature(m.sigBuf, parseSeed)
	}
	key := string(m.sigBuf)
	idx, ok := m.sigMap[key]
	switch {
	case ok && m.entries[idx].unused:
		m.entries[idx].unused = false
		m.entries[idx].flushed = m.clk.Now()
	case !ok:
		idx = m.spawnEntry(key, builderSeed, sentinelName, haveSentinel)
		m.sigMap[key] = idx
	}
	if m.settings.Ordered && idx != m.activeIndex && m.activeIndex < len(m.entries) {
		// Ordered mode allows a single active builder; flush the previous
		// one before switching.
		prev := m.entries[m.activeIndex]
		m.ready = append(m.ready, prev.flush()...)
		prev.flushed = m.clk.Now()
	}
	m.activeIndex = idx
	m.raw.CommitTo(m.entries[idx].builder, parseSeed, true)
}

// spawnEntry creates or resurrects a series builder slot for a new routing
// key.
func (m *MultiSeriesBuilder) spawnEntry(key string, seed *Type, sentinelName string, sentinel bool) int {
	var builder *SeriesBuilder
	switch {
	case seed != nil:
		builder = NewSeededSeriesBuilder(*seed, m.dh)
	case sentinel:
		// Sentinel <name, null>: named routing with no type information.
		builder = NewSeriesBuilder(sentinelName, m.dh)
	default:
		builder = NewSeriesBuilder("", m.dh)
	}
	for i, e := range m.entries {
		if e.unused {
			e.key = key
			e.builder = builder
			e.seed = seed
			e.flushed = m.clk.Now()
			e.unused = false
			return i
		}
	}
	m.entries = append(m.entries, &msbEntry{
		key:     key,
		builder: builder,
		seed:    seed,
		flushed: m.clk.Now(),
	})
	return len(m.entries) - 1
}

// selectorSchemaName extracts the schema name from the raw event. Blob and
// structural selectors warn and leave the event unseeded; null selectors
// produce the empty name.
func (m *MultiSeriesBuilder) selectorSchemaName(p PolicySelector) (name string, wasString bool, found bool) {
	node := m.raw.FindFieldRaw(p.FieldName)
	if node == nil {
		return "", false, false
	}
	var raw string
	switch {
	case node.vs == valueUnparsed:
		raw = node.raw
		wasString = true
	case node.kind == KindString:
		raw = node.val.Str
		wasString = true
	case node.kind == KindNull:
		m.dh.Emit(Diagnosticf(SeverityWarning,
			"selector field is null; routing event under a null schema"))
		return "", false, true
	case node.kind == KindBlob:
		m.dh.Emit(Diagnosticf(SeverityWarning,
			"selector field contains blob data, which cannot be used as a selector"))
		return "", false, true
	case node.kind.IsStructural():
		m.dh.Emit(Diagnosticf(SeverityWarning,
			"selector field contains a structural type, which cannot be used as a selector"))
		return "", false, true
	default:
		raw = node.val.String()
	}
	if p.NamingPrefix != "" {
		return p.NamingPrefix + "." + raw, wasString, true
	}
	return raw, wasString, true
}
