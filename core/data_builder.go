package core

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Signature markers. Type tags occupy [0, 0xFA); the markers sit above every
// tag so structural boundaries never collide with a type.
const (
	sigRecordBegin = 0xFA
	sigRecordEnd   = 0xFB
	sigListBegin   = 0xFC
	sigListEnd     = 0xFD
	sigListError   = 0xFE
)

// Internal type-table indexes used only while folding list element types.
const (
	typeIndexEmpty           = numKinds
	typeIndexGenericMismatch = numKinds + 1
	typeIndexNumericMismatch = numKinds + 2
)

// containerLimit bounds the number of fields in a record or elements in a
// list. Hitting it is a logic error; sources are expected to reject such
// input long before it reaches the builder.
const containerLimit = 20000

func updateTypeIndex(old int, new int) int {
	switch {
	case old == typeIndexGenericMismatch:
		return old
	case old == new:
		return old
	case new == int(KindNull):
		return old
	case old == typeIndexEmpty:
		return new
	case old == int(KindNull):
		return new
	case isNumericIndex(old) && isNumericIndex(new):
		return typeIndexNumericMismatch
	}
	return typeIndexGenericMismatch
}

func isNumericIndex(i int) bool {
	return i < numKinds && Kind(i).IsNumeric()
}

func isStructuralIndex(i int) bool {
	return i == int(KindList) || i == int(KindRecord)
}

// nodeState tracks the lifecycle of one builder node.
type nodeState uint8

const (
	// stateAlive nodes carry data: they contribute to the signature and the
	// committed output.
	stateAlive nodeState = iota
	// stateSentinel nodes exist only because a seed schema mentions them:
	// they contribute to the signature but never to output.
	stateSentinel
	// stateDead nodes are retained slots from previous events kept to avoid
	// reallocation. They contribute to nothing.
	stateDead
)

// valueState tracks what a leaf node holds.
type valueState uint8

const (
	valueNull     valueState = iota // created but never written
	valueHasValue                   // typed data present
	valueUnparsed                   // raw string awaiting deferred parsing
)

// ObjectBuilder is one slot of the tree: a scalar, a record, a list, raw
// unparsed text, or null. Writes are mutually exclusive last-writer-wins.
type ObjectBuilder struct {
	state nodeState
	vs    valueState
	kind  Kind // payload kind when vs == valueHasValue
	val   Value
	raw   string
	rec   *RecordBuilder
	list  *ListBuilder
}

// RecordBuilder incrementally builds a record node. Insertion order is kept
// for output; signature computation sorts field names separately.
type RecordBuilder struct {
	state   nodeState
	entries []recordEntry
	lookup  map[string]int
}

type recordEntry struct {
	key   string
	value ObjectBuilder
}

// ListBuilder incrementally builds a list node. Dead elements past firstDead
// are retained slots for reuse.
type ListBuilder struct {
	state     nodeState
	elems     []ObjectBuilder
	firstDead int
	typeIndex int
}

// DataBuilder incrementally builds a single root value, computes its
// content-addressable signature under an optional seed, and commits it into
// a series builder. It is a non-suspending value type owned by exactly one
// goroutine at a time.
type DataBuilder struct {
	root   ObjectBuilder
	parser ParseFunc
	dh     DiagnosticHandler

	// schemaOnly drops fields that are not part of the seed schema.
	schemaOnly bool
	// rawFieldsOnly defers all parsing to the seed: unparsed leaves without
	// a seeded type stay strings.
	rawFieldsOnly bool
	// fastListSignatures enables the inaccurate-but-cheap list path that
	// trusts the first element when it matches the seed.
	fastListSignatures bool

	// seedFieldCache memoizes per-record-type field maps, keyed by digest.
	seedFieldCache map[uint64]map[string]*Type
}

// NewDataBuilder returns a builder using the given parser and diagnostics
// sink. A nil parser defaults to BestEffortParse; a nil handler discards.
func NewDataBuilder(parser ParseFunc, dh DiagnosticHandler) *DataBuilder {
	if parser == nil {
		parser = BestEffortParse
	}
	return &DataBuilder{
		root:           ObjectBuilder{state: stateDead},
		parser:         parser,
		dh:             orDiscard(dh),
		seedFieldCache: make(map[uint64]map[string]*Type),
	}
}

// SetSchemaOnly drops fields outside the seed schema during signature and
// commit.
func (b *DataBuilder) SetSchemaOnly(on bool) { b.schemaOnly = on }

// SetRawFieldsOnly parses only fields that the seed types; everything else
// stays a string.
func (b *DataBuilder) SetRawFieldsOnly(on bool) { b.rawFieldsOnly = on }

// SetFastListSignatures opts into the fast, inaccurate list signature path.
func (b *DataBuilder) SetFastListSignatures(on bool) { b.fastListSignatures = on }

// Record starts building a record at the root.
func (b *DataBuilder) Record() *RecordBuilder { return b.root.Record() }

// List starts building a list at the root.
func (b *DataBuilder) List() *ListBuilder { return b.root.List() }

// Data sets the root to a typed scalar.
func (b *DataBuilder) Data(v Value) { b.root.Data(v) }

// DataUnparsed sets the root to raw text parsed later under the active seed.
func (b *DataBuilder) DataUnparsed(s string) { b.root.DataUnparsed(s) }

// Null sets the root to null.
func (b *DataBuilder) Null() { b.root.Null() }

// HasElements reports whether anything was written since the last clear.
func (b *DataBuilder) HasElements() bool { return b.root.state == stateAlive }

// Clear marks the whole tree dead so the next event reuses its slots.
func (b *DataBuilder) Clear() { b.root.clear() }

// Free drops all node memory. Clear is usually the better choice.
func (b *DataBuilder) Free() { b.root = ObjectBuilder{state: stateDead} }

// FindFieldRaw resolves a (possibly dotted) key against the raw tree without
// touching node states. It returns nil when the path does not lead to an
// alive node.
func (b *DataBuilder) FindFieldRaw(key string) *ObjectBuilder {
	if b.root.state != stateAlive || b.root.rec == nil || b.root.vs != valueHasValue || b.root.kind != KindRecord {
		return nil
	}
	return b.root.rec.at(key)
}

// AppendSignature appends the signature of the current tree to dst and
// returns the result. Identical structural types under the same seed yield
// identical bytes regardless of field insertion order.
func (b *DataBuilder) AppendSignature(dst []byte, seed *Type) []byte {
	return b.root.appendSignature(dst, b, seed)
}

// Materialize returns the current tree as a structured value, applying
// seed-driven parsing and coercion. markDead controls slot reuse.
func (b *DataBuilder) Materialize(seed *Type, markDead bool) Value {
	return b.root.materialize(b, seed, markDead)
}

// CommitTo materializes the current tree into a series builder.
func (b *DataBuilder) CommitTo(sb *SeriesBuilder, seed *Type, markDead bool) {
	sb.Append(b.root.materialize(b, seed, markDead))
}

func (b *DataBuilder) emit(d Diagnostic) { b.dh.Emit(d) }

func (b *DataBuilder) emitMismatch(got string, seed *Type) {
	b.emit(Diagnosticf(SeverityWarning,
		"value of type %s mismatches schema type %s", got, seed.Kind))
}

// lookupRecordFields returns the field map of a seed record type and, when
// apply is non-nil, makes sure every seed field exists in the record at
// least as a sentinel so that seeded and unseeded instances of the same
// schema produce identical signatures.
func (b *DataBuilder) lookupRecordFields(seed *Type, apply *RecordBuilder) map[string]*Type {
	if seed == nil || seed.Kind != KindRecord {
		return nil
	}
	digest := seed.Digest()
	m, ok := b.seedFieldCache[digest]
	if !ok {
		m = make(map[string]*Type, len(seed.Fields))
		for i := range seed.Fields {
			ft := seed.Fields[i].Type
			m[seed.Fields[i].Name] = &ft
		}
		b.seedFieldCache[digest] = m
	}
	if apply != nil {
		for i := range seed.Fields {
			f := apply.tryField(seed.Fields[i].Name)
			f.markRelevantForSignature()
		}
	}
	return m
}

// --- ObjectBuilder ---------------------------------------------------------

func (o *ObjectBuilder) markAlive()  { o.state = stateAlive }
func (o *ObjectBuilder) markDead()   { o.state = stateDead }
func (o *ObjectBuilder) markRelevantForSignature() {
	if o.state != stateAlive {
		o.state = stateSentinel
	}
}

func (o *ObjectBuilder) affectsSignature() bool { return o.state != stateDead }

// Data sets the node to a typed scalar value. Structural values unpack into
// the corresponding child builders.
func (o *ObjectBuilder) Data(v Value) {
	switch v.Kind {
	case KindRecord:
		r := o.Record()
		if v.Rec != nil {
			for _, f := range v.Rec.Fields {
				r.Field(f.Name).Data(f.Value)
			}
		}
	case KindList:
		l := o.List()
		for i := range v.List {
			l.Data(v.List[i])
		}
	case KindNull:
		o.Null()
	default:
		o.markAlive()
		o.vs = valueHasValue
		o.kind = v.Kind
		o.val = v
		o.rec = nil
		o.list = nil
	}
}

// DataUnparsed stores raw text for deferred parsing.
func (o *ObjectBuilder) DataUnparsed(s string) {
	o.markAlive()
	o.vs = valueUnparsed
	o.kind = KindString
	o.raw = s
	o.rec = nil
	o.list = nil
}

// Null sets the node to an explicit null.
func (o *ObjectBuilder) Null() {
	o.markAlive()
	o.vs = valueHasValue
	o.kind = KindNull
	o.val = Null()
	o.rec = nil
	o.list = nil
}

// Record turns the node into a record, reusing a prior record slot.
func (o *ObjectBuilder) Record() *RecordBuilder {
	o.markAlive()
	o.vs = valueHasValue
	o.kind = KindRecord
	o.list = nil
	if o.rec == nil {
		o.rec = &RecordBuilder{}
	}
	o.rec.markAlive()
	return o.rec
}

// List turns the node into a list, reusing a prior list slot.
func (o *ObjectBuilder) List() *ListBuilder {
	o.markAlive()
	o.vs = valueHasValue
	o.kind = KindList
	o.rec = nil
	if o.list == nil {
		o.list = &ListBuilder{typeIndex: typeIndexEmpty}
	}
	o.list.markAlive()
	return o.list
}

func (o *ObjectBuilder) clear() {
	o.markDead()
	if o.rec != nil {
		o.rec.clear()
	}
	if o.list != nil {
		o.list.clear()
	}
	o.vs = valueNull
	o.raw = ""
	o.val = Null()
	o.kind = KindNull
}

// parse resolves deferred text once a seed is known.
func (o *ObjectBuilder) parse(b *DataBuilder, seed *Type) {
	if o.vs != valueUnparsed || o.state == stateDead {
		return
	}
	o.vs = valueHasValue
	if seed == nil && b.rawFieldsOnly {
		o.kind = KindString
		o.val = StringValue(o.raw)
		return
	}
	res := b.parser(o.raw, seed)
	if res.Diag != nil {
		b.emit(*res.Diag)
	}
	if res.Value != nil {
		o.kind = res.Value.Kind
		o.val = *res.Value
	} else {
		o.kind = KindString
		o.val = StringValue(o.raw)
	}
}

// resolveScalarMismatch reconciles the node's parsed scalar type with a
// non-structural seed type before signature emission. Casts that fail range
// checks null the node with a warning.
func (o *ObjectBuilder) resolveScalarMismatch(b *DataBuilder, seed *Type) {
	if seed == nil || o.state == stateDead || o.vs != valueHasValue {
		return
	}
	if o.kind == KindNull || o.kind.IsStructural() || seed.Kind.IsStructural() {
		return
	}
	if o.kind == seed.Kind {
		return
	}
	switch seed.Kind {
	case KindFloat64:
		if f, ok := o.val.asFloat(); ok {
			o.Data(FloatValue(f))
			return
		}
	case KindInt64:
		switch o.kind {
		case KindUint64:
			if o.val.Uint > math.MaxInt64 {
				b.emit(Diagnosticf(SeverityWarning,
					"value %d is out of range for int64", o.val.Uint))
				o.Null()
				return
			}
			o.Data(IntValue(int64(o.val.Uint)))
			return
		case KindFloat64:
			f := o.val.Float
			if f != math.Trunc(f) {
				b.emit(Diagnosticf(SeverityWarning,
					"conversion of %v to int64 loses precision", f))
			}
			if f < math.MinInt64 || f > math.MaxInt64 {
				b.emit(Diagnosticf(SeverityWarning,
					"value %v is out of range for int64", f))
				o.Null()
				return
			}
			o.Data(IntValue(int64(f)))
			return
		}
	case KindUint64:
		switch o.kind {
		case KindInt64:
			if o.val.Int < 0 {
				b.emit(Diagnosticf(SeverityWarning,
					"value %d is out of range for uint64", o.val.Int))
				o.Null()
				return
			}
			o.Data(UintValue(uint64(o.val.Int)))
			return
		case KindFloat64:
			f := o.val.Float
			if f != math.Trunc(f) {
				b.emit(Diagnosticf(SeverityWarning,
					"conversion of %v to uint64 loses precision", f))
			}
			if f < 0 || f > math.MaxUint64 {
				b.emit(Diagnosticf(SeverityWarning,
					"value %v is out of range for uint64", f))
				o.Null()
				return
			}
			o.Data(UintValue(uint64(f)))
			return
		}
	case KindDuration:
		if f, ok := o.val.asFloat(); ok && o.kind.IsNumeric() {
			unit, ok := seed.Attribute("unit")
			if !ok {
				unit = "s"
			}
			if d, ok := durationFromNumber(f, unit); ok {
				o.Data(DurationValue(d))
				return
			}
		}
	case KindTime:
		if f, ok := o.val.asFloat(); ok && o.kind.IsNumeric() {
			unit, ok := seed.Attribute("unit")
			if !ok {
				b.emit(Diagnosticf(SeverityWarning,
					"could not interpret number as time").
					WithNote("the schema does not specify a unit"))
				return
			}
			if d, ok := durationFromNumber(f, unit); ok {
				o.Data(TimeValue(unixEpoch().Add(d)))
				return
			}
		}
	case KindString:
		o.Data(StringValue(o.val.String()))
		return
	}
}

func (o *ObjectBuilder) appendSignature(sig []byte, b *DataBuilder, seed *Type) []byte {
	if o.state == stateSentinel {
		if seed == nil {
			return sig
		}
		if !seed.Kind.IsStructural() {
			return append(sig, byte(seed.Kind))
		}
		// Structural sentinels fall through to the regular handling below.
	}
	o.parse(b, seed)
	o.resolveScalarMismatch(b, seed)
	switch {
	case o.kind == KindList && o.list != nil:
		if seed != nil && seed.Kind != KindList {
			b.emitMismatch("list", seed)
			o.Null()
			return o.appendSignature(sig, b, seed)
		}
		var seedList *Type
		if seed != nil {
			seedList = seed
		}
		if o.list.affectsSignature() || seedList != nil {
			sig = o.list.appendSignature(sig, b, seedList)
		}
		return sig
	case o.kind == KindRecord && o.rec != nil:
		if seed != nil && seed.Kind != KindRecord {
			b.emitMismatch("record", seed)
			o.Null()
			return o.appendSignature(sig, b, seed)
		}
		var seedRec *Type
		if seed != nil {
			seedRec = seed
		}
		if o.rec.affectsSignature() || seedRec != nil {
			sig = o.rec.appendSignature(sig, b, seedRec)
		}
		return sig
	case o.kind == KindNull:
		// Null may come from pre-seeding or a true null. With a structural
		// seed the null still signs as that structure, via a sentinel.
		if seed != nil {
			switch seed.Kind {
			case KindRecord:
				r := o.Record()
				sig = r.appendSignature(sig, b, seed)
				r.state = stateSentinel
				o.vs = valueNull
				return sig
			case KindList:
				l := o.List()
				sig = l.appendSignature(sig, b, seed)
				l.state = stateSentinel
				o.vs = valueNull
				return sig
			}
			return append(sig, byte(seed.Kind))
		}
		return append(sig, byte(KindNull))
	default:
		if seed != nil && seed.Kind != o.kind {
			// Mismatch survived reconciliation: null the node and rerun so
			// the signature reflects the seed.
			b.emitMismatch(o.kind.String(), seed)
			o.Null()
			return o.appendSignature(sig, b, seed)
		}
		return append(sig, byte(o.kind))
	}
}

func (o *ObjectBuilder) materialize(b *DataBuilder, seed *Type, markDead bool) Value {
	if o.state != stateAlive {
		return Null()
	}
	o.parse(b, seed)
	o.resolveScalarMismatch(b, seed)
	if o.vs == valueNull {
		// Selected but never written, or demoted to a signature-only
		// sentinel carrier: the output sees a null. Clearing rather than
		// plain dead-marking resets any sentinel children eagerly.
		if markDead {
			o.clear()
		}
		return Null()
	}
	var out Value
	switch {
	case o.kind == KindRecord && o.rec != nil:
		var seedRec *Type
		if seed != nil && seed.Kind == KindRecord {
			seedRec = seed
		} else if seed != nil {
			b.emitMismatch("record", seed)
			out = Null()
			break
		}
		out = RecordValue(o.rec.materialize(b, seedRec, markDead))
	case o.kind == KindList && o.list != nil:
		var seedElem *Type
		if seed != nil && seed.Kind == KindList {
			seedElem = seed.Elem
		} else if seed != nil {
			b.emitMismatch("list", seed)
			out = Null()
			break
		}
		out = ListValue(o.list.materialize(b, seedElem, markDead))
	default:
		if seed != nil && o.kind != KindNull && seed.Kind != o.kind {
			b.emitMismatch(o.kind.String(), seed)
			out = Null()
			break
		}
		out = o.val
	}
	if markDead {
		o.markDead()
	}
	return out
}

// --- RecordBuilder ---------------------------------------------------------

func (r *RecordBuilder) markAlive() { r.state = stateAlive }

func (r *RecordBuilder) affectsSignature() bool { return r.state != stateDead }

// Reserve pre-sizes the record for at least n fields.
func (r *RecordBuilder) Reserve(n int) {
	if cap(r.entries) < n {
		entries := make([]recordEntry, len(r.entries), n)
		copy(entries, r.entries)
		r.entries = entries
	}
	if r.lookup == nil {
		r.lookup = make(map[string]int, n)
	}
}

// Field selects (or creates) the named field and marks it live. Re-selecting
// a field returns the same slot.
func (r *RecordBuilder) Field(name string) *ObjectBuilder {
	r.markAlive()
	f := r.tryField(name)
	f.markAlive()
	return f
}

// tryField returns the slot for name without changing its state.
func (r *RecordBuilder) tryField(name string) *ObjectBuilder {
	if r.lookup == nil {
		r.lookup = make(map[string]int)
	}
	if i, ok := r.lookup[name]; ok {
		return &r.entries[i].value
	}
	if len(r.entries) >= containerLimit {
		panic(fmt.Sprintf("core: record exceeds %d fields", containerLimit))
	}
	r.lookup[name] = len(r.entries)
	r.entries = append(r.entries, recordEntry{key: name})
	return &r.entries[len(r.entries)-1].value
}

// at resolves a nested dotted key against alive fields only.
func (r *RecordBuilder) at(key string) *ObjectBuilder {
	for i := range r.entries {
		e := &r.entries[i]
		if e.value.state != stateAlive {
			continue
		}
		if e.key == key {
			return &e.value
		}
		if strings.HasPrefix(key, e.key) && len(key) > len(e.key) && key[len(e.key)] == '.' {
			if e.value.kind == KindRecord && e.value.rec != nil {
				if got := e.value.rec.at(key[len(e.key)+1:]); got != nil {
					return got
				}
			}
		}
	}
	return nil
}

func (r *RecordBuilder) sortedKeys() []string {
	keys := make([]string, 0, len(r.lookup))
	for k := range r.lookup {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *RecordBuilder) appendSignature(sig []byte, b *DataBuilder, seed *Type) []byte {
	sig = append(sig, sigRecordBegin)
	seedMap := b.lookupRecordFields(seed, r)
	// Traversal is in sorted key order, never insertion order; otherwise the
	// signature would depend on field arrival order.
	for _, k := range r.sortedKeys() {
		field := &r.entries[r.lookup[k]].value
		if !field.affectsSignature() {
			continue
		}
		if seed != nil {
			if ft, ok := seedMap[k]; ok {
				sig = append(sig, k...)
				sig = field.appendSignature(sig, b, ft)
				continue
			}
			if b.schemaOnly {
				field.markDead()
				continue
			}
		}
		sig = append(sig, k...)
		sig = field.appendSignature(sig, b, nil)
	}
	return append(sig, sigRecordEnd)
}

func (r *RecordBuilder) materialize(b *DataBuilder, seed *Type, markDead bool) *Record {
	seedMap := b.lookupRecordFields(seed, nil)
	out := &Record{Fields: make([]Field, 0, len(r.entries))}
	for i := range r.entries {
		e := &r.entries[i]
		if e.value.state != stateAlive {
			continue
		}
		if seed != nil {
			if ft, ok := seedMap[e.key]; ok {
				out.Fields = append(out.Fields, Field{Name: e.key, Value: e.value.materialize(b, ft, markDead)})
				continue
			}
			if b.schemaOnly {
				if markDead {
					e.value.markDead()
				}
				continue
			}
		}
		out.Fields = append(out.Fields, Field{Name: e.key, Value: e.value.materialize(b, nil, markDead)})
	}
	if markDead {
		r.clear()
	}
	return out
}

// clear marks every field dead so slots can be reused by the next event.
func (r *RecordBuilder) clear() {
	r.state = stateDead
	for i := range r.entries {
		r.entries[i].value.clear()
	}
}

// --- ListBuilder -----------------------------------------------------------

func (l *ListBuilder) markAlive() { l.state = stateAlive }

func (l *ListBuilder) affectsSignature() bool { return l.state != stateDead }

// Reserve pre-sizes the list for at least n elements.
func (l *ListBuilder) Reserve(n int) {
	if cap(l.elems) < n {
		elems := make([]ObjectBuilder, len(l.elems), n)
		copy(elems, l.elems)
		l.elems = elems
	}
}

// pushNode resurrects a dead slot or appends a fresh one.
func (l *ListBuilder) pushNode() *ObjectBuilder {
	if l.firstDead < len(l.elems) {
		node := &l.elems[l.firstDead]
		l.firstDead++
		return node
	}
	if len(l.elems) >= containerLimit {
		panic(fmt.Sprintf("core: list exceeds %d elements", containerLimit))
	}
	l.elems = append(l.elems, ObjectBuilder{})
	l.firstDead = len(l.elems)
	return &l.elems[len(l.elems)-1]
}

// Data appends a typed value to the list.
func (l *ListBuilder) Data(v Value) {
	l.markAlive()
	node := l.pushNode()
	node.Data(v)
	l.typeIndex = updateTypeIndex(l.typeIndex, int(node.kind))
}

// DataUnparsed appends raw text parsed later under the seed.
func (l *ListBuilder) DataUnparsed(s string) {
	l.markAlive()
	l.pushNode().DataUnparsed(s)
	l.typeIndex = typeIndexGenericMismatch
}

// Null appends a null element.
func (l *ListBuilder) Null() {
	l.markAlive()
	l.pushNode().Null()
	l.typeIndex = updateTypeIndex(l.typeIndex, int(KindNull))
}

// Record appends a record element.
func (l *ListBuilder) Record() *RecordBuilder {
	l.markAlive()
	node := l.pushNode()
	r := node.Record()
	l.typeIndex = updateTypeIndex(l.typeIndex, int(KindRecord))
	return r
}

// List appends a nested list element.
func (l *ListBuilder) List() *ListBuilder {
	l.markAlive()
	node := l.pushNode()
	nested := node.List()
	l.typeIndex = updateTypeIndex(l.typeIndex, int(KindList))
	return nested
}

func (l *ListBuilder) alive() []ObjectBuilder {
	return l.elems[:l.firstDead]
}

func (l *ListBuilder) appendSignature(sig []byte, b *DataBuilder, seed *Type) []byte {
	sig = append(sig, sigListBegin)
	var seedElem *Type
	seedIndex := -1
	if seed != nil && seed.Kind == KindList && seed.Elem != nil {
		seedElem = seed.Elem
		seedIndex = int(seedElem.Kind)
	}
	switch {
	case l.typeIndex == seedIndex && !isStructuralIndex(l.typeIndex):
		sig = append(sig, byte(l.typeIndex))
	case seedElem != nil:
		if b.fastListSignatures && len(l.alive()) > 0 &&
			int(l.alive()[0].kind) == seedIndex && !isStructuralIndex(seedIndex) {
			// Trust the first element; cheaper, wrong for heterogeneous
			// lists, which is why this path is opt-in.
			sig = append(sig, byte(seedIndex))
			break
		}
		sentinel := &ObjectBuilder{state: stateSentinel}
		sig = sentinel.appendSignature(sig, b, seedElem)
	case !isStructuralIndex(l.typeIndex) && l.typeIndex < typeIndexEmpty:
		sig = append(sig, byte(l.typeIndex))
	case l.typeIndex == typeIndexNumericMismatch:
		sig = append(sig, byte(l.widenedNumericKind()))
	default:
		sig = l.appendGenericSignature(sig, b, seedElem)
	}
	return append(sig, sigListEnd)
}

// widenedNumericKind folds a mixed-numeric list to a single kind: any float
// forces float64; mixing negatives with beyond-int64 values forces float64;
// beyond-int64 values alone give uint64; anything else int64.
func (l *ListBuilder) widenedNumericKind() Kind {
	var negative, largePositive, floating int
	for i := range l.alive() {
		e := &l.alive()[i]
		switch e.kind {
		case KindInt64:
			if e.val.Int < 0 {
				negative++
			}
		case KindUint64:
			if e.val.Uint > math.MaxInt64 {
				largePositive++
			}
		case KindFloat64:
			floating++
		}
	}
	switch {
	case floating > 0:
		return KindFloat64
	case negative > 0 && largePositive > 0:
		return KindFloat64
	case largePositive > 0:
		return KindUint64
	}
	return KindInt64
}

// appendGenericSignature handles lists containing unparsed or structurally
// mixed elements. Structural elements collapse into placeholders; scalar
// runs deduplicate; a genuine mismatch raises a diagnostic and taints the
// signature with the error marker.
func (l *ListBuilder) appendGenericSignature(sig []byte, b *DataBuilder, seedElem *Type) []byte {
	var hasRecord, hasList, mismatch bool
	lastTagStart := -1
	for i := range l.alive() {
		e := &l.alive()[i]
		e.parse(b, seedElem)
		switch e.kind {
		case KindRecord:
			if !hasRecord {
				sig = append(sig, sigRecordBegin, sigRecordEnd)
				hasRecord = true
			}
			continue
		case KindList:
			if !hasList {
				sig = append(sig, sigListBegin, sigListEnd)
				hasList = true
			}
			continue
		case KindNull:
			continue
		}
		start := len(sig)
		sig = e.appendSignature(sig, b, seedElem)
		if lastTagStart < 0 {
			lastTagStart = start
			continue
		}
		if string(sig[lastTagStart:start]) == string(sig[start:]) {
			sig = sig[:start]
			continue
		}
		mismatch = true
		lastTagStart = start
	}
	if mismatch || (hasRecord && hasList) {
		b.emit(Diagnosticf(SeverityWarning, "type mismatch between list elements"))
		sig = append(sig, sigListError)
	}
	return sig
}

func (l *ListBuilder) materialize(b *DataBuilder, seedElem *Type, markDead bool) []Value {
	alive := l.alive()
	out := make([]Value, 0, len(alive))
	for i := range alive {
		out = append(out, alive[i].materialize(b, seedElem, markDead))
	}
	if markDead {
		l.clear()
	}
	return out
}

// clear marks the list and every element dead and resets its element type
// fold. Element signature state resets eagerly rather than relying on the
// dead-marking to cascade.
func (l *ListBuilder) clear() {
	l.state = stateDead
	for i := range l.elems {
		l.elems[i].clear()
	}
	l.firstDead = 0
	l.typeIndex = typeIndexEmpty
}
