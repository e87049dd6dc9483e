package core

import (
	"github.com/google/uuid"
)

// QueryCursor is the scheduler's answer to a query submission: the id to
// activate further candidates with, the total candidate count, and how many
// were scheduled immediately.
type QueryCursor struct {
	ID              QueryID
	TotalCandidates int
	TasteScheduled  int
}

// candidateRef names one partition a query still has to visit.
type candidateRef struct {
	id     uuid.UUID
	schema string
}

// queryState is the per-query bookkeeping of the scheduler.
type queryState struct {
	id          QueryID
	sink        QuerySink
	priority    uint64
	caller      string
	contexts    map[string]QueryContext
	unscheduled []candidateRef
	outstanding int
	doneSent    bool
}

// queueEntry accumulates the queries waiting on one partition. Its weight
// is the sum of their priorities; the scheduler always picks the heaviest
// entry next.
type queueEntry struct {
	partition uuid.UUID
	schema    string
	queries   []QueryID
	weight    uint64
	erased    bool
}

// queryQueue is the pending-partition queue keyed by accumulated weight.
type queryQueue struct {
	entries map[uuid.UUID]*queueEntry
}

func newQueryQueue() *queryQueue {
	return &queryQueue{entries: make(map[uuid.UUID]*queueEntry)}
}

func (q *queryQueue) push(ref candidateRef, qid QueryID, priority uint64) {
	entry, ok := q.entries[ref.id]
	if !ok {
		entry = &queueEntry{partition: ref.id, schema: ref.schema}
		q.entries[ref.id] = entry
	}
	entry.queries = append(entry.queries, qid)
	entry.weight += priority
}

// next pops the entry with the highest accumulated weight.
func (q *queryQueue) next() *queueEntry {
	var best *queueEntry
	for _, e := range q.entries {
		if best == nil || e.weight > best.weight {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	delete(q.entries, best.partition)
	return best
}

func (q *queryQueue) hasWork() bool { return len(q.entries) > 0 }

// markErased flags a queued partition as gone so its queries complete
// immediately when popped.
func (q *queryQueue) markErased(id uuid.UUID) {
	if e, ok := q.entries[id]; ok {
		e.erased = true
	}
}

// removeQuery detaches a query from every queue entry, dropping entries
// that become empty.
func (q *queryQueue) removeQuery(qid QueryID, priority uint64) {
	for id, e := range q.entries {
		kept := e.queries[:0]
		for _, other := range e.queries {
			if other == qid {
				if e.weight >= priority {
					e.weight -= priority
				}
				continue
			}
			kept = append(kept, other)
		}
		e.queries = kept
		if len(e.queries) == 0 {
			delete(q.entries, id)
		}
	}
}

// Query submits an expression against everything the index knows: catalog
// candidates plus live active and unpersisted partitions whose schemas admit
// it. At most taste candidates are scheduled immediately; Activate schedules
// more. The sink's Done fires exactly once, after every activated candidate
// completed and none remain unscheduled.
func (ix *Index) Query(expr Expression, sink QuerySink, priority uint64, taste int, caller string) (QueryCursor, error) {
	if expr == nil {
		expr = TrueExpr{}
	}
	if priority == 0 {
		priority = 1
	}
	ix.metrics.incCounter(ix.metrics.QueriesSubmitted, 1)
	candidates := ix.catalog.Candidates(expr)

	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return QueryCursor{}, ErrShutdown
	}
	ix.nextQID++
	qid := QueryID(ix.nextQID)
	qs := &queryState{
		id:       qid,
		sink:     sink,
		priority: priority,
		caller:   caller,
		contexts: make(map[string]QueryContext),
	}
	seen := make(map[uuid.UUID]struct{})
	addCandidate := func(schema string, refined Expression, id uuid.UUID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		if _, ok := qs.contexts[schema]; !ok {
			qs.contexts[schema] = QueryContext{ID: qid, Schema: schema, Expr: refined, Sink: sink}
		}
		qs.unscheduled = append(qs.unscheduled, candidateRef{id: id, schema: schema})
	}
	for _, sc := range candidates {
		for _, info := range sc.Partitions {
			addCandidate(sc.Schema, sc.Expr, info.ID)
		}
	}
	// Live partitions are not in the catalog yet; their schemas are known
	// exactly, so the expression refines against the real type.
	for name, ap := range ix.active {
		if ap.Events == 0 {
			continue
		}
		if refined, ok := RefineForSchema(expr, ap.Schema); ok {
			addCandidate(name, refined, ap.ID)
		}
	}
	for id, up := range ix.unpersisted {
		if refined, ok := RefineForSchema(expr, up.schema); ok {
			addCandidate(up.schema.Name, refined, id)
		}
	}
	total := len(qs.unscheduled)
	if total == 0 {
		ix.mu.Unlock()
		if sink != nil {
			sink.Done(qid)
		}
		return QueryCursor{ID: qid, TotalCandidates: 0, TasteScheduled: 0}, nil
	}
	ix.queries[qid] = qs
	if caller != "" {
		set, ok := ix.monitored[caller]
		if !ok {
			set = make(map[QueryID]struct{})
			ix.monitored[caller] = set
		}
		set[qid] = struct{}{}
	}
	if taste <= 0 {
		taste = ix.opts.TastePartitions
	}
	scheduled := ix.activateLocked(qs, taste)
	ix.metrics.setGauge(ix.metrics.PendingQueries, float64(len(ix.queries)))
	ix.scheduleLookupsLocked()
	ix.mu.Unlock()
	return QueryCursor{ID: qid, TotalCandidates: total, TasteScheduled: scheduled}, nil
}

// Activate schedules up to n more candidate partitions for a live query.
func (ix *Index) Activate(qid QueryID, n int) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	qs, ok := ix.queries[qid]
	if !ok {
		return 0, ErrUnknownQuery
	}
	scheduled := ix.activateLocked(qs, n)
	ix.scheduleLookupsLocked()
	return scheduled, nil
}

func (ix *Index) activateLocked(qs *queryState, n int) int {
	if n > len(qs.unscheduled) {
		n = len(qs.unscheduled)
	}
	for i := 0; i < n; i++ {
		ref := qs.unscheduled[i]
		ix.pending.push(ref, qs.id, qs.priority)
		qs.outstanding++
	}
	qs.unscheduled = qs.unscheduled[n:]
	return n
}

// RemoveCaller drops every query of a dead caller. Queued partitions shed
// those queries within one scheduling round; in-flight lookups complete and
// their results are discarded.
func (ix *Index) RemoveCaller(caller string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.monitored[caller]
	if !ok {
		return
	}
	for qid := range set {
		if qs, live := ix.queries[qid]; live {
			ix.pending.removeQuery(qid, qs.priority)
			delete(ix.queries, qid)
		}
	}
	delete(ix.monitored, caller)
	ix.metrics.setGauge(ix.metrics.PendingQueries, float64(len(ix.queries)))
}

// Cancel drops a single query.
func (ix *Index) Cancel(qid QueryID) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	qs, ok := ix.queries[qid]
	if !ok {
		return ErrUnknownQuery
	}
	ix.pending.removeQuery(qid, qs.priority)
	delete(ix.queries, qid)
	if qs.caller != "" {
		if set, ok := ix.monitored[qs.caller]; ok {
			delete(set, qid)
			if len(set) == 0 {
				delete(ix.monitored, qs.caller)
			}
		}
	}
	ix.metrics.setGauge(ix.metrics.PendingQueries, float64(len(ix.queries)))
	return nil
}

// scheduleLookupsLocked is the scheduling loop: while the concurrency
// budget allows, pop the heaviest pending partition, acquire it, and fan
// its queries out on a lookup goroutine. The invariant running <=
// MaxConcurrentLookups holds at all times.
func (ix *Index) scheduleLookupsLocked() {
	for ix.running < ix.opts.MaxConcurrentLookups && ix.pending.hasWork() {
		entry := ix.pending.next()
		if entry == nil {
			return
		}
		if entry.erased {
			for _, qid := range entry.queries {
				ix.completeQueryPartitionLocked(qid)
			}
			continue
		}
		if len(entry.queries) == 0 {
			continue
		}
		target, ok := ix.acquireLocked(entry.partition)
		if !ok {
			ix.log.Warnf("failed to acquire partition %s for a query", entry.partition)
			for _, qid := range entry.queries {
				ix.completeQueryPartitionLocked(qid)
			}
			continue
		}
		ix.running++
		ix.metrics.setGauge(ix.metrics.RunningLookups, float64(ix.running))
		go ix.runLookup(entry, target)
	}
}

// acquireLocked resolves a partition id to its lookup target. Active and
// unpersisted partitions answer from memory; persisted ones load lazily in
// the lookup goroutine so the index never blocks on the disk.
func (ix *Index) acquireLocked(id uuid.UUID) (lookupTarget, bool) {
	for _, ap := range ix.active {
		if ap.ID == id {
			slices := append([]TableSlice{}, ap.Slices...)
			return lookupTarget{memory: &memoryPartition{schema: ap.Schema, slices: slices}}, true
		}
	}
	if up, ok := ix.unpersisted[id]; ok {
		return lookupTarget{memory: &memoryPartition{schema: up.schema, slices: up.slices}}, true
	}
	if _, ok := ix.persisted[id]; ok {
		return lookupTarget{persisted: id, load: true}, true
	}
	return lookupTarget{}, false
}

// runLookup executes all queries of one queue entry against the acquired
// partition, then frees the concurrency slot and reschedules.
func (ix *Index) runLookup(entry *queueEntry, target lookupTarget) {
	var queryable interface {
		Query(QueryContext) (uint64, error)
	}
	var loadErr error
	if target.load {
		queryable, loadErr = ix.loadPartition(target.persisted)
	} else {
		queryable = target.memory
	}
	for _, qid := range entry.queries {
		ix.mu.Lock()
		qs, live := ix.queries[qid]
		var qc QueryContext
		if live {
			qc, live = qs.contexts[entry.schema]
		}
		ix.mu.Unlock()
		if !live {
			// The query was cancelled; discard silently.
			ix.mu.Lock()
			ix.completeQueryPartitionLocked(qid)
			ix.mu.Unlock()
			continue
		}
		var err error
		if loadErr != nil {
			err = loadErr
		} else {
			_, err = queryable.Query(qc)
		}
		ix.mu.Lock()
		if err != nil {
			// The partition may be corrupt or its goroutine dead; drop it
			// from the cache so the next query respawns it cleanly.
			ix.log.WithError(err).Warnf("failed to evaluate query %d for partition %s",
				qid, entry.partition)
			ix.inmem.Remove(entry.partition)
			ix.metrics.incCounter(ix.metrics.LookupsFailed, 1)
		}
		ix.completeQueryPartitionLocked(qid)
		ix.mu.Unlock()
	}
	ix.mu.Lock()
	ix.running--
	ix.metrics.setGauge(ix.metrics.RunningLookups, float64(ix.running))
	ix.scheduleLookupsLocked()
	ix.mu.Unlock()
}

// completeQueryPartitionLocked accounts one finished partition for a query
// and sends the final done exactly once.
func (ix *Index) completeQueryPartitionLocked(qid QueryID) {
	qs, ok := ix.queries[qid]
	if !ok {
		return
	}
	if qs.outstanding > 0 {
		qs.outstanding--
	}
	ix.metrics.incCounter(ix.metrics.LookupsCompleted, 1)
	if qs.outstanding == 0 && len(qs.unscheduled) == 0 && !qs.doneSent {
		qs.doneSent = true
		delete(ix.queries, qid)
		if qs.caller != "" {
			if set, ok := ix.monitored[qs.caller]; ok {
				delete(set, qid)
				if len(set) == 0 {
					delete(ix.monitored, qs.caller)
				}
			}
		}
		ix.metrics.setGauge(ix.metrics.PendingQueries, float64(len(ix.queries)))
		if qs.sink != nil {
			qs.sink.Done(qid)
		}
	}
}
