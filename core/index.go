package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// IndexOptions tunes the index and its scheduler.
type IndexOptions struct {
	// PartitionCapacity bounds the events per partition.
	PartitionCapacity int
	// ActivePartitionTimeout decommissions idle active partitions.
	ActivePartitionTimeout time.Duration
	// MaxInmemPartitions sizes the LRU cache of passive partitions.
	MaxInmemPartitions int
	// TastePartitions is the number of candidates scheduled immediately on
	// query submission.
	TastePartitions int
	// MaxConcurrentLookups bounds in-flight partition lookups.
	MaxConcurrentLookups int
	// StoreBackend selects the row store format for new partitions.
	StoreBackend string
}

// DefaultIndexOptions returns production defaults.
func DefaultIndexOptions() IndexOptions {
	return IndexOptions{
		PartitionCapacity:      65536,
		ActivePartitionTimeout: 30 * time.Second,
		MaxInmemPartitions:     8,
		TastePartitions:        4,
		MaxConcurrentLookups:   10,
		StoreBackend:           "store",
	}
}

func (o IndexOptions) withDefaults() IndexOptions {
	def := DefaultIndexOptions()
	if o.PartitionCapacity <= 0 {
		o.PartitionCapacity = def.PartitionCapacity
	}
	if o.ActivePartitionTimeout <= 0 {
		o.ActivePartitionTimeout = def.ActivePartitionTimeout
	}
	if o.MaxInmemPartitions <= 0 {
		o.MaxInmemPartitions = def.MaxInmemPartitions
	}
	if o.TastePartitions <= 0 {
		o.TastePartitions = def.TastePartitions
	}
	if o.MaxConcurrentLookups <= 0 {
		o.MaxConcurrentLookups = def.MaxConcurrentLookups
	}
	if o.StoreBackend == "" {
		o.StoreBackend = def.StoreBackend
	}
	return o
}

// ActivePartition accumulates slices for one schema until capacity or
// timeout decommissions it.
type ActivePartition struct {
	ID                uuid.UUID
	Schema            Type
	Slices            []TableSlice
	Events            int
	CapacityRemaining int
	SpawnedAt         time.Time
}

// unpersistedPartition is a decommissioned partition whose files are being
// written; it stays queryable from memory until the catalog acknowledges it.
type unpersistedPartition struct {
	schema Type
	slices []TableSlice
}

// memoryPartition answers lookups from in-memory slices, serving active and
// unpersisted partitions.
type memoryPartition struct {
	schema Type
	slices []TableSlice
}

func (mp memoryPartition) Query(qc QueryContext) (uint64, error) {
	expr := qc.Expr
	if expr == nil {
		expr = TrueExpr{}
	}
	var hits []Value
	for _, slice := range mp.slices {
		for _, row := range slice.Rows() {
			if expr.Eval(row) {
				hits = append(hits, row)
			}
		}
	}
	if len(hits) > 0 && qc.Sink != nil {
		qc.Sink.Deliver(qc.ID, hits)
	}
	return uint64(len(hits)), nil
}

// lookupTarget is the acquirable behind a queue entry: either a memory
// snapshot or a persisted partition resolved lazily in the lookup goroutine.
type lookupTarget struct {
	memory    *memoryPartition
	persisted uuid.UUID
	load      bool
}

// Index owns the partition lifecycle and the query scheduler. All in-memory
// state is guarded by one mutex; file I/O goes through the filesystem
// mediator, and lookups run on their own goroutines under the concurrency
// budget.
type Index struct {
	opts    IndexOptions
	fs      *Filesystem
	layout  Layout
	catalog *Catalog
	metrics *Metrics
	log     *logrus.Entry
	clk     clock.Clock

	mu               sync.Mutex
	active           map[string]*ActivePartition
	unpersisted      map[uuid.UUID]*unpersistedPartition
	persisted        map[uuid.UUID]struct{}
	schemaOf         map[uuid.UUID]string
	inTransformation map[uuid.UUID]struct{}
	inmem            *lru.Cache[uuid.UUID, *Partition]

	queries   map[QueryID]*queryState
	pending   *queryQueue
	monitored map[string]map[QueryID]struct{}
	running   int
	nextQID   uint64

	closed     bool
	stopTicker chan struct{}
	tickerDone sync.WaitGroup
}

// NewIndex builds an index rooted at the layout, replays crash markers, and
// loads persisted partitions into the catalog.
func NewIndex(opts IndexOptions, fs *Filesystem, layout Layout, catalog *Catalog,
	metrics *Metrics, log *logrus.Entry, clk clock.Clock) (*Index, error) {
	if log == nil {
		log = logrus.WithField("component", "index")
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	opts = opts.withDefaults()
	cache, err := lru.New[uuid.UUID, *Partition](opts.MaxInmemPartitions)
	if err != nil {
		return nil, fmt.Errorf("index: lru: %w", err)
	}
	if err := fs.EnsureLayout(layout.Root); err != nil {
		return nil, err
	}
	ix := &Index{
		opts:             opts,
		fs:               fs,
		layout:           layout,
		catalog:          catalog,
		metrics:          metrics,
		log:              log,
		clk:              clk,
		active:           make(map[string]*ActivePartition),
		unpersisted:      make(map[uuid.UUID]*unpersistedPartition),
		persisted:        make(map[uuid.UUID]struct{}),
		schemaOf:         make(map[uuid.UUID]string),
		inTransformation: make(map[uuid.UUID]struct{}),
		inmem:            cache,
		queries:          make(map[QueryID]*queryState),
		pending:          newQueryQueue(),
		monitored:        make(map[string]map[QueryID]struct{}),
		stopTicker:       make(chan struct{}),
	}
	if err := ix.loadFromDisk(); err != nil {
		return nil, err
	}
	ix.tickerDone.Add(1)
	go ix.timeoutLoop()
	return ix, nil
}

// timeoutLoop decommissions active partitions that idle past the timeout.
func (ix *Index) timeoutLoop() {
	defer ix.tickerDone.Done()
	interval := ix.opts.ActivePartitionTimeout / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := ix.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ix.mu.Lock()
			now := ix.clk.Now()
			for name, ap := range ix.active {
				if ap.Events > 0 && now.Sub(ap.SpawnedAt) >= ix.opts.ActivePartitionTimeout {
					ix.log.Debugf("active partition %s for %s timed out with %d events",
						ap.ID, name, ap.Events)
					ix.decommissionLocked(name, nil)
				}
			}
			ix.mu.Unlock()
		case <-ix.stopTicker:
			return
		}
	}
}

// AddSlice appends a slice to the active partition of its schema, spawning
// one lazily and decommissioning at capacity. Slices never split across
// partitions; an oversized slice persists whole with a warning.
func (ix *Index) AddSlice(slice TableSlice) error {
	if slice.Length() == 0 {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return ErrShutdown
	}
	name := slice.SchemaName()
	ap := ix.active[name]
	oversized := slice.Length() > ix.opts.PartitionCapacity
	if oversized {
		ix.log.Warnf("slice of %d events for %s exceeds partition capacity %d; persisting oversized partition",
			slice.Length(), name, ix.opts.PartitionCapacity)
	}
	if ap != nil && (oversized || slice.Length() > ap.CapacityRemaining) && ap.Events > 0 {
		ix.decommissionLocked(name, nil)
		ap = nil
	}
	if ap == nil {
		ap = ix.spawnActiveLocked(name, slice.Schema)
	}
	ap.Slices = append(ap.Slices, slice)
	ap.Events += slice.Length()
	ap.CapacityRemaining -= slice.Length()
	if ap.CapacityRemaining <= 0 {
		ix.decommissionLocked(name, nil)
	}
	return nil
}

func (ix *Index) spawnActiveLocked(name string, schema Type) *ActivePartition {
	ap := &ActivePartition{
		ID:                uuid.New(),
		Schema:            schema,
		CapacityRemaining: ix.opts.PartitionCapacity,
		SpawnedAt:         ix.clk.Now(),
	}
	ix.active[name] = ap
	ix.schemaOf[ap.ID] = name
	return ap
}

// decommissionLocked moves an active partition to the unpersisted set and
// kicks off its asynchronous persistence. onDone, if non-nil, fires after
// the catalog acknowledged the partition or the persist failed.
func (ix *Index) decommissionLocked(name string, onDone func(error)) {
	ap := ix.active[name]
	if ap == nil || ap.Events == 0 {
		if onDone != nil {
			onDone(nil)
		}
		delete(ix.active, name)
		return
	}
	delete(ix.active, name)
	if _, dup := ix.unpersisted[ap.ID]; dup {
		ix.log.Errorf("partition %s already unpersisted: %v", ap.ID, ErrLogic)
		if onDone != nil {
			onDone(ErrLogic)
		}
		return
	}
	ix.unpersisted[ap.ID] = &unpersistedPartition{schema: ap.Schema, slices: ap.Slices}
	go ix.persistPartition(ap, onDone)
}

// persistPartition runs the staged-write / catalog-merge / rename protocol
// for one decommissioned partition. Any failure removes the uuid from the
// in-memory sets and logs loudly; on-disk leftovers become startup orphans.
func (ix *Index) persistPartition(ap *ActivePartition, onDone func(error)) {
	fail := func(err error) {
		ix.log.WithError(err).Errorf("failed to persist partition %s; its data is lost", ap.ID)
		ix.mu.Lock()
		delete(ix.unpersisted, ap.ID)
		delete(ix.schemaOf, ap.ID)
		ix.mu.Unlock()
		if onDone != nil {
			onDone(err)
		}
	}
	synopsis, err := WriteStagedPartition(ix.fs, ix.layout, ap.ID, ap.Schema,
		ix.opts.StoreBackend, ap.Slices)
	if err != nil {
		fail(err)
		return
	}
	info := PartitionInfo{
		ID:       ap.ID,
		Schema:   ap.Schema.Name,
		Events:   synopsis.Events,
		Synopsis: synopsis,
	}
	if err := ix.catalog.Merge(info); err != nil {
		fail(err)
		return
	}
	if err := CommitStagedPartition(ix.fs, ix.layout, ap.ID); err != nil {
		// The catalog believes in the partition but the files are stuck in
		// staging; roll the catalog back and orphan the files.
		if cerr := ix.catalog.Erase(ap.ID); cerr != nil {
			ix.log.WithError(cerr).Errorf("failed to roll back catalog for %s", ap.ID)
		}
		fail(err)
		return
	}
	ix.mu.Lock()
	delete(ix.unpersisted, ap.ID)
	ix.persisted[ap.ID] = struct{}{}
	ix.writeManifestLocked()
	ix.mu.Unlock()
	ix.metrics.incCounter(ix.metrics.PartitionsPersisted, 1)
	ix.log.Infof("persisted partition %s (%s, %d events)", ap.ID, ap.Schema.Name, info.Events)
	if onDone != nil {
		onDone(nil)
	}
}

// Flush decommissions every active partition in parallel and fires onDone
// once every one of them reported: with nil when all persisted, otherwise
// with the last error observed.
func (ix *Index) Flush(onDone func(error)) {
	ix.mu.Lock()
	var names []string
	for name, ap := range ix.active {
		if ap.Events > 0 {
			names = append(names, name)
		}
	}
	counter := NewFanoutCounter(len(names), func() { onDone(nil) }, onDone)
	for _, name := range names {
		ix.decommissionLocked(name, func(err error) {
			if err != nil {
				counter.ReceiveError(err)
				return
			}
			counter.ReceiveSuccess()
		})
	}
	ix.mu.Unlock()
}

// FlushAndWait flushes with a deadline. Exceeding it reports a risk of data
// loss.
func (ix *Index) FlushAndWait(timeout time.Duration) error {
	done := make(chan error, 1)
	ix.Flush(func(err error) { done <- err })
	if timeout <= 0 {
		return <-done
	}
	timer := ix.clk.Timer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrDataLoss
	}
}

// Erase removes a persisted partition from the catalog, the in-memory sets,
// and the disk.
func (ix *Index) Erase(id uuid.UUID) error {
	if err := ix.catalog.Erase(id); err != nil {
		return err
	}
	ix.mu.Lock()
	delete(ix.persisted, id)
	delete(ix.schemaOf, id)
	ix.pending.markErased(id)
	ix.inmem.Remove(id)
	ix.writeManifestLocked()
	ix.mu.Unlock()
	ix.metrics.incCounter(ix.metrics.PartitionsErased, 1)
	return ErasePartitionFiles(ix.fs, ix.layout, id)
}

// Transform rewrites the given persisted partitions through a pipeline.
// Partitions already being rewritten are excluded; the call fails rather
// than transforming a partition twice concurrently.
func (ix *Index) Transform(ids []uuid.UUID, pipeline *Pipeline, keepOriginal bool) (*TransformResult, error) {
	ix.mu.Lock()
	for _, id := range ids {
		if _, ok := ix.persisted[id]; !ok {
			ix.mu.Unlock()
			return nil, fmt.Errorf("index: partition %s is not persisted", id)
		}
		if _, busy := ix.inTransformation[id]; busy {
			ix.mu.Unlock()
			return nil, fmt.Errorf("index: partition %s is already in transformation", id)
		}
	}
	for _, id := range ids {
		ix.inTransformation[id] = struct{}{}
	}
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		for _, id := range ids {
			delete(ix.inTransformation, id)
		}
		ix.mu.Unlock()
	}()
	inputs := make([]*Partition, 0, len(ids))
	for _, id := range ids {
		p, err := ix.loadPartition(id)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, p)
	}
	transformer := NewPartitionTransformer(ix.fs, ix.layout, ix.catalog,
		ix.opts.PartitionCapacity, ix.opts.StoreBackend, ix.log)
	result, err := transformer.Transform(inputs, pipeline, keepOriginal)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	if !keepOriginal {
		for _, id := range result.Inputs {
			delete(ix.persisted, id)
			delete(ix.schemaOf, id)
			ix.pending.markErased(id)
			ix.inmem.Remove(id)
		}
	}
	for _, info := range result.Outputs {
		ix.persisted[info.ID] = struct{}{}
		ix.schemaOf[info.ID] = info.Schema
	}
	ix.writeManifestLocked()
	ix.mu.Unlock()
	return result, nil
}

// loadPartition resolves a persisted partition through the LRU cache.
func (ix *Index) loadPartition(id uuid.UUID) (*Partition, error) {
	if p, ok := ix.inmem.Get(id); ok {
		return p, nil
	}
	p, err := OpenPartition(ix.layout, id)
	if err != nil {
		return nil, err
	}
	ix.inmem.Add(id, p)
	return p, nil
}

// manifest is the content of index.bin: the persisted uuid list.
type manifest struct {
	Version    int         `json:"version"`
	Partitions []uuid.UUID `json:"partitions"`
}

const manifestVersion = 1

func (ix *Index) writeManifestLocked() {
	m := manifest{Version: manifestVersion}
	for id := range ix.persisted {
		m.Partitions = append(m.Partitions, id)
	}
	data, err := json.Marshal(m)
	if err != nil {
		ix.log.WithError(err).Error("failed to encode index manifest")
		return
	}
	if err := ix.fs.WriteFile(ix.layout.ManifestPath(), data); err != nil {
		ix.log.WithError(err).Error("failed to write index manifest")
	}
}

// loadFromDisk replays crash markers and loads every well-formed partition.
// Partition files without a store are logged and skipped; synopsis files
// without a partition are deleted.
func (ix *Index) loadFromDisk() error {
	// 1. Finish the work recorded in transform markers.
	entries, err := os.ReadDir(ix.layout.MarkersDir())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("index: read markers dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".marker") {
			continue
		}
		path := filepath.Join(ix.layout.MarkersDir(), e.Name())
		m, err := ReadTransformMarker(path)
		if err != nil {
			ix.log.WithError(err).Warnf("skipping unreadable marker %s", e.Name())
			continue
		}
		if err := ReplayTransformMarker(ix.fs, ix.layout, m, ix.log); err != nil {
			return err
		}
		if err := ix.fs.Remove(path); err != nil {
			return err
		}
		ix.log.Infof("replayed transform marker %s", e.Name())
	}
	// 2. Anything still staged belonged to an uncommitted write.
	entries, err = os.ReadDir(ix.layout.MarkersDir())
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			ix.log.Warnf("removing orphaned staged file %s", e.Name())
			if err := ix.fs.Remove(filepath.Join(ix.layout.MarkersDir(), e.Name())); err != nil {
				return err
			}
		}
	}
	// 3. Load partitions from the index root.
	rootEntries, err := os.ReadDir(ix.layout.IndexDir())
	if err != nil {
		return fmt.Errorf("index: read index dir: %w", err)
	}
	seen := make(map[uuid.UUID]bool)
	for _, e := range rootEntries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".mdx") || name == filepath.Base(ix.layout.ManifestPath()) {
			continue
		}
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		p, err := OpenPartition(ix.layout, id)
		if err != nil {
			ix.log.WithError(err).Warnf("not loading partition %s", id)
			continue
		}
		seen[id] = true
		ix.persisted[id] = struct{}{}
		ix.schemaOf[id] = p.Meta.Schema.Name
		info := PartitionInfo{
			ID:       id,
			Schema:   p.Meta.Schema.Name,
			Events:   p.Meta.Events,
			Synopsis: p.Synopsis,
		}
		if err := ix.catalog.Merge(info); err != nil {
			ix.log.WithError(err).Warnf("catalog rejected partition %s", id)
		}
	}
	// 4. Synopsis files without a partition are stale.
	for _, e := range rootEntries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".mdx") {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, ".mdx"))
		if err != nil || seen[id] {
			continue
		}
		ix.log.Warnf("deleting orphaned synopsis %s", name)
		if err := ix.fs.Remove(filepath.Join(ix.layout.IndexDir(), name)); err != nil {
			return err
		}
	}
	ix.writeManifestLocked()
	ix.log.Infof("loaded %d persisted partitions", len(ix.persisted))
	return nil
}

// IndexStats is a point-in-time snapshot for introspection.
type IndexStats struct {
	Active           int `json:"active"`
	Unpersisted      int `json:"unpersisted"`
	Persisted        int `json:"persisted"`
	PendingQueries   int `json:"pending_queries"`
	RunningLookups   int `json:"running_lookups"`
	InTransformation int `json:"in_transformation"`
}

// Stats snapshots the index state.
func (ix *Index) Stats() IndexStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return IndexStats{
		Active:           len(ix.active),
		Unpersisted:      len(ix.unpersisted),
		Persisted:        len(ix.persisted),
		PendingQueries:   len(ix.queries),
		RunningLookups:   ix.running,
		InTransformation: len(ix.inTransformation),
	}
}

// shutdownFlushTimeout bounds the terminal flush; exceeding it is reported
// as a risk of data loss.
const shutdownFlushTimeout = 10 * time.Minute

// Close flushes all active partitions and stops the index. A flush that
// exceeds the shutdown budget returns ErrDataLoss.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	ix.mu.Unlock()
	close(ix.stopTicker)
	ix.tickerDone.Wait()
	err := ix.FlushAndWait(shutdownFlushTimeout)
	if err != nil {
		ix.log.WithError(err).Error("flush did not complete: risk of data loss")
	}
	return err
}
