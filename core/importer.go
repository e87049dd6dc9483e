package core

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// ImporterOptions tunes the ingest boundary.
type ImporterOptions struct {
	// BufferTimeout bounds how long slices sit in the import buffer before
	// they are forwarded regardless of size. Zero forwards immediately.
	BufferTimeout time.Duration
}

// DefaultImporterOptions returns production defaults.
func DefaultImporterOptions() ImporterOptions {
	return ImporterOptions{BufferTimeout: time.Second}
}

// Importer stamps import times and contiguous event ids onto finished
// series and forwards them to the index. There is no explicit backpressure;
// the buffer holds at most BufferTimeout worth of slices.
type Importer struct {
	msb     *MultiSeriesBuilder
	index   *Index
	opts    ImporterOptions
	metrics *Metrics
	log     *logrus.Entry
	clk     clock.Clock

	mu          sync.Mutex
	nextEventID uint64
	buffer      []TableSlice
	stop        chan struct{}
	done        sync.WaitGroup
	closed      bool
}

// NewImporter wires a multi-series builder to an index.
func NewImporter(msb *MultiSeriesBuilder, index *Index, opts ImporterOptions,
	metrics *Metrics, log *logrus.Entry, clk clock.Clock) *Importer {
	if log == nil {
		log = logrus.WithField("component", "importer")
	}
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	imp := &Importer{
		msb:     msb,
		index:   index,
		opts:    opts,
		metrics: metrics,
		log:     log,
		clk:     clk,
		stop:    make(chan struct{}),
	}
	imp.done.Add(1)
	go imp.loop()
	return imp
}

// WithBuilder runs f with exclusive access to the multi-series builder.
// Sources must funnel every builder access through here; the importer's
// yield loop shares the builder with them.
func (imp *Importer) WithBuilder(f func(*MultiSeriesBuilder)) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	f(imp.msb)
}

// loop periodically yields ready series from the builder and drains the
// import buffer.
func (imp *Importer) loop() {
	defer imp.done.Done()
	interval := imp.opts.BufferTimeout
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := imp.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			imp.Tick()
		case <-imp.stop:
			return
		}
	}
}

// Tick yields whatever the builder has ready and flushes the buffer.
func (imp *Importer) Tick() {
	imp.mu.Lock()
	series := imp.msb.YieldReady()
	imp.enqueueLocked(series)
	imp.flushLocked()
	imp.mu.Unlock()
}

// ImportSeries stamps and buffers finished series directly.
func (imp *Importer) ImportSeries(series []Series) {
	imp.mu.Lock()
	imp.enqueueLocked(series)
	if imp.opts.BufferTimeout <= 0 {
		imp.flushLocked()
	}
	imp.mu.Unlock()
}

func (imp *Importer) enqueueLocked(series []Series) {
	if len(series) == 0 {
		return
	}
	slices := SeriesToTableSlices(series, imp.msb.DefaultSchemaName(), imp.clk.Now())
	for i := range slices {
		slices[i].FirstEventID = imp.nextEventID
		imp.nextEventID += uint64(slices[i].Length())
		imp.metrics.incCounter(imp.metrics.EventsIngested, float64(slices[i].Length()))
	}
	imp.buffer = append(imp.buffer, slices...)
}

func (imp *Importer) flushLocked() {
	for _, slice := range imp.buffer {
		if err := imp.index.AddSlice(slice); err != nil {
			imp.log.WithError(err).Warnf("dropping slice of %d events", slice.Length())
			continue
		}
		imp.metrics.incCounter(imp.metrics.SlicesIngested, 1)
	}
	imp.buffer = imp.buffer[:0]
}

// Flush finalizes the builder and forwards everything buffered.
func (imp *Importer) Flush() {
	imp.mu.Lock()
	imp.enqueueLocked(imp.msb.Finalize())
	imp.flushLocked()
	imp.mu.Unlock()
}

// Close flushes and stops the importer loop.
func (imp *Importer) Close() {
	imp.mu.Lock()
	if imp.closed {
		imp.mu.Unlock()
		return
	}
	imp.closed = true
	imp.mu.Unlock()
	close(imp.stop)
	imp.done.Wait()
	imp.Flush()
}
