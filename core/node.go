package core

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// NodeConfig assembles every tunable of the engine.
type NodeConfig struct {
	// Root is the data directory holding index/ and archive/.
	Root string
	// Index tunes partition lifecycle and the scheduler.
	Index IndexOptions
	// Importer tunes the ingest boundary.
	Importer ImporterOptions
	// Retention ages out internal telemetry schemas.
	Retention RetentionPolicy
	// RetentionInterval paces the retention sweeps.
	RetentionInterval time.Duration
	// Policy routes events to schemas; nil means PolicyDefault.
	Policy Policy
	// Builder tunes the multi-series builder.
	Builder MSBSettings
	// Parser names the deferred-string parser: best-effort,
	// numeric-agnostic, or seeded.
	Parser string
	// Schemas seeds parsing and routing.
	Schemas []Type
}

// Node wires the engine: filesystem mediator, catalog, index, importer and
// retention, started in dependency order and stopped in reverse.
type Node struct {
	cfg       NodeConfig
	log       *logrus.Entry
	fs        *Filesystem
	catalog   *Catalog
	index     *Index
	importer  *Importer
	retention *Retention
	metrics   *Metrics
	diags     *CollectingDiagnostics
}

// NewNode builds and starts a node. The registry may be nil to skip metric
// registration.
func NewNode(cfg NodeConfig, reg prometheus.Registerer, log *logrus.Entry) (*Node, error) {
	if log == nil {
		log = logrus.WithField("component", "node")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("node: data root is required")
	}
	parser, ok := ParserNamed(cfg.Parser)
	if !ok {
		return nil, fmt.Errorf("node: unknown parser %q", cfg.Parser)
	}
	schemas, err := NewSchemaRegistry(cfg.Schemas...)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(reg)
	fs := NewFilesystem(log.WithField("component", "filesystem"))
	catalog := NewCatalog(log.WithField("component", "catalog"))
	clk := clock.New()
	index, err := NewIndex(cfg.Index, fs, Layout{Root: cfg.Root}, catalog,
		metrics, log.WithField("component", "index"), clk)
	if err != nil {
		fs.Close()
		return nil, err
	}
	diags := &CollectingDiagnostics{}
	msb, err := NewMultiSeriesBuilder(cfg.Policy, cfg.Builder, diags, schemas, parser, clk)
	if err != nil {
		_ = index.Close()
		fs.Close()
		return nil, err
	}
	importer := NewImporter(msb, index, cfg.Importer, metrics,
		log.WithField("component", "importer"), clk)
	retention := NewRetention(cfg.Retention, index, catalog, cfg.RetentionInterval,
		log.WithField("component", "retention"), clk)
	return &Node{
		cfg:       cfg,
		log:       log,
		fs:        fs,
		catalog:   catalog,
		index:     index,
		importer:  importer,
		retention: retention,
		metrics:   metrics,
		diags:     diags,
	}, nil
}

// Importer returns the ingest boundary.
func (n *Node) Importer() *Importer { return n.importer }

// Index returns the index and scheduler.
func (n *Node) Index() *Index { return n.index }

// Catalog returns the partition catalog.
func (n *Node) Catalog() *Catalog { return n.catalog }

// Diagnostics returns the node-wide diagnostics sink.
func (n *Node) Diagnostics() *CollectingDiagnostics { return n.diags }

// Close shuts the node down in reverse start order, flushing pending data.
// It returns ErrDataLoss when the terminal flush exceeds its budget.
func (n *Node) Close() error {
	n.retention.Close()
	n.importer.Close()
	err := n.index.Close()
	n.fs.Close()
	for _, d := range n.diags.Drain() {
		if d.Severity >= SeverityWarning {
			n.log.Warnf("pending diagnostic at shutdown: %s", d.Message)
		}
	}
	return err
}
