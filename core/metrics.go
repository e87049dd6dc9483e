package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the engine's counters. All components share one instance;
// a nil Metrics disables collection.
type Metrics struct {
	EventsIngested      prometheus.Counter
	SlicesIngested      prometheus.Counter
	PartitionsPersisted prometheus.Counter
	PartitionsErased    prometheus.Counter
	QueriesSubmitted    prometheus.Counter
	LookupsCompleted    prometheus.Counter
	LookupsFailed       prometheus.Counter
	RunningLookups      prometheus.Gauge
	PendingQueries      prometheus.Gauge
}

// NewMetrics builds and registers the engine metrics against the registry.
// A nil registry skips registration, which tests use to avoid duplicate
// collector panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_events_ingested_total",
			Help: "Number of events accepted by the importer.",
		}),
		SlicesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_slices_ingested_total",
			Help: "Number of table slices forwarded to the index.",
		}),
		PartitionsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_partitions_persisted_total",
			Help: "Number of partitions written to disk.",
		}),
		PartitionsErased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_partitions_erased_total",
			Help: "Number of partitions erased.",
		}),
		QueriesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_queries_submitted_total",
			Help: "Number of queries submitted to the index.",
		}),
		LookupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_partition_lookups_completed_total",
			Help: "Number of partition lookups that completed.",
		}),
		LookupsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "strata_partition_lookups_failed_total",
			Help: "Number of partition lookups that failed.",
		}),
		RunningLookups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_partition_lookups_running",
			Help: "Number of partition lookups currently in flight.",
		}),
		PendingQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strata_pending_queries",
			Help: "Number of queries waiting on partitions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsIngested, m.SlicesIngested,
			m.PartitionsPersisted, m.PartitionsErased,
			m.QueriesSubmitted, m.LookupsCompleted, m.LookupsFailed,
			m.RunningLookups, m.PendingQueries,
		)
	}
	return m
}

func (m *Metrics) incCounter(c prometheus.Counter, n float64) {
	if m != nil && c != nil {
		c.Add(n)
	}
}

func (m *Metrics) setGauge(g prometheus.Gauge, v float64) {
	if m != nil && g != nil {
		g.Set(v)
	}
}
