package core

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// RetentionPolicy bounds how long internal telemetry schemas are kept. A
// zero duration disables the corresponding rule.
type RetentionPolicy struct {
	// Metrics ages out strata.metrics.* partitions.
	Metrics time.Duration
	// Diagnostics ages out strata.diagnostics partitions.
	Diagnostics time.Duration
	// OperatorMetrics ages out strata.operator-metrics partitions.
	OperatorMetrics time.Duration
}

// DefaultRetentionPolicy returns the stock policy: 16 days of metrics, 30
// days of diagnostics, operator metrics disabled.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Metrics:     16 * 24 * time.Hour,
		Diagnostics: 30 * 24 * time.Hour,
	}
}

type retentionRule struct {
	prefix string
	maxAge time.Duration
}

func (p RetentionPolicy) rules() []retentionRule {
	var out []retentionRule
	if p.Metrics > 0 {
		out = append(out, retentionRule{prefix: "strata.metrics", maxAge: p.Metrics})
	}
	if p.Diagnostics > 0 {
		out = append(out, retentionRule{prefix: "strata.diagnostics", maxAge: p.Diagnostics})
	}
	if p.OperatorMetrics > 0 {
		out = append(out, retentionRule{prefix: "strata.operator-metrics", maxAge: p.OperatorMetrics})
	}
	return out
}

// Retention periodically erases internal partitions that aged out of the
// policy. User schemas are never touched.
type Retention struct {
	policy   RetentionPolicy
	index    *Index
	catalog  *Catalog
	interval time.Duration
	log      *logrus.Entry
	clk      clock.Clock

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewRetention starts the retention loop. A non-positive interval defaults
// to ten minutes.
func NewRetention(policy RetentionPolicy, index *Index, catalog *Catalog,
	interval time.Duration, log *logrus.Entry, clk clock.Clock) *Retention {
	if log == nil {
		log = logrus.WithField("component", "retention")
	}
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	r := &Retention{
		policy:   policy,
		index:    index,
		catalog:  catalog,
		interval: interval,
		log:      log,
		clk:      clk,
		stop:     make(chan struct{}),
	}
	r.done.Add(1)
	go r.loop()
	return r
}

func (r *Retention) loop() {
	defer r.done.Done()
	ticker := r.clk.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

// Sweep erases every internal partition older than its rule allows and
// returns the number of erased partitions.
func (r *Retention) Sweep() int {
	rules := r.policy.rules()
	if len(rules) == 0 {
		return 0
	}
	now := r.clk.Now()
	erased := 0
	for _, info := range r.catalog.Get() {
		rule, ok := matchRule(rules, info.Schema)
		if !ok || info.Synopsis == nil {
			continue
		}
		if now.Sub(info.Synopsis.MaxImportTime) < rule.maxAge {
			continue
		}
		if err := r.index.Erase(info.ID); err != nil {
			r.log.WithError(err).Warnf("failed to erase aged-out partition %s", info.ID)
			continue
		}
		r.log.Infof("erased aged-out partition %s (%s)", info.ID, info.Schema)
		erased++
	}
	return erased
}

func matchRule(rules []retentionRule, schema string) (retentionRule, bool) {
	for _, rule := range rules {
		if schema == rule.prefix || strings.HasPrefix(schema, rule.prefix+".") {
			return rule, true
		}
	}
	return retentionRule{}, false
}

// Close stops the retention loop.
func (r *Retention) Close() {
	r.once.Do(func() { close(r.stop) })
	r.done.Wait()
}
