package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SchemaCandidates is the catalog's answer for one schema: the expression
// refined for it plus every partition whose sketches admit it.
type SchemaCandidates struct {
	Schema     string
	Expr       Expression
	Partitions []PartitionInfo
}

// Catalog tracks the synopses of all persisted partitions and rejects
// partitions for queries without reading them. Operations serialize through
// one mutex; merges apply in submission order per caller.
type Catalog struct {
	mu         sync.Mutex
	partitions map[uuid.UUID]PartitionInfo
	log        *logrus.Entry
}

// NewCatalog returns an empty catalog.
func NewCatalog(log *logrus.Entry) *Catalog {
	if log == nil {
		log = logrus.WithField("component", "catalog")
	}
	return &Catalog{
		partitions: make(map[uuid.UUID]PartitionInfo),
		log:        log,
	}
}

// Merge registers freshly persisted partitions. Re-merging a known uuid is
// rejected so the index can roll back its in-memory state.
func (c *Catalog) Merge(infos ...PartitionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range infos {
		if _, dup := c.partitions[info.ID]; dup {
			return fmt.Errorf("%w: partition %s already known", ErrCatalog, info.ID)
		}
	}
	for _, info := range infos {
		c.partitions[info.ID] = info
	}
	return nil
}

// Replace atomically swaps old partitions for new ones, the commit step of
// a partition transform.
func (c *Catalog) Replace(old []uuid.UUID, infos []PartitionInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, info := range infos {
		if _, dup := c.partitions[info.ID]; dup {
			return fmt.Errorf("%w: partition %s already known", ErrCatalog, info.ID)
		}
	}
	for _, id := range old {
		delete(c.partitions, id)
	}
	for _, info := range infos {
		c.partitions[info.ID] = info
	}
	return nil
}

// Erase forgets a partition.
func (c *Catalog) Erase(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.partitions[id]; !ok {
		return fmt.Errorf("%w: partition %s not known", ErrCatalog, id)
	}
	delete(c.partitions, id)
	return nil
}

// Get returns every known partition, for subscriber bootstrap.
func (c *Catalog) Get() []PartitionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PartitionInfo, 0, len(c.partitions))
	for _, info := range c.partitions {
		out = append(out, info)
	}
	return out
}

// Candidates resolves a query to its candidate partitions, grouped by
// schema, with the expression refined per schema. Partitions whose sketches
// reject the expression are dropped here.
func (c *Catalog) Candidates(expr Expression) []SchemaCandidates {
	c.mu.Lock()
	defer c.mu.Unlock()
	if expr == nil {
		expr = TrueExpr{}
	}
	bySchema := make(map[string]*SchemaCandidates)
	var order []string
	for _, info := range c.partitions {
		sc, ok := bySchema[info.Schema]
		if !ok {
			sc = &SchemaCandidates{Schema: info.Schema, Expr: expr}
			bySchema[info.Schema] = sc
			order = append(order, info.Schema)
		}
		if info.Synopsis != nil && !info.Synopsis.CouldMatch(sc.Expr) {
			continue
		}
		sc.Partitions = append(sc.Partitions, info)
	}
	out := make([]SchemaCandidates, 0, len(order))
	for _, schema := range order {
		sc := bySchema[schema]
		if len(sc.Partitions) == 0 {
			continue
		}
		out = append(out, *sc)
	}
	return out
}

// Size returns the number of known partitions.
func (c *Catalog) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partitions)
}
