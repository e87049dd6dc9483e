package core

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PartitionTransformer drives a pipeline over input partitions and persists
// the output as fresh partitions. The transform marker written before the
// catalog swap makes the whole operation idempotent under crashes: replay
// at startup finishes whatever the marker records.
type PartitionTransformer struct {
	fs       *Filesystem
	layout   Layout
	catalog  *Catalog
	capacity int
	backend  string
	log      *logrus.Entry
}

// NewPartitionTransformer wires a transformer against the engine state.
func NewPartitionTransformer(fs *Filesystem, layout Layout, catalog *Catalog,
	capacity int, backend string, log *logrus.Entry) *PartitionTransformer {
	if log == nil {
		log = logrus.WithField("component", "transformer")
	}
	return &PartitionTransformer{
		fs:       fs,
		layout:   layout,
		catalog:  catalog,
		capacity: capacity,
		backend:  backend,
		log:      log,
	}
}

// TransformResult reports what a transform produced.
type TransformResult struct {
	TransformID uuid.UUID
	Inputs      []uuid.UUID
	Outputs     []PartitionInfo
}

// Transform feeds the inputs through the pipeline, persists the resulting
// partitions, swaps the catalog, and cleans up. With keepOriginal the input
// partitions survive; otherwise their files are erased after the commit.
// An empty pipeline output materializes zero partitions and still succeeds.
func (t *PartitionTransformer) Transform(inputs []*Partition, pipeline *Pipeline,
	keepOriginal bool) (*TransformResult, error) {
	transformID := uuid.New()
	// The fixed source feeds input slices in partition order.
	var source []TableSlice
	inputIDs := make([]uuid.UUID, 0, len(inputs))
	for _, p := range inputs {
		slices, err := p.Slices()
		if err != nil {
			return nil, fmt.Errorf("transformer: load input %s: %w", p.ID, err)
		}
		source = append(source, slices...)
		inputIDs = append(inputIDs, p.ID)
	}
	output, err := pipeline.Run(source)
	if err != nil {
		return nil, fmt.Errorf("transformer: pipeline: %w", err)
	}
	// The collecting sink distributes output slices across new partitions,
	// splitting at partition capacity and never mixing schemas.
	groups := distributeSlices(output, t.capacity)
	type staged struct {
		id       uuid.UUID
		schema   Type
		synopsis *Synopsis
	}
	stagedOutputs := make([]staged, len(groups))
	// Exactly one persist: every store builder runs to completion before
	// the marker is written.
	var g errgroup.Group
	for i, group := range groups {
		i, group := i, group
		if t.capacity > 0 && group.events > t.capacity {
			t.log.Warnf("output slice of %d events for %s exceeds partition capacity %d; persisting oversized partition",
				group.events, group.schema.Name, t.capacity)
		}
		g.Go(func() error {
			id := uuid.New()
			syn, err := WriteStagedPartition(t.fs, t.layout, id, group.schema, t.backend, group.slices)
			if err != nil {
				return fmt.Errorf("transformer: persist output %s: %w", id, err)
			}
			stagedOutputs[i] = staged{id: id, schema: group.schema, synopsis: syn}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	outputIDs := make([]uuid.UUID, len(stagedOutputs))
	infos := make([]PartitionInfo, len(stagedOutputs))
	for i, s := range stagedOutputs {
		outputIDs[i] = s.id
		infos[i] = PartitionInfo{
			ID:       s.id,
			Schema:   s.schema.Name,
			Events:   s.synopsis.Events,
			Synopsis: s.synopsis,
		}
	}
	marker := TransformMarker{
		Inputs:       inputIDs,
		Outputs:      outputIDs,
		KeepOriginal: keepOriginal,
	}
	markerPath := t.layout.MarkerPath(transformID)
	if err := WriteTransformMarker(t.fs, markerPath, marker); err != nil {
		return nil, err
	}
	swapInputs := inputIDs
	if keepOriginal {
		swapInputs = nil
	}
	if err := t.catalog.Replace(swapInputs, infos); err != nil {
		// The marker survives; startup replay reconciles the disk state.
		return nil, err
	}
	if err := ReplayTransformMarker(t.fs, t.layout, marker, t.log); err != nil {
		return nil, err
	}
	if err := t.fs.Remove(markerPath); err != nil {
		return nil, err
	}
	return &TransformResult{
		TransformID: transformID,
		Inputs:      inputIDs,
		Outputs:     infos,
	}, nil
}

// ReplayTransformMarker finishes the rename/erase sequence a marker
// records. It is idempotent: missing staged files mean the work already
// happened.
func ReplayTransformMarker(fs *Filesystem, layout Layout, m TransformMarker, log *logrus.Entry) error {
	for _, id := range m.Outputs {
		if !fileExists(layout.StagedPartitionPath(id)) {
			continue
		}
		if err := fs.Rename(layout.StagedPartitionPath(id), layout.PartitionPath(id)); err != nil {
			log.WithError(err).Warnf("failed to move staged partition %s", id)
			return err
		}
		if fileExists(layout.StagedSynopsisPath(id)) {
			if err := fs.Rename(layout.StagedSynopsisPath(id), layout.SynopsisPath(id)); err != nil {
				log.WithError(err).Warnf("failed to move staged synopsis %s", id)
				return err
			}
		}
	}
	if !m.KeepOriginal {
		for _, id := range m.Inputs {
			if err := ErasePartitionFiles(fs, layout, id); err != nil {
				log.WithError(err).Warnf("failed to erase transform input %s", id)
				return err
			}
		}
	}
	return nil
}

type sliceGroup struct {
	schema Type
	slices []TableSlice
	events int
}

// distributeSlices packs output slices into partition-sized groups per
// schema. A single oversized slice stays whole; it persists into one
// partition with a warning at the call site.
func distributeSlices(slices []TableSlice, capacity int) []sliceGroup {
	var groups []sliceGroup
	open := make(map[string]int) // schema name -> open group index
	for _, slice := range slices {
		if slice.Length() == 0 {
			continue
		}
		name := slice.SchemaName()
		idx, ok := open[name]
		if ok && capacity > 0 && groups[idx].events+slice.Length() > capacity {
			ok = false
		}
		if !ok {
			groups = append(groups, sliceGroup{schema: slice.Schema})
			idx = len(groups) - 1
			open[name] = idx
		}
		groups[idx].slices = append(groups[idx].slices, slice)
		groups[idx].events += slice.Length()
	}
	return groups
}
