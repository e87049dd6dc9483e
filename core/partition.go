package core

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Layout names the on-disk locations of the engine under one root:
//
//	<root>/index/index.bin          manifest of persisted uuids
//	<root>/index/<uuid>[.mdx]       partition metadata and synopsis
//	<root>/index/markers/           staged files and transform markers
//	<root>/archive/<uuid>.<ext>     row stores
type Layout struct {
	Root string
}

func (l Layout) IndexDir() string   { return filepath.Join(l.Root, "index") }
func (l Layout) MarkersDir() string { return filepath.Join(l.IndexDir(), "markers") }
func (l Layout) ArchiveDir() string { return filepath.Join(l.Root, "archive") }

func (l Layout) ManifestPath() string { return filepath.Join(l.IndexDir(), "index.bin") }

func (l Layout) PartitionPath(id uuid.UUID) string {
	return filepath.Join(l.IndexDir(), id.String())
}

func (l Layout) SynopsisPath(id uuid.UUID) string {
	return filepath.Join(l.IndexDir(), id.String()+".mdx")
}

func (l Layout) StagedPartitionPath(id uuid.UUID) string {
	return filepath.Join(l.MarkersDir(), id.String())
}

func (l Layout) StagedSynopsisPath(id uuid.UUID) string {
	return filepath.Join(l.MarkersDir(), id.String()+".mdx")
}

func (l Layout) MarkerPath(id uuid.UUID) string {
	return filepath.Join(l.MarkersDir(), id.String()+".marker")
}

func (l Layout) StorePath(id uuid.UUID, ext string) string {
	return filepath.Join(l.ArchiveDir(), id.String()+ext)
}

// partitionVersion tags the partition metadata layout.
const partitionVersion = 1

// SliceMeta remembers the boundaries of one ingested slice so the store's
// flat row sequence can be cut back into slices.
type SliceMeta struct {
	ImportTime   time.Time `json:"import_time"`
	FirstEventID uint64    `json:"first_event_id"`
	Rows         int       `json:"rows"`
}

// PartitionMeta is the content of the `<uuid>` partition file: the schema,
// the per-field value indexes, the per-event-name row bitmaps, the store
// backend id, and the slice boundaries.
type PartitionMeta struct {
	Version      int                    `json:"version"`
	ID           uuid.UUID              `json:"id"`
	Schema       Type                   `json:"schema"`
	StoreBackend string                 `json:"store_backend"`
	Events       uint64                 `json:"events"`
	TypeIDs      TypeIDs                `json:"type_ids"`
	FieldIndexes map[string]*ValueIndex `json:"field_indexes"`
	Slices       []SliceMeta            `json:"slices"`
}

func encodePartitionMeta(meta PartitionMeta) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(meta); err != nil {
		return nil, fmt.Errorf("partition: encode metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("partition: compress metadata: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePartitionMeta(data []byte) (PartitionMeta, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return PartitionMeta{}, fmt.Errorf("partition: decompress metadata: %w", err)
	}
	defer zr.Close()
	var meta PartitionMeta
	if err := json.NewDecoder(zr).Decode(&meta); err != nil {
		return PartitionMeta{}, fmt.Errorf("partition: decode metadata: %w", err)
	}
	if meta.Version != partitionVersion {
		return PartitionMeta{}, fmt.Errorf("partition: unsupported version %d", meta.Version)
	}
	return meta, nil
}

// WriteStagedPartition builds the store, indexes and synopsis for the given
// slices and writes the partition and synopsis files into the staging
// directory. The store goes directly to the archive; a partition file
// without its store is ignored at startup, which makes the staged write
// safe against crashes.
func WriteStagedPartition(fs *Filesystem, layout Layout, id uuid.UUID, schema Type,
	backendName string, slices []TableSlice) (*Synopsis, error) {
	backend, ok := StoreBackendNamed(backendName)
	if !ok {
		return nil, fmt.Errorf("partition: unknown store backend %q", backendName)
	}
	storePath := layout.StorePath(id, backend.Extension())
	builder, err := backend.NewBuilder(storePath, schema)
	if err != nil {
		return nil, err
	}
	var expected uint
	for _, s := range slices {
		expected += uint(s.Length())
	}
	synopsis := NewSynopsis(schema.Name)
	meta := PartitionMeta{
		Version:      partitionVersion,
		ID:           id,
		Schema:       schema,
		StoreBackend: backend.Name(),
		TypeIDs:      make(TypeIDs),
		FieldIndexes: make(map[string]*ValueIndex),
	}
	row := uint32(0)
	for _, slice := range slices {
		if err := builder.Append(slice); err != nil {
			return nil, err
		}
		ids, ok := meta.TypeIDs[slice.SchemaName()]
		if !ok {
			ids = roaring.New()
			meta.TypeIDs[slice.SchemaName()] = ids
		}
		for _, r := range slice.Rows() {
			ids.Add(row)
			indexRow(meta.FieldIndexes, row, r)
			row++
		}
		meta.Slices = append(meta.Slices, SliceMeta{
			ImportTime:   slice.ImportTime,
			FirstEventID: slice.FirstEventID,
			Rows:         slice.Length(),
		})
		synopsis.Observe(slice, expected)
	}
	meta.Events = uint64(row)
	storeSize, err := builder.Finish()
	if err != nil {
		return nil, err
	}
	metaBytes, err := encodePartitionMeta(meta)
	if err != nil {
		return nil, err
	}
	synopsis.StoreURL = "file://" + storePath
	synopsis.StoreSize = storeSize
	synopsis.PartitionURL = "file://" + layout.PartitionPath(id)
	synopsis.PartitionSize = int64(len(metaBytes))
	synBytes, err := json.Marshal(synopsis)
	if err != nil {
		return nil, fmt.Errorf("partition: encode synopsis: %w", err)
	}
	// Partition and synopsis files are written concurrently; both must land
	// before the catalog learns about the partition.
	var g errgroup.Group
	g.Go(func() error { return fs.WriteFile(layout.StagedPartitionPath(id), metaBytes) })
	g.Go(func() error { return fs.WriteFile(layout.StagedSynopsisPath(id), synBytes) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return synopsis, nil
}

// indexRow folds one record row into the per-field value indexes.
func indexRow(indexes map[string]*ValueIndex, row uint32, r Value) {
	if r.Kind != KindRecord || r.Rec == nil {
		return
	}
	flat := FlattenRecord(r.Rec, "")
	for _, f := range flat.Fields {
		idx, ok := indexes[f.Name]
		if !ok {
			idx = NewValueIndex(f.Value.Kind)
			indexes[f.Name] = idx
		}
		idx.Add(row, f.Value)
	}
}

// CommitStagedPartition moves the staged partition and synopsis files into
// the index root. It runs after the catalog acknowledged the merge.
func CommitStagedPartition(fs *Filesystem, layout Layout, id uuid.UUID) error {
	if err := fs.Rename(layout.StagedPartitionPath(id), layout.PartitionPath(id)); err != nil {
		return err
	}
	return fs.Rename(layout.StagedSynopsisPath(id), layout.SynopsisPath(id))
}

// ErasePartitionFiles removes every on-disk trace of a partition.
func ErasePartitionFiles(fs *Filesystem, layout Layout, id uuid.UUID) error {
	var firstErr error
	for _, path := range []string{
		layout.PartitionPath(id),
		layout.SynopsisPath(id),
	} {
		if err := fs.Remove(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ext := range []string{".store", ".feather", ".parquet"} {
		if err := fs.Remove(layout.StorePath(id, ext)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Partition is a passive, immutable partition loaded from disk. Rows load
// lazily from the store on the first lookup.
type Partition struct {
	ID       uuid.UUID
	Meta     PartitionMeta
	Synopsis *Synopsis

	layout Layout
	mu     sync.Mutex
	rows   []Value
	loaded bool
}

// OpenPartition loads partition metadata and synopsis from the index root.
// A partition whose store file is missing fails to open.
func OpenPartition(layout Layout, id uuid.UUID) (*Partition, error) {
	metaChunk, err := ChunkFromFile(layout.PartitionPath(id))
	if err != nil {
		return nil, fmt.Errorf("partition: open %s: %w", id, err)
	}
	defer metaChunk.Release()
	meta, err := decodePartitionMeta(metaChunk.Bytes())
	if err != nil {
		return nil, err
	}
	backend, ok := StoreBackendNamed(meta.StoreBackend)
	if !ok {
		return nil, fmt.Errorf("partition: %s references unknown store backend %q", id, meta.StoreBackend)
	}
	if _, err := os.Stat(layout.StorePath(id, backend.Extension())); err != nil {
		return nil, fmt.Errorf("partition: %s has no store file: %w", id, err)
	}
	p := &Partition{ID: id, Meta: meta, layout: layout}
	synChunk, err := ChunkFromFile(layout.SynopsisPath(id))
	if err == nil {
		var syn Synopsis
		if err := json.Unmarshal(synChunk.Bytes(), &syn); err != nil {
			synChunk.Release()
			return nil, fmt.Errorf("partition: decode synopsis %s: %w", id, err)
		}
		synChunk.Release()
		p.Synopsis = &syn
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("partition: read synopsis %s: %w", id, err)
	}
	return p, nil
}

// Rows returns the partition's rows, loading the store on first use.
func (p *Partition) Rows() ([]Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.rows, nil
	}
	backend, ok := StoreBackendNamed(p.Meta.StoreBackend)
	if !ok {
		return nil, fmt.Errorf("partition: unknown store backend %q", p.Meta.StoreBackend)
	}
	rows, err := backend.Read(p.layout.StorePath(p.ID, backend.Extension()), p.Meta.Schema)
	if err != nil {
		return nil, err
	}
	if uint64(len(rows)) != p.Meta.Events {
		return nil, fmt.Errorf("partition: %s store has %d rows, metadata says %d: %w",
			p.ID, len(rows), p.Meta.Events, ErrLogic)
	}
	p.rows = rows
	p.loaded = true
	return rows, nil
}

// Slices reconstructs the partition's table slices from the store and the
// recorded slice boundaries.
func (p *Partition) Slices() ([]TableSlice, error) {
	rows, err := p.Rows()
	if err != nil {
		return nil, err
	}
	var out []TableSlice
	off := 0
	for _, sm := range p.Meta.Slices {
		end := off + sm.Rows
		if end > len(rows) {
			return nil, fmt.Errorf("partition: %s slice boundaries exceed store: %w", p.ID, ErrLogic)
		}
		out = append(out, TableSlice{
			Schema:       p.Meta.Schema,
			Data:         Series{Type: p.Meta.Schema, Values: rows[off:end]},
			ImportTime:   sm.ImportTime,
			FirstEventID: sm.FirstEventID,
		})
		off = end
	}
	return out, nil
}

// Query evaluates a query context against the partition, delivering hits to
// the sink and returning the hit count. Value indexes narrow the scan where
// the expression allows it.
func (p *Partition) Query(qc QueryContext) (uint64, error) {
	rows, err := p.Rows()
	if err != nil {
		return 0, err
	}
	expr := qc.Expr
	if expr == nil {
		expr = TrueExpr{}
	}
	candidates := p.candidateRows(expr)
	var hits []Value
	if candidates != nil {
		it := candidates.Iterator()
		for it.HasNext() {
			i := it.Next()
			if int(i) < len(rows) && expr.Eval(rows[i]) {
				hits = append(hits, rows[i])
			}
		}
	} else {
		for i := range rows {
			if expr.Eval(rows[i]) {
				hits = append(hits, rows[i])
			}
		}
	}
	if len(hits) > 0 && qc.Sink != nil {
		qc.Sink.Deliver(qc.ID, hits)
	}
	return uint64(len(hits)), nil
}

// candidateRows narrows the row set via exact index lookups. It handles
// top-level predicates and conjunctions of them; nil means scan everything.
func (p *Partition) candidateRows(expr Expression) *roaring.Bitmap {
	switch x := expr.(type) {
	case Predicate:
		if idx, ok := p.Meta.FieldIndexes[x.Field]; ok {
			if bm, exact := idx.Lookup(x.Op, x.Literal); exact {
				return bm
			}
		}
	case Conjunction:
		var acc *roaring.Bitmap
		for _, sub := range x {
			bm := p.candidateRows(sub)
			if bm == nil {
				continue
			}
			if acc == nil {
				acc = bm
				continue
			}
			acc.And(bm)
		}
		return acc
	}
	return nil
}

// PartitionInfo is what the catalog knows about a persisted partition.
type PartitionInfo struct {
	ID       uuid.UUID
	Schema   string
	Events   uint64
	Synopsis *Synopsis
}
