package core

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// transformMarkerVersion tags the marker layout. Replay rejects unknown
// versions rather than guessing.
const transformMarkerVersion = 0

// TransformMarker records an in-flight partition rewrite: which partitions
// went in, which staged partitions come out, and whether the inputs survive.
// Its presence on disk means the transform has not committed yet.
type TransformMarker struct {
	Version      int         `json:"version"`
	Inputs       []uuid.UUID `json:"input_partitions"`
	Outputs      []uuid.UUID `json:"output_partitions"`
	KeepOriginal bool        `json:"keep_original_partition"`
}

// WriteTransformMarker persists the marker through the filesystem mediator.
func WriteTransformMarker(fs *Filesystem, path string, m TransformMarker) error {
	m.Version = transformMarkerVersion
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marker: encode %s: %w", path, err)
	}
	return fs.WriteFile(path, data)
}

// ReadTransformMarker loads and validates a marker file.
func ReadTransformMarker(path string) (TransformMarker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TransformMarker{}, fmt.Errorf("marker: read %s: %w", path, err)
	}
	var m TransformMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return TransformMarker{}, fmt.Errorf("marker: decode %s: %w", path, err)
	}
	if m.Version != transformMarkerVersion {
		return TransformMarker{}, fmt.Errorf("marker: %s has unsupported version %d", path, m.Version)
	}
	return m, nil
}
