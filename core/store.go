package core

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
)

// StoreBuilder accumulates the row data of one partition and writes it out
// on Finish. Builders are single-use.
type StoreBuilder interface {
	Append(slice TableSlice) error
	// Finish flushes the store file and returns its size in bytes.
	Finish() (int64, error)
}

// StoreBackend names a row store format. Exactly one store file exists per
// partition; the backend id is recorded in the partition metadata.
type StoreBackend interface {
	Name() string
	Extension() string
	NewBuilder(path string, schema Type) (StoreBuilder, error)
	// Read returns all rows of the store in write order.
	Read(path string, schema Type) ([]Value, error)
}

// StoreBackendNamed resolves a backend by its config name.
func StoreBackendNamed(name string) (StoreBackend, bool) {
	switch name {
	case "", "store":
		return nativeStoreBackend{}, true
	case "feather":
		return featherStoreBackend{}, true
	case "parquet":
		return parquetStoreBackend{}, true
	}
	return nil, false
}

// --- native backend --------------------------------------------------------

// nativeStoreBackend writes a versioned, gzip-compressed JSON row file. It
// is the default backend and the only one with no columnar re-encoding.
type nativeStoreBackend struct{}

func (nativeStoreBackend) Name() string      { return "store" }
func (nativeStoreBackend) Extension() string { return ".store" }

// nativeStoreVersion tags the on-disk layout of native store files.
const nativeStoreVersion = 1

type nativeStoreFile struct {
	Version int     `json:"version"`
	Rows    []Value `json:"rows"`
}

type nativeStoreBuilder struct {
	path string
	rows []Value
	done bool
}

func (nativeStoreBackend) NewBuilder(path string, _ Type) (StoreBuilder, error) {
	return &nativeStoreBuilder{path: path}, nil
}

func (b *nativeStoreBuilder) Append(slice TableSlice) error {
	if b.done {
		return fmt.Errorf("store: append after finish: %w", ErrLogic)
	}
	b.rows = append(b.rows, slice.Rows()...)
	return nil
}

func (b *nativeStoreBuilder) Finish() (int64, error) {
	b.done = true
	f, err := os.Create(b.path)
	if err != nil {
		return 0, fmt.Errorf("store: create %s: %w", b.path, err)
	}
	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(nativeStoreFile{Version: nativeStoreVersion, Rows: b.rows}); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("store: encode %s: %w", b.path, err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("store: compress %s: %w", b.path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("store: close %s: %w", b.path, err)
	}
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, fmt.Errorf("store: stat %s: %w", b.path, err)
	}
	return info.Size(), nil
}

func (nativeStoreBackend) Read(path string, _ Type) ([]Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("store: decompress %s: %w", path, err)
	}
	defer zr.Close()
	var file nativeStoreFile
	if err := json.NewDecoder(zr).Decode(&file); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}
	if file.Version != nativeStoreVersion {
		return nil, fmt.Errorf("store: %s has unsupported version %d", path, file.Version)
	}
	return file.Rows, nil
}
