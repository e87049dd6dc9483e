package core

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// featherStoreBackend persists rows as an Arrow IPC file with one record
// batch per appended slice.
type featherStoreBackend struct{}

func (featherStoreBackend) Name() string      { return "feather" }
func (featherStoreBackend) Extension() string { return ".feather" }

type featherStoreBuilder struct {
	path   string
	schema Type
	file   *os.File
	writer *ipc.FileWriter
}

func (featherStoreBackend) NewBuilder(path string, schema Type) (StoreBuilder, error) {
	return &featherStoreBuilder{path: path, schema: schema}, nil
}

func (b *featherStoreBuilder) Append(slice TableSlice) error {
	rec, err := rowsToArrowRecord(b.schema, slice.Rows())
	if err != nil {
		return fmt.Errorf("feather: convert slice: %w", err)
	}
	defer rec.Release()
	if b.writer == nil {
		f, err := os.Create(b.path)
		if err != nil {
			return fmt.Errorf("feather: create %s: %w", b.path, err)
		}
		w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()))
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("feather: open writer %s: %w", b.path, err)
		}
		b.file, b.writer = f, w
	}
	if err := b.writer.Write(rec); err != nil {
		return fmt.Errorf("feather: write %s: %w", b.path, err)
	}
	return nil
}

func (b *featherStoreBuilder) Finish() (int64, error) {
	if b.writer == nil {
		// No rows at all still produces a valid, empty file.
		rec, err := rowsToArrowRecord(b.schema, nil)
		if err != nil {
			return 0, err
		}
		f, err := os.Create(b.path)
		if err != nil {
			return 0, fmt.Errorf("feather: create %s: %w", b.path, err)
		}
		w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()))
		if err != nil {
			rec.Release()
			_ = f.Close()
			return 0, fmt.Errorf("feather: open writer %s: %w", b.path, err)
		}
		rec.Release()
		b.file, b.writer = f, w
	}
	if err := b.writer.Close(); err != nil {
		_ = b.file.Close()
		return 0, fmt.Errorf("feather: close writer %s: %w", b.path, err)
	}
	if err := b.file.Close(); err != nil {
		return 0, fmt.Errorf("feather: close %s: %w", b.path, err)
	}
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, fmt.Errorf("feather: stat %s: %w", b.path, err)
	}
	return info.Size(), nil
}

func (featherStoreBackend) Read(path string, schema Type) ([]Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("feather: open %s: %w", path, err)
	}
	defer f.Close()
	r, err := ipc.NewFileReader(f)
	if err != nil {
		return nil, fmt.Errorf("feather: open reader %s: %w", path, err)
	}
	defer r.Close()
	var rows []Value
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("feather: read %s: %w", path, err)
		}
		batch, err := arrowRecordToRows(schema, rec)
		if err != nil {
			return nil, fmt.Errorf("feather: convert %s: %w", path, err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}
