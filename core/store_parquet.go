package core

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// parquetStoreBackend persists rows as a zstd-compressed parquet file, one
// row group per appended slice.
type parquetStoreBackend struct{}

func (parquetStoreBackend) Name() string      { return "parquet" }
func (parquetStoreBackend) Extension() string { return ".parquet" }

type parquetStoreBuilder struct {
	path   string
	schema Type
	file   *os.File
	writer *pqarrow.FileWriter
}

func (parquetStoreBackend) NewBuilder(path string, schema Type) (StoreBuilder, error) {
	return &parquetStoreBuilder{path: path, schema: schema}, nil
}

func (b *parquetStoreBuilder) open() error {
	if b.writer != nil {
		return nil
	}
	arrowSchema, _ := arrowSchemaFor(b.schema)
	f, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("parquet: create %s: %w", b.path, err)
	}
	props := parquet.NewWriterProperties(
		parquet.WithVersion(parquet.V2_LATEST),
		parquet.WithCompression(compress.Codecs.Zstd),
	)
	w, err := pqarrow.NewFileWriter(arrowSchema, f, props,
		pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("parquet: open writer %s: %w", b.path, err)
	}
	b.file, b.writer = f, w
	return nil
}

func (b *parquetStoreBuilder) Append(slice TableSlice) error {
	if err := b.open(); err != nil {
		return err
	}
	rec, err := rowsToArrowRecord(b.schema, slice.Rows())
	if err != nil {
		return fmt.Errorf("parquet: convert slice: %w", err)
	}
	defer rec.Release()
	if err := b.writer.Write(rec); err != nil {
		return fmt.Errorf("parquet: write %s: %w", b.path, err)
	}
	return nil
}

func (b *parquetStoreBuilder) Finish() (int64, error) {
	if err := b.open(); err != nil {
		return 0, err
	}
	if err := b.writer.Close(); err != nil {
		return 0, fmt.Errorf("parquet: close writer %s: %w", b.path, err)
	}
	info, err := os.Stat(b.path)
	if err != nil {
		return 0, fmt.Errorf("parquet: stat %s: %w", b.path, err)
	}
	return info.Size(), nil
}

func (parquetStoreBackend) Read(path string, schema Type) ([]Value, error) {
	rdr, err := file.OpenParquetFile(path, false)
	if err != nil {
		return nil, fmt.Errorf("parquet: open %s: %w", path, err)
	}
	defer rdr.Close()
	fr, err := pqarrow.NewFileReader(rdr, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, fmt.Errorf("parquet: open reader %s: %w", path, err)
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, fmt.Errorf("parquet: read %s: %w", path, err)
	}
	defer tbl.Release()
	var rows []Value
	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()
	for tr.Next() {
		batch, err := arrowRecordToRows(schema, tr.Record())
		if err != nil {
			return nil, fmt.Errorf("parquet: convert %s: %w", path, err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}
