// Package inventory writes the building inventory report: one Parquet
// row per rasterized footprint.
package inventory

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

// Record is one inventory row.
type Record struct {
	WayID  int64
	Class  string
	AreaM2 float64
	Tiles  int32
	Tags   map[string]string
}

// Writer streams inventory records to a zstd-compressed Parquet file
// in batched row groups. Safe for concurrent Write calls.
type Writer struct {
	mu        sync.Mutex
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
}

// NewWriter creates an inventory Parquet writer.
func NewWriter(path string, batchSize int) (*Writer, error) {
	if batchSize < 1 {
		batchSize = 10000
	}

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "way_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: "class", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "area_m2", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
		{Name: "tiles", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)

	return &Writer{
		file:      f,
		writer:    writer,
		builder:   builder,
		batchSize: batchSize,
	}, nil
}

// Write appends one record, flushing a row group when the batch fills.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.builder.Field(0).(*array.Int64Builder).Append(r.WayID)
	w.builder.Field(1).(*array.StringBuilder).Append(r.Class)
	w.builder.Field(2).(*array.Float64Builder).Append(r.AreaM2)
	w.builder.Field(3).(*array.Int32Builder).Append(r.Tiles)
	w.builder.Field(4).(*array.StringBuilder).Append(tagsJSON(r.Tags))

	w.count++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes the remainder and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flush(); err != nil {
		return err
	}
	if err := w.writer.Close(); err != nil {
		return err
	}
	return w.file.Close()
}

func tagsJSON(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}
