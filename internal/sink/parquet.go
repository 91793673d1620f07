package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// Parquet mirrors a report into a columnar file. Unlike CSV it is a per-run snapshot:
// parquet files can't be appended to, so the file is replaced on open.
type Parquet struct {
	mu      sync.Mutex
	path    string
	columns []string
	fw      source.ParquetFile
	pw      *writer.CSVWriter
	written int64
}

// CreateParquet creates path with one optional UTF8 column per report column.
func CreateParquet(path string, columns []string) (*Parquet, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("parquet sink %s: no columns", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}

	meta := make([]string, len(columns))
	for i, c := range columns {
		name := Slug(c)
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		meta[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", strings.ToLower(name))
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file %s: %w", path, err)
	}
	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("init parquet writer %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	return &Parquet{path: path, columns: append([]string(nil), columns...), fw: fw, pw: pw}, nil
}

// Write adds one record. Empty fields are stored as nulls.
func (p *Parquet) Write(rec fetch.Record) error {
	row := Row(rec, p.columns)
	ptrs := make([]*string, len(row))
	for i := range row {
		if row[i] != "" {
			v := row[i]
			ptrs[i] = &v
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pw.WriteString(ptrs); err != nil {
		return fmt.Errorf("write parquet row to %s: %w", p.path, err)
	}
	p.written++
	return nil
}

// Written is the number of rows written so far.
func (p *Parquet) Written() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Close finalises the footer and closes the file.
func (p *Parquet) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	stopErr := p.pw.WriteStop()
	if err := p.fw.Close(); err != nil {
		return fmt.Errorf("close parquet %s: %w", p.path, err)
	}
	if stopErr != nil {
		return fmt.Errorf("finalise parquet %s: %w", p.path, stopErr)
	}
	return nil
}
