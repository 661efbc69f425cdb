package source

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// CSV reads a headered CSV export, optionally gzip-compressed.
type CSV struct {
	path      string
	cols      Columns
	batchSize int
}

// NewCSV returns a CSV source for path.
func NewCSV(path string, cols Columns, batchSize int) *CSV {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &CSV{path: path, cols: cols, batchSize: batchSize}
}

// Close is a no-op; every reader owns its own file handle.
func (c *CSV) Close() error { return nil }

// csvFile is an open export with its header resolved.
type csvFile struct {
	reader  *csv.Reader
	index   map[string]int
	closers []io.Closer
}

func openCSV(path string) (*csvFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	var r io.Reader = f
	closers := []io.Closer{f}

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		closers = append(closers, gzr)
		r = gzr
	}

	csvr := csv.NewReader(r)
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true

	header, err := csvr.Read()
	if err != nil {
		closeAll(closers)
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv %s: missing header row", path)
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}
	csvr.ReuseRecord = true

	return &csvFile{reader: csvr, index: index, closers: closers}, nil
}

// col returns the index of name, or -1 when name is empty or absent.
func (f *csvFile) col(name string) int {
	if name == "" {
		return -1
	}
	if i, ok := f.index[name]; ok {
		return i
	}
	return -1
}

func (f *csvFile) Close() error { return closeAll(f.closers) }

func closeAll(closers []io.Closer) error {
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// Batches opens the export and streams rows within r.
func (c *CSV) Batches(ctx context.Context, r Range) (BatchReadCloser, error) {
	f, err := openCSV(c.path)
	if err != nil {
		return nil, err
	}

	br := &csvBatchReader{
		file:      f,
		batchSize: c.batchSize,
		email:     f.col(c.cols.Email),
		createdAt: f.col(c.cols.CreatedAt),
		opens:     f.col(c.cols.Opens),
		clicks:    f.col(c.cols.Clicks),
	}
	var fields []aggregate.Field
	for _, fc := range []struct {
		f   aggregate.Field
		idx int
	}{
		{aggregate.FieldEmail, br.email},
		{aggregate.FieldCreatedAt, br.createdAt},
		{aggregate.FieldOpens, br.opens},
		{aggregate.FieldClicks, br.clicks},
	} {
		if fc.idx >= 0 {
			fields = append(fields, fc.f)
		}
	}
	br.fields = aggregate.NewFieldSet(fields...)
	return FilterRange(br, r), nil
}

type csvBatchReader struct {
	file      *csvFile
	batchSize int
	fields    aggregate.FieldSet
	email     int
	createdAt int
	opens     int
	clicks    int
	index     int
	done      bool
}

func (r *csvBatchReader) Next(ctx context.Context) (*aggregate.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	b := &aggregate.Batch{Index: r.index, Fields: r.fields, Rows: make([]aggregate.Row, 0, min(r.batchSize, 4096))}
	for len(b.Rows) < r.batchSize {
		rec, err := r.file.reader.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		b.Rows = append(b.Rows, aggregate.Row{
			Email:     field(rec, r.email),
			CreatedAt: field(rec, r.createdAt),
			Opens:     field(rec, r.opens),
			Clicks:    field(rec, r.clicks),
		})
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	r.index++
	return b, nil
}

func (r *csvBatchReader) Close() error { return r.file.Close() }

// Details opens the export for the full-detail extract.
func (c *CSV) Details(ctx context.Context) (DetailReader, error) {
	f, err := openCSV(c.path)
	if err != nil {
		return nil, err
	}
	if field, name, missing := c.cols.missingRequired(func(n string) bool { return f.col(n) >= 0 }); missing {
		f.Close()
		return nil, fmt.Errorf("csv %s: %w: %s column %q", c.path, aggregate.ErrMissingColumn, field, name)
	}
	email, createdAt := f.col(c.cols.Email), f.col(c.cols.CreatedAt)
	return &csvDetailReader{
		file:       f,
		chunk:      c.batchSize,
		email:      email,
		createdAt:  createdAt,
		agency:     f.col(c.cols.Agency),
		dest:       f.col(c.cols.Destination),
		activation: f.col(c.cols.Activation),
		locator:    f.col(c.cols.Locator),
	}, nil
}

type csvDetailReader struct {
	file                                                 *csvFile
	chunk                                                int
	email, createdAt, agency, dest, activation, locator int
	done                                                 bool
}

func (r *csvDetailReader) Next(ctx context.Context) ([]DetailRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	out := make([]DetailRow, 0, min(r.chunk, 4096))
	for len(out) < r.chunk {
		rec, err := r.file.reader.Read()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		d, ok := aggregate.ParseDate(field(rec, r.createdAt))
		if !ok {
			continue
		}
		out = append(out, DetailRow{
			Email:               field(rec, r.email),
			Agency:              field(rec, r.agency),
			Destination:         field(rec, r.dest),
			ActivationCondition: field(rec, r.activation),
			Locator:             field(rec, r.locator),
			Date:                d,
		})
	}
	if len(out) == 0 && r.done {
		return nil, io.EOF
	}
	return out, nil
}

func (r *csvDetailReader) Close() error { return r.file.Close() }
