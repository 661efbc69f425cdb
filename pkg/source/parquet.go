package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// Parquet reads a flat Parquet export, for example a data_full snapshot
// from an earlier run or a warehouse unload.
type Parquet struct {
	path      string
	cols      Columns
	batchSize int
}

// NewParquet returns a Parquet source for path.
func NewParquet(path string, cols Columns, batchSize int) *Parquet {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Parquet{path: path, cols: cols, batchSize: batchSize}
}

// Close is a no-op; every reader owns its own file handle.
func (p *Parquet) Close() error { return nil }

// parquetFile iterates the rows of an open file one row group at a time.
type parquetFile struct {
	f      *os.File
	schema *parquet.Schema

	rowGroups []parquet.RowGroup
	rgIdx     int
	rows      parquet.Rows
	buf       []parquet.Row
	bufIdx    int
	bufLen    int
}

func openParquet(path string) (*parquetFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	return &parquetFile{
		f:         f,
		schema:    pf.Schema(),
		rowGroups: pf.RowGroups(),
		rgIdx:     -1,
		buf:       make([]parquet.Row, 1024),
	}, nil
}

// parquetCol is a resolved leaf column; idx is -1 when absent.
type parquetCol struct {
	idx int
	typ parquet.Type
}

func (f *parquetFile) col(name string) parquetCol {
	if name == "" {
		return parquetCol{idx: -1}
	}
	leaf, ok := f.schema.Lookup(name)
	if !ok {
		return parquetCol{idx: -1}
	}
	return parquetCol{idx: leaf.ColumnIndex, typ: leaf.Node.Type()}
}

// next returns the next row, or io.EOF after the last row group.
func (f *parquetFile) next() (parquet.Row, error) {
	for {
		if f.bufIdx < f.bufLen {
			row := f.buf[f.bufIdx]
			f.bufIdx++
			return row, nil
		}

		if f.rows != nil {
			n, err := f.rows.ReadRows(f.buf)
			if n > 0 {
				f.bufIdx, f.bufLen = 0, n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
			f.rows.Close()
			f.rows = nil
		}

		f.rgIdx++
		if f.rgIdx >= len(f.rowGroups) {
			return nil, io.EOF
		}
		f.rows = f.rowGroups[f.rgIdx].Rows()
	}
}

func (f *parquetFile) Close() error {
	if f.rows != nil {
		f.rows.Close()
	}
	return f.f.Close()
}

// text renders the value of c in row as the pipeline would see it in a
// CSV export. Timestamps and dates become wall-clock text.
func (c parquetCol) text(row parquet.Row) string {
	if c.idx < 0 {
		return ""
	}
	for _, v := range row {
		if v.Column() != c.idx {
			continue
		}
		if v.IsNull() {
			return ""
		}
		return valueText(v, c.typ)
	}
	return ""
}

func valueText(v parquet.Value, t parquet.Type) string {
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			return timestampTime(v.Int64(), lt.Timestamp.Unit).Format("2006-01-02 15:04:05")
		case lt.Date != nil:
			return aggregate.Date(v.Int32()).String()
		}
	}
	switch v.Kind() {
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}

func timestampTime(n int64, unit format.TimeUnit) time.Time {
	switch {
	case unit.Micros != nil:
		return time.UnixMicro(n).UTC()
	case unit.Nanos != nil:
		return time.Unix(0, n).UTC()
	default:
		return time.UnixMilli(n).UTC()
	}
}

// Batches opens the export and streams rows within r.
func (p *Parquet) Batches(ctx context.Context, r Range) (BatchReadCloser, error) {
	f, err := openParquet(p.path)
	if err != nil {
		return nil, err
	}

	br := &parquetBatchReader{
		file:      f,
		batchSize: p.batchSize,
		email:     f.col(p.cols.Email),
		createdAt: f.col(p.cols.CreatedAt),
		opens:     f.col(p.cols.Opens),
		clicks:    f.col(p.cols.Clicks),
	}
	var fields []aggregate.Field
	for _, fc := range []struct {
		f   aggregate.Field
		col parquetCol
	}{
		{aggregate.FieldEmail, br.email},
		{aggregate.FieldCreatedAt, br.createdAt},
		{aggregate.FieldOpens, br.opens},
		{aggregate.FieldClicks, br.clicks},
	} {
		if fc.col.idx >= 0 {
			fields = append(fields, fc.f)
		}
	}
	br.fields = aggregate.NewFieldSet(fields...)
	return FilterRange(br, r), nil
}

type parquetBatchReader struct {
	file                            *parquetFile
	batchSize                       int
	fields                          aggregate.FieldSet
	email, createdAt, opens, clicks parquetCol
	index                           int
	done                            bool
}

func (r *parquetBatchReader) Next(ctx context.Context) (*aggregate.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	b := &aggregate.Batch{Index: r.index, Fields: r.fields, Rows: make([]aggregate.Row, 0, min(r.batchSize, 4096))}
	for len(b.Rows) < r.batchSize {
		row, err := r.file.next()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		b.Rows = append(b.Rows, aggregate.Row{
			Email:     r.email.text(row),
			CreatedAt: r.createdAt.text(row),
			Opens:     r.opens.text(row),
			Clicks:    r.clicks.text(row),
		})
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	r.index++
	return b, nil
}

func (r *parquetBatchReader) Close() error { return r.file.Close() }

// Details opens the export for the full-detail extract.
func (p *Parquet) Details(ctx context.Context) (DetailReader, error) {
	f, err := openParquet(p.path)
	if err != nil {
		return nil, err
	}
	dr := &parquetDetailReader{
		file:       f,
		chunk:      p.batchSize,
		email:      f.col(p.cols.Email),
		createdAt:  f.col(p.cols.CreatedAt),
		agency:     f.col(p.cols.Agency),
		dest:       f.col(p.cols.Destination),
		activation: f.col(p.cols.Activation),
		locator:    f.col(p.cols.Locator),
	}
	if field, name, missing := p.cols.missingRequired(func(n string) bool { return f.col(n).idx >= 0 }); missing {
		f.Close()
		return nil, fmt.Errorf("parquet %s: %w: %s column %q", p.path, aggregate.ErrMissingColumn, field, name)
	}
	return dr, nil
}

type parquetDetailReader struct {
	file                                                 *parquetFile
	chunk                                                int
	email, createdAt, agency, dest, activation, locator parquetCol
	done                                                 bool
}

func (r *parquetDetailReader) Next(ctx context.Context) ([]DetailRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	out := make([]DetailRow, 0, min(r.chunk, 4096))
	for len(out) < r.chunk {
		row, err := r.file.next()
		if errors.Is(err, io.EOF) {
			r.done = true
			break
		}
		if err != nil {
			return nil, err
		}
		d, ok := aggregate.ParseDate(r.createdAt.text(row))
		if !ok {
			continue
		}
		out = append(out, DetailRow{
			Email:               r.email.text(row),
			Agency:              r.agency.text(row),
			Destination:         r.dest.text(row),
			ActivationCondition: r.activation.text(row),
			Locator:             r.locator.text(row),
			Date:                d,
		})
	}
	if len(out) == 0 && r.done {
		return nil, io.EOF
	}
	return out, nil
}

func (r *parquetDetailReader) Close() error { return r.file.Close() }
