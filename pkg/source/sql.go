package source

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/store"
)

// SQL reads the transactional table through database/sql.
type SQL struct {
	db        *sql.DB
	dialect   store.Dialect
	table     string
	cols      Columns
	batchSize int
	ownsDB    bool
}

// OpenSQL connects to dsn using the same DSN rules as the store.
func OpenSQL(ctx context.Context, dsn, table string, cols Columns, batchSize int) (*SQL, error) {
	d, driverDSN, err := store.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := store.OpenDB(ctx, d, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	s := NewSQL(db, d, table, cols, batchSize)
	s.ownsDB = true
	return s, nil
}

// NewSQL wraps an open handle.
func NewSQL(db *sql.DB, d store.Dialect, table string, cols Columns, batchSize int) *SQL {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &SQL{db: db, dialect: d, table: table, cols: cols, batchSize: batchSize}
}

// Close closes the handle if OpenSQL created it.
func (s *SQL) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// quoteIdent quotes a possibly schema-qualified identifier. Column names
// in the production table are mixed-case, which Postgres folds unless
// quoted.
func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

// batchQuery builds the range-restricted projection. The end bound is
// inclusive of the whole end date.
func (s *SQL) batchQuery(r Range) (sq.SelectBuilder, aggregate.FieldSet) {
	created := quoteIdent(s.cols.CreatedAt)
	cols := []string{
		quoteIdent(s.cols.Email) + " AS email",
		created + " AS created_at",
	}
	fields := []aggregate.Field{aggregate.FieldEmail, aggregate.FieldCreatedAt}
	if s.cols.Opens != "" {
		cols = append(cols, quoteIdent(s.cols.Opens)+" AS opens")
		fields = append(fields, aggregate.FieldOpens)
	}
	if s.cols.Clicks != "" {
		cols = append(cols, quoteIdent(s.cols.Clicks)+" AS clicks")
		fields = append(fields, aggregate.FieldClicks)
	}

	q := sq.Select(cols...).From(quoteIdent(s.table))
	if r.Start != nil {
		q = q.Where(sq.GtOrEq{created: r.Start.String()})
	}
	if r.End != nil {
		q = q.Where(sq.Lt{created: r.End.AddDays(1).String()})
	}
	return q.PlaceholderFormat(s.dialect.Placeholder), aggregate.NewFieldSet(fields...)
}

// Batches runs the projection and streams its cursor in batches.
func (s *SQL) Batches(ctx context.Context, r Range) (BatchReadCloser, error) {
	if f, _, missing := s.cols.missingRequired(func(string) bool { return true }); missing {
		return nil, &aggregate.ConfigError{Field: f, Err: aggregate.ErrMissingColumn}
	}
	q, fields := s.batchQuery(r)
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("source columns: %w", err)
	}
	return &sqlBatchReader{rows: rows, fields: fields, width: len(cols), batchSize: s.batchSize}, nil
}

type sqlBatchReader struct {
	rows      *sql.Rows
	fields    aggregate.FieldSet
	width     int
	batchSize int
	index     int
	done      bool
}

func (r *sqlBatchReader) Next(ctx context.Context) (*aggregate.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	vals := make([]any, r.width)
	ptrs := make([]any, r.width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	b := &aggregate.Batch{Index: r.index, Fields: r.fields, Rows: make([]aggregate.Row, 0, min(r.batchSize, 4096))}
	for len(b.Rows) < r.batchSize {
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, fmt.Errorf("source cursor: %w", err)
			}
			break
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		row := aggregate.Row{Email: cellText(vals[0]), CreatedAt: cellText(vals[1])}
		next := 2
		if r.fields.Has(aggregate.FieldOpens) {
			row.Opens = cellText(vals[next])
			next++
		}
		if r.fields.Has(aggregate.FieldClicks) {
			row.Clicks = cellText(vals[next])
		}
		b.Rows = append(b.Rows, row)
	}
	if len(b.Rows) == 0 {
		return nil, io.EOF
	}
	r.index++
	return b, nil
}

func (r *sqlBatchReader) Close() error { return r.rows.Close() }

// Details runs a full-range read of the detail projection.
func (s *SQL) Details(ctx context.Context) (DetailReader, error) {
	lit := func(name, alias string) string {
		if name == "" {
			return "'' AS " + alias
		}
		return quoteIdent(name) + " AS " + alias
	}
	q := sq.Select(
		lit(s.cols.Email, "email"),
		lit(s.cols.CreatedAt, "created_at"),
		lit(s.cols.Agency, "agency"),
		lit(s.cols.Destination, "destination"),
		lit(s.cols.Activation, "activation_condition"),
		lit(s.cols.Locator, "locator"),
	).From(quoteIdent(s.table)).PlaceholderFormat(s.dialect.Placeholder)

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build detail query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query details: %w", err)
	}
	return &sqlDetailReader{rows: rows, chunk: s.batchSize}, nil
}

type sqlDetailReader struct {
	rows  *sql.Rows
	chunk int
	done  bool
}

func (r *sqlDetailReader) Next(ctx context.Context) ([]DetailRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.done {
		return nil, io.EOF
	}

	var vals [6]any
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	out := make([]DetailRow, 0, min(r.chunk, 4096))
	for len(out) < r.chunk {
		if !r.rows.Next() {
			r.done = true
			if err := r.rows.Err(); err != nil {
				return nil, fmt.Errorf("detail cursor: %w", err)
			}
			break
		}
		if err := r.rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan detail row: %w", err)
		}
		d, ok := aggregate.ParseDate(cellText(vals[1]))
		if !ok {
			continue
		}
		out = append(out, DetailRow{
			Email:               cellText(vals[0]),
			Agency:              cellText(vals[2]),
			Destination:         cellText(vals[3]),
			ActivationCondition: cellText(vals[4]),
			Locator:             cellText(vals[5]),
			Date:                d,
		})
	}
	if len(out) == 0 && r.done {
		return nil, io.EOF
	}
	return out, nil
}

func (r *sqlDetailReader) Close() error { return r.rows.Close() }
