package source

import (
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/store"
)

func collect(t *testing.T, r BatchReadCloser) []*aggregate.Batch {
	t.Helper()
	defer r.Close()
	var out []*aggregate.Batch
	for {
		b, err := r.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func allRows(batches []*aggregate.Batch) []aggregate.Row {
	var rows []aggregate.Row
	for _, b := range batches {
		rows = append(rows, b.Rows...)
	}
	return rows
}

func datePtr(s string) *aggregate.Date {
	d := aggregate.MustParseDate(s)
	return &d
}

func seedSQLite(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenDB(ctx, store.SQLite, filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE data (
		"Email" TEXT,
		"Fecha_de_creacion" DATETIME,
		"Aperturas" INTEGER,
		"agency" TEXT,
		"Destination" TEXT,
		"condactivacion" TEXT,
		"Localizador" TEXT
	)`)
	require.NoError(t, err)

	rows := [][]any{
		{"a@x.com", "2025-01-01 08:00:00", 2, "ag1", "CUN", "A", "L1"},
		{"A@X.COM", "2025-01-01 09:30:00", nil, "ag1", "CUN", "A", "L2"},
		{"bad", "2025-01-02 10:00:00", 1, "ag2", "MEX", "B", "L3"},
		{nil, "2025-01-03 23:59:59", 5, nil, nil, nil, nil},
		{"c@z.com", "2025-01-04 00:00:00", 0, "ag3", "MAD", "C", "L4"},
		{"d@z.com", nil, 1, "ag3", "MAD", "C", "L5"},
	}
	for _, r := range rows {
		_, err := db.ExecContext(ctx, `INSERT INTO data VALUES (?, ?, ?, ?, ?, ?, ?)`, r...)
		require.NoError(t, err)
	}
	return db
}

func TestSQL_BatchesFullRebuild(t *testing.T) {
	cols := DefaultColumns()
	cols.Opens = "Aperturas"
	src := NewSQL(seedSQLite(t), store.SQLite, "data", cols, 4)

	r, err := src.Batches(context.Background(), Range{})
	require.NoError(t, err)
	batches := collect(t, r)

	require.Len(t, batches, 2)
	assert.Len(t, batches[0].Rows, 4)
	assert.Len(t, batches[1].Rows, 2)
	assert.Equal(t, 1, batches[1].Index)
	assert.True(t, batches[0].Fields.Has(aggregate.FieldOpens))
	assert.False(t, batches[0].Fields.Has(aggregate.FieldClicks))

	rows := allRows(batches)
	assert.Equal(t, "a@x.com", rows[0].Email)
	assert.Equal(t, "2", rows[0].Opens)
	assert.Equal(t, "", rows[1].Opens)
	assert.Equal(t, "", rows[3].Email)
	d, ok := aggregate.ParseDate(rows[3].CreatedAt)
	require.True(t, ok)
	assert.Equal(t, "2025-01-03", d.String())
}

func TestSQL_BatchesInclusiveRange(t *testing.T) {
	src := NewSQL(seedSQLite(t), store.SQLite, "data", DefaultColumns(), 100)

	r, err := src.Batches(context.Background(), Range{Start: datePtr("2025-01-02"), End: datePtr("2025-01-03")})
	require.NoError(t, err)
	rows := allRows(collect(t, r))

	require.Len(t, rows, 2)
	assert.Equal(t, "bad", rows[0].Email)
	assert.Equal(t, "", rows[1].Email, "23:59:59 on the end date is included")
}

func TestSQL_OpenEndedRange(t *testing.T) {
	src := NewSQL(seedSQLite(t), store.SQLite, "data", DefaultColumns(), 100)

	r, err := src.Batches(context.Background(), Range{Start: datePtr("2025-01-03")})
	require.NoError(t, err)
	assert.Len(t, allRows(collect(t, r)), 2)

	r, err = src.Batches(context.Background(), Range{End: datePtr("2025-01-01")})
	require.NoError(t, err)
	assert.Len(t, allRows(collect(t, r)), 2)
}

func TestSQL_BatchQueryPostgres(t *testing.T) {
	cols := DefaultColumns()
	cols.Clicks = "Clics"
	src := NewSQL(nil, store.Postgres, "public.data", cols, 10)

	q, fields := src.batchQuery(Range{Start: datePtr("2025-01-01"), End: datePtr("2025-01-31")})
	query, args, err := q.ToSql()
	require.NoError(t, err)

	assert.Equal(t, `SELECT "Email" AS email, "Fecha_de_creacion" AS created_at, "Clics" AS clicks FROM "public"."data" `+
		`WHERE "Fecha_de_creacion" >= $1 AND "Fecha_de_creacion" < $2`, query)
	assert.Equal(t, []any{"2025-01-01", "2025-02-01"}, args)
	assert.True(t, fields.Has(aggregate.FieldClicks))
}

func TestSQL_MissingColumnNamesTheRole(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Columns)
		want aggregate.Field
	}{
		{"no email", func(c *Columns) { c.Email = "" }, aggregate.FieldEmail},
		{"no creation date", func(c *Columns) { c.CreatedAt = "" }, aggregate.FieldCreatedAt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cols := DefaultColumns()
			tt.edit(&cols)
			_, err := NewSQL(nil, store.SQLite, "data", cols, 10).Batches(context.Background(), Range{})

			var cfgErr *aggregate.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.want, cfgErr.Field)
			assert.ErrorIs(t, err, aggregate.ErrMissingColumn)
		})
	}
}

func TestSQL_Details(t *testing.T) {
	src := NewSQL(seedSQLite(t), store.SQLite, "data", DefaultColumns(), 2)

	dr, err := src.Details(context.Background())
	require.NoError(t, err)
	defer dr.Close()

	var rows []DetailRow
	for {
		chunk, err := dr.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		rows = append(rows, chunk...)
	}

	require.Len(t, rows, 5, "row without a date is dropped")
	assert.Equal(t, DetailRow{
		Email: "a@x.com", Agency: "ag1", Destination: "CUN", ActivationCondition: "A", Locator: "L1",
		Date: aggregate.MustParseDate("2025-01-01"),
	}, rows[0])
	assert.Equal(t, "", rows[3].Agency)
}

const sampleCSV = "Email,Fecha_de_creacion,agency,Destination,condactivacion,Localizador,opens\n" +
	"a@x.com,2025-01-01 10:00:00,ag1,CUN,A,L1,3\n" +
	"b@y.com,2025-01-02,ag1,CUN,A,L2,x\n" +
	"c@z.com,,ag2,MEX,B,L3,1\n" +
	"d@z.com,2025-01-05,ag2,MEX,B,L4,\n"

func writeCSV(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	if filepath.Ext(name) == ".gz" {
		gz := gzip.NewWriter(f)
		_, err = gz.Write([]byte(body))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		return path
	}
	_, err = f.WriteString(body)
	require.NoError(t, err)
	return path
}

func TestCSV_Batches(t *testing.T) {
	for _, name := range []string{"data.csv", "data.csv.gz"} {
		t.Run(name, func(t *testing.T) {
			cols := DefaultColumns()
			cols.Opens = "opens"
			src := NewCSV(writeCSV(t, name, sampleCSV), cols, 3)

			r, err := src.Batches(context.Background(), Range{})
			require.NoError(t, err)
			batches := collect(t, r)

			require.Len(t, batches, 2)
			rows := allRows(batches)
			require.Len(t, rows, 4)
			assert.Equal(t, "x", rows[1].Opens)
			assert.True(t, batches[0].Fields.Has(aggregate.FieldOpens))
		})
	}
}

func TestCSV_RangeFilter(t *testing.T) {
	src := NewCSV(writeCSV(t, "data.csv", sampleCSV), DefaultColumns(), 10)

	r, err := src.Batches(context.Background(), Range{Start: datePtr("2025-01-02")})
	require.NoError(t, err)
	rows := allRows(collect(t, r))

	require.Len(t, rows, 2)
	assert.Equal(t, "b@y.com", rows[0].Email)
	assert.Equal(t, "d@z.com", rows[1].Email)
}

func TestCSV_MissingColumnSurfacesAsAbsentField(t *testing.T) {
	body := "Email,other\na@x.com,1\n"
	src := NewCSV(writeCSV(t, "data.csv", body), DefaultColumns(), 10)

	r, err := src.Batches(context.Background(), Range{})
	require.NoError(t, err)

	_, err = aggregate.NewPipeline(aggregate.Config{Dedup: aggregate.DedupConfig{MaxEntries: -1}}).
		Run(context.Background(), r)
	assert.ErrorIs(t, err, aggregate.ErrMissingColumn)
	r.Close()
}

func TestCSV_DetailsMissingDateColumn(t *testing.T) {
	src := NewCSV(writeCSV(t, "data.csv", "Email,other\na@x.com,1\n"), DefaultColumns(), 10)
	_, err := src.Details(context.Background())
	require.ErrorIs(t, err, aggregate.ErrMissingColumn)
	assert.Contains(t, err.Error(), "created_at column")
}

func TestCSV_Details(t *testing.T) {
	src := NewCSV(writeCSV(t, "data.csv", sampleCSV), DefaultColumns(), 10)
	dr, err := src.Details(context.Background())
	require.NoError(t, err)
	defer dr.Close()

	rows, err := dr.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "L4", rows[2].Locator)

	_, err = dr.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestCSV_EmptyFile(t *testing.T) {
	src := NewCSV(writeCSV(t, "empty.csv", ""), DefaultColumns(), 10)
	_, err := src.Batches(context.Background(), Range{})
	assert.Error(t, err)
}

func TestRange(t *testing.T) {
	r := Range{Start: datePtr("2025-01-02"), End: datePtr("2025-01-04")}
	assert.True(t, r.Bounded())
	assert.False(t, r.Contains(aggregate.MustParseDate("2025-01-01")))
	assert.True(t, r.Contains(aggregate.MustParseDate("2025-01-04")))
	assert.Equal(t, "2025-01-02..2025-01-04", r.String())
	assert.Equal(t, "*..*", Range{}.String())
}
