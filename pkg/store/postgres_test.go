package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestFlush_PostgresStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := New(db, Postgres, WithRowsPerStatement(2))
	res := resultFor(t, dated{"2025-01-01", []string{"a@x.com", "b@y.com", "c@z.com"}})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_daily (metric_date,total_rows,with_email,valid_emails,invalid_emails,duplicates_extra_rows,unique_valid_emails,sendable_emails,total_opens,total_clicks) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) ON CONFLICT (metric_date) DO UPDATE SET total_rows = excluded.total_rows")).
		WithArgs(append([]driver.Value{"2025-01-01"}, anyArgs(9)...)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_top_domains_daily (metric_date,domain,cnt) VALUES ($1,$2,$3),($4,$5,$6) ON CONFLICT (metric_date, domain) DO UPDATE SET cnt = excluded.cnt")).
		WithArgs("2025-01-01", "x.com", int64(1), "2025-01-01", "y.com", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_top_domains_daily")).
		WithArgs("2025-01-01", "z.com", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_repeated_emails (email,occurrences,first_seen,last_seen) VALUES ($1,$2,$3,$4),($5,$6,$7,$8) ON CONFLICT (email) DO UPDATE SET occurrences = excluded.occurrences, first_seen = LEAST(COALESCE(metrics_repeated_emails.first_seen, excluded.first_seen), excluded.first_seen), last_seen = GREATEST(")).
		WithArgs(anyArgs(8)...).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metrics_repeated_emails")).
		WithArgs("c@z.com", int64(1), "2025-01-01", "2025-01-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stats, err := g.Flush(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, FlushStats{Daily: 1, Domains: 3, Repeated: 3}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlush_PostgresRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := New(db, Postgres)
	res := resultFor(t, dated{"2025-01-01", []string{"a@x.com"}})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO metrics_top_domains_daily").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err = g.Flush(context.Background(), res)
	require.Error(t, err)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, TableDomains, perr.Table)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlush_PostgresCommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	g := New(db, Postgres)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection lost"))

	_, err = g.Flush(context.Background(), resultFor(t))
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "commit", perr.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metrics_daily")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metrics_top_domains_daily")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS metrics_repeated_emails")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, New(db, Postgres).EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSchema_AddressColumnsAreUnbounded(t *testing.T) {
	ddl := strings.Join(schemaStatements(Postgres), "\n")
	assert.NotContains(t, ddl, "VARCHAR", "valid addresses have no length limit")
	assert.Contains(t, ddl, "domain TEXT NOT NULL")
	assert.Contains(t, ddl, "email TEXT NOT NULL PRIMARY KEY")
}

func TestLoadRepeated_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"email", "occurrences", "first_seen", "last_seen"}).
		AddRow("a@x.com", int64(4), "2025-01-01", "2025-01-09")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT email, occurrences, first_seen, last_seen FROM metrics_repeated_emails ORDER BY occurrences DESC, email LIMIT 10")).
		WillReturnRows(rows)

	got, err := New(db, Postgres).LoadRepeated(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2025-01-09", got[0].LastSeen.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}
