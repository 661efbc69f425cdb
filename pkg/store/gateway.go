// Package store is the relational persistence gateway. It commits one run's
// aggregates in a single transaction using upserts, so re-running a date
// range replaces its rows instead of adding to them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/logging"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultRowsPerStatement bounds the rows in one multi-row upsert.
const DefaultRowsPerStatement = 200

// Gateway writes and reads the metric tables.
type Gateway struct {
	db               *sql.DB
	dialect          Dialect
	rowsPerStatement int
	ownsDB           bool
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRowsPerStatement sets the multi-row upsert size.
func WithRowsPerStatement(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.rowsPerStatement = n
		}
	}
}

// New wraps an open database handle.
func New(db *sql.DB, d Dialect, opts ...Option) *Gateway {
	g := &Gateway{db: db, dialect: d, rowsPerStatement: DefaultRowsPerStatement}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, opts ...Option) (*Gateway, error) {
	d, driverDSN, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := OpenDB(ctx, d, driverDSN)
	if err != nil {
		return nil, err
	}
	g := New(db, d, opts...)
	g.ownsDB = true
	return g, nil
}

// OpenDB opens and pings a handle for d. SQLite handles get WAL journaling
// and a busy timeout so dashboard readers do not block the commit.
func OpenDB(ctx context.Context, d Dialect, driverDSN string) (*sql.DB, error) {
	db, err := sql.Open(d.Driver, driverDSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
			}
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	return db, nil
}

// Dialect returns the backend dialect.
func (g *Gateway) Dialect() Dialect { return g.dialect }

// Close closes the handle if the gateway opened it.
func (g *Gateway) Close() error {
	if !g.ownsDB {
		return nil
	}
	return g.db.Close()
}

// FlushStats counts the rows written per table.
type FlushStats struct {
	Daily    int
	Domains  int
	Repeated int
}

// Flush upserts every aggregate in res inside one transaction. On any
// error the transaction is rolled back and a *PersistenceError returned.
func (g *Gateway) Flush(ctx context.Context, res *aggregate.Result) (FlushStats, error) {
	log := logctx.FromContext(ctx).With().Str("phase", "persist").Logger()
	start := time.Now()
	var stats FlushStats

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, &PersistenceError{Op: "begin", Err: err}
	}

	if stats.Daily, err = g.upsertDaily(ctx, tx, res.Daily); err != nil {
		tx.Rollback()
		return FlushStats{}, &PersistenceError{Table: TableDaily, Op: "upsert", Err: err}
	}
	if stats.Domains, err = g.upsertDomains(ctx, tx, res.Domains); err != nil {
		tx.Rollback()
		return FlushStats{}, &PersistenceError{Table: TableDomains, Op: "upsert", Err: err}
	}
	if res.Repeated != nil {
		if stats.Repeated, err = g.upsertRepeated(ctx, tx, res.Repeated); err != nil {
			tx.Rollback()
			return FlushStats{}, &PersistenceError{Table: TableRepeated, Op: "upsert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return FlushStats{}, &PersistenceError{Op: "commit", Err: err}
	}

	logging.PhaseComplete(log, "persist", time.Since(start)).
		Str("dialect", g.dialect.Name).
		Int("daily_rows", stats.Daily).
		Int("domain_rows", stats.Domains).
		Int("repeated_rows", stats.Repeated).
		Log("relational commit complete")
	return stats, nil
}

// upserter accumulates rows and executes one multi-row statement per
// rowsPerStatement rows.
type upserter struct {
	ctx   context.Context
	tx    *sql.Tx
	base  func() sq.InsertBuilder
	limit int
	q     sq.InsertBuilder
	n     int
	total int
}

func (g *Gateway) newUpserter(ctx context.Context, tx *sql.Tx, table string, cols []string, conflict string) *upserter {
	base := func() sq.InsertBuilder {
		return sq.Insert(table).Columns(cols...).Suffix(conflict).PlaceholderFormat(g.dialect.Placeholder)
	}
	return &upserter{
		ctx:   ctx,
		tx:    tx,
		base:  base,
		limit: g.rowsPerStatement,
		q:     base(),
	}
}

func (u *upserter) add(values ...any) error {
	u.q = u.q.Values(values...)
	u.n++
	if u.n >= u.limit {
		return u.flush()
	}
	return nil
}

func (u *upserter) flush() error {
	if u.n == 0 {
		return nil
	}
	query, args, err := u.q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := u.tx.ExecContext(u.ctx, query, args...); err != nil {
		return fmt.Errorf("upsert at row %d: %w", u.total, err)
	}
	u.total += u.n
	u.n = 0
	u.q = u.base()
	return nil
}

func overwrite(cols ...string) string {
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return strings.Join(sets, ", ")
}

var dailyColumns = []string{
	"metric_date", "total_rows", "with_email", "valid_emails", "invalid_emails",
	"duplicates_extra_rows", "unique_valid_emails", "sendable_emails",
	"total_opens", "total_clicks",
}

func (g *Gateway) upsertDaily(ctx context.Context, tx *sql.Tx, rows []aggregate.DailyMetric) (int, error) {
	conflict := "ON CONFLICT (metric_date) DO UPDATE SET " + overwrite(dailyColumns[1:]...)
	u := g.newUpserter(ctx, tx, TableDaily, dailyColumns, conflict)
	for _, m := range rows {
		err := u.add(m.MetricDate.String(), m.TotalRows, m.WithEmail, m.ValidEmails, m.InvalidEmails,
			m.DuplicatesExtraRows, m.UniqueValidEmails, m.SendableEmails, m.TotalOpens, m.TotalClicks)
		if err != nil {
			return u.total, err
		}
	}
	return u.total, u.flush()
}

func (g *Gateway) upsertDomains(ctx context.Context, tx *sql.Tx, rows []aggregate.DomainDailyCount) (int, error) {
	conflict := "ON CONFLICT (metric_date, domain) DO UPDATE SET " + overwrite("cnt")
	u := g.newUpserter(ctx, tx, TableDomains, []string{"metric_date", "domain", "cnt"}, conflict)
	for _, d := range rows {
		if err := u.add(d.MetricDate.String(), d.Domain, d.Count); err != nil {
			return u.total, err
		}
	}
	return u.total, u.flush()
}

func (g *Gateway) repeatedConflict() string {
	t := TableRepeated
	return fmt.Sprintf("ON CONFLICT (email) DO UPDATE SET "+
		"occurrences = excluded.occurrences, "+
		"first_seen = %[1]s(COALESCE(%[3]s.first_seen, excluded.first_seen), excluded.first_seen), "+
		"last_seen = %[2]s(COALESCE(%[3]s.last_seen, excluded.last_seen), excluded.last_seen)",
		g.dialect.Least, g.dialect.Greatest, t)
}

func (g *Gateway) upsertRepeated(ctx context.Context, tx *sql.Tx, ix *aggregate.DedupIndex) (int, error) {
	cols := []string{"email", "occurrences", "first_seen", "last_seen"}
	u := g.newUpserter(ctx, tx, TableRepeated, cols, g.repeatedConflict())
	err := ix.Each(func(r aggregate.RepeatedEmail) error {
		return u.add(r.Email, r.Occurrences, r.FirstSeen.String(), r.LastSeen.String())
	})
	if err != nil {
		return u.total, err
	}
	return u.total, u.flush()
}
