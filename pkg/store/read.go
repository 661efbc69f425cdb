package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// dateColumn scans DATE columns that drivers return either as time.Time
// (lib/pq, go-sqlite3 with declared DATE) or as text.
type dateColumn struct {
	d     *aggregate.Date
	valid bool
}

func (c *dateColumn) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		c.valid = false
		return nil
	case time.Time:
		*c.d = aggregate.DateOf(v)
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	default:
		return fmt.Errorf("unsupported date value %T", src)
	}
	c.valid = true
	return nil
}

func (c *dateColumn) parse(s string) error {
	d, ok := aggregate.ParseDate(s)
	if !ok {
		return fmt.Errorf("unparseable date %q", s)
	}
	*c.d = d
	c.valid = true
	return nil
}

// Range limits a read to dates within [From, To]. A nil bound is open.
type Range struct {
	From *aggregate.Date
	To   *aggregate.Date
}

func (r Range) apply(q sq.SelectBuilder, col string) sq.SelectBuilder {
	if r.From != nil {
		q = q.Where(sq.GtOrEq{col: r.From.String()})
	}
	if r.To != nil {
		q = q.Where(sq.LtOrEq{col: r.To.String()})
	}
	return q
}

func (g *Gateway) query(ctx context.Context, q sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := q.PlaceholderFormat(g.dialect.Placeholder).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return g.db.QueryContext(ctx, query, args...)
}

// LoadDaily returns stored daily metrics in date order.
func (g *Gateway) LoadDaily(ctx context.Context, r Range) ([]aggregate.DailyMetric, error) {
	q := r.apply(sq.Select(dailyColumns...).From(TableDaily), "metric_date").OrderBy("metric_date")
	rows, err := g.query(ctx, q)
	if err != nil {
		return nil, &PersistenceError{Table: TableDaily, Op: "load", Err: err}
	}
	defer rows.Close()

	var out []aggregate.DailyMetric
	for rows.Next() {
		var m aggregate.DailyMetric
		if err := rows.Scan(&dateColumn{d: &m.MetricDate}, &m.TotalRows, &m.WithEmail, &m.ValidEmails,
			&m.InvalidEmails, &m.DuplicatesExtraRows, &m.UniqueValidEmails, &m.SendableEmails,
			&m.TotalOpens, &m.TotalClicks); err != nil {
			return nil, &PersistenceError{Table: TableDaily, Op: "scan", Err: err}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Table: TableDaily, Op: "load", Err: err}
	}
	return out, nil
}

// LoadDomains returns stored domain counts ordered by date, then count
// descending, then domain.
func (g *Gateway) LoadDomains(ctx context.Context, r Range) ([]aggregate.DomainDailyCount, error) {
	q := r.apply(sq.Select("metric_date", "domain", "cnt").From(TableDomains), "metric_date").
		OrderBy("metric_date", "cnt DESC", "domain")
	rows, err := g.query(ctx, q)
	if err != nil {
		return nil, &PersistenceError{Table: TableDomains, Op: "load", Err: err}
	}
	defer rows.Close()

	var out []aggregate.DomainDailyCount
	for rows.Next() {
		var d aggregate.DomainDailyCount
		if err := rows.Scan(&dateColumn{d: &d.MetricDate}, &d.Domain, &d.Count); err != nil {
			return nil, &PersistenceError{Table: TableDomains, Op: "scan", Err: err}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Table: TableDomains, Op: "load", Err: err}
	}
	return out, nil
}

// LoadRepeated returns stored repeated-email rows, most frequent first.
// limit <= 0 returns every row.
func (g *Gateway) LoadRepeated(ctx context.Context, limit int) ([]aggregate.RepeatedEmail, error) {
	q := sq.Select("email", "occurrences", "first_seen", "last_seen").
		From(TableRepeated).
		OrderBy("occurrences DESC", "email")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := g.query(ctx, q)
	if err != nil {
		return nil, &PersistenceError{Table: TableRepeated, Op: "load", Err: err}
	}
	defer rows.Close()

	var out []aggregate.RepeatedEmail
	for rows.Next() {
		var r aggregate.RepeatedEmail
		if err := rows.Scan(&r.Email, &r.Occurrences, &dateColumn{d: &r.FirstSeen}, &dateColumn{d: &r.LastSeen}); err != nil {
			return nil, &PersistenceError{Table: TableRepeated, Op: "scan", Err: err}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Table: TableRepeated, Op: "load", Err: err}
	}
	return out, nil
}
