package store

import (
	"context"
	"fmt"
)

// Table names shared with the dashboard.
const (
	TableDaily    = "metrics_daily"
	TableDomains  = "metrics_top_domains_daily"
	TableRepeated = "metrics_repeated_emails"
)

func schemaStatements(d Dialect) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metric_date DATE NOT NULL PRIMARY KEY,
			total_rows BIGINT NOT NULL DEFAULT 0,
			with_email BIGINT NOT NULL DEFAULT 0,
			valid_emails BIGINT NOT NULL DEFAULT 0,
			invalid_emails BIGINT NOT NULL DEFAULT 0,
			duplicates_extra_rows BIGINT NOT NULL DEFAULT 0,
			unique_valid_emails BIGINT NOT NULL DEFAULT 0,
			sendable_emails BIGINT NOT NULL DEFAULT 0,
			total_opens %[2]s NOT NULL DEFAULT 0,
			total_clicks %[2]s NOT NULL DEFAULT 0
		)`, TableDaily, d.FloatType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			metric_date DATE NOT NULL,
			domain TEXT NOT NULL,
			cnt BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (metric_date, domain)
		)`, TableDomains),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			email TEXT NOT NULL PRIMARY KEY,
			occurrences BIGINT NOT NULL DEFAULT 0,
			first_seen DATE,
			last_seen DATE
		)`, TableRepeated),
	}
}

// EnsureSchema creates the metric tables if they do not exist.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(g.dialect) {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return &PersistenceError{Op: "ensure schema", Err: err}
		}
	}
	return nil
}
