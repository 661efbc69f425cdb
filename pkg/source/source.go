// Package source reads email-send rows in batches from the transactional
// table (Postgres or SQLite) or from a CSV export of it.
package source

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// DefaultBatchSize matches the chunk size the dashboards were tuned for.
const DefaultBatchSize = 150_000

// Columns maps logical fields to source column names. Empty Opens or
// Clicks disables engagement sums; empty detail columns yield empty cells.
type Columns struct {
	Email       string
	CreatedAt   string
	Opens       string
	Clicks      string
	Agency      string
	Destination string
	Activation  string
	Locator     string
}

// missingRequired returns the first of the email and creation date roles
// whose column is unset or for which has reports false.
func (c Columns) missingRequired(has func(name string) bool) (aggregate.Field, string, bool) {
	for _, req := range []struct {
		field aggregate.Field
		name  string
	}{
		{aggregate.FieldEmail, c.Email},
		{aggregate.FieldCreatedAt, c.CreatedAt},
	} {
		if req.name == "" || !has(req.name) {
			return req.field, req.name, true
		}
	}
	return "", "", false
}

// DefaultColumns returns the column names of the production table.
func DefaultColumns() Columns {
	return Columns{
		Email:       "Email",
		CreatedAt:   "Fecha_de_creacion",
		Agency:      "agency",
		Destination: "Destination",
		Activation:  "condactivacion",
		Locator:     "Localizador",
	}
}

// Range is an inclusive date range. A nil bound is open; both nil means a
// full rebuild.
type Range struct {
	Start *aggregate.Date
	End   *aggregate.Date
}

// Bounded reports whether either bound is set.
func (r Range) Bounded() bool { return r.Start != nil || r.End != nil }

// Contains reports whether d lies within r.
func (r Range) Contains(d aggregate.Date) bool {
	if r.Start != nil && d < *r.Start {
		return false
	}
	if r.End != nil && d > *r.End {
		return false
	}
	return true
}

func (r Range) String() string {
	bound := func(d *aggregate.Date) string {
		if d == nil {
			return "*"
		}
		return d.String()
	}
	return bound(r.Start) + ".." + bound(r.End)
}

// BatchReadCloser is a batch stream that holds a cursor or file.
type BatchReadCloser interface {
	aggregate.BatchReader
	io.Closer
}

// DetailRow is one row of the full-detail extract. Email is the raw cell.
type DetailRow struct {
	Email               string
	Agency              string
	Destination         string
	ActivationCondition string
	Locator             string
	Date                aggregate.Date
}

// DetailReader streams detail rows in chunks. Rows without a parseable
// date are dropped by the reader. Next returns io.EOF at the end.
type DetailReader interface {
	Next(ctx context.Context) ([]DetailRow, error)
	io.Closer
}

// Source is a batch source for one run.
type Source interface {
	Batches(ctx context.Context, r Range) (BatchReadCloser, error)
	Details(ctx context.Context) (DetailReader, error)
	Close() error
}

// cellText renders a driver value as the text the pipeline parses.
func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format("2006-01-02 15:04:05")
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
