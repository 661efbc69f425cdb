package store

import (
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// ErrUnsupportedDSN is returned for a DSN with an unknown scheme.
var ErrUnsupportedDSN = errors.New("unsupported database DSN")

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Name   string
	Driver string
	// Placeholder is the squirrel bind style.
	Placeholder sq.PlaceholderFormat
	// Least and Greatest are the two-argument scalar min/max functions.
	Least    string
	Greatest string
	// FloatType is the column type for engagement sums.
	FloatType string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "postgres",
		Placeholder: sq.Dollar,
		Least:       "LEAST",
		Greatest:    "GREATEST",
		FloatType:   "DOUBLE PRECISION",
	}
	SQLite = Dialect{
		Name:        "sqlite",
		Driver:      "sqlite3",
		Placeholder: sq.Question,
		Least:       "MIN",
		Greatest:    "MAX",
		FloatType:   "REAL",
	}
)

// ParseDSN picks a dialect from dsn and returns the driver-level data
// source name. postgres:// and postgresql:// select lib/pq; sqlite://,
// file: and bare paths select go-sqlite3.
func ParseDSN(dsn string) (Dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return Dialect{}, "", fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return Postgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"):
		return SQLite, dsn, nil
	case strings.Contains(dsn, "://"):
		scheme, _, _ := strings.Cut(dsn, "://")
		return Dialect{}, "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	default:
		return SQLite, dsn, nil
	}
}
