// Package aggregate folds batches of email-send rows into per-day metrics,
// per-day domain counts, and a cross-batch dedup index.
//
// All state lives in the accumulators owned by one Pipeline for the
// lifetime of one run. Nothing here performs durable I/O except the dedup
// tracker's optional spill files, which are private to the run.
package aggregate

import (
	"context"
	"io"
)

// Field names a logical source column.
type Field string

const (
	FieldEmail     Field = "email"
	FieldCreatedAt Field = "created_at"
	FieldOpens     Field = "opens"
	FieldClicks    Field = "clicks"
)

// FieldSet records which logical columns a batch carries.
type FieldSet uint8

const (
	hasEmail FieldSet = 1 << iota
	hasCreatedAt
	hasOpens
	hasClicks
)

// RequiredFields is the set every batch must carry.
var RequiredFields = NewFieldSet(FieldEmail, FieldCreatedAt)

// NewFieldSet builds a FieldSet from field names. Unknown names are ignored.
func NewFieldSet(fields ...Field) FieldSet {
	var fs FieldSet
	for _, f := range fields {
		fs |= bit(f)
	}
	return fs
}

func bit(f Field) FieldSet {
	switch f {
	case FieldEmail:
		return hasEmail
	case FieldCreatedAt:
		return hasCreatedAt
	case FieldOpens:
		return hasOpens
	case FieldClicks:
		return hasClicks
	default:
		return 0
	}
}

// Has reports whether f is present.
func (fs FieldSet) Has(f Field) bool {
	b := bit(f)
	return b != 0 && fs&b == b
}

// Missing returns the first field of required absent from fs, if any.
func (fs FieldSet) Missing(required ...Field) (Field, bool) {
	for _, f := range required {
		if !fs.Has(f) {
			return f, true
		}
	}
	return "", false
}

// Row is one source row as raw text cells. A NULL cell is the empty string.
type Row struct {
	Email     string
	CreatedAt string
	Opens     string
	Clicks    string
}

// Batch is a finite slice of rows retrieved in one source round-trip.
type Batch struct {
	Index  int
	Fields FieldSet
	Rows   []Row
}

// BatchReader yields batches one at a time. Next returns io.EOF after the
// last batch.
type BatchReader interface {
	Next(ctx context.Context) (*Batch, error)
}

// DailyMetric is the per-date counter record.
type DailyMetric struct {
	MetricDate          Date
	TotalRows           int64
	WithEmail           int64
	ValidEmails         int64
	InvalidEmails       int64
	DuplicatesExtraRows int64
	UniqueValidEmails   int64
	SendableEmails      int64
	TotalOpens          float64
	TotalClicks         float64
}

// DomainDailyCount is the number of valid emails for a domain on a date.
type DomainDailyCount struct {
	MetricDate Date
	Domain     string
	Count      int64
}

// RepeatedEmail is one entry of the global dedup index.
type RepeatedEmail struct {
	Email       string
	Occurrences int64
	FirstSeen   Date
	LastSeen    Date
}

// RunStats are counted, reportable quantities of one run.
type RunStats struct {
	Batches int
	Rows    int64
	// DateParseSkips counts rows excluded from every date-keyed aggregate
	// because their creation timestamp was null or unparseable.
	DateParseSkips int64
	// CoercedCells counts non-empty opens/clicks cells treated as zero.
	CoercedCells int64
	// NoValidBatches counts batches that had emails but none valid.
	NoValidBatches int
	SpillRuns      int
}

// Result is the output of one pipeline run.
type Result struct {
	Daily    []DailyMetric
	Domains  []DomainDailyCount
	Repeated *DedupIndex
	Stats    RunStats
}

// Close releases resources held by the dedup index.
func (r *Result) Close() error {
	if r == nil || r.Repeated == nil {
		return nil
	}
	return r.Repeated.Close()
}

// SliceReader serves pre-built batches, mainly for tests and replays.
type SliceReader struct {
	batches []*Batch
	pos     int
}

// NewSliceReader returns a reader over batches.
func NewSliceReader(batches ...*Batch) *SliceReader {
	return &SliceReader{batches: batches}
}

// Next returns the next batch or io.EOF.
func (s *SliceReader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}
