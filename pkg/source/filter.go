package source

import (
	"context"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// rangeFilter drops rows outside a bounded range. With a bound set, rows
// whose date cannot be parsed are dropped too, matching how a SQL range
// predicate excludes them.
type rangeFilter struct {
	BatchReadCloser
	r Range
}

// FilterRange wraps in so only rows within r reach the pipeline. An
// unbounded range returns in unchanged.
func FilterRange(in BatchReadCloser, r Range) BatchReadCloser {
	if !r.Bounded() {
		return in
	}
	return &rangeFilter{BatchReadCloser: in, r: r}
}

func (f *rangeFilter) Next(ctx context.Context) (*aggregate.Batch, error) {
	b, err := f.BatchReadCloser.Next(ctx)
	if err != nil {
		return nil, err
	}
	kept := b.Rows[:0]
	for _, row := range b.Rows {
		d, ok := aggregate.ParseDate(row.CreatedAt)
		if ok && f.r.Contains(d) {
			kept = append(kept, row)
		}
	}
	b.Rows = kept
	return b, nil
}
