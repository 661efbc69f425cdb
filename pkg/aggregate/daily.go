package aggregate

import (
	"slices"

	"github.com/eunmann/mail-metrics/pkg/emailclass"
)

// DailyAggregator accumulates per-date counters across batches.
//
// unique_valid_emails is additive per batch: an address valid on the same
// date in two batches is counted in both. Only the global dedup index is
// exact across batches.
type DailyAggregator struct {
	days map[Date]*DailyMetric
}

// NewDailyAggregator returns an empty accumulator.
func NewDailyAggregator() *DailyAggregator {
	return &DailyAggregator{days: make(map[Date]*DailyMetric)}
}

// Fold adds one prepared batch.
func (a *DailyAggregator) Fold(p *Prepared) {
	freq := make(map[string]int64)
	for gi := range p.Groups {
		g := &p.Groups[gi]
		m := a.days[g.Date]
		if m == nil {
			m = &DailyMetric{MetricDate: g.Date}
			a.days[g.Date] = m
		}

		clear(freq)
		for i := range g.rows {
			r := &g.rows[i]
			m.TotalRows++
			m.TotalOpens += r.opens
			m.TotalClicks += r.clicks

			switch r.email.Class {
			case emailclass.Valid:
				m.WithEmail++
				m.ValidEmails++
				freq[r.email.Email]++
			case emailclass.Invalid:
				m.WithEmail++
				m.InvalidEmails++
			}
			if emailclass.Sendable(r.email) {
				m.SendableEmails++
			}
		}

		m.UniqueValidEmails += int64(len(freq))
		for _, n := range freq {
			m.DuplicatesExtraRows += n - 1
		}
	}
}

// Len returns the number of distinct dates seen.
func (a *DailyAggregator) Len() int { return len(a.days) }

// Metrics returns the accumulated records sorted by date.
func (a *DailyAggregator) Metrics() []DailyMetric {
	out := make([]DailyMetric, 0, len(a.days))
	for _, m := range a.days {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(x, y DailyMetric) int { return int(x.MetricDate) - int(y.MetricDate) })
	return out
}
