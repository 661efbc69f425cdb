package aggregate

import (
	"cmp"
	"slices"

	"github.com/eunmann/mail-metrics/pkg/emailclass"
)

type domainKey struct {
	date   Date
	domain string
}

// DomainAggregator counts valid emails per (date, domain). Counts are
// additive across batches.
type DomainAggregator struct {
	counts map[domainKey]int64
}

// NewDomainAggregator returns an empty accumulator.
func NewDomainAggregator() *DomainAggregator {
	return &DomainAggregator{counts: make(map[domainKey]int64)}
}

// Fold adds the valid rows of one prepared batch.
func (a *DomainAggregator) Fold(p *Prepared) {
	for gi := range p.Groups {
		g := &p.Groups[gi]
		for i := range g.rows {
			r := &g.rows[i]
			if r.email.Class != emailclass.Valid {
				continue
			}
			domain, ok := emailclass.Domain(r.email.Email)
			if !ok {
				continue
			}
			a.counts[domainKey{g.Date, domain}]++
		}
	}
}

// Len returns the number of (date, domain) keys.
func (a *DomainAggregator) Len() int { return len(a.counts) }

// Counts returns the records ordered by date, then count descending, then
// domain.
func (a *DomainAggregator) Counts() []DomainDailyCount {
	out := make([]DomainDailyCount, 0, len(a.counts))
	for k, n := range a.counts {
		out = append(out, DomainDailyCount{MetricDate: k.date, Domain: k.domain, Count: n})
	}
	slices.SortFunc(out, func(x, y DomainDailyCount) int {
		if c := cmp.Compare(x.MetricDate, y.MetricDate); c != 0 {
			return c
		}
		if c := cmp.Compare(y.Count, x.Count); c != 0 {
			return c
		}
		return cmp.Compare(x.Domain, y.Domain)
	})
	return out
}
