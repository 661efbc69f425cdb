package aggregate

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/emailclass"
)

// classifiedRow is a row after date extraction, classification, and
// numeric coercion.
type classifiedRow struct {
	email  emailclass.Result
	opens  float64
	clicks float64
}

// DateGroup holds the classified rows of one batch that share a date.
type DateGroup struct {
	Date Date
	rows []classifiedRow
}

// Prepared is a batch classified once and grouped by date, shared by all
// three folds.
type Prepared struct {
	Index      int
	Fields     FieldSet
	Groups     []DateGroup
	Rows       int
	DateSkips  int
	Coerced    int
	WithEmail  int
	ValidCount int
}

// Prepare classifies every row of b and groups the dated ones. Rows whose
// date cannot be parsed are counted in DateSkips and excluded from groups.
func Prepare(b *Batch) *Prepared {
	p := &Prepared{Index: b.Index, Fields: b.Fields, Rows: len(b.Rows)}
	withOpens := b.Fields.Has(FieldOpens)
	withClicks := b.Fields.Has(FieldClicks)

	index := make(map[Date]int)
	for i := range b.Rows {
		r := &b.Rows[i]

		cr := classifiedRow{email: emailclass.Inspect(r.Email)}
		if cr.email.Class != emailclass.Empty {
			p.WithEmail++
		}
		if cr.email.Class == emailclass.Valid {
			p.ValidCount++
		}

		d, ok := ParseDate(r.CreatedAt)
		if !ok {
			p.DateSkips++
			continue
		}
		if withOpens {
			cr.opens = p.coerce(r.Opens)
		}
		if withClicks {
			cr.clicks = p.coerce(r.Clicks)
		}

		gi, seen := index[d]
		if !seen {
			gi = len(p.Groups)
			index[d] = gi
			p.Groups = append(p.Groups, DateGroup{Date: d})
		}
		p.Groups[gi].rows = append(p.Groups[gi].rows, cr)
	}

	slices.SortFunc(p.Groups, func(a, b DateGroup) int { return int(a.Date) - int(b.Date) })
	return p
}

// coerce reads a numeric cell. Empty cells are zero; unparseable or
// non-finite cells are zero and counted.
func (p *Prepared) coerce(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		p.Coerced++
		return 0
	}
	return v
}
