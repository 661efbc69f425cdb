package aggregate

import (
	"strings"
	"time"
)

// Date is a civil calendar date stored as days since 1970-01-01.
type Date int32

const secondsPerDay = 24 * 60 * 60

// dateLayouts are tried in order. Layouts without a fractional part still
// accept one when parsing.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05Z07",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

// DateOf returns the calendar date of t as seen in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, m, d)
}

// NewDate builds a Date from its calendar parts.
func NewDate(year int, month time.Month, day int) Date {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, time.UTC).Unix() / secondsPerDay)
}

// ParseDate extracts the calendar date from a timestamp cell. The date is
// the wall-clock date as written; no zone conversion is applied. It reports
// false for empty or unparseable input.
func ParseDate(raw string) (Date, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), true
		}
	}
	return 0, false
}

// MustParseDate is ParseDate for literals known to be valid.
func MustParseDate(s string) Date {
	d, ok := ParseDate(s)
	if !ok {
		panic("aggregate: invalid date literal " + s)
	}
	return d
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Unix(int64(d)*secondsPerDay, 0).UTC()
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return d + Date(n)
}

// String formats d as YYYY-MM-DD.
func (d Date) String() string {
	return d.Time().Format(time.DateOnly)
}

// MinDate returns the earlier of a and b.
func MinDate(a, b Date) Date {
	if a < b {
		return a
	}
	return b
}

// MaxDate returns the later of a and b.
func MaxDate(a, b Date) Date {
	if a > b {
		return a
	}
	return b
}
