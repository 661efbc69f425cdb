package snapshot

import (
	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/source"
)

// Date columns hold days since 1970-01-01 with the DATE logical type, the
// same representation as aggregate.Date and the relational DATE columns.

// File names read by the dashboard.
const (
	FileDaily         = "metrics_daily.parquet"
	FileDomains       = "metrics_top_domains_daily.parquet"
	FileRepeated      = "metrics_repeated_emails.parquet"
	FileRepeatedDaily = "metrics_repeated_emails_daily.parquet"
	FileDataFull      = "data_full.parquet"
)

// DailyRecord mirrors the metrics_daily table.
type DailyRecord struct {
	MetricDate          int32   `parquet:"metric_date,date"`
	TotalRows           int64   `parquet:"total_rows"`
	WithEmail           int64   `parquet:"with_email"`
	ValidEmails         int64   `parquet:"valid_emails"`
	InvalidEmails       int64   `parquet:"invalid_emails"`
	DuplicatesExtraRows int64   `parquet:"duplicates_extra_rows"`
	UniqueValidEmails   int64   `parquet:"unique_valid_emails"`
	SendableEmails      int64   `parquet:"sendable_emails"`
	TotalOpens          float64 `parquet:"total_opens"`
	TotalClicks         float64 `parquet:"total_clicks"`
}

// DomainRecord mirrors the metrics_top_domains_daily table.
type DomainRecord struct {
	MetricDate int32  `parquet:"metric_date,date"`
	Domain     string `parquet:"domain,dict"`
	Cnt        int64  `parquet:"cnt"`
}

// RepeatedRecord mirrors the metrics_repeated_emails table.
type RepeatedRecord struct {
	Email       string `parquet:"email"`
	Occurrences int64  `parquet:"occurrences"`
	FirstSeen   int32  `parquet:"first_seen,date"`
	LastSeen    int32  `parquet:"last_seen,date"`
}

// DetailRecord is one row of the full-detail extract.
type DetailRecord struct {
	Email               string `parquet:"email"`
	Agency              string `parquet:"agency,dict"`
	Destination         string `parquet:"destination,dict"`
	ActivationCondition string `parquet:"activation_condition,dict"`
	Locator             string `parquet:"locator"`
	Date                int32  `parquet:"date,date"`
}

// RepeatedDailyRecord is the per-(email, dimensions, date) drill-down count.
type RepeatedDailyRecord struct {
	Email               string `parquet:"email"`
	Agency              string `parquet:"agency,dict"`
	Destination         string `parquet:"destination,dict"`
	ActivationCondition string `parquet:"activation_condition,dict"`
	Locator             string `parquet:"locator"`
	MetricDate          int32  `parquet:"metric_date,date"`
	Occurrences         int64  `parquet:"occurrences"`
}

func dailyRecord(m aggregate.DailyMetric) DailyRecord {
	return DailyRecord{
		MetricDate:          int32(m.MetricDate),
		TotalRows:           m.TotalRows,
		WithEmail:           m.WithEmail,
		ValidEmails:         m.ValidEmails,
		InvalidEmails:       m.InvalidEmails,
		DuplicatesExtraRows: m.DuplicatesExtraRows,
		UniqueValidEmails:   m.UniqueValidEmails,
		SendableEmails:      m.SendableEmails,
		TotalOpens:          m.TotalOpens,
		TotalClicks:         m.TotalClicks,
	}
}

func domainRecord(d aggregate.DomainDailyCount) DomainRecord {
	return DomainRecord{MetricDate: int32(d.MetricDate), Domain: d.Domain, Cnt: d.Count}
}

func repeatedRecord(r aggregate.RepeatedEmail) RepeatedRecord {
	return RepeatedRecord{
		Email:       r.Email,
		Occurrences: r.Occurrences,
		FirstSeen:   int32(r.FirstSeen),
		LastSeen:    int32(r.LastSeen),
	}
}

func detailRecord(email string, r source.DetailRow) DetailRecord {
	return DetailRecord{
		Email:               email,
		Agency:              r.Agency,
		Destination:         r.Destination,
		ActivationCondition: r.ActivationCondition,
		Locator:             r.Locator,
		Date:                int32(r.Date),
	}
}
