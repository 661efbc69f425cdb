// Package extsort spills keyed occurrence statistics to sorted run files
// and merges them back with a k-way heap merge. Keys are email addresses
// for the dedup index and encoded drill-down keys for the detail extract.
package extsort

// EmailStat is the per-key record kept by the dedup tracker and the
// drill-down counter. Dates are days since the Unix epoch.
type EmailStat struct {
	Email       string
	Occurrences uint64
	FirstSeen   int32
	LastSeen    int32
}

// Merge folds other into s. Occurrences add; the date span widens.
func (s *EmailStat) Merge(other *EmailStat) {
	s.Occurrences += other.Occurrences
	if other.FirstSeen < s.FirstSeen {
		s.FirstSeen = other.FirstSeen
	}
	if other.LastSeen > s.LastSeen {
		s.LastSeen = other.LastSeen
	}
}

// Observe records one more occurrence on day.
func (s *EmailStat) Observe(day int32) {
	if s.Occurrences == 0 {
		s.FirstSeen, s.LastSeen = day, day
	} else {
		if day < s.FirstSeen {
			s.FirstSeen = day
		}
		if day > s.LastSeen {
			s.LastSeen = day
		}
	}
	s.Occurrences++
}

// fixedRecordBytes is the size of a record excluding the email bytes.
const fixedRecordBytes = 4 + 8 + 4 + 4

// EstimatedEntryBytes approximates the resident cost of one in-memory
// entry: map bucket, struct, and a typical address string.
const EstimatedEntryBytes = 128
