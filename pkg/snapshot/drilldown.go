package snapshot

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/emailclass"
	"github.com/eunmann/mail-metrics/pkg/extsort"
	"github.com/eunmann/mail-metrics/pkg/source"
)

// defaultDrillEntries caps the resident drill-down keys of a Writer that
// was not given a SpillConfig.
const defaultDrillEntries = 1 << 20

// SpillConfig bounds the in-memory part of the drill-down counts.
type SpillConfig struct {
	// MaxEntries is the number of distinct keys held before a spill.
	// Negative never spills.
	MaxEntries int
	// TempDir is the parent of the spill directory. Empty means os.TempDir.
	TempDir string
	// BufferSize is the run file I/O buffer. Zero uses the extsort default.
	BufferSize int
}

// keySep separates the components of an encoded drill-down key. It sorts
// before every other byte, so comparing encoded keys compares the
// components in order.
const keySep = "\x00"

// drillKey encodes (email, date, agency, destination, activation, locator)
// as one sortable string. The date is big-endian hex with the sign bit
// flipped so that it orders like the signed day number. NUL bytes are
// dropped from the components; Postgres text cannot hold them anyway.
func drillKey(r source.DetailRow) string {
	var day [4]byte
	binary.BigEndian.PutUint32(day[:], uint32(r.Date)^(1<<31))

	var b strings.Builder
	for i, part := range []string{
		emailclass.Normalize(r.Email),
		hex.EncodeToString(day[:]),
		r.Agency,
		r.Destination,
		r.ActivationCondition,
		r.Locator,
	} {
		if i > 0 {
			b.WriteString(keySep)
		}
		b.WriteString(strings.ReplaceAll(part, keySep, ""))
	}
	return b.String()
}

func drillRecord(s *extsort.EmailStat) RepeatedDailyRecord {
	parts := strings.SplitN(s.Email, keySep, 6)
	for len(parts) < 6 {
		parts = append(parts, "")
	}
	return RepeatedDailyRecord{
		Email:               parts[0],
		Agency:              parts[2],
		Destination:         parts[3],
		ActivationCondition: parts[4],
		Locator:             parts[5],
		MetricDate:          s.FirstSeen,
		Occurrences:         int64(s.Occurrences),
	}
}

// drillCounter counts detail rows per drill-down key. At most MaxEntries
// keys are resident; beyond that they go to sorted run files and are
// merged back in key order.
type drillCounter struct {
	cfg     SpillConfig
	counts  map[string]*extsort.EmailStat
	spiller *extsort.Spiller
}

func newDrillCounter(cfg SpillConfig) *drillCounter {
	return &drillCounter{cfg: cfg, counts: make(map[string]*extsort.EmailStat)}
}

func (c *drillCounter) add(r source.DetailRow) error {
	key := drillKey(r)
	s := c.counts[key]
	if s == nil {
		s = &extsort.EmailStat{Email: key}
		c.counts[key] = s
	}
	s.Observe(int32(r.Date))

	if c.cfg.MaxEntries > 0 && len(c.counts) >= c.cfg.MaxEntries {
		return c.spill()
	}
	return nil
}

func (c *drillCounter) spill() error {
	if len(c.counts) == 0 {
		return nil
	}
	if c.spiller == nil {
		sp, err := extsort.NewSpiller(c.cfg.TempDir, c.cfg.BufferSize)
		if err != nil {
			return err
		}
		c.spiller = sp
	}
	stats := make([]*extsort.EmailStat, 0, len(c.counts))
	for _, s := range c.counts {
		stats = append(stats, s)
	}
	if err := c.spiller.Spill(stats); err != nil {
		return fmt.Errorf("drill-down spill: %w", err)
	}
	c.counts = make(map[string]*extsort.EmailStat, len(stats))
	return nil
}

// runs returns the number of run files written.
func (c *drillCounter) runs() int {
	if c.spiller == nil {
		return 0
	}
	return len(c.spiller.Runs())
}

// each calls fn for every key in ascending key order.
func (c *drillCounter) each(fn func(RepeatedDailyRecord) error) error {
	if c.spiller == nil {
		keys := make([]string, 0, len(c.counts))
		for k := range c.counts {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := fn(drillRecord(c.counts[k])); err != nil {
				return err
			}
		}
		return nil
	}

	if err := c.spill(); err != nil {
		return err
	}
	it, err := c.spiller.Merge()
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		s, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("merge drill-down runs: %w", err)
		}
		if err := fn(drillRecord(s)); err != nil {
			return err
		}
	}
}

// close drops the counts and removes any run files.
func (c *drillCounter) close() error {
	c.counts = nil
	if c.spiller == nil {
		return nil
	}
	err := c.spiller.Cleanup()
	c.spiller = nil
	return err
}
