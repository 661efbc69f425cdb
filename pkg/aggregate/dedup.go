package aggregate

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/emailclass"
	"github.com/eunmann/mail-metrics/pkg/extsort"
	"github.com/eunmann/mail-metrics/pkg/membudget"
)

// ErrIndexClosed is returned when iterating a closed DedupIndex.
var ErrIndexClosed = errors.New("dedup index closed")

// DedupConfig bounds the in-memory part of the dedup tracker.
type DedupConfig struct {
	// MaxEntries is the number of distinct addresses held in memory before
	// a spill. Zero derives it from detected RAM; negative never spills.
	MaxEntries int
	// TempDir is the parent of the spill directory. Empty means os.TempDir.
	TempDir string
	// BufferSize is the run file I/O buffer. Zero uses the extsort default.
	BufferSize int
}

func (c DedupConfig) resolved() DedupConfig {
	if c.MaxEntries == 0 {
		c.MaxEntries = membudget.NewFromSystemRAM().DedupEntries(extsort.EstimatedEntryBytes)
	}
	return c
}

// DedupTracker counts occurrences of each valid address across all batches
// of a run and tracks the dates it was first and last seen. Unlike the
// daily counters it is exact across batch boundaries.
type DedupTracker struct {
	cfg     DedupConfig
	entries map[string]*extsort.EmailStat
	spiller *extsort.Spiller
	runs    int
}

// NewDedupTracker returns an empty tracker.
func NewDedupTracker(cfg DedupConfig) *DedupTracker {
	return &DedupTracker{
		cfg:     cfg.resolved(),
		entries: make(map[string]*extsort.EmailStat),
	}
}

// Fold records every valid, dated row of p.
func (t *DedupTracker) Fold(p *Prepared) error {
	for gi := range p.Groups {
		g := &p.Groups[gi]
		for i := range g.rows {
			r := &g.rows[i]
			if r.email.Class != emailclass.Valid {
				continue
			}
			if err := t.observe(r.email.Email, g.Date); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *DedupTracker) observe(email string, d Date) error {
	s := t.entries[email]
	if s == nil {
		s = &extsort.EmailStat{Email: email}
		t.entries[email] = s
	}
	s.Observe(int32(d))

	if t.cfg.MaxEntries > 0 && len(t.entries) >= t.cfg.MaxEntries {
		return t.spill()
	}
	return nil
}

func (t *DedupTracker) spill() error {
	if len(t.entries) == 0 {
		return nil
	}
	if t.spiller == nil {
		sp, err := extsort.NewSpiller(t.cfg.TempDir, t.cfg.BufferSize)
		if err != nil {
			return err
		}
		t.spiller = sp
	}

	stats := make([]*extsort.EmailStat, 0, len(t.entries))
	for _, s := range t.entries {
		stats = append(stats, s)
	}
	if err := t.spiller.Spill(stats); err != nil {
		return fmt.Errorf("dedup spill: %w", err)
	}
	t.runs = len(t.spiller.Runs())
	t.entries = make(map[string]*extsort.EmailStat, len(stats))
	return nil
}

// InMemory returns the number of distinct addresses currently resident.
func (t *DedupTracker) InMemory() int { return len(t.entries) }

// SpillRuns returns the number of run files written, including the final
// run written by Finalize.
func (t *DedupTracker) SpillRuns() int { return t.runs }

// Finalize hands the accumulated state to a DedupIndex. The tracker must
// not be used afterwards.
func (t *DedupTracker) Finalize() (*DedupIndex, error) {
	if t.spiller == nil {
		mem := make([]RepeatedEmail, 0)
		for _, s := range t.entries {
			mem = append(mem, toRepeated(s))
		}
		slices.SortFunc(mem, func(a, b RepeatedEmail) int { return strings.Compare(a.Email, b.Email) })
		t.entries = nil
		return &DedupIndex{mem: mem, count: len(mem)}, nil
	}

	if err := t.spill(); err != nil {
		t.Discard()
		return nil, err
	}
	ix := &DedupIndex{spiller: t.spiller, count: -1}
	t.spiller = nil
	t.entries = nil
	return ix, nil
}

// Discard drops all state, including spill files.
func (t *DedupTracker) Discard() error {
	t.entries = nil
	if t.spiller == nil {
		return nil
	}
	err := t.spiller.Cleanup()
	t.spiller = nil
	return err
}

func toRepeated(s *extsort.EmailStat) RepeatedEmail {
	return RepeatedEmail{
		Email:       s.Email,
		Occurrences: int64(s.Occurrences),
		FirstSeen:   Date(s.FirstSeen),
		LastSeen:    Date(s.LastSeen),
	}
}

// DedupIndex is the finalized occurrence record of every valid address
// seen in the run, in ascending address order. It may be backed by spill files; call
// Close to remove them.
type DedupIndex struct {
	mem     []RepeatedEmail
	spiller *extsort.Spiller
	count   int
	closed  bool
}

// Spilled reports whether the index is backed by run files.
func (ix *DedupIndex) Spilled() bool { return ix.spiller != nil }

// Each calls fn for every address. It may be called repeatedly.
// Iteration stops at the first error fn returns.
func (ix *DedupIndex) Each(fn func(RepeatedEmail) error) error {
	if ix.closed {
		return ErrIndexClosed
	}
	if ix.spiller == nil {
		for _, r := range ix.mem {
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	}

	it, err := ix.spiller.Merge()
	if err != nil {
		return err
	}
	defer it.Close()

	n := 0
	for {
		s, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("merge dedup runs: %w", err)
		}
		n++
		if err := fn(toRepeated(s)); err != nil {
			return err
		}
	}
	ix.count = n
	return nil
}

// Len returns the number of distinct addresses. For a spilled index the
// first call performs a full merge pass.
func (ix *DedupIndex) Len() (int, error) {
	if ix.count >= 0 {
		return ix.count, nil
	}
	if err := ix.Each(func(RepeatedEmail) error { return nil }); err != nil {
		return 0, err
	}
	return ix.count, nil
}

// Collect materializes the whole index.
func (ix *DedupIndex) Collect() ([]RepeatedEmail, error) {
	var out []RepeatedEmail
	err := ix.Each(func(r RepeatedEmail) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Close releases spill files. It is safe to call more than once.
func (ix *DedupIndex) Close() error {
	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.mem = nil
	if ix.spiller == nil {
		return nil
	}
	return ix.spiller.Cleanup()
}
