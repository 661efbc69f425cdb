// Package membudget splits a process memory budget between the parts of a
// run that hold data in memory: the dedup index, the source batch buffer,
// and spill-file I/O buffers.
package membudget

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eunmann/mail-metrics/pkg/sysmem"
)

// DefaultBudgetBytes is used when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 2 * 1024 * 1024 * 1024

// Source records where the budget came from.
type Source string

const (
	SourceAuto    Source = "auto-25pct"
	SourceDefault Source = "default"
	SourceConfig  Source = "config"
)

// Shares of the total budget.
const (
	FractionDedup        = 0.50
	FractionBatch        = 0.25
	FractionSpillBuffers = 0.05
)

// MinDedupEntries keeps tiny budgets from spilling on every batch.
const MinDedupEntries = 10_000

// Budget is an immutable memory budget.
type Budget struct {
	total  uint64
	source Source
}

// New returns a budget of total bytes.
func New(total uint64, source Source) Budget {
	return Budget{total: total, source: source}
}

// NewFromSystemRAM returns a quarter of detected RAM, leaving room for the
// database drivers and the snapshot writers.
func NewFromSystemRAM() Budget {
	res := sysmem.Total()
	if !res.Reliable {
		return New(DefaultBudgetBytes, SourceDefault)
	}
	return New(res.TotalBytes/4, SourceAuto)
}

// Resolve parses a configured size, or falls back to NewFromSystemRAM when
// the setting is empty.
func Resolve(configured string) (Budget, error) {
	if strings.TrimSpace(configured) == "" {
		return NewFromSystemRAM(), nil
	}
	n, err := ParseHumanSize(configured)
	if err != nil {
		return Budget{}, err
	}
	if n == 0 {
		return Budget{}, errors.New("memory budget must be positive")
	}
	return New(n, SourceConfig), nil
}

// Total returns the budget in bytes.
func (b Budget) Total() uint64 { return b.total }

// Source returns how the budget was determined.
func (b Budget) Source() Source { return b.source }

// DedupBytes is the share for the in-memory dedup index.
func (b Budget) DedupBytes() uint64 {
	return uint64(float64(b.total) * FractionDedup)
}

// BatchBytes is the share for one source batch.
func (b Budget) BatchBytes() uint64 {
	return uint64(float64(b.total) * FractionBatch)
}

// SpillBufferBytes is the share for run file buffers, split across files.
func (b Budget) SpillBufferBytes(files int) int {
	if files < 1 {
		files = 1
	}
	per := uint64(float64(b.total)*FractionSpillBuffers) / uint64(files)
	const lo, hi = 64 * 1024, 4 * 1024 * 1024
	switch {
	case per < lo:
		return lo
	case per > hi:
		return hi
	default:
		return int(per)
	}
}

// DedupEntries converts the dedup share into an entry cap.
func (b Budget) DedupEntries(entryBytes uint64) int {
	if entryBytes == 0 {
		entryBytes = 1
	}
	n := b.DedupBytes() / entryBytes
	if n < MinDedupEntries {
		return MinDedupEntries
	}
	return int(n)
}

// ParseHumanSize parses sizes such as "512MiB", "4GB", or "1073741824".
func ParseHumanSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size string")
	}

	end := len(s)
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			end = i
			break
		}
	}
	num, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", s[:end])
	}

	var mult float64
	switch strings.TrimSpace(s[end:]) {
	case "", "B":
		mult = 1
	case "KB":
		mult = 1e3
	case "KiB", "K":
		mult = 1 << 10
	case "MB":
		mult = 1e6
	case "MiB", "M":
		mult = 1 << 20
	case "GB":
		mult = 1e9
	case "GiB", "G":
		mult = 1 << 30
	case "TB":
		mult = 1e12
	case "TiB", "T":
		mult = 1 << 40
	default:
		return 0, fmt.Errorf("unknown size suffix: %q", s[end:])
	}
	return uint64(num * mult), nil
}
