// Package benchutil provides synthetic email export data for benchmarks and testing.
package benchutil

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"strconv"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// Rows is the total number of rows to generate.
	Rows int
	// BatchSize is the number of rows per batch.
	BatchSize int
	// Days spreads rows over this many consecutive dates from Start.
	Days  int
	Start aggregate.Date
	// Users is the number of distinct mailbox names; with Domains it bounds
	// the distinct address count and so the duplicate rate.
	Users   int
	Domains int
	// InvalidRatio, EmptyRatio, and UndatedRatio are row probabilities.
	InvalidRatio float64
	EmptyRatio   float64
	UndatedRatio float64
	// Engagement adds opens and clicks columns.
	Engagement bool
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a mix resembling a booking export.
func DefaultConfig(rows int) GeneratorConfig {
	return GeneratorConfig{
		Rows:         rows,
		BatchSize:    10_000,
		Days:         30,
		Start:        aggregate.NewDate(2024, 1, 1),
		Users:        max(rows/3, 1),
		Domains:      50,
		InvalidRatio: 0.05,
		EmptyRatio:   0.10,
		UndatedRatio: 0.01,
		Engagement:   true,
		Seed:         BenchmarkSeed,
	}
}

// Generator produces rows deterministically for a given seed.
type Generator struct {
	cfg     GeneratorConfig
	rng     *rand.Rand
	emitted int
	batch   int
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = BenchmarkSeed
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10_000
	}
	cfg.Days = max(cfg.Days, 1)
	cfg.Users = max(cfg.Users, 1)
	cfg.Domains = max(cfg.Domains, 1)
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Fields returns the field set of every generated batch.
func (g *Generator) Fields() aggregate.FieldSet {
	if g.cfg.Engagement {
		return aggregate.NewFieldSet(aggregate.FieldEmail, aggregate.FieldCreatedAt, aggregate.FieldOpens, aggregate.FieldClicks)
	}
	return aggregate.RequiredFields
}

func (g *Generator) row() aggregate.Row {
	var r aggregate.Row

	switch p := g.rng.Float64(); {
	case p < g.cfg.EmptyRatio:
	case p < g.cfg.EmptyRatio+g.cfg.InvalidRatio:
		r.Email = fmt.Sprintf("user%d.example", g.rng.Intn(g.cfg.Users))
	default:
		user := g.rng.Intn(g.cfg.Users)
		r.Email = fmt.Sprintf("user%d@domain%d.com", user, user%g.cfg.Domains)
		if g.rng.Intn(8) == 0 {
			r.Email = " USER" + r.Email[4:] + " "
		}
	}

	if g.rng.Float64() >= g.cfg.UndatedRatio {
		day := g.cfg.Start.AddDays(g.rng.Intn(g.cfg.Days))
		r.CreatedAt = fmt.Sprintf("%s %02d:%02d:00", day, g.rng.Intn(24), g.rng.Intn(60))
	}

	if g.cfg.Engagement {
		r.Opens = strconv.Itoa(g.rng.Intn(5))
		r.Clicks = strconv.Itoa(g.rng.Intn(2))
	}
	return r
}

// Next returns the next batch, or io.EOF once Rows have been produced.
// Generator therefore satisfies aggregate.BatchReader.
func (g *Generator) Next(ctx context.Context) (*aggregate.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.emitted >= g.cfg.Rows {
		return nil, io.EOF
	}

	n := min(g.cfg.BatchSize, g.cfg.Rows-g.emitted)
	b := &aggregate.Batch{Index: g.batch, Fields: g.Fields(), Rows: make([]aggregate.Row, n)}
	for i := range b.Rows {
		b.Rows[i] = g.row()
	}
	g.emitted += n
	g.batch++
	return b, nil
}

// Batches generates every remaining batch into memory.
func (g *Generator) Batches() []*aggregate.Batch {
	var out []*aggregate.Batch
	for {
		b, err := g.Next(context.Background())
		if err != nil {
			return out
		}
		out = append(out, b)
	}
}

// WriteCSV writes the remaining rows as a CSV export with the given
// email and creation date headers.
func (g *Generator) WriteCSV(w io.Writer, emailCol, dateCol string) error {
	cw := csv.NewWriter(w)
	header := []string{emailCol, dateCol}
	if g.cfg.Engagement {
		header = append(header, "opens", "clicks")
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, b := range g.Batches() {
		for _, r := range b.Rows {
			rec := []string{r.Email, r.CreatedAt}
			if g.cfg.Engagement {
				rec = append(rec, r.Opens, r.Clicks)
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
