package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/logging"
)

const phase = "aggregate"

// Config configures a Pipeline.
type Config struct {
	Dedup DedupConfig
}

// Pipeline drives one run: it pulls batches, folds each into the daily,
// domain, and dedup accumulators, and finalizes them into a Result. A
// Pipeline is single-use.
type Pipeline struct {
	daily   *DailyAggregator
	domains *DomainAggregator
	dedup   *DedupTracker
	stats   RunStats
	used    bool
}

// NewPipeline returns a pipeline with empty accumulators.
func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{
		daily:   NewDailyAggregator(),
		domains: NewDomainAggregator(),
		dedup:   NewDedupTracker(cfg.Dedup),
	}
}

// Run consumes r until io.EOF. Cancellation is observed between batches.
// On error no Result is returned and any spill files are removed.
func (p *Pipeline) Run(ctx context.Context, r BatchReader) (*Result, error) {
	if p.used {
		return nil, ErrPipelineReused
	}
	p.used = true

	log := logctx.FromContext(ctx).With().Str("phase", phase).Logger()
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			p.discard(log)
			return nil, err
		}

		b, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.discard(log)
			return nil, fmt.Errorf("read batch %d: %w", p.stats.Batches, err)
		}

		if err := p.fold(ctx, b); err != nil {
			p.discard(log)
			return nil, err
		}
	}

	repeated, err := p.dedup.Finalize()
	if err != nil {
		return nil, err
	}
	p.stats.SpillRuns = p.dedup.SpillRuns()

	res := &Result{
		Daily:    p.daily.Metrics(),
		Domains:  p.domains.Counts(),
		Repeated: repeated,
		Stats:    p.stats,
	}

	logging.PhaseComplete(log, phase, time.Since(start)).
		Int("batches", p.stats.Batches).
		Int("dates", len(res.Daily)).
		Int("domain_keys", len(res.Domains)).
		Int("spill_runs", p.stats.SpillRuns).
		Count("date_parse_skips", p.stats.DateParseSkips).
		Rows(p.stats.Rows).
		Log("aggregation complete")
	return res, nil
}

// discard drops the dedup state of an aborted run. Its spill directory
// is left behind only if removal fails, so that failure is logged.
func (p *Pipeline) discard(log zerolog.Logger) {
	if err := p.dedup.Discard(); err != nil {
		log.Warn().Err(err).Msg("could not remove dedup spill files")
	}
}

// fold validates and applies one batch.
func (p *Pipeline) fold(ctx context.Context, b *Batch) error {
	if f, missing := b.Fields.Missing(FieldEmail, FieldCreatedAt); missing {
		return &ConfigError{Batch: b.Index, Field: f, Err: ErrMissingColumn}
	}

	log := logctx.FromContext(logctx.WithInt(ctx, "batch_index", b.Index)).
		With().Str("phase", phase).Logger()
	start := time.Now()
	logging.BatchStarted(log, phase, b.Index, len(b.Rows))

	prep := Prepare(b)
	p.daily.Fold(prep)
	p.domains.Fold(prep)
	if err := p.dedup.Fold(prep); err != nil {
		return fmt.Errorf("batch %d: %w", b.Index, err)
	}

	p.stats.Batches++
	p.stats.Rows += int64(prep.Rows)
	p.stats.DateParseSkips += int64(prep.DateSkips)
	p.stats.CoercedCells += int64(prep.Coerced)

	if prep.DateSkips > 0 {
		log.Warn().Int("skipped_rows", prep.DateSkips).Msg("rows with unparseable creation date excluded")
	}
	if prep.Rows > 0 && prep.ValidCount == 0 {
		p.stats.NoValidBatches++
		log.Warn().Int("with_email", prep.WithEmail).Msg("batch has no valid emails")
	}

	logging.BatchComplete(log, phase, time.Since(start)).
		Int("dates", len(prep.Groups)).
		Int("valid", prep.ValidCount).
		Int("dedup_resident", p.dedup.InMemory()).
		Rows(int64(prep.Rows)).
		LogDebug("batch folded")
	return nil
}
