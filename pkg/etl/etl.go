// Package etl wires a source, the aggregation pipeline, the relational
// store, and the snapshot sinks into one run.
package etl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/mail-metrics/internal/config"
	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/extsort"
	"github.com/eunmann/mail-metrics/pkg/fileutil"
	"github.com/eunmann/mail-metrics/pkg/logging"
	"github.com/eunmann/mail-metrics/pkg/membudget"
	"github.com/eunmann/mail-metrics/pkg/memdiag"
	"github.com/eunmann/mail-metrics/pkg/s3sync"
	"github.com/eunmann/mail-metrics/pkg/snapshot"
	"github.com/eunmann/mail-metrics/pkg/source"
	"github.com/eunmann/mail-metrics/pkg/store"
)

// Publisher pushes the snapshot directory somewhere else.
type Publisher interface {
	UploadDir(ctx context.Context, dir, ext string) ([]s3sync.Uploaded, error)
}

// Options select what one run covers.
type Options struct {
	Range source.Range
	// FullRebuild ignores Range and reads everything.
	FullRebuild bool
	// SkipExtracts skips the second full read for the detail extracts.
	SkipExtracts bool
}

// Report summarizes a finished run. Warnings holds the failures of
// best-effort steps that ran after the commit.
type Report struct {
	RunID    string
	Range    source.Range
	Stats    aggregate.RunStats
	Flushed  store.FlushStats
	Files    []snapshot.FileInfo
	Uploaded []s3sync.Uploaded
	Warnings []error
	// PeakHeap is the largest sampled heap, or 0 without heap sampling.
	PeakHeap uint64
}

// Runner executes runs against one source and one store.
type Runner struct {
	src      source.Source
	gw       *store.Gateway
	snap     *snapshot.Writer
	pub      Publisher
	budget   membudget.Budget
	dedupMax int
	schema   bool
	diag     memdiag.Config
}

// New assembles a runner from already opened parts. pub may be nil.
func New(src source.Source, gw *store.Gateway, snap *snapshot.Writer, pub Publisher, budget membudget.Budget) *Runner {
	return &Runner{src: src, gw: gw, snap: snap, pub: pub, budget: budget}
}

// WithDedupMaxEntries overrides the budget-derived in-memory cap.
func (r *Runner) WithDedupMaxEntries(n int) *Runner {
	r.dedupMax = n
	return r
}

// WithEnsureSchema creates the metric tables before each run.
func (r *Runner) WithEnsureSchema(on bool) *Runner {
	r.schema = on
	return r
}

// WithMemDiag enables heap sampling during runs.
func (r *Runner) WithMemDiag(cfg memdiag.Config) *Runner {
	r.diag = cfg
	return r
}

// Open builds a runner from cfg. The source is a Parquet or CSV export
// when SOURCE_FILE is set and a SQL table otherwise.
func Open(ctx context.Context, cfg *config.Config) (*Runner, error) {
	budget, err := membudget.Resolve(cfg.MemoryBudget)
	if err != nil {
		return nil, fmt.Errorf("MEMORY_BUDGET: %w", err)
	}

	chunk := batchRows(cfg.ChunkSize, budget)
	if chunk < cfg.ChunkSize {
		log := logctx.FromContext(ctx)
		log.Warn().
			Int("chunksize", cfg.ChunkSize).
			Int("batch_rows", chunk).
			Uint64("batch_budget", budget.BatchBytes()).
			Msg("CHUNKSIZE exceeds the batch share of the memory budget, using a smaller batch")
	}

	gw, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var src source.Source
	switch {
	case strings.HasSuffix(strings.ToLower(cfg.SourceFile), ".parquet"):
		src = source.NewParquet(cfg.SourceFile, cfg.Columns, chunk)
	case cfg.SourceFile != "":
		src = source.NewCSV(cfg.SourceFile, cfg.Columns, chunk)
	default:
		src, err = source.OpenSQL(ctx, cfg.SourceDatabaseURL, cfg.Table, cfg.Columns, chunk)
		if err != nil {
			gw.Close()
			return nil, err
		}
	}

	var pub Publisher
	if cfg.UploadEnabled() {
		target, err := s3sync.ParseTarget(cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			src.Close()
			gw.Close()
			return nil, fmt.Errorf("SNAPSHOT_S3_BUCKET: %w", err)
		}
		up, err := s3sync.NewUploader(ctx, target, s3sync.Config{})
		if err != nil {
			src.Close()
			gw.Close()
			return nil, err
		}
		pub = up
	}

	r := New(src, gw, snapshot.NewWriter(cfg.DataDir), pub, budget).
		WithDedupMaxEntries(cfg.DedupMaxEntries).
		WithEnsureSchema(cfg.EnsureSchema).
		WithMemDiag(memdiag.Config{Enabled: cfg.MemDebug, PprofAddr: cfg.PprofAddr})
	return r, nil
}

// estimatedRowBytes approximates one resident source row: the row struct,
// its cell strings, and the classified copy made while folding.
const estimatedRowBytes = 512

// batchRows caps the configured batch size so that one batch fits the
// budget's batch share.
func batchRows(configured int, budget membudget.Budget) int {
	limit := budget.BatchBytes() / estimatedRowBytes
	if limit < 1 {
		limit = 1
	}
	if uint64(configured) > limit {
		return int(limit)
	}
	return configured
}

// Close releases the source and the store.
func (r *Runner) Close() error {
	return errors.Join(r.src.Close(), r.gw.Close())
}

// Gateway exposes the store for read-back commands.
func (r *Runner) Gateway() *store.Gateway { return r.gw }

func (r *Runner) dedupConfig() aggregate.DedupConfig {
	n := r.dedupMax
	if n == 0 {
		n = r.budget.DedupEntries(extsort.EstimatedEntryBytes)
	}
	return aggregate.DedupConfig{
		MaxEntries: n,
		BufferSize: r.budget.SpillBufferBytes(1),
	}
}

// Run aggregates the selected range and commits it. Errors before and
// during the commit abort the run with nothing persisted; snapshot,
// extract, and upload failures afterwards are logged and reported as
// warnings.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	ctx, runID := logctx.NewRun(ctx, logging.WithPhase("etl"))
	log := logctx.FromContext(ctx)
	start := time.Now()

	rng := opts.Range
	switch {
	case opts.FullRebuild:
		rng = source.Range{}
	case !rng.Bounded():
		log.Warn().Msg("no --start/--end given, running a full rebuild")
	}
	ctx = logctx.WithStr(ctx, "range", rng.String())
	log = logctx.FromContext(ctx)
	rep := &Report{RunID: runID, Range: rng}

	diag := r.diag
	diag.Budget = r.budget.Total()
	mem := memdiag.Start(log, diag)
	defer mem.Stop()

	log.Info().
		Uint64("memory_budget", r.budget.Total()).
		Str("budget_source", string(r.budget.Source())).
		Msg("run started")

	if r.schema {
		if err := r.gw.EnsureSchema(ctx); err != nil {
			return nil, err
		}
	}

	dir := r.snap.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(dir); err != nil {
		log.Warn().Err(err).Msg("could not remove stale tmp files")
	}

	mem.SetPhase("aggregate")
	res, err := r.aggregate(ctx, rng)
	if err != nil {
		return nil, err
	}
	defer res.Close()
	rep.Stats = res.Stats

	mem.SetPhase("persist")
	rep.Flushed, err = r.gw.Flush(ctx, res)
	if err != nil {
		return nil, err
	}

	mem.SetPhase("snapshot")
	rep.Files, rep.Warnings = r.writeSnapshots(ctx, log, res, opts.SkipExtracts)

	if r.pub != nil {
		mem.SetPhase("upload")
		up, err := r.pub.UploadDir(ctx, dir, ".parquet")
		rep.Uploaded = up
		if err != nil {
			log.Warn().Err(err).Msg("snapshot upload failed")
			rep.Warnings = append(rep.Warnings, fmt.Errorf("upload: %w", err))
		}
	}

	rep.PeakHeap = mem.PeakHeap()
	ev := logging.PhaseComplete(log, "etl", time.Since(start))
	if rep.PeakHeap > 0 {
		ev = ev.Bytes("peak_heap", int64(rep.PeakHeap))
	}
	ev.Rows(res.Stats.Rows).
		Int("batches", res.Stats.Batches).
		Int("daily", rep.Flushed.Daily).
		Int("domains", rep.Flushed.Domains).
		Int("repeated", rep.Flushed.Repeated).
		Int("warnings", len(rep.Warnings)).
		Log("run complete")
	return rep, nil
}

func (r *Runner) aggregate(ctx context.Context, rng source.Range) (*aggregate.Result, error) {
	batches, err := r.src.Batches(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer batches.Close()

	return aggregate.NewPipeline(aggregate.Config{Dedup: r.dedupConfig()}).Run(ctx, batches)
}

func (r *Runner) writeSnapshots(ctx context.Context, log zerolog.Logger, res *aggregate.Result, skipExtracts bool) ([]snapshot.FileInfo, []error) {
	var warnings []error

	files, err := r.snap.WriteTables(ctx, res)
	if err != nil {
		log.Warn().Err(err).Msg("snapshot tables incomplete")
		warnings = append(warnings, fmt.Errorf("snapshot tables: %w", err))
	}
	if skipExtracts {
		return files, warnings
	}

	extracts, err := r.writeExtracts(ctx)
	files = append(files, extracts...)
	if err != nil {
		log.Warn().Err(err).Msg("detail extracts failed")
		warnings = append(warnings, fmt.Errorf("detail extracts: %w", err))
	}
	return files, warnings
}

func (r *Runner) writeExtracts(ctx context.Context) ([]snapshot.FileInfo, error) {
	dr, err := r.src.Details(ctx)
	if err != nil {
		return nil, err
	}
	defer dr.Close()

	// Drill-down keys are capped like the dedup index.
	dc := r.dedupConfig()
	return r.snap.WithSpill(snapshot.SpillConfig{
		MaxEntries: dc.MaxEntries,
		TempDir:    dc.TempDir,
		BufferSize: dc.BufferSize,
	}).WriteExtracts(ctx, dr)
}
