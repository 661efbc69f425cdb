// Package snapshot writes the columnar files the dashboard reads: one per
// metric table plus two detail extracts. Every file is written to a
// temporary path and renamed into place. Snapshot failures never affect
// the relational commit; callers log them and move on.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/fileutil"
	"github.com/eunmann/mail-metrics/pkg/logging"
)

const (
	phase            = "snapshot"
	defaultChunkRows = 8192
)

// FileInfo describes one written file.
type FileInfo struct {
	Path  string
	Rows  int
	Bytes int64
}

// Writer writes snapshot files into one directory.
type Writer struct {
	dir       string
	chunkRows int
	spill     SpillConfig
}

// NewWriter returns a writer targeting dir.
func NewWriter(dir string) *Writer {
	return &Writer{
		dir:       dir,
		chunkRows: defaultChunkRows,
		spill:     SpillConfig{MaxEntries: defaultDrillEntries},
	}
}

// WithSpill returns a copy of w that bounds the drill-down counts by cfg.
// A zero MaxEntries keeps the default cap.
func (w *Writer) WithSpill(cfg SpillConfig) *Writer {
	cp := *w
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = defaultDrillEntries
	}
	cp.spill = cfg
	return &cp
}

// Dir returns the output directory.
func (w *Writer) Dir() string { return w.dir }

// WriteTables writes the three metric tables from res. Each file is
// attempted even if an earlier one failed; the joined error lists every
// failure.
func (w *Writer) WriteTables(ctx context.Context, res *aggregate.Result) ([]FileInfo, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	var files []FileInfo
	var errs []error
	record := func(fi FileInfo, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		files = append(files, fi)
	}

	record(writeFile(ctx, filepath.Join(w.dir, FileDaily), func(pw *parquet.GenericWriter[DailyRecord]) (int, error) {
		recs := make([]DailyRecord, len(res.Daily))
		for i, m := range res.Daily {
			recs[i] = dailyRecord(m)
		}
		return pw.Write(recs)
	}))

	record(writeFile(ctx, filepath.Join(w.dir, FileDomains), func(pw *parquet.GenericWriter[DomainRecord]) (int, error) {
		recs := make([]DomainRecord, len(res.Domains))
		for i, d := range res.Domains {
			recs[i] = domainRecord(d)
		}
		return pw.Write(recs)
	}))

	if res.Repeated != nil {
		record(writeFile(ctx, filepath.Join(w.dir, FileRepeated), func(pw *parquet.GenericWriter[RepeatedRecord]) (int, error) {
			buf := make([]RepeatedRecord, 0, w.chunkRows)
			total := 0
			flush := func() error {
				n, err := pw.Write(buf)
				total += n
				buf = buf[:0]
				return err
			}
			err := res.Repeated.Each(func(r aggregate.RepeatedEmail) error {
				buf = append(buf, repeatedRecord(r))
				if len(buf) == cap(buf) {
					return flush()
				}
				return nil
			})
			if err != nil {
				return total, err
			}
			return total, flush()
		}))
	}

	return files, errors.Join(errs...)
}

// writeFile streams records into path through a tmp file and logs the
// result.
func writeFile[T any](ctx context.Context, path string, fill func(*parquet.GenericWriter[T]) (int, error)) (FileInfo, error) {
	log := logctx.FromContext(ctx).With().Str("phase", phase).Logger()
	start := time.Now()
	rows := 0

	err := fileutil.WriteTmpThenMove(path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		pw := parquet.NewGenericWriter[T](f, parquet.Compression(&parquet.Snappy))
		n, err := fill(pw)
		rows = n
		if err != nil {
			pw.Close()
			f.Close()
			return err
		}
		if err := pw.Close(); err != nil {
			f.Close()
			return fmt.Errorf("close parquet writer: %w", err)
		}
		return f.Close()
	})
	if err != nil {
		return FileInfo{}, fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}

	fi := FileInfo{Path: path, Rows: rows}
	if st, err := os.Stat(path); err == nil {
		fi.Bytes = st.Size()
	}
	logging.FileCreated(log, phase, time.Since(start)).
		Str("file", filepath.Base(path)).
		Bytes("size", fi.Bytes).
		Count("rows", int64(rows)).
		Log("snapshot written")
	return fi, nil
}

// readAll reads every record of a snapshot file.
func readAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	r := parquet.NewGenericReader[T](pf)
	defer r.Close()

	out := make([]T, r.NumRows())
	n, err := r.Read(out)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return out[:n], nil
}

// ReadDaily reads a metrics_daily snapshot.
func ReadDaily(path string) ([]DailyRecord, error) { return readAll[DailyRecord](path) }

// ReadDomains reads a metrics_top_domains_daily snapshot.
func ReadDomains(path string) ([]DomainRecord, error) { return readAll[DomainRecord](path) }

// ReadRepeated reads a metrics_repeated_emails snapshot.
func ReadRepeated(path string) ([]RepeatedRecord, error) { return readAll[RepeatedRecord](path) }
