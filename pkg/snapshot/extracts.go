package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/mail-metrics/internal/logctx"
	"github.com/eunmann/mail-metrics/pkg/source"
)

// WriteExtracts makes one pass over dr. It streams every row into
// data_full.parquet and counts rows per (normalized email, agency,
// destination, activation condition, locator, date) for
// metrics_repeated_emails_daily.parquet.
//
// The drill-down key includes the locator, so its cardinality follows the
// row count. Counts beyond the Writer's SpillConfig go to sorted run files
// that are merged while the drill-down file is written.
func (w *Writer) WriteExtracts(ctx context.Context, dr source.DetailReader) ([]FileInfo, error) {
	log := logctx.FromContext(ctx).With().Str("phase", phase).Logger()
	counts := newDrillCounter(w.spill)
	defer func() {
		if err := counts.close(); err != nil {
			log.Warn().Err(err).Msg("could not remove drill-down spill files")
		}
	}()

	full, err := writeFile(ctx, filepath.Join(w.dir, FileDataFull), func(pw *parquet.GenericWriter[DetailRecord]) (int, error) {
		total := 0
		buf := make([]DetailRecord, 0, w.chunkRows)
		for {
			rows, err := dr.Next(ctx)
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			if err != nil {
				return total, fmt.Errorf("read details: %w", err)
			}

			buf = buf[:0]
			for _, r := range rows {
				buf = append(buf, detailRecord(r.Email, r))
				if err := counts.add(r); err != nil {
					return total, err
				}
			}
			n, err := pw.Write(buf)
			total += n
			if err != nil {
				return total, err
			}
		}
	})
	if err != nil {
		return nil, err
	}

	daily, err := writeFile(ctx, filepath.Join(w.dir, FileRepeatedDaily), func(pw *parquet.GenericWriter[RepeatedDailyRecord]) (int, error) {
		buf := make([]RepeatedDailyRecord, 0, w.chunkRows)
		total := 0
		flush := func() error {
			n, err := pw.Write(buf)
			total += n
			buf = buf[:0]
			return err
		}
		err := counts.each(func(r RepeatedDailyRecord) error {
			buf = append(buf, r)
			if len(buf) == cap(buf) {
				return flush()
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		return total, flush()
	})
	if runs := counts.runs(); runs > 0 {
		log.Debug().Int("spill_runs", runs).Msg("drill-down counts spilled")
	}
	if err != nil {
		return []FileInfo{full}, err
	}
	return []FileInfo{full, daily}, nil
}

// ReadDetails reads a data_full snapshot.
func ReadDetails(path string) ([]DetailRecord, error) { return readAll[DetailRecord](path) }

// ReadRepeatedDaily reads a metrics_repeated_emails_daily snapshot.
func ReadRepeatedDaily(path string) ([]RepeatedDailyRecord, error) {
	return readAll[RepeatedDailyRecord](path)
}
