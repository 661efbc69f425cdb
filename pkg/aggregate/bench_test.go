package aggregate_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
	"github.com/eunmann/mail-metrics/pkg/benchutil"
)

/*
Benchmark categories for the aggregation pipeline:

1. BenchmarkPipeline - in-memory dedup index
   - Measures: rows/sec
   - Sizes: benchutil.BenchmarkSizes

2. BenchmarkPipeline_Spill - dedup index forced to disk every 5k addresses

3. BenchmarkPipeline_Scaling - large exports (gated)
   - Run with: MAILMETRICS_LONG_BENCH=1 go test -bench=Scaling
*/

func BenchmarkPipeline(b *testing.B) {
	for _, size := range benchutil.BenchmarkSizes {
		b.Run(fmt.Sprintf("rows=%d", size), func(b *testing.B) {
			benchmarkPipeline(b, size, aggregate.DedupConfig{MaxEntries: -1})
		})
	}
}

func BenchmarkPipeline_Spill(b *testing.B) {
	b.Run("rows=100000", func(b *testing.B) {
		benchmarkPipeline(b, 100_000, aggregate.DedupConfig{MaxEntries: 5_000, TempDir: b.TempDir()})
	})
}

func BenchmarkPipeline_Scaling(b *testing.B) {
	benchutil.SkipIfNoLongBench(b)
	for _, size := range benchutil.ScalingSizes {
		b.Run(fmt.Sprintf("rows=%d", size), func(b *testing.B) {
			benchmarkPipeline(b, size, aggregate.DedupConfig{TempDir: b.TempDir()})
		})
	}
}

func benchmarkPipeline(b *testing.B, rows int, dedup aggregate.DedupConfig) {
	b.Helper()

	batches := benchutil.NewGenerator(benchutil.DefaultConfig(rows)).Batches()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		p := aggregate.NewPipeline(aggregate.Config{Dedup: dedup})
		res, err := p.Run(context.Background(), aggregate.NewSliceReader(batches...))
		if err != nil {
			b.Fatalf("Run: %v", err)
		}
		if _, err := res.Repeated.Len(); err != nil {
			b.Fatalf("Len: %v", err)
		}
		res.Close()
	}

	b.ReportMetric(float64(rows)*float64(b.N)/b.Elapsed().Seconds(), "rows/s")
}
