package aggregate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eunmann/mail-metrics/internal/logctx"
)

var emailAndDate = NewFieldSet(FieldEmail, FieldCreatedAt)

func batchOf(index int, date string, emails ...string) *Batch {
	rows := make([]Row, len(emails))
	for i, e := range emails {
		rows[i] = Row{Email: e, CreatedAt: date}
	}
	return &Batch{Index: index, Fields: emailAndDate, Rows: rows}
}

func run(t *testing.T, cfg Config, batches ...*Batch) *Result {
	t.Helper()
	res, err := NewPipeline(cfg).Run(context.Background(), NewSliceReader(batches...))
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })
	return res
}

func inMemory() Config {
	return Config{Dedup: DedupConfig{MaxEntries: -1}}
}

func TestPipeline_SingleDateScenario(t *testing.T) {
	res := run(t, inMemory(),
		batchOf(0, "2025-01-01", "a@x.com", "A@X.COM", "b@y.com", "", "bad"))

	require.Len(t, res.Daily, 1)
	m := res.Daily[0]
	assert.Equal(t, "2025-01-01", m.MetricDate.String())
	assert.EqualValues(t, 5, m.TotalRows)
	assert.EqualValues(t, 4, m.WithEmail)
	assert.EqualValues(t, 3, m.ValidEmails)
	assert.EqualValues(t, 1, m.InvalidEmails)
	assert.EqualValues(t, 2, m.UniqueValidEmails)
	assert.EqualValues(t, 1, m.DuplicatesExtraRows)
	assert.EqualValues(t, 3, m.SendableEmails)

	assert.Equal(t, []DomainDailyCount{
		{MetricDate: m.MetricDate, Domain: "x.com", Count: 2},
		{MetricDate: m.MetricDate, Domain: "y.com", Count: 1},
	}, res.Domains)
}

func TestPipeline_DedupAcrossBatches(t *testing.T) {
	res := run(t, inMemory(),
		batchOf(0, "2025-01-05", "c@z.com"),
		batchOf(1, "2025-01-02", "C@z.com "),
	)

	all, err := res.Repeated.Collect()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c@z.com", all[0].Email)
	assert.EqualValues(t, 2, all[0].Occurrences)
	assert.Equal(t, "2025-01-02", all[0].FirstSeen.String())
	assert.Equal(t, "2025-01-05", all[0].LastSeen.String())
}

func TestPipeline_UniqueIsAdditivePerBatch(t *testing.T) {
	res := run(t, inMemory(),
		batchOf(0, "2025-01-01", "a@x.com"),
		batchOf(1, "2025-01-01", "a@x.com"),
	)

	require.Len(t, res.Daily, 1)
	assert.EqualValues(t, 2, res.Daily[0].UniqueValidEmails)
	assert.EqualValues(t, 0, res.Daily[0].DuplicatesExtraRows)

	n, err := res.Repeated.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPipeline_DateSkips(t *testing.T) {
	b := &Batch{Fields: emailAndDate, Rows: []Row{
		{Email: "a@x.com", CreatedAt: "2025-01-01"},
		{Email: "b@x.com", CreatedAt: ""},
		{Email: "c@x.com", CreatedAt: "garbage"},
	}}
	res := run(t, inMemory(), b)

	require.Len(t, res.Daily, 1)
	assert.EqualValues(t, 1, res.Daily[0].TotalRows)
	assert.EqualValues(t, 2, res.Stats.DateParseSkips)
	assert.EqualValues(t, 3, res.Stats.Rows)

	all, err := res.Repeated.Collect()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a@x.com", all[0].Email)
}

func TestPipeline_EngagementCoercion(t *testing.T) {
	b := &Batch{
		Fields: NewFieldSet(FieldEmail, FieldCreatedAt, FieldOpens, FieldClicks),
		Rows: []Row{
			{Email: "a@x.com", CreatedAt: "2025-01-01", Opens: "3", Clicks: "1"},
			{Email: "b@x.com", CreatedAt: "2025-01-01", Opens: "n/a", Clicks: ""},
			{Email: "", CreatedAt: "2025-01-01", Opens: "2.5", Clicks: "NaN"},
		},
	}
	res := run(t, inMemory(), b)

	require.Len(t, res.Daily, 1)
	assert.InDelta(t, 5.5, res.Daily[0].TotalOpens, 1e-9)
	assert.InDelta(t, 1.0, res.Daily[0].TotalClicks, 1e-9)
	assert.EqualValues(t, 2, res.Stats.CoercedCells)
}

func TestPipeline_EngagementIgnoredWithoutField(t *testing.T) {
	b := batchOf(0, "2025-01-01", "a@x.com")
	b.Rows[0].Opens = "10"
	res := run(t, inMemory(), b)
	assert.Zero(t, res.Daily[0].TotalOpens)
}

func TestPipeline_MissingColumnIsConfigError(t *testing.T) {
	b := &Batch{Index: 3, Fields: NewFieldSet(FieldEmail), Rows: []Row{{Email: "a@x.com"}}}
	res, err := NewPipeline(inMemory()).Run(context.Background(), NewSliceReader(b))

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrMissingColumn)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, FieldCreatedAt, cfgErr.Field)
	assert.Equal(t, 3, cfgErr.Batch)
}

func TestPipeline_NoValidBatchCounted(t *testing.T) {
	res := run(t, inMemory(), batchOf(0, "2025-01-01", "bad", ""))
	assert.Equal(t, 1, res.Stats.NoValidBatches)
	assert.EqualValues(t, 2, res.Daily[0].TotalRows)
}

func TestPipeline_EmptyInput(t *testing.T) {
	res := run(t, inMemory())
	assert.Empty(t, res.Daily)
	assert.Empty(t, res.Domains)
	n, err := res.Repeated.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPipeline_SingleUse(t *testing.T) {
	p := NewPipeline(inMemory())
	res, err := p.Run(context.Background(), NewSliceReader())
	require.NoError(t, err)
	res.Close()

	_, err = p.Run(context.Background(), NewSliceReader())
	assert.ErrorIs(t, err, ErrPipelineReused)
}

func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPipeline(inMemory()).Run(ctx, NewSliceReader(batchOf(0, "2025-01-01", "a@x.com")))
	assert.ErrorIs(t, err, context.Canceled)
}

type failingReader struct{ after int }

func (f *failingReader) Next(context.Context) (*Batch, error) {
	if f.after == 0 {
		return nil, errors.New("connection reset")
	}
	f.after--
	return batchOf(0, "2025-01-01", "a@x.com"), nil
}

func TestPipeline_ReaderError(t *testing.T) {
	_, err := NewPipeline(inMemory()).Run(context.Background(), &failingReader{after: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPipeline_AbortRemovesSpillFiles(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), zerolog.New(&buf))

	_, err := NewPipeline(Config{Dedup: DedupConfig{MaxEntries: 1, TempDir: dir}}).
		Run(ctx, &failingReader{after: 2})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spill directory must be removed on abort")
	assert.NotContains(t, buf.String(), "could not remove dedup spill files")
}

// syntheticBatches spreads n rows over days dates with a bounded address
// pool so that duplicates and cross-batch repeats occur.
func syntheticBatches(n, batchSize, days, pool int) []*Batch {
	var out []*Batch
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		b := &Batch{Index: len(out), Fields: emailAndDate}
		for i := start; i < end; i++ {
			email := fmt.Sprintf("user%d@domain%d.com", (i*7)%pool, i%5)
			switch i % 11 {
			case 0:
				email = ""
			case 1:
				email = "broken@"
			}
			day := NewDate(2025, 1, 1).AddDays(i % days)
			b.Rows = append(b.Rows, Row{Email: email, CreatedAt: day.String()})
		}
		out = append(out, b)
	}
	return out
}

func TestPipeline_Invariants(t *testing.T) {
	res := run(t, inMemory(), syntheticBatches(5000, 700, 9, 400)...)

	validByDate := make(map[Date]int64)
	for _, m := range res.Daily {
		assert.Equal(t, m.ValidEmails+m.InvalidEmails, m.WithEmail, "date %s", m.MetricDate)
		assert.GreaterOrEqual(t, m.TotalRows, m.WithEmail)
		assert.LessOrEqual(t, m.UniqueValidEmails, m.ValidEmails)
		assert.Equal(t, m.ValidEmails, m.UniqueValidEmails+m.DuplicatesExtraRows)
		validByDate[m.MetricDate] = m.ValidEmails
	}

	domainSum := make(map[Date]int64)
	for _, d := range res.Domains {
		domainSum[d.MetricDate] += d.Count
	}
	for date, sum := range domainSum {
		assert.LessOrEqual(t, sum, validByDate[date], "date %s", date)
	}

	var totalOcc int64
	require.NoError(t, res.Repeated.Each(func(r RepeatedEmail) error {
		assert.GreaterOrEqual(t, r.Occurrences, int64(1))
		assert.LessOrEqual(t, r.FirstSeen, r.LastSeen)
		totalOcc += r.Occurrences
		return nil
	}))
	var totalValid int64
	for _, v := range validByDate {
		totalValid += v
	}
	assert.Equal(t, totalValid, totalOcc)
}

func TestPipeline_BatchSizeOnlyAffectsBatchLocalCounters(t *testing.T) {
	small := run(t, inMemory(), syntheticBatches(3000, 100, 4, 50)...)
	large := run(t, inMemory(), syntheticBatches(3000, 3000, 4, 50)...)

	require.Equal(t, len(large.Daily), len(small.Daily))
	for i := range small.Daily {
		s, l := small.Daily[i], large.Daily[i]
		assert.Equal(t, l.TotalRows, s.TotalRows)
		assert.Equal(t, l.ValidEmails, s.ValidEmails)
		assert.Equal(t, l.InvalidEmails, s.InvalidEmails)
		assert.GreaterOrEqual(t, s.UniqueValidEmails, l.UniqueValidEmails)
	}
	assert.Equal(t, large.Domains, small.Domains)

	sr, err := small.Repeated.Collect()
	require.NoError(t, err)
	lr, err := large.Repeated.Collect()
	require.NoError(t, err)
	assert.Equal(t, lr, sr)
}

func TestPipeline_SpillMatchesInMemory(t *testing.T) {
	batches := syntheticBatches(4000, 500, 6, 900)
	mem := run(t, inMemory(), batches...)
	spilled := run(t, Config{Dedup: DedupConfig{MaxEntries: 64, TempDir: t.TempDir()}}, batches...)

	assert.True(t, spilled.Repeated.Spilled())
	assert.Greater(t, spilled.Stats.SpillRuns, 1)

	want, err := mem.Repeated.Collect()
	require.NoError(t, err)
	got, err := spilled.Repeated.Collect()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := spilled.Repeated.Collect()
	require.NoError(t, err)
	assert.Equal(t, got, again, "Each must be repeatable")
}

func TestDedupIndex_CloseRemovesRuns(t *testing.T) {
	dir := t.TempDir()
	res, err := NewPipeline(Config{Dedup: DedupConfig{MaxEntries: 2, TempDir: dir}}).
		Run(context.Background(), NewSliceReader(batchOf(0, "2025-01-01", "a@x.com", "b@x.com", "c@x.com")))
	require.NoError(t, err)
	require.True(t, res.Repeated.Spilled())

	require.NoError(t, res.Close())
	assert.ErrorIs(t, res.Repeated.Each(func(RepeatedEmail) error { return nil }), ErrIndexClosed)
	assert.NoError(t, res.Close())
}

func TestPipeline_SpillRunsIncludeFinalRun(t *testing.T) {
	res, err := NewPipeline(Config{Dedup: DedupConfig{MaxEntries: 2, TempDir: t.TempDir()}}).
		Run(context.Background(), NewSliceReader(batchOf(0, "2025-01-01",
			"a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")))
	require.NoError(t, err)
	defer res.Close()

	require.True(t, res.Repeated.Spilled())
	assert.Equal(t, 3, res.Stats.SpillRuns, "two full runs plus the remainder flushed at finalize")
	n, err := res.Repeated.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestPipeline_InMemoryReportsNoSpillRuns(t *testing.T) {
	res := run(t, inMemory(), batchOf(0, "2025-01-01", "a@x.com", "b@x.com"))
	assert.False(t, res.Repeated.Spilled())
	assert.Zero(t, res.Stats.SpillRuns)
}

func TestFieldSet(t *testing.T) {
	fs := NewFieldSet(FieldEmail, FieldOpens)
	assert.True(t, fs.Has(FieldEmail))
	assert.False(t, fs.Has(FieldCreatedAt))

	f, missing := fs.Missing(FieldEmail, FieldCreatedAt)
	assert.True(t, missing)
	assert.Equal(t, FieldCreatedAt, f)
	assert.False(t, fs.Has(Field("unknown")))
}
