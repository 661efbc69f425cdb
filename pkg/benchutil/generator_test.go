package benchutil

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/eunmann/mail-metrics/pkg/aggregate"
)

func TestGeneratorDeterministic(t *testing.T) {
	cfg := DefaultConfig(2_500)
	cfg.BatchSize = 1_000

	a := NewGenerator(cfg).Batches()
	b := NewGenerator(cfg).Batches()

	if len(a) != 3 {
		t.Fatalf("got %d batches, want 3", len(a))
	}
	if len(a[2].Rows) != 500 {
		t.Errorf("last batch has %d rows, want 500", len(a[2].Rows))
	}
	for i := range a {
		for j := range a[i].Rows {
			if a[i].Rows[j] != b[i].Rows[j] {
				t.Fatalf("batch %d row %d differs between runs", i, j)
			}
		}
	}
}

func TestGeneratorFeedsPipeline(t *testing.T) {
	g := NewGenerator(DefaultConfig(5_000))
	res, err := aggregate.NewPipeline(aggregate.Config{}).Run(context.Background(), g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer res.Close()

	var total int64
	for _, m := range res.Daily {
		total += m.TotalRows
		if m.ValidEmails+m.InvalidEmails != m.WithEmail {
			t.Errorf("%s: valid+invalid != with_email", m.MetricDate)
		}
	}
	if total+res.Stats.DateParseSkips != 5_000 {
		t.Errorf("rows = %d + %d skipped, want 5000", total, res.Stats.DateParseSkips)
	}
}

func TestWriteCSV(t *testing.T) {
	cfg := DefaultConfig(10)
	cfg.Engagement = false

	var buf bytes.Buffer
	if err := NewGenerator(cfg).WriteCSV(&buf, "Email", "Fecha_de_creacion"); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 11 {
		t.Fatalf("got %d lines, want 11", len(lines))
	}
	if lines[0] != "Email,Fecha_de_creacion" {
		t.Errorf("header = %q", lines[0])
	}
}
