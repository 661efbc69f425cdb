package logctx

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestFromContext_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	logger := FromContext(nil)

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestFromContext_ContextWithoutLogger(t *testing.T) {
	logger := FromContext(context.Background())

	var buf bytes.Buffer
	testLogger := logger.Output(&buf)
	testLogger.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("expected logger to produce output")
	}
}

func TestWithLogger_AndFromContext(t *testing.T) {
	var buf bytes.Buffer
	customLogger := zerolog.New(&buf).With().Str("custom", "field").Logger()

	ctx := WithLogger(context.Background(), customLogger)
	l := FromContext(ctx)
	l.Info().Msg("test")

	if !strings.Contains(buf.String(), `"custom":"field"`) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}
}

func TestNewRun(t *testing.T) {
	var buf bytes.Buffer
	ctx, runID := NewRun(context.Background(), zerolog.New(&buf))

	if _, err := uuid.Parse(runID); err != nil {
		t.Fatalf("run id %q is not a uuid: %v", runID, err)
	}
	if got := RunID(ctx); got != runID {
		t.Errorf("RunID() = %q, want %q", got, runID)
	}

	l := FromContext(ctx)
	l.Info().Msg("test")
	if !strings.Contains(buf.String(), `"run_id":"`+runID+`"`) {
		t.Errorf("expected run_id field in output, got: %s", buf.String())
	}
}

func TestNewRun_DistinctIDs(t *testing.T) {
	_, a := NewRun(context.Background(), zerolog.Nop())
	_, b := NewRun(context.Background(), zerolog.Nop())
	if a == b {
		t.Errorf("expected distinct run ids, got %q twice", a)
	}
}

func TestRunID_Missing(t *testing.T) {
	if got := RunID(context.Background()); got != "" {
		t.Errorf("RunID() = %q, want empty", got)
	}
}

func TestChainedContexts(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), zerolog.New(&buf))
	ctx = WithStr(ctx, "phase", "aggregate")
	ctx = WithInt(ctx, "batch_index", 5)

	l := FromContext(ctx)
	l.Info().Msg("test")

	output := buf.String()
	if !strings.Contains(output, `"phase":"aggregate"`) {
		t.Errorf("expected phase field, got: %s", output)
	}
	if !strings.Contains(output, `"batch_index":5`) {
		t.Errorf("expected batch_index field, got: %s", output)
	}
}
