// Package logctx carries a run-scoped zerolog logger through context.Context.
//
// A run starts with NewRun, which tags the logger with a fresh run_id. Batch
// processing adds batch_index with WithInt so every line written while a
// batch is folded can be correlated back to it:
//
//	ctx, runID := logctx.NewRun(ctx, logging.WithPhase("etl"))
//	ctx = logctx.WithInt(ctx, "batch_index", i)
//	logctx.FromContext(ctx).Info().Msg("folded")
package logctx

import (
	"context"

	"github.com/eunmann/mail-metrics/pkg/logging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// loggerKey is the private key type for storing loggers in context.
type loggerKey struct{}

// runIDKey is the private key type for the run identifier.
type runIDKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. If the context is nil
// or carries no logger, the process-wide logger from package logging is
// returned. It never returns a zero-value logger.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return *logging.L()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return *logging.L()
}

// NewRun attaches base, tagged with a freshly generated run_id, to ctx.
func NewRun(ctx context.Context, base zerolog.Logger) (context.Context, string) {
	runID := uuid.NewString()
	ctx = WithLogger(ctx, base.With().Str("run_id", runID).Logger())
	return context.WithValue(ctx, runIDKey{}, runID), runID
}

// RunID returns the run identifier stored by NewRun, or "".
func RunID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// WithStr returns a new context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// WithInt returns a new context whose logger has the int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	logger := FromContext(ctx).With().Int(key, value).Logger()
	return WithLogger(ctx, logger)
}
