package aggregate

import (
	"errors"
	"fmt"
)

// ErrMissingColumn indicates a batch lacks a column the fold requires.
var ErrMissingColumn = errors.New("required column missing from batch")

// ErrPipelineReused indicates Run was called on a pipeline that already ran.
var ErrPipelineReused = errors.New("pipeline already ran; accumulators are single-use")

// ConfigError is a fatal, pre-flush configuration problem. Nothing is
// persisted when a run fails with one.
type ConfigError struct {
	Batch int
	Field Field
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("batch %d: column %q: %v", e.Batch, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
