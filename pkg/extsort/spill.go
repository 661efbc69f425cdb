package extsort

import (
	"fmt"
	"os"
	"path/filepath"
)

// Spiller owns a private temporary directory of run files.
type Spiller struct {
	dir        string
	runs       []string
	bufferSize int
}

// NewSpiller creates a run directory under parent, or under the system
// temporary directory when parent is empty.
func NewSpiller(parent string, bufferSize int) (*Spiller, error) {
	dir, err := os.MkdirTemp(parent, "mailmetrics-spill-*")
	if err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	return &Spiller{dir: dir, bufferSize: bufferSize}, nil
}

// Spill writes stats as one sorted run file. The slice is reordered.
func (s *Spiller) Spill(stats []*EmailStat) error {
	path := filepath.Join(s.dir, fmt.Sprintf("run_%05d.bin", len(s.runs)))
	w, err := NewRunFileWriter(path, s.bufferSize)
	if err != nil {
		return err
	}
	if err := w.WriteSorted(stats); err != nil {
		w.Close()
		os.Remove(path)
		return fmt.Errorf("spill run %d: %w", len(s.runs), err)
	}
	if err := w.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close run %d: %w", len(s.runs), err)
	}
	s.runs = append(s.runs, path)
	return nil
}

// Runs returns the run file paths written so far.
func (s *Spiller) Runs() []string { return s.runs }

// Merge opens a merge iterator over every run.
func (s *Spiller) Merge() (*MergeIterator, error) {
	return NewMergeIterator(s.runs, s.bufferSize)
}

// Dir returns the spill directory.
func (s *Spiller) Dir() string { return s.dir }

// Cleanup removes the spill directory and every run in it.
func (s *Spiller) Cleanup() error {
	s.runs = nil
	return os.RemoveAll(s.dir)
}
