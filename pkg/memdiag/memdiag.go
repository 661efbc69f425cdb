// Package memdiag samples heap usage during a run and compares it with the
// memory budget, so a dedup index that outgrows its share shows up in the
// logs before the process is killed.
package memdiag

import (
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	// Registers pprof handlers on DefaultServeMux for the pprof HTTP server.
	_ "net/http/pprof"

	"github.com/rs/zerolog"

	"github.com/eunmann/mail-metrics/pkg/humanfmt"
)

// Config holds configuration for memory diagnostics.
type Config struct {
	// Enabled turns on periodic and per-phase heap logging.
	Enabled bool
	// PprofAddr, when set, serves net/http/pprof on that address.
	PprofAddr string
	// Interval between periodic samples. Default: 5s.
	Interval time.Duration
	// Budget is the byte budget heap usage is compared against. Zero
	// disables the comparison.
	Budget uint64
}

// Stats is the subset of runtime.MemStats the tracker reports.
type Stats struct {
	HeapAlloc  uint64
	HeapInuse  uint64
	HeapSys    uint64
	StackInuse uint64
	Sys        uint64
	NumGC      uint32
}

// Read samples current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:  m.HeapAlloc,
		HeapInuse:  m.HeapInuse,
		HeapSys:    m.HeapSys,
		StackInuse: m.StackInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// overBudgetRatio is the heap/budget ratio above which a warning is logged.
const overBudgetRatio = 1.0

// Tracker logs heap usage for one run. A nil *Tracker is valid and does
// nothing, so callers need not check whether diagnostics are enabled.
type Tracker struct {
	cfg  Config
	log  zerolog.Logger
	stop chan struct{}
	done chan struct{}

	mu     sync.Mutex
	phase  string
	peak   uint64
	warned bool
}

// Start returns a running tracker, or nil when cfg is disabled.
func Start(log zerolog.Logger, cfg Config) *Tracker {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	t := &Tracker{
		cfg:   cfg,
		log:   log.With().Str("component", "memdiag").Logger(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		phase: "init",
	}

	if cfg.PprofAddr != "" {
		pprofOnce.Do(func() { go servePprof(t.log, cfg.PprofAddr) })
	}

	go t.loop()
	return t
}

// pprofOnce keeps repeated runs in one process from rebinding the address.
var pprofOnce sync.Once

func servePprof(log zerolog.Logger, addr string) {
	log.Info().Str("addr", addr).Msg("starting pprof server")
	if err := http.ListenAndServe(addr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("pprof server failed")
	}
}

func (t *Tracker) loop() {
	defer close(t.done)
	tick := time.NewTicker(t.cfg.Interval)
	defer tick.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			t.Sample("periodic")
		}
	}
}

// SetPhase records the phase name and logs a sample.
func (t *Tracker) SetPhase(phase string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.Sample("phase_change")
}

// Sample logs current heap usage at debug level and warns once if the
// heap exceeds the budget.
func (t *Tracker) Sample(reason string) Stats {
	if t == nil {
		return Stats{}
	}
	s := Read()

	t.mu.Lock()
	t.peak = max(t.peak, s.HeapAlloc)
	phase, peak := t.phase, t.peak
	over := t.cfg.Budget > 0 && float64(s.HeapAlloc) > float64(t.cfg.Budget)*overBudgetRatio && !t.warned
	if over {
		t.warned = true
	}
	t.mu.Unlock()

	t.log.Debug().
		Str("reason", reason).
		Str("phase", phase).
		Str("heap_alloc", humanfmt.Bytes(int64(s.HeapAlloc))).
		Str("heap_inuse", humanfmt.Bytes(int64(s.HeapInuse))).
		Str("heap_sys", humanfmt.Bytes(int64(s.HeapSys))).
		Str("sys_total", humanfmt.Bytes(int64(s.Sys))).
		Str("peak_heap", humanfmt.Bytes(int64(peak))).
		Uint32("num_gc", s.NumGC).
		Msg("memory stats")

	if over {
		t.log.Warn().
			Str("phase", phase).
			Str("heap_alloc", humanfmt.Bytes(int64(s.HeapAlloc))).
			Str("budget", humanfmt.Bytes(int64(t.cfg.Budget))).
			Msg("heap exceeds memory budget; lower DEDUP_MAX_ENTRIES or MEMORY_BUDGET")
	}
	return s
}

// PeakHeap returns the largest heap allocation sampled so far.
func (t *Tracker) PeakHeap() uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Stop ends periodic sampling and logs a final sample.
func (t *Tracker) Stop() {
	if t == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.Sample("shutdown")
}
