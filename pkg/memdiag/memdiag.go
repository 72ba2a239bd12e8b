// Package memdiag logs Go heap usage next to the volume memory budget, so
// the budget's bookkeeping can be checked against what the runtime reports.
// Mapped volumes live outside the Go heap and do not appear here.
package memdiag

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/logging"
	"github.com/eunmann/ctvol/pkg/membudget"
)

// Config holds configuration for memory diagnostics.
type Config struct {
	// Enabled controls whether memory diagnostics are active.
	Enabled bool

	// LogInterval is the interval for periodic memory logging.
	// Default: 5s.
	LogInterval time.Duration

	// Budget, when set, is reported alongside the heap.
	Budget *membudget.Budget

	// Logger receives the stats at debug level. Default: logging.L().
	Logger *zerolog.Logger
}

// Stats holds memory statistics from runtime.
type Stats struct {
	HeapAlloc    uint64
	HeapSys      uint64
	HeapInuse    uint64
	HeapReleased uint64
	Sys          uint64
	NumGC        uint32
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		HeapInuse:    m.HeapInuse,
		HeapReleased: m.HeapReleased,
		Sys:          m.Sys,
		NumGC:        m.NumGC,
	}
}

// Tracker logs memory usage per phase and periodically while started.
type Tracker struct {
	config  Config
	log     zerolog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	started atomic.Bool

	mu       sync.Mutex
	phase    string
	peakHeap uint64
}

// NewTracker creates a new memory tracker.
func NewTracker(config Config) *Tracker {
	if config.LogInterval <= 0 {
		config.LogInterval = 5 * time.Second
	}
	log := logging.L()
	if config.Logger != nil {
		log = config.Logger
	}
	return &Tracker{
		config: config,
		log:    log.With().Str("component", "memdiag").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		phase:  "init",
	}
}

// Start begins periodic memory logging if enabled.
func (t *Tracker) Start() {
	if !t.config.Enabled {
		return
	}
	if !t.started.CompareAndSwap(false, true) {
		return
	}
	go t.logLoop()
}

// Stop stops periodic logging and logs a final sample.
func (t *Tracker) Stop() {
	if !t.started.Load() {
		return
	}
	close(t.stopCh)
	<-t.doneCh
}

// SetPhase sets the current phase for logging context.
func (t *Tracker) SetPhase(phase string) {
	t.mu.Lock()
	t.phase = phase
	t.mu.Unlock()
	t.LogNow("phase_change")
}

// LogNow logs current memory stats immediately.
func (t *Tracker) LogNow(reason string) {
	if !t.config.Enabled {
		return
	}
	stats := Read()

	t.mu.Lock()
	phase := t.phase
	t.peakHeap = max(t.peakHeap, stats.HeapAlloc)
	peak := t.peakHeap
	t.mu.Unlock()

	ev := t.log.Debug().
		Str("reason", reason).
		Str("phase", phase).
		Str("heap_alloc", membudget.FormatBytes(stats.HeapAlloc)).
		Str("heap_inuse", membudget.FormatBytes(stats.HeapInuse)).
		Str("sys_total", membudget.FormatBytes(stats.Sys)).
		Str("peak_heap", membudget.FormatBytes(peak)).
		Uint32("num_gc", stats.NumGC)

	if b := t.config.Budget; b != nil {
		inUse := b.InUse()
		var ratio float64
		if inUse > 0 {
			ratio = float64(stats.HeapAlloc) / float64(inUse)
		}
		ev = ev.
			Str("budget_inuse", membudget.FormatBytes(inUse)).
			Str("budget_total", membudget.FormatBytes(b.Total())).
			Float64("heap_vs_budget_ratio", ratio)

		if ratio > 2.0 && inUse > 100*1024*1024 {
			t.log.Warn().
				Str("heap_alloc", membudget.FormatBytes(stats.HeapAlloc)).
				Str("budget_inuse", membudget.FormatBytes(inUse)).
				Float64("ratio", ratio).
				Msg("heap usage significantly exceeds budget reservations")
		}
	}
	ev.Msg("memory stats")
}

// PeakHeap returns the peak heap allocation seen.
func (t *Tracker) PeakHeap() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakHeap
}

func (t *Tracker) logLoop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.config.LogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			t.LogNow("shutdown")
			return
		case <-ticker.C:
			t.LogNow("periodic")
		}
	}
}
