package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// ProgressTracker counts finished units of a bulk operation (slices, chunks)
// and logs a progress event each time another step percent completes.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string
	unit      string

	mu       sync.Mutex
	stepPct  int64
	nextStep int64
}

// NewProgressTracker creates a tracker for total units of kind unit.
func NewProgressTracker(phase, unit string, total int64, log zerolog.Logger) *ProgressTracker {
	return &ProgressTracker{
		total:     total,
		startTime: time.Now(),
		log:       log,
		phase:     phase,
		unit:      unit,
		stepPct:   10,
		nextStep:  10,
	}
}

// Done records one finished unit.
func (pt *ProgressTracker) Done() {
	n := pt.completed.Add(1) + pt.failed.Load()
	pt.maybeLog(n)
}

// Fail records one failed unit.
func (pt *ProgressTracker) Fail() {
	n := pt.failed.Add(1) + pt.completed.Load()
	pt.maybeLog(n)
}

func (pt *ProgressTracker) maybeLog(done int64) {
	if pt.total == 0 {
		return
	}
	pct := done * 100 / pt.total

	pt.mu.Lock()
	if pct < pt.nextStep {
		pt.mu.Unlock()
		return
	}
	for pt.nextStep <= pct {
		pt.nextStep += pt.stepPct
	}
	pt.mu.Unlock()

	e := pt.log.Info().
		Str("event", "progress").
		Str("phase", pt.phase).
		Str("unit", pt.unit).
		Int64("done", done).
		Int64("total", pt.total).
		Int64("progress_pct", pct)
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
	}
	e.Msg("progress")
}

// Progress returns completed, failed and total counts.
func (pt *ProgressTracker) Progress() (completed, failed, total int64) {
	return pt.completed.Load(), pt.failed.Load(), pt.total
}

// ETA estimates the remaining time from the average unit duration so far.
func (pt *ProgressTracker) ETA() time.Duration {
	done := pt.completed.Load() + pt.failed.Load()
	if done == 0 {
		return 0
	}
	remaining := pt.total - done
	if remaining <= 0 {
		return 0
	}
	return time.Since(pt.startTime) / time.Duration(done) * time.Duration(remaining)
}

// Elapsed returns time since tracking started.
func (pt *ProgressTracker) Elapsed() time.Duration {
	return time.Since(pt.startTime)
}

// Complete returns a completion event pre-filled with this tracker's counts.
func (pt *ProgressTracker) Complete() *CompletionEvent {
	completed, failed, total := pt.Progress()
	return PhaseComplete(pt.log, pt.phase, pt.Elapsed()).
		Str("unit", pt.unit).
		Count("completed", completed).
		Count("failed", failed).
		Count("total", total)
}

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]interface{}
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]interface{}),
	}
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bool adds a bool field.
func (ce *CompletionEvent) Bool(key string, val bool) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Float64 adds a float64 field.
func (ce *CompletionEvent) Float64(key string, val float64) *CompletionEvent {
	ce.fields[key] = val
	return ce
}

// Bytes adds a byte count with a humanized companion in pretty mode.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() && n >= 0 {
		ce.fields[key+"_h"] = humanize.IBytes(uint64(n))
	}
	return ce
}

// Count adds a count with a humanized companion in pretty mode.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.fields[key] = n
	if IsPrettyMode() {
		ce.fields[key+"_h"] = humanize.Comma(n)
	}
	return ce
}

// Dims adds a WxHxD dimension field.
func (ce *CompletionEvent) Dims(key string, w, h, d int) *CompletionEvent {
	ce.fields[key] = [3]int{w, h, d}
	return ce
}

// Throughput adds a bytes-per-second field computed from the elapsed time.
func (ce *CompletionEvent) Throughput(n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		bps := float64(n) / ce.elapsed.Seconds()
		ce.fields["throughput_bps"] = bps
		if IsPrettyMode() {
			ce.fields["throughput_h"] = humanize.IBytes(uint64(bps)) + "/s"
		}
	}
	return ce
}

// Log emits the completion event at info level.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())
	if IsPrettyMode() {
		e = e.Str("duration_h", ce.elapsed.Round(time.Millisecond).String())
	}
	for k, v := range ce.fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// PhaseComplete starts a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// FileCreated starts a file creation event.
func FileCreated(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "file_created", phase, elapsed)
}
