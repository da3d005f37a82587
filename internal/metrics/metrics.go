// Package metrics is the backend-neutral facade the write pipeline reports
// to. A process installs one Backend with SetBackend; until then every call
// is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names.
const (
	RecordsTotal        = "recordstore_records_total"
	BatchesTotal        = "recordstore_batches_total"
	StepTotal           = "recordstore_step_total"
	StepDurationSeconds = "recordstore_step_duration_seconds"
)

// Labels are the dimensions of one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// AddRecords counts n records of type rt written by op.
func AddRecords(rt, op string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"type": rt, "op": op})
}

// AddBatch counts one processed batch.
func AddBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}

// ObserveStep records one pipeline step outcome and its duration.
func ObserveStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}
