package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	samples  map[string][]float64
	flushes  int
}

func newRecorder() *recorder {
	return &recorder{counters: map[string]float64{}, samples: map[string][]float64{}}
}

func key(name string, l Labels) string {
	return name + "|" + l["type"] + "|" + l["op"] + "|" + l["step"] + "|" + l["status"]
}

func (r *recorder) IncCounter(name string, delta float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, l)] += delta
}

func (r *recorder) ObserveHistogram(name string, v float64, l Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[key(name, l)] = append(r.samples[key(name, l)], v)
}

func (r *recorder) Flush() error {
	r.flushes++
	return nil
}

func TestFacade_RoutesToInstalledBackend(t *testing.T) {
	rec := newRecorder()
	SetBackend(rec)
	t.Cleanup(func() { SetBackend(nil) })

	AddRecords("person", "UPSERT", 3)
	AddRecords("person", "UPSERT", 0)
	AddBatch()
	ObserveStep("upsert", nil, 1500*time.Millisecond)
	ObserveStep("upsert", errors.New("boom"), time.Second)
	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := rec.counters[key(RecordsTotal, Labels{"type": "person", "op": "UPSERT"})]; got != 3 {
		t.Fatalf("records_total = %v, want 3", got)
	}
	if got := rec.counters[key(BatchesTotal, nil)]; got != 1 {
		t.Fatalf("batches_total = %v, want 1", got)
	}
	if got := rec.samples[key(StepDurationSeconds, Labels{"step": "upsert", "status": "ok"})]; len(got) != 1 || got[0] != 1.5 {
		t.Fatalf("unexpected ok samples %v", got)
	}
	if got := rec.counters[key(StepTotal, Labels{"step": "upsert", "status": "error"})]; got != 1 {
		t.Fatalf("step_total error = %v, want 1", got)
	}
	if rec.flushes != 1 {
		t.Fatalf("expected one flush, got %d", rec.flushes)
	}
}

func TestFacade_DefaultsToNop(t *testing.T) {
	SetBackend(nil)
	AddRecords("x", "DELETE", 1)
	ObserveStep("s", nil, time.Millisecond)
	if err := Flush(); err != nil {
		t.Fatalf("nop flush must succeed: %v", err)
	}
}
