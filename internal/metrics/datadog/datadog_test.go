package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"recordstore/internal/metrics"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(_ context.Context, body datadogV2.MetricPayload, _ ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func newTestBackend(t *testing.T, fs *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:    "import",
		FlushEvery: time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

// value returns the first point of the series named metric carrying every
// tag in tags, and whether one was found.
func value(p datadogV2.MetricPayload, metric string, tags ...string) (float64, bool) {
next:
	for _, s := range p.Series {
		if s.Metric != metric {
			continue
		}
		for _, tag := range tags {
			if !contains(s.Tags, tag) {
				continue next
			}
		}
		return *s.Points[0].Value, true
	}
	return 0, false
}

func TestNewBackend_BaseTags(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("DD_ENV", "stage")

	b, err := NewBackend(context.Background(), Options{Tags: []string{"service:recordstore"}, submitter: &fakeSubmitter{}})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	defer b.Close()

	want := []string{"env:stage", "job:recordstore", "service:recordstore"}
	if !reflect.DeepEqual(b.baseTags, want) {
		t.Fatalf("baseTags=%v, want %v", b.baseTags, want)
	}
	if b.flushEvery != time.Minute {
		t.Fatalf("flushEvery=%s, want 1m", b.flushEvery)
	}
}

func TestFlush_RecordsByTypeAndOp(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer b.Close()
	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.AddRecords("sample", "upsert", 3)
	metrics.AddRecords("sample", "upsert", 2)
	metrics.AddRecords("sample", "delete", 1)
	metrics.AddRecords("file", "upsert", 4)
	metrics.AddBatch()
	metrics.AddBatch()

	if err := metrics.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submissions=%d, want 1", fs.count())
	}
	p := fs.payloads[0]
	for _, tc := range []struct {
		typ, op string
		want    float64
	}{
		{"sample", "upsert", 5},
		{"sample", "delete", 1},
		{"file", "upsert", 4},
	} {
		got, ok := value(p, "recordstore.records.total", "type:"+tc.typ, "op:"+tc.op, "job:import")
		if !ok || got != tc.want {
			t.Fatalf("records %s/%s=%v (found=%t), want %v", tc.typ, tc.op, got, ok, tc.want)
		}
	}
	if _, ok := value(p, "recordstore.records.total", "type:file", "op:delete"); ok {
		t.Fatalf("no file deletes were recorded")
	}
	if got, _ := value(p, "recordstore.batches.total"); got != 2 {
		t.Fatalf("batches=%v, want 2", got)
	}
}

func TestFlush_StepStatusAndDurations(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer b.Close()

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "reconcile", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "reconcile", "status": "error"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.25, metrics.Labels{"step": "upsert", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.75, metrics.Labels{"step": "upsert", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "upsert", "status": "ok"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p := fs.payloads[0]

	if got, _ := value(p, "recordstore.step.total", "step:reconcile", "status:error"); got != 1 {
		t.Fatalf("failed reconcile steps=%v, want 1", got)
	}
	if got, _ := value(p, "recordstore.step.duration_seconds.p50", "step:upsert", "status:ok"); got != 0.5 {
		t.Fatalf("upsert p50=%v, want 0.5", got)
	}
	if got, _ := value(p, "recordstore.step.duration_seconds.samples", "step:upsert"); got != 3 {
		t.Fatalf("upsert samples=%v, want 3", got)
	}
}

func TestFlush_ResetsBuffers(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer b.Close()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush empty: %v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("an empty flush must not submit")
	}

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"type": "sample", "op": "upsert"})
	for i := 0; i < 2; i++ {
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}
	if fs.count() != 1 {
		t.Fatalf("submissions=%d, want 1", fs.count())
	}
}

func TestFlush_SubmitErrorAndClose(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, fs)

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush: want the submit error")
	}

	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if fs.count() != 2 {
		t.Fatalf("Close must flush what is buffered; submissions=%d", fs.count())
	}
}

func TestBackend_IgnoresUnknownAndInvalid(t *testing.T) {
	fs := &fakeSubmitter{}
	b := newTestBackend(t, fs)
	defer b.Close()

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})
	b.IncCounter("rows_total", 1, metrics.Labels{"type": "sample"})
	b.ObserveHistogram(metrics.StepDurationSeconds, -1, metrics.Labels{"step": "upsert"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fs.count() != 0 {
		t.Fatalf("ignored observations were submitted")
	}
}

func TestParseTagsCSV(t *testing.T) {
	got := ParseTagsCSV(" env:prod , ,team:data ")
	if !reflect.DeepEqual(got, []string{"env:prod", "team:data"}) {
		t.Fatalf("ParseTagsCSV=%v", got)
	}
	if ParseTagsCSV("") != nil {
		t.Fatalf("empty input must give no tags")
	}
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
