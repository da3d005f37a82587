// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. Observations accumulate in a private registry and are pushed
// on Flush, which suits short-lived CLI runs that are gone before a scrape.
package prompush

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"recordstore/internal/metrics"
)

// Backend pushes the registry contents to one gateway under one job name.
type Backend struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	records  *prometheus.CounterVec
	batches  prometheus.Counter
	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewBackend builds a backend for the gateway at url.
func NewBackend(job, url string) (*Backend, error) {
	if strings.TrimSpace(job) == "" {
		return nil, errors.New("prompush: empty job name")
	}
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("prompush: empty gateway url")
	}

	b := &Backend{
		registry: prometheus.NewRegistry(),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records written, by record type and operation.",
		}, []string{"type", "op"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Batches processed.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline steps, by step and status.",
		}, []string{"step", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDurationSeconds,
			Help:    "Pipeline step duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"step", "status"}),
	}
	if err := b.registerAll(); err != nil {
		return nil, fmt.Errorf("prompush: %w", err)
	}
	b.pusher = push.New(url, job).Gatherer(b.registry)
	return b, nil
}

func (b *Backend) registerAll() error {
	for _, c := range []prometheus.Collector{b.records, b.batches, b.steps, b.duration} {
		if err := b.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCounter implements metrics.Backend. Unknown metrics are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.RecordsTotal:
		b.records.WithLabelValues(label(labels, "type"), label(labels, "op")).Add(delta)
	case metrics.BatchesTotal:
		b.batches.Add(delta)
	case metrics.StepTotal:
		b.steps.WithLabelValues(label(labels, "step"), label(labels, "status")).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend. Unknown metrics are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || value < 0 {
		return
	}
	b.duration.WithLabelValues(label(labels, "step"), label(labels, "status")).Observe(value)
}

// Flush replaces the job's metric group on the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// Gather exposes the registry, mostly for tests.
func (b *Backend) Gather() (map[string]float64, error) {
	families, err := b.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, lp := range m.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

func label(l metrics.Labels, k string) string {
	if v := l[k]; v != "" {
		return v
	}
	return "unknown"
}

var _ metrics.Backend = (*Backend)(nil)
