// Package metrics provides the monitoring service nodes report to: a
// Prometheus implementation served over HTTP and an in-memory one that can
// periodically dump a JSON snapshot to a file.
package metrics

import (
	"context"
	"errors"
	"time"
)

// LatencyBucketsMicroseconds are the histogram buckets used for operation
// latencies, observed in microseconds.
var LatencyBucketsMicroseconds = []float64{100, 500, 1e3, 1e4, 1e5, 5e5, 1e6}

// ErrDuplicateMetric is returned when a metric name is registered twice.
var ErrDuplicateMetric = errors.New("metric already registered")

type Gauge interface {
	Set(v float64)
	Inc()
	Dec()
	Add(v float64)
	Sub(v float64)
}

type Counter interface {
	Inc()
	Add(v float64)
}

type Histogram interface {
	Observe(v float64)
}

// Service registers named metrics and exposes them while running.
type Service interface {
	NewGauge(name, help string) (Gauge, error)
	NewCounter(name, help string) (Counter, error)
	NewHistogram(name, help string, buckets []float64) (Histogram, error)

	Gauge(name string) (Gauge, bool)
	Counter(name string) (Counter, bool)
	Histogram(name string) (Histogram, bool)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Info() string
}

// Timer measures elapsed time for latency histograms.
type Timer struct {
	start time.Time
}

func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// ObserveMicroseconds records the elapsed time on h, which may be nil.
func (t Timer) ObserveMicroseconds(h Histogram) time.Duration {
	elapsed := time.Since(t.start)
	if h != nil {
		h.Observe(float64(elapsed.Microseconds()))
	}
	return elapsed
}

// Discard is a Gauge, Counter and Histogram that records nothing. It lets
// callers skip nil checks on metrics that were never registered.
var Discard discard

type discard struct{}

func (discard) Set(float64)     {}
func (discard) Inc()            {}
func (discard) Dec()            {}
func (discard) Add(float64)     {}
func (discard) Sub(float64)     {}
func (discard) Observe(float64) {}

// GaugeOrDiscard looks up a gauge, falling back to Discard.
func GaugeOrDiscard(s Service, name string) Gauge {
	if s != nil {
		if g, ok := s.Gauge(name); ok {
			return g
		}
	}
	return Discard
}

// CounterOrDiscard looks up a counter, falling back to Discard.
func CounterOrDiscard(s Service, name string) Counter {
	if s != nil {
		if c, ok := s.Counter(name); ok {
			return c
		}
	}
	return Discard
}

// HistogramOrDiscard looks up a histogram, falling back to Discard.
func HistogramOrDiscard(s Service, name string) Histogram {
	if s != nil {
		if h, ok := s.Histogram(name); ok {
			return h
		}
	}
	return Discard
}
