// Package metrics defines small metric interfaces used by smtpclient and
// dkim to record counters and histograms without depending on prometheus
// directly. Each exported metric variable in those packages defaults to the
// Ignore implementation here, so the packages work without prometheus, or
// any other backend, ever being wired in.
//
// See metrics/prom for a prometheus-backed implementation.
package metrics

type Counter interface {
	Inc()
}

type CounterIgnore struct{}

func (CounterIgnore) Inc() {}

type CounterVec interface {
	IncLabels(labels ...string)
}

type CounterVecIgnore struct{}

func (CounterVecIgnore) IncLabels(labels ...string) {}

type Histogram interface {
	Observe(float64)
}

type HistogramIgnore struct{}

func (HistogramIgnore) Observe(float64) {}

type HistogramVec interface {
	ObserveLabels(v float64, labels ...string)
}

type HistogramVecIgnore struct{}

func (HistogramVecIgnore) ObserveLabels(v float64, labels ...string) {}
