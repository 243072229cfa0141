// Package prom provides prometheus-backed implementations of the metric
// interfaces in package metrics, and the wired-up metrics for the SMTP
// client and DKIM signer. A program that wants these recorded assigns them
// to the corresponding package variables:
//
//	import "github.com/sendkit/smtpsubmit/metrics/prom"
//
//	smtpclient.MetricCommands = prom.ClientCommandDuration
//	smtpclient.MetricAuth = prom.ClientAuthMechanism
//	dkim.MetricSign = prom.DKIMSignTotal
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sendkit/smtpsubmit/metrics"
)

type counterVec struct {
	cv *prometheus.CounterVec
}

func (c counterVec) IncLabels(labels ...string) {
	c.cv.WithLabelValues(labels...).Inc()
}

type histogramVec struct {
	hv *prometheus.HistogramVec
}

func (h histogramVec) ObserveLabels(v float64, labels ...string) {
	h.hv.WithLabelValues(labels...).Observe(v)
}

func newCounterVec(name, help string, labels ...string) metrics.CounterVec {
	return counterVec{promauto.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)}
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) metrics.HistogramVec {
	return histogramVec{promauto.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)}
}

var (
	ClientCommandDuration = newHistogramVec(
		"smtpsubmit_client_command_duration_seconds",
		"SMTP client command duration in seconds.",
		[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		"cmd", "code", "secode")

	ClientAuthMechanism = newCounterVec(
		"smtpsubmit_client_auth_mechanism_total",
		"Number of SMTP AUTH attempts, by mechanism and outcome.",
		"mechanism", "result")

	DKIMSignTotal = newCounterVec(
		"smtpsubmit_dkim_sign_total",
		"DKIM message signings, by key type (rsa or ed25519).",
		"key")
)
