package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the Prometheus metrics for the server.
type metrics struct {
	registry *prometheus.Registry

	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec
	LiveRuns     prometheus.GaugeFunc
}

func newMetrics(liveRuns func() float64) *metrics {
	registry := prometheus.NewRegistry()

	m := &metrics{
		registry: registry,

		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trainagent_calls_total",
				Help: "Total number of agent calls",
			},
			[]string{"op", "status"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trainagent_call_duration_seconds",
				Help:    "Duration of agent calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		LiveRuns: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "trainagent_runs_tracked",
				Help: "Number of runs currently tracked by the agent",
			},
			liveRuns,
		),
	}

	registry.MustRegister(m.CallsTotal, m.CallDuration, m.LiveRuns)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
