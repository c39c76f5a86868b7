package payroll

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engage",
		Subsystem: "payroll",
		Name:      "requests_total",
		Help:      "Outbound verification provider calls by operation and outcome.",
	}, []string{"op", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "engage",
		Subsystem: "payroll",
		Name:      "request_duration_seconds",
		Help:      "Latency of outbound verification provider calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "engage",
		Subsystem: "payroll",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration, breakerState)
}

func recordRequest(op, outcome string, elapsed time.Duration) {
	requestCounter.WithLabelValues(op, outcome).Inc()
	requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
