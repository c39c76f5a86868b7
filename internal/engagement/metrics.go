package engagement

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engage",
		Subsystem: "verification",
		Name:      "webhooks_total",
		Help:      "Provider webhooks by event type and outcome.",
	}, []string{"event_type", "outcome"})

	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engage",
		Subsystem: "verification",
		Name:      "status_transitions_total",
		Help:      "Verification status transitions applied from webhooks.",
	}, []string{"from", "to"})

	initiationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "engage",
		Subsystem: "verification",
		Name:      "initiations_total",
		Help:      "Verification initiation attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(webhookCounter, transitionCounter, initiationCounter)
}

// Webhook outcomes.
const (
	outcomeApplied          = "applied"
	outcomeDuplicate        = "duplicate"
	outcomeUnknownActivity  = "unknown_activity"
	outcomeUncorrelated     = "uncorrelated"
	outcomeInvalidSignature = "invalid_signature"
	outcomeError            = "error"
)

func recordWebhook(eventType, outcome string) {
	if eventType == "" {
		eventType = "unparsed"
	}
	webhookCounter.WithLabelValues(eventType, outcome).Inc()
}

func recordTransition(from, to Status) {
	transitionCounter.WithLabelValues(string(from), string(to)).Inc()
}

func recordInitiation(outcome string) {
	initiationCounter.WithLabelValues(outcome).Inc()
}
