package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardedPredictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_forwarded_predictions_total",
		Help: "Predictions forwarded to the Flight endpoint",
	})

	forwardingFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_forwarding_failures_total",
		Help: "Forwarding attempts that failed or were rejected by the circuit breaker",
	}, []string{"reason"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_circuit_breaker_transitions_total",
		Help: "Circuit breaker state changes by target state",
	}, []string{"state"})
)
