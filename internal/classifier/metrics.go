package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardDuration tracks end-to-end model forward latency
	ForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fletcher_heads_forward_duration_seconds",
		Help:    "Time spent in classification model forward passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"style", "variant"})

	// LossComputations counts losses computed per problem type
	LossComputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_loss_computations_total",
		Help: "Number of losses computed",
	}, []string{"problem_type"})

	// ProblemTypeResolutions counts problem types inferred from labels
	ProblemTypeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_problem_type_resolutions_total",
		Help: "Number of times a problem type was inferred and cached",
	}, []string{"problem_type"})

	// PoolingDiagnostics counts non-fatal pooling warnings
	PoolingDiagnostics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fletcher_heads_pooling_diagnostics_total",
		Help: "Number of pooling diagnostics emitted",
	}, []string{"kind"})
)
