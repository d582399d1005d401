package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sequencesClassified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_sequences_classified_total",
		Help: "Total number of sequences classified",
	})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fletcher_heads_batch_duration_seconds",
		Help:    "Time spent tokenizing and classifying one internal batch",
		Buckets: prometheus.DefBuckets,
	})

	batchTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fletcher_heads_batch_tokens",
		Help:    "Padded token count per internal batch",
		Buckets: prometheus.ExponentialBuckets(16, 2, 10),
	})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_cache_hits_total",
		Help: "Number of predictions served from the logit cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_cache_misses_total",
		Help: "Number of predictions that required a forward pass",
	})
)
