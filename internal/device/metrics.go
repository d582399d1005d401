package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_cpu_pool_hits_total",
		Help: "Total number of tensors served from the CPU tensor pool",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fletcher_heads_cpu_pool_misses_total",
		Help: "Total number of CPU tensor pool misses (allocations)",
	})
)
