package remotefs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPoolOpens = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "pool",
		Name:      "connections_opened_total",
		Help:      "Transports opened by the connection pool.",
	})

	metricPoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remotefs",
		Subsystem: "pool",
		Name:      "connections_active",
		Help:      "Live pooled transports.",
	})

	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Directory listings served from cache.",
	})

	metricCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Directory listings that required a remote fetch.",
	})

	metricCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache entries evicted to stay under the byte budget.",
	})

	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "session",
		Name:      "reconnects_total",
		Help:      "Sessions dropped and reconnected after health failures.",
	})

	metricTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "transfer",
		Name:      "bytes_total",
		Help:      "Bytes moved by transfer jobs.",
	}, []string{"direction"})

	metricTransferJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remotefs",
		Subsystem: "transfer",
		Name:      "jobs_total",
		Help:      "Transfer jobs by terminal status.",
	}, []string{"status"})

	metricTransferActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "remotefs",
		Subsystem: "transfer",
		Name:      "jobs_active",
		Help:      "Currently running transfer jobs.",
	})
)
