package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by layer ("request" or "redis").
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_cache_hits_total",
			Help: "Total number of FHIR cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_cache_misses_total",
			Help: "Total number of FHIR cache misses",
		},
		[]string{"layer"},
	)

	// NotModifiedTotal tracks 304 responses that renewed a cached entry.
	NotModifiedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_cache_revalidations_total",
			Help: "Total number of 304 Not Modified responses serving cached bodies",
		},
	)

	// CacheErrors tracks shared cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"},
	)
)
