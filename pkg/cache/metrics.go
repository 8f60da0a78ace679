package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts fresh entries served from Redis.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_cache_hits_total",
		Help: "Total number of response cache hits",
	})

	// CacheMisses counts lookups without a fresh entry.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_cache_misses_total",
		Help: "Total number of response cache misses",
	})

	// StoredBytes tracks bytes written to the cache.
	StoredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_cache_stored_bytes",
		Help: "Total bytes of responses written to the cache",
	})

	// NotModified counts 304 responses answered from the cache.
	NotModified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_cache_not_modified_total",
		Help: "Total number of 304 Not Modified responses served from cache",
	})

	// CacheErrors counts failed cache operations.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_cache_errors_total",
		Help: "Total number of cache operation errors",
	}, []string{"operation"}) // "get", "set", "delete"
)
