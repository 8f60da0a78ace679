// Package metrics exposes the pipeline's Prometheus metrics. The metrics
// themselves are declared with promauto in the packages that update them
// (client, cache, ratelimit, resolver, sink, pipeline) so no package depends
// on a central registry.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer promauto uses.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Metrics Documentation
//
// Client (pkg/client):
//   - pipeline_client_requests_total{host, status} (Counter)
//   - pipeline_client_request_duration_seconds{host} (Histogram)
//   - pipeline_client_errors_total{class} (Counter): client, server, rate_limit, network
//   - pipeline_client_pages_total{host} (Counter)
//   - pipeline_client_retries_total{error_class} (Counter)
//   - pipeline_client_retry_backoff_seconds{error_class} (Histogram)
//   - pipeline_client_retry_exhausted_total{error_class} (Counter)
//
// Cache (pkg/cache):
//   - pipeline_cache_hits_total, pipeline_cache_misses_total (Counter)
//   - pipeline_cache_stored_bytes (Counter)
//   - pipeline_cache_not_modified_total (Counter)
//   - pipeline_cache_errors_total{operation} (Counter)
//
// Rate limit (pkg/ratelimit):
//   - pipeline_ratelimit_remaining{host} (Gauge)
//   - pipeline_ratelimit_waits_total{host} (Counter)
//   - pipeline_ratelimit_throttles_total{host} (Counter)
//
// Resolver (pkg/resolver):
//   - pipeline_resolver_records_total{resource} (Counter)
//   - pipeline_resolver_fetch_calls_total{resource} (Counter)
//   - pipeline_resolver_resource_failures_total{resource} (Counter)
//
// Sink (pkg/sink):
//   - pipeline_sink_rows_total{destination, table} (Counter)
//   - pipeline_sink_commits_total{destination, disposition} (Counter)
//   - pipeline_sink_aborts_total{destination} (Counter)
//
// Pipeline (pkg/pipeline):
//   - pipeline_loads_total{pipeline, status} (Counter)
//   - pipeline_load_duration_seconds{pipeline} (Histogram)
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(pipeline_cache_hits_total[5m])) /
//   (sum(rate(pipeline_cache_hits_total[5m])) + sum(rate(pipeline_cache_misses_total[5m])))
//
//   # Hosts close to their quota
//   pipeline_ratelimit_remaining < 10
//
//   # Failing resources
//   increase(pipeline_resolver_resource_failures_total[1h]) > 0
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(pipeline_client_request_duration_seconds_bucket[5m]))
