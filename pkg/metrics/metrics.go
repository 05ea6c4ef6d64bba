// Package metrics exposes the Prometheus metrics of an extraction run.
// All metrics are defined in their respective packages (client, pagination,
// ratelimit) to maintain modularity and avoid circular dependencies; this
// package serves them over HTTP next to a health endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// shutdownTimeout bounds the graceful shutdown of the metrics server.
const shutdownTimeout = 5 * time.Second

// Handler returns the mux serving /metrics and /health for the default
// registry, where promauto registers all extractor metrics.
func Handler() http.Handler {
	return HandlerFor(prometheus.DefaultGatherer)
}

// HandlerFor returns the mux serving /metrics from g and /health.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// Serve listens on addr until ctx is done, then shuts the server down.
func Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	log.Info().Msg("Metrics server stopped")
	return nil
}

// Metrics Documentation
//
// Pagination Metrics (pkg/pagination):
//   - zammad_pages_fetched_total{stream} (Counter): Pages received
//   - zammad_records_emitted_total{stream} (Counter): Records handed to the writer
//   - zammad_records_skipped_total{stream} (Counter): Records already emitted by an earlier window
//   - zammad_window_narrowings_total{stream} (Counter): Window floor moves at the result cap
//   - zammad_coverage_gap_warnings_total{stream} (Counter): Narrowings that could not exclude the saturated day
//   - zammad_out_of_order_records_total{stream} (Counter): Records older than one received before them in the same window
//
// Rate Limit Metrics (pkg/ratelimit):
//   - zammad_rate_limit_hits_total (Counter): HTTP 429 responses
//   - zammad_rate_limit_wait_seconds (Histogram): Time spent waiting for a cooldown
//
// Request Metrics (pkg/client):
//   - zammad_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - zammad_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - zammad_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - zammad_retries_total{error_class} (Counter): Retry attempts by error class
//   - zammad_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - zammad_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Records per second by stream
//   sum by (stream) (rate(zammad_records_emitted_total[5m]))
//
//   # Possible data loss
//   increase(zammad_coverage_gap_warnings_total[1h]) > 0
//
//   # Request Error Rate
//   rate(zammad_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(zammad_request_duration_seconds_bucket[5m]))
