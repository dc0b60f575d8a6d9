// ============================================================================
// bootbaker Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: count builds and boot tests, expose them on /metrics
//
// Metrics:
//
//   1. Counters:
//      - bootbaker_builds_total{result}       success | failure
//      - bootbaker_tests_total{status}        passed | failed | timed-out
//      - bootbaker_cache_fetches_total        base images downloaded
//      - bootbaker_cache_decompressions_total base images decompressed
//
//   2. Histograms:
//      - bootbaker_build_duration_seconds     one target's full pipeline
//      - bootbaker_test_duration_seconds      one launch-script run
//
//   3. Gauges:
//      - bootbaker_workers                    test workers in the pool
//      - bootbaker_tests_in_flight            tests currently running
//
// Example queries:
//
//   # share of boot tests that passed in the last hour
//   sum(increase(bootbaker_tests_total{status="passed"}[1h]))
//     / sum(increase(bootbaker_tests_total[1h]))
//
//   # 95th percentile build time
//   histogram_quantile(0.95, rate(bootbaker_build_duration_seconds_bucket[1h]))
//
// The collector registers on the Registerer it is given, so tests use a
// private registry instead of the process-wide default.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/bootbaker/internal/pipeline"
	"github.com/ChuLiYu/bootbaker/pkg/types"
)

// Build results.
const (
	BuildSuccess = "success"
	BuildFailure = "failure"
)

// Collector holds bootbaker's Prometheus metrics.
type Collector struct {
	reg prometheus.Registerer

	builds        *prometheus.CounterVec
	tests         *prometheus.CounterVec
	buildDuration prometheus.Histogram
	testDuration  prometheus.Histogram
	workers       prometheus.Gauge
	inFlight      prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootbaker_builds_total",
			Help: "Target builds by result",
		}, []string{"result"}),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bootbaker_tests_total",
			Help: "Boot tests by outcome status",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bootbaker_build_duration_seconds",
			Help:    "Wall time of one target's artifact pipeline",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bootbaker_test_duration_seconds",
			Help:    "Wall time of one boot test",
			Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 180},
		}),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bootbaker_workers",
			Help: "Test workers in the current pool",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bootbaker_tests_in_flight",
			Help: "Boot tests currently running",
		}),
	}
	reg.MustRegister(c.builds, c.tests, c.buildDuration, c.testDuration, c.workers, c.inFlight)
	return c
}

// WatchCache exposes a cache's work counters.
func (c *Collector) WatchCache(stats func() pipeline.CacheStats) {
	c.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bootbaker_cache_fetches_total",
			Help: "Base images downloaded from the mirror",
		}, func() float64 { return float64(stats().Fetches) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "bootbaker_cache_decompressions_total",
			Help: "Base images decompressed into the cache",
		}, func() float64 { return float64(stats().Decompressions) }),
	)
}

// RecordBuild counts one finished target build.
func (c *Collector) RecordBuild(err error, elapsed time.Duration) {
	result := BuildSuccess
	if err != nil {
		result = BuildFailure
	}
	c.builds.WithLabelValues(result).Inc()
	c.buildDuration.Observe(elapsed.Seconds())
}

// WorkersStarted records the pool size.
func (c *Collector) WorkersStarted(n int) {
	c.workers.Set(float64(n))
}

// TestStarted marks one test as running.
func (c *Collector) TestStarted(string) {
	c.inFlight.Inc()
}

// TestFinished counts one finished test.
func (c *Collector) TestFinished(o types.TestOutcome) {
	c.inFlight.Dec()
	c.tests.WithLabelValues(string(o.Status)).Inc()
	c.testDuration.Observe(o.Elapsed.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
