package eviction

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds eviction-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	evictionsTotal   metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"repo_cache_cleanup_runs_total",
		metric.WithDescription("Total number of overflow cleanup runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"repo_cache_cleanup_run_duration_seconds",
		metric.WithDescription("Overflow cleanup run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	evictionsTotal, err := meter.Int64Counter(
		"repo_cache_evictions_total",
		metric.WithDescription("Total number of cache entries evicted, by policy"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"repo_cache_eviction_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by eviction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"repo_cache_eviction_errors_total",
		metric.WithDescription("Total number of failed evictions, by policy"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"repo_cache_cleanup_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last overflow cleanup run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		evictionsTotal:   evictionsTotal,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
	}, nil
}
