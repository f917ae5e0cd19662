package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/repos/clone", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "repo_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "repo_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "repo_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)

	require.Empty(t, findCounter(rm, "repo_cache_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/repos/content", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheMiss)
	SetEndpoint(r, "content")

	RecordHTTP(context.Background(), r, http.StatusConflict, 64, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "repo_cache_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "content"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "miss"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "repo_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordTransfer(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordTransfer(context.Background(), "clone", "success", 2*time.Second)
	RecordTransfer(context.Background(), "clone", "success", time.Second)
	RecordTransfer(context.Background(), "pull", "error", time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "repo_cache_transfers_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "kind", "clone"):
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "success"))
		case hasAttr(dp.Attributes, "kind", "pull"):
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "outcome", "error"))
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}
	require.Len(t, findHistogram(rm, "repo_cache_transfer_duration_seconds"), 2)
}

func TestRecordLock(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordLock(context.Background(), "acquired")
	RecordLock(context.Background(), "timed_out_proceeding")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "repo_cache_lock_acquisitions_total")
	require.Len(t, dps, 2)
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "write", "success", time.Millisecond, 128)
	RecordBackendOp(context.Background(), "filesystem", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "repo_cache_backend_requests_total"), 2)

	bytesDps := findCounter(rm, "repo_cache_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 128, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "write"))
}

func TestUpdateCacheEntries(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateCacheEntries(context.Background(), map[string]int{"complete": 3, "cloning": 1})

	rm := collectMetrics(t, reader)
	dps := findGauge(rm, "repo_cache_entries")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "state", "complete") {
			require.EqualValues(t, 3, dp.Value)
		}
	}
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// None of these should panic.
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
	RecordTransfer(context.Background(), "clone", "success", time.Second)
	RecordLock(context.Background(), "acquired")
	RecordBackendOp(context.Background(), "filesystem", "read", "success", time.Millisecond, 1)
	UpdateCacheEntries(context.Background(), map[string]int{"complete": 1})
	require.Nil(t, Meter())
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{507, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
