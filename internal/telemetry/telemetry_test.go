package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestParseExporter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Exporter
		wantErr bool
	}{
		{in: "prometheus", want: ExporterPrometheus},
		{in: "OTLP", want: ExporterOTLP},
		{in: "none", want: ExporterNone},
		{in: "", want: ExporterNone},
		{in: "statsd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseExporter(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.NoError(t, nilCfg.Validate())
	assert.False(t, nilCfg.Enabled())

	assert.NoError(t, (&Config{Exporter: ExporterOTLP, Endpoint: "collector:4318"}).Validate())
	assert.Error(t, (&Config{Exporter: ExporterOTLP, Endpoint: "http://collector:4318"}).Validate())
	assert.Error(t, (&Config{Exporter: "bogus"}).Validate())

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())
}

func TestNewDisabled(t *testing.T) {
	t.Parallel()

	for _, cfg := range []*Config{nil, {Exporter: ExporterNone}} {
		tel, err := New(context.Background(), cfg)
		require.NoError(t, err)

		_, ok := tel.MeterProvider().(noop.MeterProvider)
		assert.True(t, ok, "expected no-op meter provider")

		rr := httptest.NewRecorder()
		tel.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.NoError(t, tel.Shutdown(context.Background()))
	}
}

func TestNewPrometheus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel, err := New(ctx, &Config{Exporter: ExporterPrometheus, ServiceVersion: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(ctx) })

	_, ok := tel.MeterProvider().(*sdkmetric.MeterProvider)
	require.True(t, ok, "expected SDK meter provider")

	m, err := NewForwarderMetrics(tel.MeterProvider())
	require.NoError(t, err)
	m.RecordCycle(ctx, "success", 2*time.Second)
	m.AddDelivered(ctx, 7)

	server := httptest.NewServer(tel.Handler())
	server.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "misp_fwd_cycles_total")
	assert.Contains(t, string(body), "misp_fwd_entities_delivered_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewOTLP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tel, err := New(ctx, &Config{Exporter: ExporterOTLP, Insecure: true})
	require.NoError(t, err)

	_, ok := tel.MeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok, "expected SDK meter provider")

	// No collector is running, so the final flush may fail
	_ = tel.Shutdown(ctx)
}

func TestNewMeterProviderRequiresRegisterer(t *testing.T) {
	t.Parallel()

	_, err := NewMeterProvider(context.Background(), &Config{Exporter: ExporterPrometheus}, nil)
	require.Error(t, err)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestForwarderMetrics(t *testing.T) {
	t.Parallel()

	t.Run("nil provider and nil receiver are no-ops", func(t *testing.T) {
		t.Parallel()

		m, err := NewForwarderMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, m)

		ctx := context.Background()
		m.RecordCycle(ctx, "success", time.Second)
		m.AddFetched(ctx, 1)
		m.AddDelivered(ctx, 1)
		m.RecordSkip(ctx, "unsupported_type")
		m.RecordDroppedTick(ctx)
		m.RecordConfigReload(ctx, "applied")
		m.RecordCursor(ctx, 1)
	})

	t.Run("records instruments", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		m, err := NewForwarderMetrics(mp)
		require.NoError(t, err)

		ctx := context.Background()
		m.RecordCycle(ctx, "success", time.Second)
		m.RecordCycle(ctx, "failed", time.Second)
		m.AddFetched(ctx, 10)
		m.AddFetched(ctx, 0)
		m.AddDelivered(ctx, 8)
		m.RecordSkip(ctx, "unsupported_type")
		m.RecordSkip(ctx, "empty_value")
		m.RecordDroppedTick(ctx)
		m.RecordConfigReload(ctx, "rejected")
		m.RecordCursor(ctx, 1714550000)

		got := collect(t, reader)
		assert.Equal(t, int64(2), sumOf(t, got["misp_fwd_cycles"]))
		assert.Equal(t, int64(10), sumOf(t, got["misp_fwd_indicators_fetched"]))
		assert.Equal(t, int64(8), sumOf(t, got["misp_fwd_entities_delivered"]))
		assert.Equal(t, int64(2), sumOf(t, got["misp_fwd_conversion_skips"]))
		assert.Equal(t, int64(1), sumOf(t, got["misp_fwd_ticks_dropped"]))
		assert.Equal(t, int64(1), sumOf(t, got["misp_fwd_config_reloads"]))

		gauge, ok := got["misp_fwd_cursor_timestamp"].(metricdata.Gauge[int64])
		require.True(t, ok)
		require.Len(t, gauge.DataPoints, 1)
		assert.Equal(t, int64(1714550000), gauge.DataPoints[0].Value)

		hist, ok := got["misp_fwd_cycle_duration"].(metricdata.Histogram[float64])
		require.True(t, ok)
		assert.Len(t, hist.DataPoints, 2)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("passes through when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var m *HTTPMetrics
		wrapped := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}))

		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusTeapot, rr.Code)
	})

	t.Run("records by route pattern", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		m, err := NewHTTPMetrics(mp)
		require.NoError(t, err)

		r := chi.NewRouter()
		r.Use(m.Middleware)
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		for range 3 {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		}

		got := collect(t, reader)
		assert.Equal(t, int64(3), sumOf(t, got["misp_fwd_http_requests"]))
	})
}

func TestRoutePattern(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unknownRoute, routePattern(httptest.NewRequest(http.MethodGet, "/a/b", nil)))

	r := chi.NewRouter()
	r.Get("/items/{id}", func(_ http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/items/{id}", routePattern(req))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/9", nil))
}
