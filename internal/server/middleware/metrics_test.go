package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry"
	telemetrytesting "github.com/fulmenhq/gofulmen/telemetry/testing"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaguard/quotaguard/internal/observability"
)

func setupTelemetry(t *testing.T) *telemetrytesting.FakeCollector {
	t.Helper()

	collector := telemetrytesting.NewFakeCollector()
	sys, err := telemetry.NewSystem(&telemetry.Config{
		Enabled: true,
		Emitter: collector,
	})
	require.NoError(t, err)

	original := observability.TelemetrySystem
	observability.TelemetrySystem = sys
	t.Cleanup(func() { observability.TelemetrySystem = original })

	return collector
}

// governedRouter mimics the server's governed routes with fixed responses.
func governedRouter(status int, retryAfter string) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestMetrics)
	respond := func(w http.ResponseWriter, _ *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	}
	r.Get("/v1/graph/{scope}/*", respond)
	r.Get("/v1/governor/{scope}", respond)
	r.Get("/health/ready", respond)
	return r
}

func lastTags(t *testing.T, collector *telemetrytesting.FakeCollector, name string) map[string]string {
	t.Helper()
	recorded := collector.GetMetricsByName(name)
	require.NotEmpty(t, recorded, "expected %s to be emitted", name)
	return recorded[len(recorded)-1].Tags
}

func TestRequestMetricsLabelsScopeAndRoute(t *testing.T) {
	collector := setupTelemetry(t)

	rec := httptest.NewRecorder()
	governedRouter(http.StatusOK, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graph/ACCT_1/act_1/insights", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	tags := lastTags(t, collector, "http_requests_total")
	assert.Equal(t, "/v1/graph/{scope}/*", tags["endpoint"])
	assert.Equal(t, "acct_1", tags["scope"])
	assert.Equal(t, OutcomeOK, tags["outcome"])
	assert.Equal(t, "200", tags["status"])
	assert.Greater(t, collector.CountMetricsByName("http_request_duration_ms"), 0)
	assert.Greater(t, collector.CountMetricsByName("http_response_size_bytes"), 0)
	assert.Zero(t, collector.CountMetricsByName("http_errors_total"))
}

func TestRequestMetricsClassifiesThrottles(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       string
	}{
		{"local denial", http.StatusTooManyRequests, "3", OutcomeLocalThrottle},
		{"upstream throttle", http.StatusServiceUnavailable, "120", OutcomeUpstreamThrottle},
		{"unavailable without hint", http.StatusServiceUnavailable, "", OutcomeServerError},
		{"unknown scope", http.StatusNotFound, "", OutcomeClientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := setupTelemetry(t)

			rec := httptest.NewRecorder()
			governedRouter(tt.status, tt.retryAfter).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/governor/acct_1", nil))
			require.Equal(t, tt.status, rec.Code)

			tags := lastTags(t, collector, "http_errors_total")
			assert.Equal(t, tt.want, tags["outcome"])
			assert.Equal(t, "acct_1", tags["scope"])
		})
	}
}

func TestRequestMetricsUnscopedRoutes(t *testing.T) {
	collector := setupTelemetry(t)

	rec := httptest.NewRecorder()
	governedRouter(http.StatusOK, "").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	tags := lastTags(t, collector, "http_requests_total")
	assert.Equal(t, "/health/ready", tags["endpoint"])
	assert.Equal(t, "none", tags["scope"])
}

func TestRequestMetricsWithTelemetryDisabled(t *testing.T) {
	original := observability.TelemetrySystem
	observability.TelemetrySystem = nil
	t.Cleanup(func() { observability.TelemetrySystem = original })

	rec := httptest.NewRecorder()
	governedRouter(http.StatusTooManyRequests, "1").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/graph/acct_1/me", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRouteLabelsWithoutRouter(t *testing.T) {
	tests := []struct {
		path     string
		endpoint string
		scope    string
	}{
		{"/health", "/health/*", ""},
		{"/health/ready", "/health/*", ""},
		{"/version", "/version", ""},
		{"/metrics", "/metrics", ""},
		{"/v1/graph/ACCT_1/act_42/insights", "/v1/graph/{scope}/*", "acct_1"},
		{"/v1/governor/acct_1/cache", "/v1/governor/{scope}", "acct_1"},
		{"/v1/governor", "/v1/governor", ""},
		{"/api/users/123", "/unknown", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			endpoint, scope := routeLabels(httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.scope, scope)
		})
	}
}
