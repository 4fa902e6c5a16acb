package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/observability"
)

// Outcome labels for http_requests_total and http_errors_total.
const (
	OutcomeOK               = "ok"
	OutcomeLocalThrottle    = "local_throttle"
	OutcomeUpstreamThrottle = "upstream_throttle"
	OutcomeClientError      = "client_error"
	OutcomeServerError      = "server_error"
)

// statusRecorder captures status and response size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// routeLabels returns the endpoint pattern and governed scope for r. The scope
// is empty for routes outside /v1.
func routeLabels(r *http.Request) (endpoint, scope string) {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		endpoint = rctx.RoutePattern()
		scope = strings.ToLower(strings.TrimSpace(rctx.URLParam("scope")))
	}
	if endpoint != "" {
		return endpoint, scope
	}

	path := r.URL.Path
	switch {
	case path == "/version", path == "/metrics", path == "/":
		return path, ""
	case strings.HasPrefix(path, "/health"):
		return "/health/*", ""
	case strings.HasPrefix(path, "/v1/graph/"):
		return "/v1/graph/{scope}/*", scopeFromPath(path, "/v1/graph/")
	case strings.HasPrefix(path, "/v1/governor/"):
		return "/v1/governor/{scope}", scopeFromPath(path, "/v1/governor/")
	case path == "/v1/governor":
		return path, ""
	}
	return "/unknown", ""
}

func scopeFromPath(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(strings.TrimSpace(rest))
}

// outcome classifies a response. Upstream throttles are 503s that carry
// Retry-After; local denials are 429s.
func outcome(status int, header http.Header) string {
	switch {
	case status == http.StatusTooManyRequests:
		return OutcomeLocalThrottle
	case status == http.StatusServiceUnavailable && header.Get("Retry-After") != "":
		return OutcomeUpstreamThrottle
	case status >= 500:
		return OutcomeServerError
	case status >= 400:
		return OutcomeClientError
	}
	return OutcomeOK
}

// RequestMetrics emits per-request telemetry labelled by route, scope and
// governor outcome, then logs the request.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		endpoint, scope := routeLabels(r)
		result := outcome(rec.status, rec.Header())

		if sys := observability.TelemetrySystem; sys != nil {
			labels := map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
				"status":   strconv.Itoa(rec.status),
				"outcome":  result,
				"scope":    "none",
			}
			if scope != "" {
				labels["scope"] = scope
			}

			_ = sys.Counter("http_requests_total", 1, labels)
			_ = sys.Histogram("http_request_duration_ms", duration, labels)
			_ = sys.Gauge("http_response_size_bytes", float64(rec.bytes), map[string]string{
				"method":   r.Method,
				"endpoint": endpoint,
			})
			if result != OutcomeOK {
				_ = sys.Counter("http_errors_total", 1, labels)
			}
		}

		logger := observability.ServerLogger
		if logger == nil {
			return
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("endpoint", endpoint),
			zap.Int("status", rec.status),
			zap.String("outcome", result),
			zap.Duration("duration", duration),
			zap.Int64("response_size", rec.bytes),
			zap.String("requestID", GetRequestID(r.Context())),
		}
		if scope != "" {
			fields = append(fields, zap.String("scope", scope))
		}
		// Health and scrape traffic stays at debug.
		if strings.HasPrefix(endpoint, "/health") || endpoint == "/metrics" {
			logger.Debug("HTTP request completed", fields...)
			return
		}
		logger.Info("HTTP request completed", fields...)
	})
}
