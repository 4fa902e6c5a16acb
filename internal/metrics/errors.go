package metrics

import (
	"strconv"

	"github.com/quotaguard/quotaguard/internal/observability"
)

// Error metric names
const (
	ErrorsTotalName      = "errors_total"
	PanicsTotalName      = "panics_total"
	ErrorsByEndpointName = "errors_by_endpoint"
)

// RecordError records an error envelope by code and HTTP status.
func RecordError(errorCode string, httpStatus int) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(ErrorsTotalName, 1, map[string]string{
			"error_code":  errorCode,
			"http_status": strconv.Itoa(httpStatus),
		})
	}
}

// RecordPanic records a recovered handler panic.
func RecordPanic() {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(PanicsTotalName, 1, nil)
	}
}

// RecordErrorByEndpoint records an error against the route pattern that produced it.
func RecordErrorByEndpoint(endpoint string, errorCode string) {
	if sys := observability.TelemetrySystem; sys != nil {
		_ = sys.Counter(ErrorsByEndpointName, 1, map[string]string{
			"endpoint":   endpoint,
			"error_code": errorCode,
		})
	}
}
