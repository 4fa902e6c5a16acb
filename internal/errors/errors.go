package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"github.com/quotaguard/quotaguard/internal/core/governor"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server/middleware"
	"go.uber.org/zap"
)

// Error codes carried in envelopes and HTTP responses.
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeNotFound            = "NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamRateLimited = "UPSTREAM_RATE_LIMITED"
	CodeInternal            = "INTERNAL_ERROR"
	CodeDatabase            = "DATABASE_ERROR"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// retryAfterKey is the envelope context key holding the wait in whole seconds.
const retryAfterKey = "retry_after_seconds"

// User Errors (400-level)
func NewInvalidInputError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInvalidInput, message)
}

func NewNotFoundError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeNotFound, message)
}

func NewMethodNotAllowedError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeMethodNotAllowed, message)
}

// NewRateLimitedError reports a call refused locally; wait is surfaced as Retry-After.
func NewRateLimitedError(message string, wait time.Duration) *errors.ErrorEnvelope {
	return withRetryAfter(errors.NewErrorEnvelope(CodeRateLimited, message), wait)
}

// NewUpstreamRateLimitedError reports that the upstream API throttled the call.
func NewUpstreamRateLimitedError(message string, retryAfter time.Duration) *errors.ErrorEnvelope {
	return withRetryAfter(errors.NewErrorEnvelope(CodeUpstreamRateLimited, message), retryAfter)
}

// Server Errors (500-level)
func NewInternalError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeInternal, message)
}

func NewServiceUnavailableError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeServiceUnavailable, message)
}

func NewConfigInvalidError(message string) *errors.ErrorEnvelope {
	return errors.NewErrorEnvelope(CodeConfigInvalid, message)
}

// Wrap functions accept a context to pull the correlation ID from the request.

func WrapInternal(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeInternal, err, message)
}

func WrapDatabaseError(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeDatabase, err, message)
}

func WrapConfigInvalid(ctx context.Context, err error, message string) *errors.ErrorEnvelope {
	return wrap(ctx, CodeConfigInvalid, err, message)
}

// WrapGovernorError maps an error returned by governor.Execute to an envelope.
// Local refusals become RATE_LIMITED, upstream throttling UPSTREAM_RATE_LIMITED,
// deadline overruns TIMEOUT and anything else EXTERNAL_SERVICE_ERROR.
func WrapGovernorError(ctx context.Context, err error) *errors.ErrorEnvelope {
	var local *governor.LocalThrottleError
	if stderrors.As(err, &local) {
		env := wrap(ctx, CodeRateLimited, nil, "call budget exhausted, retry later")
		env = withContextValue(env, "reason", string(local.Reason))
		return withRetryAfter(env, local.Wait)
	}

	var upstream *governor.UpstreamThrottleError
	if stderrors.As(err, &upstream) {
		env := wrap(ctx, CodeUpstreamRateLimited, upstream.Err, "upstream API is throttling requests")
		return withRetryAfter(env, upstream.RetryAfter)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return wrap(ctx, CodeTimeout, err, "upstream call timed out")
	}

	env := wrap(ctx, CodeExternalService, err, "upstream call failed")
	env, _ = env.WithSeverity(errors.SeverityMedium)
	return env
}

func wrap(ctx context.Context, code string, err error, message string) *errors.ErrorEnvelope {
	correlationID := extractCorrelationID(ctx)
	envelope := errors.NewErrorEnvelope(code, message)
	envelope = envelope.WithCorrelationID(correlationID)
	envelope = envelope.WithTraceID(correlationID)
	return withWrappedError(envelope, err)
}

// extractCorrelationID gets correlation ID from context, falls back to generating new UUID
func extractCorrelationID(ctx context.Context) string {
	if ctx != nil {
		if requestID := middleware.GetRequestID(ctx); requestID != "" {
			return requestID
		}
	}
	return uuid.New().String()
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	if stderrors.Is(err, governor.ErrLocalThrottle) || stderrors.Is(err, governor.ErrUpstreamThrottle) {
		return WrapGovernorError(context.Background(), err)
	}

	env := errors.NewErrorEnvelope(CodeInternal, "unexpected error")
	env = withWrappedError(env, err)
	env, _ = env.WithSeverity(errors.SeverityHigh)
	return env
}

// EnsureCorrelationID attaches a correlation ID to the envelope using the context when available.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}

	if envelope.CorrelationID != "" {
		return envelope
	}

	var correlationID string
	if ctx != nil {
		correlationID = middleware.GetRequestID(ctx)
	}

	if correlationID == "" {
		correlationID = "fallback-" + errors.GenerateCorrelationID()
	}

	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatusFromEnvelope resolves the HTTP status code corresponding to an error envelope.
func HTTPStatusFromEnvelope(envelope *errors.ErrorEnvelope) int {
	if envelope == nil {
		return http.StatusInternalServerError
	}
	return HTTPStatusFromCode(envelope.Code)
}

// HTTPStatusFromCode resolves the HTTP status code corresponding to an error code.
func HTTPStatusFromCode(code string) int {
	switch code {
	case CodeInvalidInput, CodeValidationFailed:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeExternalService:
		return http.StatusBadGateway
	case CodeServiceUnavailable, CodeUpstreamRateLimited:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterSeconds returns the Retry-After value recorded on the envelope.
func RetryAfterSeconds(envelope *errors.ErrorEnvelope) (int, bool) {
	if envelope == nil {
		return 0, false
	}
	switch v := envelope.Context[retryAfterKey].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func withRetryAfter(envelope *errors.ErrorEnvelope, wait time.Duration) *errors.ErrorEnvelope {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return withContextValue(envelope, retryAfterKey, seconds)
}

func withWrappedError(envelope *errors.ErrorEnvelope, err error) *errors.ErrorEnvelope {
	if err == nil {
		return envelope
	}
	return withContextValue(envelope, "wrapped_error", err.Error())
}

func withContextValue(envelope *errors.ErrorEnvelope, key string, value any) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(envelope.Context)+1)
	for k, v := range envelope.Context {
		merged[k] = v
	}
	merged[key] = value
	updated, err := envelope.WithContext(merged)
	if err != nil {
		return envelope
	}
	return updated
}

// ResponseDetails constructs API-safe details map by merging envelope details and context.
func ResponseDetails(envelope *errors.ErrorEnvelope) map[string]interface{} {
	if envelope == nil {
		return nil
	}

	details := make(map[string]interface{})

	for key, value := range envelope.Details {
		details[key] = value
	}

	for key, value := range envelope.Context {
		if _, exists := details[key]; !exists {
			details[key] = value
		}
	}

	if len(details) == 0 {
		return nil
	}

	return details
}

// HTTPErrorDetail captures the error body returned to callers.
type HTTPErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPErrorDetail in the standard envelope structure.
type HTTPErrorResponse struct {
	Error HTTPErrorDetail `json:"error"`
}

// RespondWithError normalizes the supplied error and writes a JSON response.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	RespondWithEnvelope(w, r, EnsureEnvelope(err))
}

// RespondWithEnvelope finalizes the provided envelope, logging and emitting metrics.
func RespondWithEnvelope(w http.ResponseWriter, r *http.Request, envelope *errors.ErrorEnvelope) {
	if w == nil {
		return
	}

	var ctx context.Context
	if r != nil {
		ctx = r.Context()
	}
	envelope = EnsureCorrelationID(envelope, ctx)

	statusCode := HTTPStatusFromEnvelope(envelope)

	response := HTTPErrorResponse{
		Error: HTTPErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			Details:   ResponseDetails(envelope),
			RequestID: envelope.CorrelationID,
		},
	}

	logHTTPError(envelope, statusCode)
	emitErrorMetrics(r, envelope, statusCode)

	w.Header().Set("Content-Type", "application/json")
	if seconds, ok := RetryAfterSeconds(envelope); ok {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

func logHTTPError(envelope *errors.ErrorEnvelope, statusCode int) {
	if observability.ServerLogger == nil || envelope == nil {
		return
	}

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.Int("http_status", statusCode),
	}

	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}

	for key, value := range envelope.Context {
		fields = append(fields, zap.Any(key, value))
	}

	if envelope.CorrelationID != "" {
		fields = append(fields, zap.String("request_id", envelope.CorrelationID))
	}

	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		observability.ServerLogger.Error(envelope.Message, fields...)
	case errors.SeverityMedium:
		observability.ServerLogger.Warn(envelope.Message, fields...)
	default:
		observability.ServerLogger.Info(envelope.Message, fields...)
	}
}

func emitErrorMetrics(r *http.Request, envelope *errors.ErrorEnvelope, statusCode int) {
	if envelope == nil {
		return
	}

	metrics.RecordError(envelope.Code, statusCode)
	if r != nil {
		metrics.RecordErrorByEndpoint(r.URL.Path, envelope.Code)
	}
}
