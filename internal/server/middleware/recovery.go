package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
)

// panicBody mirrors the error body written by internal/errors, which imports
// this package and so cannot be used here.
type panicBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response. The
// stack is logged, never returned to the caller.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}

			envelope := errors.NewErrorEnvelope("INTERNAL_ERROR", "internal server error").
				WithCorrelationID(GetRequestID(r.Context()))
			envelope, _ = envelope.WithSeverity(errors.SeverityCritical)

			metrics.RecordPanic()
			if logger := observability.ServerLogger; logger != nil {
				logger.Error("Handler panic recovered",
					zap.String("panic", fmt.Sprint(recovered)),
					zap.String("path", r.URL.Path),
					zap.String("request_id", envelope.CorrelationID),
					zap.String("severity", string(envelope.Severity)),
					zap.ByteString("stack", debug.Stack()))
			}

			var body panicBody
			body.Error.Code = envelope.Code
			body.Error.Message = envelope.Message
			body.Error.RequestID = envelope.CorrelationID

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(body)
		}()

		next.ServeHTTP(w, r)
	})
}
