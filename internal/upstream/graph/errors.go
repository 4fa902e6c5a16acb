package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error codes the Graph API uses for rate limiting.
const (
	codeAppLimit       = 4
	codeUserLimit      = 17
	codePageLimit      = 32
	codeCallLimit      = 613
	codeBusinessUseMin = 80000
	codeBusinessUseMax = 80014
)

// APIError is returned for any non-2xx upstream response.
//
// RawResponse holds the response body and never includes the access token.
type APIError struct {
	StatusCode  int
	Message     string
	Type        string
	Code        int
	Subcode     int
	TraceID     string
	RawResponse []byte

	retryAfter time.Duration
}

type errorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "graph request failed"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != 0 {
		return fmt.Sprintf("graph request failed: status %d: code %d: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("graph request failed: status %d: %s", e.StatusCode, msg)
}

// Throttled reports whether the upstream rejected the call for rate or quota reasons.
func (e *APIError) Throttled() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	switch e.Code {
	case codeAppLimit, codeUserLimit, codePageLimit, codeCallLimit:
		return true
	}
	return e.Code >= codeBusinessUseMin && e.Code <= codeBusinessUseMax
}

// RetryAfter is the back-off the upstream suggested, or zero.
func (e *APIError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

func newAPIError(resp *http.Response, body []byte, now time.Time) *APIError {
	apiErr := &APIError{
		StatusCode:  resp.StatusCode,
		RawResponse: body,
	}

	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		apiErr.Message = parsed.Error.Message
		apiErr.Type = parsed.Error.Type
		apiErr.Code = parsed.Error.Code
		apiErr.Subcode = parsed.Error.ErrorSubcode
		apiErr.TraceID = parsed.Error.FBTraceID
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	apiErr.retryAfter = retryAfter(resp.Header, now)
	return apiErr
}

// retryAfter prefers the standard Retry-After header and falls back to the
// longest regain-access estimate in the usage headers.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}

	if value := strings.TrimSpace(header.Get("Retry-After")); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if parsed, err := http.ParseTime(value); err == nil {
			if wait := parsed.Sub(now); wait > 0 {
				return wait
			}
		}
	}

	usage := ParseUsage(header)
	return usage.RegainAccessIn
}
