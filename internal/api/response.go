package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mycel/internal/types"
)

// errorEnvelope is the JSON body of every non-2xx response.
type errorEnvelope struct {
	Code         types.Code `json:"code"`
	Message      string     `json:"message"`
	RetryAfterMS int64      `json:"retry_after_ms,omitempty"`
	PolicyID     string     `json:"policy_id,omitempty"`
	TraceID      string     `json:"trace_id,omitempty"`
}

// Malformed bodies get 400; requests that parse but fail validation get
// 422. Expired and already-recorded both describe a conflict with state
// the caller cannot change, so both map to 409.
var statusByCode = map[types.Code]int{
	types.CodeInvalidArgument:  http.StatusUnprocessableEntity,
	types.CodeUnauthenticated:  http.StatusUnauthorized,
	types.CodePermissionDenied: http.StatusForbidden,
	types.CodePolicyDenied:     http.StatusForbidden,
	types.CodeNotFound:         http.StatusNotFound,
	types.CodeAlreadyRecorded:  http.StatusConflict,
	types.CodeExpired:          http.StatusConflict,
	types.CodeRateLimited:      http.StatusTooManyRequests,
	types.CodeUnavailable:      http.StatusServiceUnavailable,
	types.CodeInternal:         http.StatusInternalServerError,
}

// malformedRequest marks bodies the decoder could not parse at all.
type malformedRequest struct{ cause error }

func (m *malformedRequest) Error() string { return "malformed request body: " + m.cause.Error() }
func (m *malformedRequest) Unwrap() error { return m.cause }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var mr *malformedRequest
	if errors.As(err, &mr) {
		s.writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Code:    types.CodeInvalidArgument,
			Message: "malformed request body",
			TraceID: traceIDFrom(r),
		})
		return
	}

	code := types.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	env := errorEnvelope{Code: code, TraceID: traceIDFrom(r)}
	var de *types.Error
	if errors.As(err, &de) {
		env.Message = de.Message
		env.PolicyID = de.PolicyID
		if de.RetryAfter > 0 {
			env.RetryAfterMS = de.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", formatSeconds(de.RetryAfter))
		}
	} else {
		// Internals stay opaque to callers.
		env.Message = "internal error"
		s.log.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}

	s.writeJSON(w, status, env)
}

// formatSeconds renders a Retry-After value, rounded up so clients never
// retry early.
func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
