package apierr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// Body renders e in the OpenAI-compatible error envelope.
func (e *Error) Body() mappers.ErrorResponse {
	return mappers.ErrorResponse{Error: mappers.ErrorBody{
		Message: e.Message,
		Code:    e.Code,
		Type:    e.Type,
		Param:   e.Param,
	}}
}

// RetryAfterSeconds is RetryDelay rounded up to whole seconds, or 0.
func (e *Error) RetryAfterSeconds() int {
	if e.RetryDelay <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryDelay.Seconds()))
}

// Write sends err as an HTTP error response. Causes are never rendered.
func Write(w http.ResponseWriter, err error) {
	e := From(err)
	if secs := e.RetryAfterSeconds(); secs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_ = json.NewEncoder(w).Encode(e.Body())
}
