package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstream_RetryableOnlyForFixedStatusSet(t *testing.T) {
	for _, status := range []int{500, 502, 503, 504} {
		assert.True(t, Upstream(status, "", "boom").Retryable, "status %d", status)
	}
	for _, status := range []int{400, 401, 404, 422, 501} {
		assert.False(t, Upstream(status, "", "boom").Retryable, "status %d", status)
	}
	assert.Equal(t, CodeUnknown, Upstream(0, "", "x").Code)
	assert.Equal(t, http.StatusInternalServerError, Upstream(0, "", "x").StatusCode)
}

func TestCapacityExceeded_IsRateAndRetryable(t *testing.T) {
	err := CapacityExceeded("limit", "AI Connection: Resource has reached the limit of requests", 30*time.Second)
	assert.True(t, err.Rate)
	assert.True(t, err.Retryable)
	assert.Equal(t, http.StatusTooManyRequests, err.StatusCode)
	assert.Equal(t, 30*time.Second, err.RetryDelay)
}

func TestBlocked_NonRetryableClientError(t *testing.T) {
	err := Blocked("large prompts")
	assert.False(t, err.Retryable)
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Equal(t, "Request blocked by routing condition: large prompts", err.Message)
	assert.Equal(t, CodeBlockedByRouting, err.Code)
}

func TestFrom_WrapsForeignErrorsAndUnwrapsChains(t *testing.T) {
	foreign := errors.New("socket closed")
	got := From(foreign)
	require.NotNil(t, got)
	assert.Equal(t, http.StatusInternalServerError, got.StatusCode)
	assert.ErrorIs(t, got, foreign)

	inner := NotFound(CodeResourceNotFound, "missing")
	wrapped := fmt.Errorf("lookup: %w", inner)
	assert.Same(t, inner, From(wrapped))
	assert.Nil(t, From(nil))
}

func TestWrite_RendersEnvelopeAndRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, CapacityExceeded("limit reached", "AI Connection: Resource has reached the limit of requests", 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":{"message":"limit reached","code":"rate_limit_exceeded","type":"rate_limit_error"}}`, rec.Body.String())
}

func TestWrite_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, fmt.Errorf("dial tcp: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "dial tcp")
	assert.Contains(t, rec.Body.String(), "Internal server error")
}
