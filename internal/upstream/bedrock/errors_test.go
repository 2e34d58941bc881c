package bedrock

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"

	"github.com/pysugar/completion-gateway/internal/apierr"
)

type retryableInternal struct {
	*types.InternalServerException
}

func (retryableInternal) RetryableError() bool { return true }

func (e retryableInternal) Unwrap() error { return e.InternalServerException }

func TestMapError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"throttling", &types.ThrottlingException{Message: aws.String("x")}, http.StatusTooManyRequests, CodeThrottling, true},
		{"internal", &types.InternalServerException{Message: aws.String("x")}, http.StatusInternalServerError, CodeInternalServer, false},
		{"internal with hint", retryableInternal{&types.InternalServerException{Message: aws.String("x")}}, http.StatusInternalServerError, CodeInternalServer, true},
		{"unavailable", &types.ServiceUnavailableException{Message: aws.String("x")}, http.StatusServiceUnavailable, CodeServiceUnavailable, false},
		{"model stream", &types.ModelStreamErrorException{Message: aws.String("x")}, http.StatusInternalServerError, CodeModelStream, false},
		{"validation", &types.ValidationException{Message: aws.String("bad input")}, http.StatusBadRequest, CodeValidation, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, apierr.CodeUnknown, false},
		{"canceled", context.Canceled, http.StatusInternalServerError, apierr.CodeUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := mapError(tc.err)
			assert.Equal(t, tc.status, e.StatusCode)
			assert.Equal(t, tc.code, e.Code)
			assert.Equal(t, tc.retryable, e.Retryable)
			assert.Equal(t, tc.retryable, e.Rate)
			assert.ErrorIs(t, e, tc.err)
		})
	}

	v := mapError(&types.ValidationException{Message: aws.String("bad input")})
	assert.Equal(t, "AWS Bedrock API returned a validation error: bad input", v.Message)
	assert.Equal(t, "Validation error", v.FailureReason)

	passthrough := apierr.Validation("x", "y")
	assert.Same(t, passthrough, mapError(passthrough))
	assert.Nil(t, mapError(nil))
}
