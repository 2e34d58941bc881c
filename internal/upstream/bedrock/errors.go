package bedrock

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/pysugar/completion-gateway/internal/apierr"
)

// Neutral codes surfaced for Bedrock failures.
const (
	CodeInternalServer     = "aws_bedrock_internal_server_error"
	CodeServiceUnavailable = "aws_bedrock_service_unavailable_error"
	CodeModelStream        = "aws_bedrock_model_stream_error"
	CodeValidation         = "aws_bedrock_validation_error"
	CodeThrottling         = "aws_bedrock_throttling_error"
	CodeStreamNotStarted   = "aws_bedrock_failed_to_start_stream"
	CodeImageFetch         = "aws_bedrock_image_fetch_error"
	CodeAudioUnsupported   = "aws_bedrock_audio_input_not_supported"
	CodeFileDataRequired   = "aws_bedrock_file_data_required"
	CodeUnexpectedResponse = "aws_bedrock_unexpected_response"
)

type exceptionMapping struct {
	status        int
	code          string
	errType       string
	failureReason string
	prefix        string
}

var (
	internalServerMapping = exceptionMapping{http.StatusInternalServerError, CodeInternalServer, "internal_server_error", "Internal server error", "an internal server error"}
	unavailableMapping    = exceptionMapping{http.StatusServiceUnavailable, CodeServiceUnavailable, "service_unavailable", "Service unavailable", "a service unavailable error"}
	modelStreamMapping    = exceptionMapping{http.StatusInternalServerError, CodeModelStream, "model_stream_error", "Model stream error", "a model stream error"}
	validationMapping     = exceptionMapping{http.StatusBadRequest, CodeValidation, "validation_error", "Validation error", "a validation error"}
	throttlingMapping     = exceptionMapping{http.StatusTooManyRequests, CodeThrottling, "throttling_error", "Throttling error", "a throttling error"}
)

// mapError converts SDK and transport errors into the gateway taxonomy.
func mapError(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	if e, ok := apierr.As(err); ok {
		return e
	}

	var (
		throttling  *types.ThrottlingException
		internal    *types.InternalServerException
		unavailable *types.ServiceUnavailableException
		modelStream *types.ModelStreamErrorException
		validation  *types.ValidationException
	)
	switch {
	case errors.As(err, &throttling):
		return build(err, throttlingMapping, true)
	case errors.As(err, &internal):
		return build(err, internalServerMapping, retryHint(err))
	case errors.As(err, &unavailable):
		return build(err, unavailableMapping, retryHint(err))
	case errors.As(err, &modelStream):
		return build(err, modelStreamMapping, retryHint(err))
	case errors.As(err, &validation):
		return build(err, validationMapping, retryHint(err))
	}

	return (&apierr.Error{
		StatusCode:    http.StatusInternalServerError,
		Message:       err.Error(),
		Code:          apierr.CodeUnknown,
		Type:          "api_error",
		FailureReason: "External API error",
		Headers:       requestHeaders(requestIDFromError(err)),
	}).WithCause(err)
}

func build(err error, m exceptionMapping, retryable bool) *apierr.Error {
	message := err.Error()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.ErrorMessage()
	}
	return (&apierr.Error{
		StatusCode:    m.status,
		Message:       "AWS Bedrock API returned " + m.prefix + ": " + message,
		Code:          m.code,
		Type:          m.errType,
		Rate:          retryable,
		Retryable:     retryable,
		FailureReason: m.failureReason,
		Headers:       requestHeaders(requestIDFromError(err)),
	}).WithCause(err)
}

// retryHint reports the SDK's own retry classification when the error carries one.
func retryHint(err error) bool {
	var hinted interface{ RetryableError() bool }
	if errors.As(err, &hinted) {
		return hinted.RetryableError()
	}
	return false
}

func requestIDFromError(err error) string {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.ServiceRequestID()
	}
	return ""
}

func requestHeaders(requestID string) map[string]string {
	if requestID == "" {
		return map[string]string{}
	}
	return map[string]string{"x-request-id": requestID}
}
