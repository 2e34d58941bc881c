package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/completion"
	"github.com/pysugar/completion-gateway/internal/logging"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/proxy/middleware"
	"github.com/pysugar/completion-gateway/internal/upstream"
	"github.com/pysugar/completion-gateway/internal/util"
)

// maxRequestBody bounds an inbound completion payload, attachments included.
const maxRequestBody = 32 << 20

// Completer runs one completion call.
type Completer interface {
	Complete(ctx context.Context, call completion.Call) (*completion.Result, error)
}

// CompletionHandler serves the OpenAI-compatible completion endpoint. The
// payload's model field names the resource.
// POST /v1/completion/{workspaceId}/{environmentId}/chat/completions
func CompletionHandler(svc Completer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workspaceID := chi.URLParam(r, "workspaceId")
		environmentID := chi.URLParam(r, "environmentId")
		requestID := GetOrGenerateRequestID(r)
		ctx := logging.WithRequestID(r.Context(), requestID)
		log := logging.FromContext(ctx, logger).With(
			zap.String("workspace_id", workspaceID),
			zap.String("environment_id", environmentID))
		w.Header().Set(completion.HeaderRequestID, requestID)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			apierr.Write(w, apierr.Validation(apierr.CodeInvalidRequest, "Failed to read request body"))
			return
		}
		var req mappers.ChatCompletionRequest
		if err := json.Unmarshal(body, &req); err != nil {
			log.Info("Invalid completion payload",
				zap.String("body", util.TruncateBytes(body)),
				zap.Error(err))
			apierr.Write(w, apierr.Validation(apierr.CodeInvalidRequest, "Invalid request body: "+err.Error()))
			return
		}

		key := middleware.APIKeyFromContext(ctx)
		if key != nil && (key.WorkspaceID != workspaceID || key.EnvironmentID != environmentID) {
			apierr.Write(w, apierr.Unauthorized("API key is not valid for this environment"))
			return
		}

		result, err := svc.Complete(ctx, completion.Call{
			WorkspaceID:   workspaceID,
			EnvironmentID: environmentID,
			Request:       &req,
			APIKey:        key,
			SourceIP:      ClientIP(r),
			RequestID:     requestID,
		})
		if err != nil {
			apierr.Write(w, err)
			return
		}

		setHeaders(w, result.Headers)
		if result.Stream != nil {
			streamCompletion(ctx, w, result.Stream, log)
			return
		}
		writeJSON(w, http.StatusOK, result.Completion)
	}
}

// streamCompletion relays chunks as SSE. A failure after the first byte is
// reported in-band: an error event followed by [ERROR].
func streamCompletion(ctx context.Context, w http.ResponseWriter, stream upstream.Stream, log *zap.Logger) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.Write(w, apierr.Internal("", "Streaming not supported"))
		return
	}
	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	checker := NewStreamSafetyChecker()
	chunks := 0
	for {
		if ctx.Err() != nil {
			log.Info("Client disconnected during stream", zap.Int("chunks", chunks))
			return
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			log.Debug("Stream completed", zap.Int("chunks", chunks))
			return
		}
		if err != nil {
			writeStreamError(w, err)
			flusher.Flush()
			log.Warn("Stream failed", zap.Int("chunks", chunks), zap.Error(err))
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			encodeErr := apierr.Internal("", "Failed to encode stream chunk").WithCause(err)
			abortStream(stream, encodeErr)
			writeStreamError(w, encodeErr)
			flusher.Flush()
			return
		}
		if abort, reason := checker.CheckChunk(data); abort {
			abortErr := apierr.Upstream(http.StatusBadGateway, apierr.CodeUnknown, "Stream aborted: "+reason)
			abortStream(stream, abortErr)
			writeStreamError(w, abortErr)
			flusher.Flush()
			log.Warn("Stream aborted", zap.String("reason", reason), zap.Int("chunks", chunks))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		chunks++
	}
}

func abortStream(stream upstream.Stream, err error) {
	if a, ok := stream.(upstream.Aborter); ok {
		a.Abort(err)
	}
}

func writeStreamError(w io.Writer, err error) {
	data, _ := json.Marshal(apierr.From(err).Body())
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprint(w, "data: [ERROR]\n\n")
}
