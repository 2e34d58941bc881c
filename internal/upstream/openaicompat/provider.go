// Package openaicompat forwards canonical requests to vendors that accept the
// OpenAI chat completion contract natively.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/providers/catalog"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/upstream"
	"github.com/pysugar/completion-gateway/internal/util"
)

const (
	defaultTimeout   = 180 * time.Second
	maxErrorBodySize = 1 << 20
)

// ConnectionConfig is the decrypted connection config of a passthrough vendor.
type ConnectionConfig struct {
	APIKey string `mapstructure:"apiKey"`
}

// Provider is a passthrough adapter bound to one vendor's base URL.
type Provider struct {
	id           string
	baseURL      string
	defaultModel string
	headerMap    map[string]string
	httpClient   *http.Client
	logger       *zap.Logger
}

func NewProvider(info catalog.ProviderInfo, timeout time.Duration, logger *zap.Logger) *Provider {
	return NewProviderWithClient(info, newHTTPClient(timeout), logger)
}

// newHTTPClient bounds the wait for response headers only. A stream body may
// run for as long as the vendor keeps sending.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

func NewProviderWithClient(info catalog.ProviderInfo, httpClient *http.Client, logger *zap.Logger) *Provider {
	if httpClient == nil {
		httpClient = newHTTPClient(defaultTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	headerMap := make(map[string]string, len(info.ResponseHeaderMap))
	for k, v := range info.ResponseHeaderMap {
		headerMap[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &Provider{
		id:           strings.ToLower(strings.TrimSpace(info.ID)),
		baseURL:      strings.TrimRight(strings.TrimSpace(info.BaseURL), "/"),
		defaultModel: info.DefaultModel,
		headerMap:    headerMap,
		httpClient:   httpClient,
		logger:       logger.With(zap.String("provider", info.ID)),
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) EstimateRequestTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateRequestTokens(req)
}

func (p *Provider) EstimateMaxReplyTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateMaxReplyTokens(req, upstream.DefaultMaxReplyTokens)
}

// Completion sends the request with the model replaced by the resolved one.
func (p *Provider) Completion(
	ctx context.Context,
	req *mappers.ChatCompletionRequest,
	conn *models.Connection,
	model models.ModelSelector,
) (*upstream.Response, error) {
	cfg, err := decodeConfig(conn)
	if err != nil {
		return nil, err
	}
	modelID := model.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	body, err := BuildRequestBody(req, modelID)
	if err != nil {
		return nil, apierr.Validation(apierr.CodeInvalidRequest, "Invalid completion request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Internal("", "failed to build upstream request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", upstream.UserAgent())
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	p.logger.Debug("upstream request", zap.String("model", modelID), zap.Bool("stream", req.Stream))
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, apierr.Upstream(http.StatusGatewayTimeout, apierr.CodeUnknown, ctxErr.Error()).WithCause(err)
		}
		return nil, apierr.Upstream(http.StatusInternalServerError, apierr.CodeUnknown, err.Error()).WithCause(err)
	}

	headers := p.filterHeaders(resp.Header)
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, p.classifyError(resp, headers)
	}

	if req.Stream {
		return &upstream.Response{Stream: newChunkStream(resp.Body), Headers: headers}, nil
	}

	defer resp.Body.Close()
	var completion mappers.ChatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return nil, apierr.Internal("", "unrecognized upstream response").WithCause(err).WithHeaders(headers)
	}
	return &upstream.Response{Completion: &completion, Headers: headers}, nil
}

func decodeConfig(conn *models.Connection) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	if conn == nil {
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "AI connection is missing")
	}
	if err := mapstructure.Decode(conn.DecryptedConfig, &cfg); err != nil {
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "AI connection config is malformed").WithCause(err)
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid,
			fmt.Sprintf("API Key cannot be found in the AI connection config (connection %s)", conn.ConnectionID))
	}
	return cfg, nil
}

// BuildRequestBody re-encodes the caller's payload for the vendor. Unknown
// fields survive; vmx is dropped and usage is requested on streams.
func BuildRequestBody(req *mappers.ChatCompletionRequest, model string) ([]byte, error) {
	raw := req.Raw()
	if len(raw) == 0 {
		encoded, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "vmx")
	delete(fields, "stream_options")

	modelJSON, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	fields["model"] = modelJSON
	if req.Stream {
		fields["stream_options"] = json.RawMessage(`{"include_usage":true}`)
	}
	return json.Marshal(fields)
}

// filterHeaders keeps x- prefixed headers, renamed through the vendor's map.
func (p *Provider) filterHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for k, values := range h {
		key := strings.ToLower(k)
		if !strings.HasPrefix(key, "x-") || len(values) == 0 {
			continue
		}
		if mapped, ok := p.headerMap[key]; ok {
			key = mapped
		}
		out[key] = values[0]
	}
	return out
}

type vendorError struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
	Param   *string         `json:"param"`
	Status  string          `json:"status"`
}

type vendorErrorEnvelope struct {
	Error vendorError `json:"error"`
}

func parseVendorError(body []byte) (vendorError, bool) {
	var env vendorErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		return env.Error, true
	}
	var wrapped []vendorErrorEnvelope
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped) > 0 && wrapped[0].Error.Message != "" {
		return wrapped[0].Error, true
	}
	return vendorError{}, false
}

func (v vendorError) code() string {
	if len(v.Code) == 0 || string(v.Code) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Code, &s); err == nil {
		return s
	}
	return string(v.Code)
}

func (p *Provider) classifyError(resp *http.Response, headers map[string]string) *apierr.Error {
	var delay time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		// Reads and restores the body.
		delay = upstream.RateLimitDelay(resp)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	p.logger.Warn("Upstream returned an error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", util.TruncateBytes(body)))

	message := strings.TrimSpace(string(body))
	ve, ok := parseVendorError(body)
	if ok {
		message = ve.Message
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	var out *apierr.Error
	if resp.StatusCode == http.StatusTooManyRequests {
		out = apierr.UpstreamRateLimit(message, delay)
		if c := ve.code(); c != "" {
			out.Code = c
		}
	} else {
		out = apierr.Upstream(resp.StatusCode, ve.code(), message)
	}
	if ve.Type != "" {
		out.Type = ve.Type
	}
	if ve.Param != nil {
		out.Param = *ve.Param
	}
	return out.WithHeaders(headers)
}

// chunkStream decodes vendor SSE payloads into canonical chunks.
type chunkStream struct {
	reader *upstream.SSEReader
}

func newChunkStream(body io.ReadCloser) *chunkStream {
	return &chunkStream{reader: upstream.NewSSEReader(body)}
}

func (s *chunkStream) Recv() (*mappers.ChatCompletionChunk, error) {
	data, err := s.reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, apierr.Upstream(http.StatusBadGateway, apierr.CodeUnknown, "upstream stream interrupted").WithCause(err)
	}
	if ve, ok := parseVendorError(data); ok {
		return nil, apierr.Upstream(http.StatusBadGateway, ve.code(), ve.Message)
	}
	var chunk mappers.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, apierr.Internal("", "unrecognized upstream stream event").WithCause(err)
	}
	return &chunk, nil
}

func (s *chunkStream) Close() error {
	return s.reader.Close()
}
