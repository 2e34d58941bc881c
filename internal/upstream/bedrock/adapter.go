// Package bedrock adapts canonical chat completion requests to the AWS
// Bedrock Converse and ConverseStream APIs.
package bedrock

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

// ProviderID is the directory id of this adapter.
const ProviderID = "aws-bedrock"

// ConnectionConfig is the decrypted Bedrock connection config.
type ConnectionConfig struct {
	IAMRoleARN        string             `mapstructure:"iamRoleArn"`
	Region            string             `mapstructure:"region"`
	PerformanceConfig *PerformanceConfig `mapstructure:"performanceConfig"`
}

type PerformanceConfig struct {
	Latency string `mapstructure:"latency"`
}

// StreamResult is an opened ConverseStream call.
type StreamResult struct {
	Reader    EventReader
	RequestID string
}

// Client is the Bedrock runtime surface used by the adapter.
type Client interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (*StreamResult, error)
}

// ClientFactory builds a client for one connection.
type ClientFactory func(ctx context.Context, cfg ConnectionConfig, conn *models.Connection) (Client, error)

type sdkClient struct {
	client *bedrockruntime.Client
}

func (c sdkClient) Converse(ctx context.Context, in *bedrockruntime.ConverseInput) (*bedrockruntime.ConverseOutput, error) {
	return c.client.Converse(ctx, in)
}

func (c sdkClient) ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (*StreamResult, error) {
	out, err := c.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, err
	}
	requestID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	result := &StreamResult{RequestID: requestID}
	if stream := out.GetStream(); stream != nil {
		result.Reader = stream
	}
	return result, nil
}

// NewSDKClientFactory returns a factory that assumes the connection's role
// through creds and targets the connection's region.
func NewSDKClientFactory(base aws.Config, creds *CredentialCache) ClientFactory {
	return func(_ context.Context, cfg ConnectionConfig, conn *models.Connection) (Client, error) {
		awsCfg := base.Copy()
		awsCfg.Region = cfg.Region
		awsCfg.Credentials = creds.Get(cfg.IAMRoleARN, ExternalID(conn.WorkspaceID, conn.EnvironmentID), cfg.Region)
		return sdkClient{client: bedrockruntime.NewFromConfig(awsCfg)}, nil
	}
}

// Provider is the full-translation Bedrock adapter.
type Provider struct {
	newClient  ClientFactory
	translator *translator
	logger     *zap.Logger
	now        func() time.Time
}

func NewProvider(newClient ClientFactory, images *ImageFetcher, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if images == nil {
		images = NewImageFetcher(nil, 0)
	}
	logger = logger.With(zap.String("provider", ProviderID))
	return &Provider{
		newClient:  newClient,
		translator: &translator{images: images, logger: logger},
		logger:     logger,
		now:        time.Now,
	}
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) EstimateRequestTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateRequestTokens(req)
}

func (p *Provider) EstimateMaxReplyTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateMaxReplyTokens(req, upstream.DefaultMaxReplyTokens)
}

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
	input, err := p.translator.buildRequest(ctx, req, model.Model, cfg)
	if err != nil {
		return nil, err
	}
	client, err := p.newClient(ctx, cfg, conn)
	if err != nil {
		return nil, apierr.Internal("", "failed to create AWS Bedrock client").WithCause(err)
	}

	created := p.now().Unix()
	p.logger.Debug("converse request", zap.String("model", model.Model), zap.Bool("stream", req.Stream),
		zap.Int("messages", len(input.messages)))

	if req.Stream {
		result, err := client.ConverseStream(ctx, input.streamInput())
		if err != nil {
			return nil, mapError(err)
		}
		if result == nil || result.Reader == nil {
			return nil, &apierr.Error{
				StatusCode:    http.StatusInternalServerError,
				Message:       "Failed to start the stream",
				Code:          CodeStreamNotStarted,
				Type:          "api_error",
				FailureReason: "Failed to start the stream",
			}
		}
		return &upstream.Response{
			Stream:  newChunkStream(result.Reader, completionID(result.RequestID), model.Model, created),
			Headers: requestHeaders(result.RequestID),
		}, nil
	}

	out, err := client.Converse(ctx, input.converseInput())
	if err != nil {
		return nil, mapError(err)
	}
	requestID, _ := awsmiddleware.GetRequestIDMetadata(out.ResultMetadata)
	completion, err := convertOutput(out, completionID(requestID), model.Model, created)
	if err != nil {
		return nil, err
	}
	return &upstream.Response{Completion: completion, Headers: requestHeaders(requestID)}, nil
}

func decodeConfig(conn *models.Connection) (ConnectionConfig, error) {
	var cfg ConnectionConfig
	if conn == nil {
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "AI connection is missing")
	}
	if err := mapstructure.Decode(conn.DecryptedConfig, &cfg); err != nil {
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "AI connection config is malformed").WithCause(err)
	}
	cfg.IAMRoleARN = strings.TrimSpace(cfg.IAMRoleARN)
	cfg.Region = strings.TrimSpace(cfg.Region)
	switch {
	case cfg.IAMRoleARN == "":
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "IAM Role Arn cannot be found in the AI connection config")
	case cfg.Region == "":
		return cfg, apierr.Validation(apierr.CodeConnectionInvalid, "AWS Region cannot be found in the AI connection config")
	}
	return cfg, nil
}
