// Package completion sequences routing, admission and the vendor call for one
// chat completion, then reconciles capacity and reports the outcome.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/audit"
	"github.com/pysugar/completion-gateway/internal/capacity"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/logging"
	"github.com/pysugar/completion-gateway/internal/metrics"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/routing"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

// Stage names reported to metrics.
const (
	StageRouting    = "routing"
	StageGate       = "gate"
	StageFirstToken = "first_token"
)

type Resources interface {
	Get(ctx context.Context, workspaceID, environmentID, resource string) (*models.Resource, error)
}

type Connections interface {
	Get(ctx context.Context, workspaceID, environmentID, connectionID string) (*models.Connection, error)
	UpdateDiscoveredCapacity(ctx context.Context, workspaceID, environmentID, connectionID, model string, entries []models.CapacityEntry) error
}

type Workspaces interface {
	Get(ctx context.Context, workspaceID string) (*models.Workspace, error)
}

// Options wires a Service. Metrics, ErrorRates and Audit are optional.
type Options struct {
	Resources   Resources
	Connections Connections
	Workspaces  Workspaces
	Providers   *upstream.Registry
	Router      *routing.Engine
	Gate        *capacity.Gate
	Metrics     *metrics.Collectors
	ErrorRates  *metrics.ErrorRateTracker
	Audit       audit.Sink
	Logger      *zap.Logger
}

// Service is the Completion Orchestrator.
type Service struct {
	resources   Resources
	connections Connections
	workspaces  Workspaces
	providers   *upstream.Registry
	router      *routing.Engine
	gate        *capacity.Gate
	metrics     *metrics.Collectors
	errorRates  *metrics.ErrorRateTracker
	audit       audit.Sink
	logger      *zap.Logger
}

func NewService(o Options) *Service {
	return &Service{
		resources:   o.Resources,
		connections: o.Connections,
		workspaces:  o.Workspaces,
		providers:   o.Providers,
		router:      o.Router,
		gate:        o.Gate,
		metrics:     o.Metrics,
		errorRates:  o.ErrorRates,
		audit:       o.Audit,
		logger:      o.Logger,
	}
}

// Call is one inbound completion. Request.Model names the resource.
type Call struct {
	WorkspaceID   string
	EnvironmentID string
	Request       *mappers.ChatCompletionRequest
	APIKey        *models.APIKey
	SourceIP      string
	RequestID     string
}

// Result carries exactly one of Completion or Stream. A Stream must be
// drained or closed; its outcome is recorded when it ends.
type Result struct {
	Completion *mappers.ChatCompletion
	Stream     upstream.Stream
	Headers    map[string]string
}

// run is the state of one Call across its attempts.
type run struct {
	s         *Service
	call      Call
	logger    *zap.Logger
	requestID string
	startedAt time.Time
	resource  *models.Resource
	model     models.ModelSelector
	routingMs *int64
	events    []models.AuditEvent
}

// attempt is one try against one model selector.
type attempt struct {
	model       models.ModelSelector
	connection  *models.Connection
	reservation *capacity.Reservation
	startedAt   time.Time
	providerAt  time.Time
	gateMs      int64
}

func (a *attempt) provider() string {
	if a.connection != nil {
		return a.connection.Provider
	}
	return a.model.Provider
}

// Complete runs the pipeline: resource resolution, routing, then for the
// selected model and each fallback, admission and the vendor call.
func (s *Service) Complete(ctx context.Context, call Call) (*Result, error) {
	requestID := call.RequestID
	if requestID == "" {
		requestID = logging.GetRequestID(ctx)
	}
	if requestID == "" {
		requestID = logging.GenerateRequestID()
	}
	r := &run{
		s:         s,
		call:      call,
		requestID: requestID,
		startedAt: time.Now(),
		logger: logging.FromContext(ctx, s.logger).With(
			zap.String("workspace_id", call.WorkspaceID),
			zap.String("environment_id", call.EnvironmentID)),
	}

	res, err := r.execute(ctx)
	if err != nil {
		r.fail(err)
		return nil, err
	}
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	req := r.call.Request
	if req == nil || req.Model == "" {
		return nil, apierr.Validation(apierr.CodeInvalidRequest, "model is required").WithParam("model")
	}
	if len(req.Messages) == 0 {
		return nil, apierr.Validation(apierr.CodeInvalidRequest, "messages must not be empty").WithParam("messages")
	}
	if key := r.call.APIKey; key != nil && !key.AllowsResource(req.Model) {
		return nil, apierr.Forbidden(apierr.CodeKeyResourceDenied,
			fmt.Sprintf("API key is not allowed to access AI resource %s", req.Model))
	}

	var overrides json.RawMessage
	if req.VMX != nil {
		overrides = req.VMX.ResourceConfigOverrides
	}
	resource, err := r.s.loadResource(ctx, r.call.WorkspaceID, r.call.EnvironmentID, req.Model, overrides)
	if err != nil {
		return nil, err
	}
	r.resource = resource
	r.logger = r.logger.With(zap.String("resource", resource.Resource))

	selected, primary, err := selectModel(resource, req.VMX)
	if err != nil {
		return nil, err
	}
	r.model = selected
	if primary && resource.Routing.IsEnabled() {
		if selected, err = r.route(ctx, selected); err != nil {
			return nil, err
		}
		r.model = selected
	}
	if selected.ConnectionID == "" {
		return nil, apierr.Validation(apierr.CodeInvalidRequest,
			fmt.Sprintf("AI resource %s has no model configured", resource.Resource)).WithParam("model")
	}

	workspace, err := r.s.workspaces.Get(ctx, r.call.WorkspaceID)
	if err != nil {
		return nil, err
	}

	candidates := []models.ModelSelector{selected}
	if resource.UseFallback {
		candidates = append(candidates, resource.FallbackModels...)
	}
	var lastErr error
	for i, sel := range candidates {
		if i > 0 {
			r.logger.Info("Falling back to next model",
				zap.String("provider", sel.Provider),
				zap.String("model", sel.Model),
				zap.Int("attempt", i))
		}
		att := &attempt{model: sel, startedAt: time.Now()}
		r.model = sel
		result, err := r.attempt(ctx, att, workspace)
		if err == nil {
			return result, nil
		}
		lastErr = err
		r.attemptFailed(att, err, i == len(candidates)-1)
	}
	return nil, lastErr
}

func (r *run) route(ctx context.Context, primary models.ModelSelector) (models.ModelSelector, error) {
	start := time.Now()
	match, err := r.s.router.Evaluate(ctx, routing.Input{
		Resource:    r.resource,
		Request:     r.call.Request,
		InputTokens: upstream.EstimateRequestTokens(r.call.Request),
		ErrorRate:   r.s.errorRateFunc(r.call.WorkspaceID, r.call.EnvironmentID, r.resource.Resource),
	})
	elapsed := time.Since(start)
	ms := elapsed.Milliseconds()
	r.routingMs = &ms
	r.s.metrics.ObserveStage(StageRouting, elapsed)

	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeBlockedByRouting {
			r.s.metrics.RoutingMatched(string(models.ActionBlock))
		}
		return primary, err
	}
	if match == nil {
		return primary, nil
	}

	r.s.metrics.RoutingMatched(string(models.ActionCallModel))
	r.events = append(r.events, models.AuditEvent{
		Timestamp: time.Now().UnixMilli(),
		Type:      models.AuditEventRouting,
		Data: map[string]any{
			"originalModel": primary,
			"routedModel":   match.Model,
			"matchedRoute":  map[string]any{"id": match.Group.ID, "description": match.Group.Description},
		},
	})
	return match.Model, nil
}

func (s *Service) errorRateFunc(workspaceID, environmentID, resource string) routing.ErrorRateFunc {
	if s.errorRates == nil {
		return nil
	}
	return func(ctx context.Context, q routing.ErrorRateQuery) (float64, error) {
		series := metrics.Series{
			WorkspaceID:   workspaceID,
			EnvironmentID: environmentID,
			Resource:      resource,
			ConnectionID:  q.ConnectionID,
			Model:         q.Model,
		}
		return s.errorRates.ErrorRate(ctx, series, time.Duration(q.WindowMinutes)*time.Minute, q.Status)
	}
}

func (r *run) attempt(ctx context.Context, att *attempt, workspace *models.Workspace) (*Result, error) {
	req := r.call.Request
	conn, err := r.s.connections.Get(ctx, r.call.WorkspaceID, r.call.EnvironmentID, att.model.ConnectionID)
	if err != nil {
		return nil, err
	}
	att.connection = conn
	if !conn.AllowsModel(att.model.Model) {
		return nil, apierr.Validation(apierr.CodeModelNotAllowed,
			fmt.Sprintf("Model %s is not allowed by AI connection %s", att.model.Model, conn.ConnectionID))
	}
	provider, err := r.s.providers.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	gateStart := time.Now()
	reservation, err := r.s.gate.Check(ctx, capacity.Request{
		WorkspaceID:    r.call.WorkspaceID,
		EnvironmentID:  r.call.EnvironmentID,
		Workspace:      workspace,
		Resource:       r.resource,
		Connection:     conn,
		Model:          att.model.Model,
		APIKey:         r.call.APIKey,
		SourceIP:       r.call.SourceIP,
		InputTokens:    int64(provider.EstimateRequestTokens(req, att.model)),
		MaxReplyTokens: int64(provider.EstimateMaxReplyTokens(req, att.model)),
	})
	gateElapsed := time.Since(gateStart)
	att.gateMs = gateElapsed.Milliseconds()
	r.s.metrics.ObserveStage(StageGate, gateElapsed)
	if err != nil {
		return nil, err
	}
	att.reservation = reservation

	att.providerAt = time.Now()
	resp, err := provider.Completion(ctx, req, conn, att.model)
	if err != nil {
		r.release(ctx, att)
		return nil, err
	}
	headers := r.vmxHeaders(resp.Headers, att)

	if resp.IsStream() {
		return &Result{Stream: newTrackedStream(ctx, r, att, resp), Headers: headers}, nil
	}
	if resp.Completion == nil {
		r.release(ctx, att)
		return nil, apierr.Internal(apierr.CodeNoCompletion, "No completion response").WithHeaders(resp.Headers)
	}

	completion := resp.Completion
	completion.VMX = r.responseVMX(att, nil, nil)
	data, _ := json.Marshal(completion)
	r.succeed(ctx, att, completion.Usage, string(data), resp.Headers)
	return &Result{Completion: completion, Headers: headers}, nil
}

func (r *run) responseVMX(att *attempt, ttftMs *int64, tokensPerSecond *float64) *mappers.ResponseVMX {
	events := make([]models.AuditEvent, len(r.events))
	copy(events, r.events)
	gateMs := att.gateMs
	return &mappers.ResponseVMX{
		Events: events,
		Metrics: mappers.VMXMetrics{
			GateDurationMs:     &gateMs,
			RoutingDurationMs:  r.routingMs,
			TimeToFirstTokenMs: ttftMs,
			TokensPerSecond:    tokensPerSecond,
		},
	}
}

// release returns the reply reservation of an attempt that produced nothing.
func (r *run) release(ctx context.Context, att *attempt) {
	if att.reservation == nil {
		return
	}
	_ = r.s.gate.Reconcile(context.WithoutCancel(ctx), att.reservation, 0)
}

// succeed records a finished attempt: metrics, reconciliation, discovered
// capacity and the audit record.
func (r *run) succeed(ctx context.Context, att *attempt, usage *mappers.Usage, response string, upstreamHeaders map[string]string) {
	ctx = context.WithoutCancel(ctx)
	r.s.metrics.ObserveCompletion(att.provider(), att.model.Model, http.StatusOK, time.Since(att.providerAt))
	r.recordOutcome(att.model, http.StatusOK)

	if usage != nil {
		r.s.metrics.ObserveTokens(att.provider(), usage.PromptTokens, usage.CompletionTokens)
		_ = r.s.gate.Reconcile(ctx, att.reservation, int64(usage.CompletionTokens))
	}
	r.learnCapacity(ctx, att, upstreamHeaders)

	entry := r.auditEntry(att, http.StatusOK)
	entry.ResponseHeaders = upstreamHeaders
	entry.ResponseData = response
	if usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
	}
	r.push(entry)
	r.logger.Info("Completion finished",
		zap.String("provider", att.provider()),
		zap.String("model", att.model.Model),
		zap.Duration("duration", time.Since(att.startedAt)))
}

// attemptFailed records a failed attempt. Unless it was the last candidate
// the failure becomes a FALLBACK event.
func (r *run) attemptFailed(att *attempt, err error, last bool) {
	e := apierr.From(err)
	r.logger.Warn("Completion attempt failed",
		zap.String("provider", att.provider()),
		zap.String("model", att.model.Model),
		zap.Int("status", e.StatusCode),
		zap.String("failure_reason", e.FailureReason),
		zap.Error(err))
	r.s.metrics.ObserveCompletion(att.provider(), att.model.Model, e.StatusCode, time.Since(att.startedAt))
	r.recordOutcome(att.model, e.StatusCode)
	if last {
		return
	}
	r.events = append(r.events, models.AuditEvent{
		Timestamp: time.Now().UnixMilli(),
		Type:      models.AuditEventFallback,
		Data: map[string]any{
			"model":         att.model,
			"failureReason": e.FailureReason,
			"statusCode":    e.StatusCode,
			"errorMessage":  e.Message,
			"headers":       e.Headers,
		},
	})
}

// fail writes the audit record of a call that produced no completion.
func (r *run) fail(err error) {
	e := apierr.From(err)
	entry := r.auditEntry(nil, e.StatusCode)
	entry.FailureReason = e.FailureReason
	entry.ErrorMessage = e.Message
	entry.ResponseHeaders = e.Headers
	r.push(entry)
}

func (r *run) recordOutcome(sel models.ModelSelector, status int) {
	if r.s.errorRates == nil || r.resource == nil {
		return
	}
	r.s.errorRates.Record(metrics.Series{
		WorkspaceID:   r.call.WorkspaceID,
		EnvironmentID: r.call.EnvironmentID,
		Resource:      r.resource.Resource,
		ConnectionID:  sel.ConnectionID,
		Model:         sel.Model,
	}, status)
}

func (r *run) correlationID() string {
	if r.call.Request != nil && r.call.Request.VMX != nil {
		return r.call.Request.VMX.CorrelationID
	}
	return ""
}

func (r *run) auditEntry(att *attempt, status int) models.CompletionAudit {
	started := r.startedAt
	sel := r.model
	provider := sel.Provider
	if att != nil {
		started = att.startedAt
		sel = att.model
		provider = att.provider()
	}
	entry := models.CompletionAudit{
		Timestamp:     started.UnixMilli(),
		WorkspaceID:   r.call.WorkspaceID,
		EnvironmentID: r.call.EnvironmentID,
		RequestID:     r.requestID,
		CorrelationID: r.correlationID(),
		SourceIP:      r.call.SourceIP,
		Provider:      provider,
		Model:         sel.Model,
		ConnectionID:  sel.ConnectionID,
		StatusCode:    status,
		Duration:      time.Since(started).Milliseconds(),
		Events:        append([]models.AuditEvent(nil), r.events...),
	}
	if r.resource != nil {
		entry.Resource = r.resource.Resource
	} else if r.call.Request != nil {
		entry.Resource = r.call.Request.Model
	}
	if r.call.APIKey != nil {
		entry.APIKeyID = r.call.APIKey.APIKeyID
	}
	if req := r.call.Request; req != nil {
		if raw := req.Raw(); len(raw) > 0 {
			entry.RequestPayload = string(raw)
		} else if b, err := json.Marshal(req); err == nil {
			entry.RequestPayload = string(b)
		}
	}
	return entry
}

func (r *run) push(entry models.CompletionAudit) {
	if r.s.audit != nil {
		r.s.audit.Push(entry)
	}
}

// learnCapacity stores the minute limits a vendor reports so later requests
// are admitted against them.
func (r *run) learnCapacity(ctx context.Context, att *attempt, headers map[string]string) {
	requests, err := strconv.ParseInt(headers["x-ratelimit-limit-requests"], 10, 64)
	if err != nil {
		return
	}
	tokens, err := strconv.ParseInt(headers["x-ratelimit-limit-tokens"], 10, 64)
	if err != nil {
		return
	}

	current := att.connection.ModelCapacity(att.model.Model)
	entries := make([]models.CapacityEntry, 0, len(current)+1)
	found := false
	for _, e := range current {
		if !found && e.Period == models.PeriodMinute {
			found = true
			if e.Requests == requests && e.Tokens == tokens {
				return
			}
			e.Requests, e.Tokens = requests, tokens
		}
		entries = append(entries, e)
	}
	if !found {
		entries = append(entries, models.CapacityEntry{
			Period:   models.PeriodMinute,
			Requests: requests,
			Tokens:   tokens,
			Enabled:  true,
		})
	}

	r.logger.Info("Updating discovered capacity",
		zap.String("connection_id", att.connection.ConnectionID),
		zap.String("model", att.model.Model),
		zap.Int64("requests", requests),
		zap.Int64("tokens", tokens))
	if err := r.s.connections.UpdateDiscoveredCapacity(ctx, r.call.WorkspaceID, r.call.EnvironmentID,
		att.connection.ConnectionID, att.model.Model, entries); err != nil {
		r.logger.Warn("Failed to update discovered capacity", zap.Error(err))
	}
}
