package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/capacity"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/metrics"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/routing"
	"github.com/pysugar/completion-gateway/internal/upstream"
)

var testNow = time.Date(2026, 10, 14, 10, 20, 30, 0, time.UTC)

var (
	openAIModel = models.ModelSelector{Provider: "openai", Model: "gpt-4o", ConnectionID: "oa"}
	groqModel   = models.ModelSelector{Provider: "groq", Model: "llama-3.3-70b", ConnectionID: "gq"}
)

type fakeResources map[string]*models.Resource

func (f fakeResources) Get(_ context.Context, _, _, name string) (*models.Resource, error) {
	r, ok := f[name]
	if !ok {
		return nil, apierr.NotFound(apierr.CodeResourceNotFound, "AI resource "+name+" not found")
	}
	cp := *r
	return &cp, nil
}

type discoveredUpdate struct {
	connectionID string
	model        string
	entries      []models.CapacityEntry
}

type fakeConnections struct {
	mu      sync.Mutex
	conns   map[string]*models.Connection
	updates []discoveredUpdate
}

func (f *fakeConnections) Get(_ context.Context, _, _, id string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	if !ok {
		return nil, apierr.NotFound(apierr.CodeConnectionNotFound, "AI connection "+id+" not found")
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConnections) UpdateDiscoveredCapacity(_ context.Context, _, _, id, model string, entries []models.CapacityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, discoveredUpdate{connectionID: id, model: model, entries: entries})
	c := f.conns[id]
	c.DiscoveredCapacity = &models.DiscoveredCapacity{Models: map[string]models.DiscoveredModelCapacity{
		model: {Capacity: entries},
	}}
	return nil
}

type fakeWorkspaces struct{}

func (fakeWorkspaces) Get(context.Context, string) (*models.Workspace, error) { return nil, nil }

type fakeProvider struct {
	id      string
	mu      sync.Mutex
	calls   []models.ModelSelector
	respond func(sel models.ModelSelector) (*upstream.Response, error)
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Completion(_ context.Context, _ *mappers.ChatCompletionRequest, _ *models.Connection, sel models.ModelSelector) (*upstream.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, sel)
	p.mu.Unlock()
	return p.respond(sel)
}

func (p *fakeProvider) EstimateRequestTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateRequestTokens(req)
}

func (p *fakeProvider) EstimateMaxReplyTokens(req *mappers.ChatCompletionRequest, _ models.ModelSelector) int {
	return upstream.EstimateMaxReplyTokens(req, 100)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recordingStore struct {
	*capacity.MemoryStore
	mu   sync.Mutex
	incs []capacity.Increment
}

func (s *recordingStore) Increment(ctx context.Context, incs []capacity.Increment) error {
	s.mu.Lock()
	s.incs = append(s.incs, incs...)
	s.mu.Unlock()
	return s.MemoryStore.Increment(ctx, incs)
}

type memorySink struct {
	mu      sync.Mutex
	entries []models.CompletionAudit
}

func (s *memorySink) Push(e models.CompletionAudit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *memorySink) all() []models.CompletionAudit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CompletionAudit(nil), s.entries...)
}

type harness struct {
	svc        *Service
	clock      *capacity.FixedClock
	store      *recordingStore
	openai     *fakeProvider
	groq       *fakeProvider
	resources  fakeResources
	conns      *fakeConnections
	sink       *memorySink
	errorRates *metrics.ErrorRateTracker
}

func completionFor(sel models.ModelSelector) *mappers.ChatCompletion {
	return &mappers.ChatCompletion{
		ID:      "chatcmpl-" + sel.ConnectionID,
		Object:  "chat.completion",
		Model:   sel.Model,
		Choices: []mappers.Choice{{Message: mappers.ChatMessage{Role: "assistant", Content: mappers.TextContent("hi")}, FinishReason: mappers.FinishStop}},
		Usage:   &mappers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func succeeding(id string) *fakeProvider {
	return &fakeProvider{id: id, respond: func(sel models.ModelSelector) (*upstream.Response, error) {
		return &upstream.Response{Completion: completionFor(sel), Headers: map[string]string{"x-ratelimit-remaining-requests": "99"}}, nil
	}}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := capacity.NewFixedClock(testNow)
	store := &recordingStore{MemoryStore: capacity.NewMemoryStore().WithClock(clock)}
	gate := capacity.NewGate(store, nil, zap.NewNop()).WithClock(clock)

	evaluator, err := routing.NewCELEvaluator()
	require.NoError(t, err)
	router := routing.NewEngine(evaluator, zap.NewNop()).WithRand(func() float64 { return 0.5 })

	h := &harness{
		clock:  clock,
		store:  store,
		openai: succeeding("openai"),
		groq:   succeeding("groq"),
		resources: fakeResources{
			"openai-default": {WorkspaceID: "ws", EnvironmentID: "prod", Resource: "openai-default", Model: openAIModel},
		},
		conns: &fakeConnections{conns: map[string]*models.Connection{
			"oa": {
				WorkspaceID:   "ws",
				EnvironmentID: "prod",
				ConnectionID:  "oa",
				Provider:      "openai",
				Capacity:      []models.CapacityEntry{{Period: models.PeriodMinute, Requests: 100, Enabled: true}},
			},
			"gq": {
				WorkspaceID:   "ws",
				EnvironmentID: "prod",
				ConnectionID:  "gq",
				Provider:      "groq",
				Capacity:      []models.CapacityEntry{{Period: models.PeriodMinute, Requests: 100, Enabled: true}},
			},
		}},
		sink:       &memorySink{},
		errorRates: metrics.NewErrorRateTracker(),
	}
	h.svc = NewService(Options{
		Resources:   h.resources,
		Connections: h.conns,
		Workspaces:  fakeWorkspaces{},
		Providers:   upstream.NewRegistry(h.openai, h.groq),
		Router:      router,
		Gate:        gate,
		Metrics:     metrics.New(),
		ErrorRates:  h.errorRates,
		Audit:       h.sink,
		Logger:      zap.NewNop(),
	})
	return h
}

func (h *harness) complete(t *testing.T, body string) (*Result, error) {
	t.Helper()
	var req mappers.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return h.svc.Complete(context.Background(), Call{
		WorkspaceID:   "ws",
		EnvironmentID: "prod",
		Request:       &req,
		SourceIP:      "10.0.0.1",
		RequestID:     "req-1",
	})
}

func (h *harness) usage(t *testing.T, resource, connectionID string) capacity.Usage {
	t.Helper()
	key := capacity.LedgerKey(capacity.ResourceKeyPrefix("ws", "prod", resource, connectionID), models.PeriodMinute)
	u, err := h.store.Usage(context.Background(), key)
	require.NoError(t, err)
	return u
}

func requireAPIError(t *testing.T, err error) *apierr.Error {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok, "expected *apierr.Error, got %T", err)
	return apiErr
}

const helloBody = `{"model":"openai-default","messages":[{"role":"user","content":"hello"}]}`

func TestComplete_ReservesAndReconcilesCapacity(t *testing.T) {
	h := newHarness(t)

	res, err := h.complete(t, helloBody)
	require.NoError(t, err)
	require.NotNil(t, res.Completion)
	assert.Equal(t, "chatcmpl-oa", res.Completion.ID)
	require.NotNil(t, res.Completion.VMX)
	assert.Empty(t, res.Completion.VMX.Events)
	assert.NotNil(t, res.Completion.VMX.Metrics.GateDurationMs)
	assert.Nil(t, res.Completion.VMX.Metrics.RoutingDurationMs)

	assert.Equal(t, "req-1", res.Headers[HeaderRequestID])
	assert.Equal(t, "gpt-4o", res.Headers[HeaderModel])
	assert.Equal(t, "openai", res.Headers[HeaderProvider])
	assert.Equal(t, "oa", res.Headers[HeaderConnectionID])
	assert.Equal(t, "99", res.Headers["x-ratelimit-remaining-requests"])
	assert.Contains(t, res.Headers, HeaderGateDuration)
	assert.NotContains(t, res.Headers, HeaderEventCount)

	require.Len(t, h.store.incs, 1)
	assert.Equal(t, 30*time.Second, h.store.incs[0].TTL)

	var req mappers.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(helloBody), &req))
	input := int64(upstream.EstimateRequestTokens(&req))
	u := h.usage(t, "openai-default", "oa")
	assert.Equal(t, int64(1), u.Requests)
	// reserved input+100, then released the 95 reply tokens never produced
	assert.Equal(t, input+5, u.Tokens)

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 200, entries[0].StatusCode)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, "openai-default", entries[0].Resource)
	assert.Equal(t, "10.0.0.1", entries[0].SourceIP)
	assert.Equal(t, 10, entries[0].PromptTokens)
	assert.Equal(t, 5, entries[0].CompletionTokens)
	assert.JSONEq(t, helloBody, entries[0].RequestPayload)
	assert.Contains(t, entries[0].ResponseData, "chatcmpl-oa")
}

func TestComplete_BlockedBeforeProviderCall(t *testing.T) {
	h := newHarness(t)
	h.resources["openai-default"].Routing = &models.Routing{Conditions: []models.RoutingGroup{{
		Description: "prompt too large",
		Operator:    models.OperatorAnd,
		Action:      models.ActionBlock,
		Conditions: []models.RoutingNode{{Condition: &models.RoutingCondition{
			Expression: "tokens.input",
			Comparator: models.ComparatorGreaterThan,
			Value:      models.RoutingValue{Type: models.ValueNumber, Expression: "1000"},
		}}},
	}}}

	body := fmt.Sprintf(`{"model":"openai-default","messages":[{"role":"user","content":%q}]}`, strings.Repeat("a", 6000))
	_, err := h.complete(t, body)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, apierr.CodeBlockedByRouting, apiErr.Code)
	assert.False(t, apiErr.Retryable)
	assert.Contains(t, apiErr.Message, "prompt too large")

	assert.Zero(t, h.openai.callCount())
	assert.Empty(t, h.store.incs)
	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 400, entries[0].StatusCode)
	assert.Equal(t, "Blocked by routing condition", entries[0].FailureReason)
}

func TestComplete_RoutingSwitchesModel(t *testing.T) {
	h := newHarness(t)
	h.resources["openai-default"].Routing = &models.Routing{Conditions: []models.RoutingGroup{{
		ID:       "vip",
		Operator: models.OperatorAnd,
		Action:   models.ActionCallModel,
		Conditions: []models.RoutingNode{{Condition: &models.RoutingCondition{
			Expression: "request.user",
			Comparator: models.ComparatorEqual,
			Value:      models.RoutingValue{Type: models.ValueString, Expression: "vip"},
		}}},
		Then: &models.RoutingTarget{ModelSelector: groqModel},
	}}}

	res, err := h.complete(t, `{"model":"openai-default","user":"vip","messages":[{"role":"user","content":"hello"}]}`)
	require.NoError(t, err)
	assert.Zero(t, h.openai.callCount())
	assert.Equal(t, 1, h.groq.callCount())

	assert.Equal(t, "llama-3.3-70b", res.Headers[HeaderModel])
	assert.Equal(t, "1", res.Headers[HeaderEventCount])
	assert.Equal(t, "ROUTING", res.Headers["x-vmx-event-0-type"])
	assert.Equal(t, "gpt-4o", res.Headers["x-vmx-event-0-routing-original-model"])
	assert.Equal(t, "groq", res.Headers["x-vmx-event-0-routing-routed-provider"])
	assert.Equal(t, "llama-3.3-70b", res.Headers["x-vmx-event-0-routing-routed-model"])
	assert.NotEmpty(t, res.Headers["x-vmx-event-0-timestamp"])

	require.Len(t, res.Completion.VMX.Events, 1)
	assert.NotNil(t, res.Completion.VMX.Metrics.RoutingDurationMs)
	assert.Equal(t, int64(1), h.usage(t, "openai-default", "gq").Requests)
	assert.Zero(t, h.usage(t, "openai-default", "oa").Requests)

	// no match leaves the primary model in place
	_, err = h.complete(t, helloBody)
	require.NoError(t, err)
	assert.Equal(t, 1, h.openai.callCount())
}

func TestComplete_FallsBackOnUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	h.resources["openai-default"].UseFallback = true
	h.resources["openai-default"].FallbackModels = []models.ModelSelector{groqModel}
	h.openai.respond = func(models.ModelSelector) (*upstream.Response, error) {
		return nil, apierr.Upstream(503, "", "service unavailable")
	}

	res, err := h.complete(t, helloBody)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-gq", res.Completion.ID)
	assert.Equal(t, "FALLBACK", res.Headers["x-vmx-event-0-type"])
	assert.Equal(t, "gpt-4o", res.Headers["x-vmx-event-0-fallback-failed-model"])
	assert.Equal(t, "service unavailable", res.Headers["x-vmx-event-0-fallback-failure-reason"])

	require.Len(t, res.Completion.VMX.Events, 1)
	data := res.Completion.VMX.Events[0].Data
	assert.Equal(t, 503, data["statusCode"])
	assert.Equal(t, "External API error", data["failureReason"])

	// the failed attempt keeps its request but returns its reply reservation
	var req mappers.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(helloBody), &req))
	failed := h.usage(t, "openai-default", "oa")
	assert.Equal(t, int64(1), failed.Requests)
	assert.Equal(t, int64(upstream.EstimateRequestTokens(&req)), failed.Tokens)

	rate, err := h.errorRates.ErrorRate(context.Background(), metrics.Series{
		WorkspaceID: "ws", EnvironmentID: "prod", Resource: "openai-default", ConnectionID: "oa", Model: "gpt-4o",
	}, 10*time.Minute, "5xx")
	require.NoError(t, err)
	assert.Equal(t, 100.0, rate)

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "gq", entries[0].ConnectionID)
	require.Len(t, entries[0].Events, 1)
	assert.Equal(t, models.AuditEventFallback, entries[0].Events[0].Type)
}

func TestComplete_WithoutFallbackReturnsError(t *testing.T) {
	h := newHarness(t)
	h.resources["openai-default"].FallbackModels = []models.ModelSelector{groqModel}
	h.openai.respond = func(models.ModelSelector) (*upstream.Response, error) {
		return nil, apierr.UpstreamRateLimit("slow down", 2*time.Second)
	}

	_, err := h.complete(t, helloBody)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.Equal(t, 2*time.Second, apiErr.RetryDelay)
	assert.Zero(t, h.groq.callCount())

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 429, entries[0].StatusCode)
	assert.Equal(t, "Rate limit exceeded", entries[0].FailureReason)
	assert.Equal(t, "slow down", entries[0].ErrorMessage)
	assert.Empty(t, entries[0].Events)
}

func TestComplete_SecondaryModel(t *testing.T) {
	h := newHarness(t)
	res := h.resources["openai-default"]
	res.SecondaryModels = []models.ModelSelector{groqModel}
	// routing does not apply to secondary models
	res.Routing = &models.Routing{Conditions: []models.RoutingGroup{{
		Operator:   models.OperatorAnd,
		Action:     models.ActionBlock,
		Mode:       models.ModeAdvanced,
		Expression: "{{ true }}",
	}}}

	out, err := h.complete(t, `{"model":"openai-default","vmx":{"secondaryModelIndex":0},"messages":[{"role":"user","content":"hi"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-gq", out.Completion.ID)

	_, err = h.complete(t, `{"model":"openai-default","vmx":{"secondaryModelIndex":3},"messages":[{"role":"user","content":"hi"}]}`)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, 400, apiErr.StatusCode)
	assert.Equal(t, apierr.CodeSecondaryNotFound, apiErr.Code)

	_, err = h.complete(t, helloBody)
	assert.Equal(t, apierr.CodeBlockedByRouting, requireAPIError(t, err).Code)
}

func TestComplete_ResourceOverrides(t *testing.T) {
	h := newHarness(t)

	_, err := h.complete(t, `{"model":"openai-default","vmx":{"resourceConfigOverrides":{"model":{"model":"gpt-4o-mini"}}},"messages":[{"role":"user","content":"hi"}]}`)
	require.NoError(t, err)
	require.Len(t, h.openai.calls, 1)
	assert.Equal(t, models.ModelSelector{Provider: "openai", Model: "gpt-4o-mini", ConnectionID: "oa"}, h.openai.calls[0])

	// a complete model override stands in for a missing resource
	out, err := h.complete(t, `{"model":"scratch","vmx":{"correlationId":"c-9","resourceConfigOverrides":{"model":{"provider":"groq","model":"llama-3.3-70b","connectionId":"gq"}}},"messages":[{"role":"user","content":"hi"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "chatcmpl-gq", out.Completion.ID)
	assert.Equal(t, "c-9", out.Headers[HeaderCorrelationID])
	assert.Equal(t, int64(1), h.usage(t, "scratch", "gq").Requests)

	_, err = h.complete(t, `{"model":"scratch","vmx":{"resourceConfigOverrides":{"useFallback":true}},"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, apierr.CodeResourceNotFound, requireAPIError(t, err).Code)
}

func TestComplete_AllowLists(t *testing.T) {
	h := newHarness(t)

	var req mappers.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(helloBody), &req))
	_, err := h.svc.Complete(context.Background(), Call{
		WorkspaceID:   "ws",
		EnvironmentID: "prod",
		Request:       &req,
		APIKey:        &models.APIKey{APIKeyID: "k1", Resources: []string{"other"}},
	})
	apiErr := requireAPIError(t, err)
	assert.Equal(t, 403, apiErr.StatusCode)
	assert.Equal(t, apierr.CodeKeyResourceDenied, apiErr.Code)
	assert.Equal(t, "k1", h.sink.all()[0].APIKeyID)

	h.conns.conns["oa"].AllowedModels = []string{"gpt-4o-mini"}
	_, err = h.complete(t, helloBody)
	apiErr = requireAPIError(t, err)
	assert.Equal(t, apierr.CodeModelNotAllowed, apiErr.Code)
	assert.Zero(t, h.openai.callCount())
}

func TestComplete_ConnectionCapacityRollsOver(t *testing.T) {
	h := newHarness(t)
	h.conns.conns["oa"].Capacity = []models.CapacityEntry{{Period: models.PeriodMinute, Requests: 1, Enabled: true}}

	_, err := h.complete(t, helloBody)
	require.NoError(t, err)

	_, err = h.complete(t, helloBody)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, 429, apiErr.StatusCode)
	assert.True(t, apiErr.Retryable)
	assert.Equal(t, 30*time.Second, apiErr.RetryDelay)
	assert.Equal(t, 1, h.openai.callCount())

	h.clock.Advance(30 * time.Second)
	_, err = h.complete(t, helloBody)
	require.NoError(t, err)
	assert.Equal(t, 2, h.openai.callCount())
}

func TestComplete_LearnsDiscoveredCapacity(t *testing.T) {
	h := newHarness(t)
	h.openai.respond = func(sel models.ModelSelector) (*upstream.Response, error) {
		return &upstream.Response{Completion: completionFor(sel), Headers: map[string]string{
			"x-ratelimit-limit-requests": "500",
			"x-ratelimit-limit-tokens":   "30000",
		}}, nil
	}

	_, err := h.complete(t, helloBody)
	require.NoError(t, err)
	require.Len(t, h.conns.updates, 1)
	assert.Equal(t, "gpt-4o", h.conns.updates[0].model)
	assert.Equal(t, []models.CapacityEntry{{Period: models.PeriodMinute, Requests: 500, Tokens: 30000, Enabled: true}}, h.conns.updates[0].entries)

	// unchanged limits are not written again
	_, err = h.complete(t, helloBody)
	require.NoError(t, err)
	assert.Len(t, h.conns.updates, 1)

	key := capacity.LedgerKey(capacity.DiscoveredKeyPrefix("ws", "prod", "oa", "gpt-4o"), models.PeriodMinute)
	u, err := h.store.Usage(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Requests)
}

func streamChunk(content string, usage *mappers.Usage) *mappers.ChatCompletionChunk {
	return &mappers.ChatCompletionChunk{
		ID:      "chatcmpl-stream",
		Object:  "chat.completion.chunk",
		Choices: []mappers.ChunkChoice{{Delta: mappers.ChunkDelta{Content: content}}},
		Usage:   usage,
	}
}

func drain(t *testing.T, s upstream.Stream) ([]*mappers.ChatCompletionChunk, error) {
	t.Helper()
	var chunks []*mappers.ChatCompletionChunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestComplete_StreamRecordsOnEnd(t *testing.T) {
	h := newHarness(t)
	h.openai.respond = func(models.ModelSelector) (*upstream.Response, error) {
		return &upstream.Response{Stream: upstream.NewSliceStream(
			streamChunk("he", nil),
			streamChunk("llo", nil),
			streamChunk("", &mappers.Usage{PromptTokens: 8, CompletionTokens: 2, TotalTokens: 10}),
		)}, nil
	}

	res, err := h.complete(t, `{"model":"openai-default","stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	assert.Equal(t, "gpt-4o", res.Headers[HeaderModel])
	assert.Empty(t, h.sink.all())

	chunks, err := drain(t, res.Stream)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		require.NotNil(t, c.VMX)
		assert.NotNil(t, c.VMX.Metrics.TimeToFirstTokenMs)
	}
	require.NoError(t, res.Stream.Close())

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 200, entries[0].StatusCode)
	assert.Equal(t, 2, entries[0].CompletionTokens)
	assert.Equal(t, 3, strings.Count(entries[0].ResponseData, "chatcmpl-stream"))
}

func TestComplete_StreamFailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.openai.respond = func(models.ModelSelector) (*upstream.Response, error) {
		stream := upstream.NewSliceStream(streamChunk("partial", nil)).
			FailWith(apierr.Upstream(502, "", "connection reset"))
		return &upstream.Response{Stream: stream}, nil
	}

	res, err := h.complete(t, `{"model":"openai-default","stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.NoError(t, err)

	chunks, err := drain(t, res.Stream)
	assert.Len(t, chunks, 1)
	apiErr := requireAPIError(t, err)
	assert.Equal(t, 502, apiErr.StatusCode)
	require.NoError(t, res.Stream.Close())

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 502, entries[0].StatusCode)
	assert.Equal(t, "connection reset", entries[0].ErrorMessage)
	assert.Contains(t, entries[0].ResponseData, "partial")
}

func TestComplete_AbortedStreamIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	h.openai.respond = func(models.ModelSelector) (*upstream.Response, error) {
		return &upstream.Response{Stream: upstream.NewSliceStream(streamChunk("loop", nil), streamChunk("loop", nil))}, nil
	}

	res, err := h.complete(t, `{"model":"openai-default","stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	require.NoError(t, err)

	_, err = res.Stream.Recv()
	require.NoError(t, err)
	aborter, ok := res.Stream.(upstream.Aborter)
	require.True(t, ok)
	aborter.Abort(apierr.Upstream(502, "", "Stream aborted: repeated chunk detected"))
	require.NoError(t, res.Stream.Close())

	entries := h.sink.all()
	require.Len(t, entries, 1)
	assert.Equal(t, 502, entries[0].StatusCode)
	assert.Equal(t, "Stream aborted: repeated chunk detected", entries[0].ErrorMessage)
	assert.Equal(t, "External API error", entries[0].FailureReason)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{"model": map[string]any{"provider": "openai", "model": "a"}, "capacity": []any{1, 2}}
	deepMerge(dst, map[string]any{"model": map[string]any{"model": "b"}, "capacity": []any{3}})
	assert.Equal(t, map[string]any{"model": map[string]any{"provider": "openai", "model": "b"}, "capacity": []any{3}}, dst)
}
