// Package upstream defines the vendor adapter contract and helpers shared by
// adapters: retry-delay parsing, token estimation and SSE decoding.
package upstream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
	"github.com/pysugar/completion-gateway/internal/version"
)

// Provider is implemented once per vendor.
type Provider interface {
	ID() string
	Completion(ctx context.Context, req *mappers.ChatCompletionRequest, conn *models.Connection, model models.ModelSelector) (*Response, error)
	EstimateRequestTokens(req *mappers.ChatCompletionRequest, model models.ModelSelector) int
	EstimateMaxReplyTokens(req *mappers.ChatCompletionRequest, model models.ModelSelector) int
}

// Response carries exactly one of Completion or Stream.
type Response struct {
	Completion *mappers.ChatCompletion
	Stream     Stream
	Headers    map[string]string
}

// IsStream reports whether the adapter returned a chunk stream.
func (r *Response) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Registry maps provider IDs to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.ID())] = p
}

// Get returns the adapter for id or a NotFound error.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, apierr.NotFound(apierr.CodeProviderNotFound, fmt.Sprintf("AI provider %q not found", id))
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserAgent is sent on every outbound vendor and image request.
func UserAgent() string {
	return "completion-gateway/" + version.Version
}
