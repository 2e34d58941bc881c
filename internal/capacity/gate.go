// Package capacity enforces layered rate limits against a shared counter
// store before a completion reaches a vendor.
package capacity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
)

// FailureReasonPool is the failure reason of pool strategy denials.
const FailureReasonPool = "Denied by prioritization gate"

// PoolSource loads the pool definition of an environment. A nil definition
// means the environment has no pools.
type PoolSource interface {
	GetPool(ctx context.Context, workspaceID, environmentID string) (*models.PoolDefinition, error)
}

// Request describes one completion attempt to admit.
type Request struct {
	WorkspaceID    string
	EnvironmentID  string
	Workspace      *models.Workspace
	Resource       *models.Resource
	Connection     *models.Connection
	Model          string
	APIKey         *models.APIKey
	SourceIP       string
	InputTokens    int64
	MaxReplyTokens int64
}

// EstimatedTokens is what a request reserves up front.
func (r *Request) EstimatedTokens() int64 {
	return r.InputTokens + r.MaxReplyTokens
}

// Reservation lists the ledger keys a granted request incremented.
type Reservation struct {
	Keys        []string
	Tokens      int64
	ReplyTokens int64
}

// scope is one enabled capacity entry bound to its ledger key.
type scope struct {
	source    string
	entry     models.CapacityEntry
	key       string
	dimension string
	remaining int64
}

// Gate is the Admission Gate.
type Gate struct {
	store    Store
	pools    PoolSource
	strategy PoolStrategy
	clock    Clock
	logger   *zap.Logger
	onDenial func(source string)
}

func NewGate(store Store, pools PoolSource, logger *zap.Logger) *Gate {
	return &Gate{
		store:    store,
		pools:    pools,
		strategy: ReservationBand{},
		clock:    SystemClock{},
		logger:   logger,
	}
}

func (g *Gate) WithClock(clock Clock) *Gate {
	g.clock = clock
	return g
}

func (g *Gate) WithPoolStrategy(s PoolStrategy) *Gate {
	g.strategy = s
	return g
}

// OnDenial registers a hook called with the scope source of every denial.
func (g *Gate) OnDenial(fn func(source string)) *Gate {
	g.onDenial = fn
	return g
}

// Check admits or rejects req. On success every applicable ledger key has
// been incremented and the returned Reservation must be reconciled once the
// upstream call finishes. Store failures reject the request.
func (g *Gate) Check(ctx context.Context, req Request) (*Reservation, error) {
	now := g.clock.Now()
	tokens := req.EstimatedTokens()
	scopes := g.resolve(req, now)
	logger := g.logger.With(zap.String("resource", req.Resource.Resource), zap.String("connection", req.Connection.ConnectionID))

	usage, err := g.readUsage(ctx, scopes)
	if err != nil {
		return nil, apierr.StoreUnavailable(err)
	}

	for _, s := range scopes {
		if err := checkScope(s, usage[s.key], tokens); err != nil {
			g.denied(s.source)
			logger.Info("Capacity exceeded",
				zap.String("source", s.source),
				zap.String("period", string(s.entry.Period)),
				zap.Int64("requests", usage[s.key].Requests),
				zap.Int64("tokens", usage[s.key].Tokens),
				zap.Int64("estimated_tokens", tokens))
			return nil, err
		}
	}

	if err := g.checkPool(ctx, req, tokens, now); err != nil {
		return nil, err
	}

	res := &Reservation{Tokens: tokens, ReplyTokens: req.MaxReplyTokens}
	var incs []Increment
	seen := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if seen[s.key] {
			continue
		}
		seen[s.key] = true
		incs = append(incs, Increment{Key: s.key, Tokens: tokens, TTL: ttl(s.remaining)})
		res.Keys = append(res.Keys, s.key)
	}
	if len(incs) == 0 {
		return res, nil
	}
	if err := g.store.Increment(ctx, incs); err != nil {
		return nil, apierr.StoreUnavailable(err)
	}
	logger.Debug("Capacity reserved", zap.Strings("keys", res.Keys), zap.Int64("tokens", tokens))
	return res, nil
}

// Reconcile corrects the pessimistic reply reservation down to the reply
// tokens actually produced.
func (g *Gate) Reconcile(ctx context.Context, res *Reservation, completionTokens int64) error {
	if res == nil || len(res.Keys) == 0 {
		return nil
	}
	delta := res.ReplyTokens - completionTokens
	if delta == 0 {
		return nil
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, key := range res.Keys {
		eg.Go(func() error {
			return g.store.ReleaseTokens(ctx, key, delta)
		})
	}
	if err := eg.Wait(); err != nil {
		g.logger.Warn("Failed to reconcile capacity", zap.Strings("keys", res.Keys), zap.Error(err))
		return err
	}
	return nil
}

// resolve lists every enabled entry that applies to req, in enforcement
// order: connection, resource, API key, workspace quota, discovered.
func (g *Gate) resolve(req Request, now time.Time) []scope {
	var (
		scopes []scope
		prefix = ResourceKeyPrefix(req.WorkspaceID, req.EnvironmentID, req.Resource.Resource, req.Connection.ConnectionID)
	)
	add := func(source, base string, entries []models.CapacityEntry) {
		for _, e := range models.EnabledCapacity(entries) {
			p, dim := withDimension(base, e, req.SourceIP)
			scopes = append(scopes, scope{
				source:    source,
				entry:     e,
				key:       LedgerKey(p, e.Period),
				dimension: dim,
				remaining: RemainingSeconds(e.Period, now),
			})
		}
	}

	add(SourceConnection, prefix, req.Connection.Capacity)
	if req.Resource.EnforceCapacity {
		add(SourceResource, prefix, req.Resource.Capacity)
	}
	if req.APIKey != nil && req.APIKey.EnforceCapacity {
		add(SourceAPIKey, prefix, req.APIKey.Capacity)
	}
	if req.Workspace != nil {
		add(SourceQuota, QuotaKeyPrefix(req.WorkspaceID), req.Workspace.Quota)
	}
	add(SourceDiscovered,
		DiscoveredKeyPrefix(req.WorkspaceID, req.EnvironmentID, req.Connection.ConnectionID, req.Model),
		req.Connection.ModelCapacity(req.Model))
	return scopes
}

func (g *Gate) readUsage(ctx context.Context, scopes []scope) (map[string]Usage, error) {
	keys := make([]string, 0, len(scopes))
	seen := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if !seen[s.key] {
			seen[s.key] = true
			keys = append(keys, s.key)
		}
	}

	results := make([]Usage, len(keys))
	eg, ctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		eg.Go(func() error {
			u, err := g.store.Usage(ctx, key)
			results[i] = u
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	usage := make(map[string]Usage, len(keys))
	for i, key := range keys {
		usage[key] = results[i]
	}
	return usage, nil
}

func checkScope(s scope, u Usage, tokens int64) error {
	subject := "Resource"
	if s.dimension != "" && s.entry.Dimension == models.DimensionSourceIP {
		subject = "Source IP " + s.dimension
	}
	delay := time.Duration(s.remaining) * time.Second
	if s.remaining <= 0 {
		delay = 0
	}

	if s.entry.Requests > 0 && u.Requests+1 > s.entry.Requests {
		return apierr.CapacityExceeded(
			fmt.Sprintf("%s has reached the limit of requests, limit: %d at %s level by %s", subject, s.entry.Requests, s.source, s.entry.Period),
			s.source+": Resource has reached the limit of requests",
			delay)
	}
	if s.entry.Tokens > 0 && u.Tokens+tokens > s.entry.Tokens {
		return apierr.CapacityExceeded(
			fmt.Sprintf("%s has reached the limit of tokens, limit: %d at %s level by %s", subject, s.entry.Tokens, s.source, s.entry.Period),
			s.source+": Resource has reached the limit of tokens",
			delay)
	}
	return nil
}

func (g *Gate) checkPool(ctx context.Context, req Request, tokens int64, now time.Time) error {
	if g.pools == nil || g.strategy == nil {
		return nil
	}
	minute, ok := minuteEntry(req.Connection.Capacity)
	if !ok {
		return nil
	}
	pool, err := g.pools.GetPool(ctx, req.WorkspaceID, req.EnvironmentID)
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	entry, ok := pool.EntryForResource(req.Resource.Resource)
	if !ok {
		return nil
	}

	usage := func(ctx context.Context, resource string) (Usage, error) {
		prefix := ResourceKeyPrefix(req.WorkspaceID, req.EnvironmentID, resource, req.Connection.ConnectionID)
		return g.store.Usage(ctx, LedgerKey(prefix, models.PeriodMinute))
	}
	decision, err := g.strategy.Admit(ctx, PoolRequest{
		Pool:     pool,
		Entry:    entry,
		Resource: req.Resource.Resource,
		Capacity: minute,
		Tokens:   tokens,
		Usage:    usage,
	})
	if err != nil {
		return apierr.StoreUnavailable(err)
	}
	if decision.Allowed {
		return nil
	}

	g.denied("Pool")
	g.logger.Info("Denied by prioritization gate",
		zap.String("resource", req.Resource.Resource),
		zap.String("pool", entry.Name),
		zap.String("strategy", g.strategy.Name()),
		zap.String("reason", decision.Reason))
	delay := time.Duration(RemainingSeconds(models.PeriodMinute, now)) * time.Second
	return apierr.CapacityExceeded(decision.Reason, FailureReasonPool, delay)
}

func minuteEntry(entries []models.CapacityEntry) (models.CapacityEntry, bool) {
	for _, e := range entries {
		if e.Enabled && e.Period == models.PeriodMinute {
			return e, true
		}
	}
	return models.CapacityEntry{}, false
}

func (g *Gate) denied(source string) {
	if g.onDenial != nil {
		g.onDenial(source)
	}
}
