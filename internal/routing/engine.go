// Package routing evaluates a resource's rule tree to decide whether a
// request is blocked or served by a different model than the resource's
// primary one.
package routing

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/pysugar/completion-gateway/internal/apierr"
	"github.com/pysugar/completion-gateway/internal/db/models"
	"github.com/pysugar/completion-gateway/internal/proxy/mappers"
)

// Input is everything one evaluation needs.
type Input struct {
	Resource    *models.Resource
	Request     *mappers.ChatCompletionRequest
	InputTokens int
	ErrorRate   ErrorRateFunc
}

// Match is the first group that matched and the model it routes to.
type Match struct {
	Model models.ModelSelector
	Group *models.RoutingGroup
}

type Engine struct {
	evaluator Evaluator
	logger    *zap.Logger
	rand      func() float64
}

func NewEngine(evaluator Evaluator, logger *zap.Logger) *Engine {
	return &Engine{evaluator: evaluator, logger: logger, rand: rand.Float64}
}

// WithRand replaces the traffic draw source; r must return values in [0, 1).
func (e *Engine) WithRand(r func() float64) *Engine {
	e.rand = r
	return e
}

// Evaluate scans groups in declared order and stops at the first one that
// matches and passes its traffic draw. A nil Match means the primary model
// stands. A matching BLOCK group returns a non-retryable Blocked error.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Match, error) {
	routing := in.Resource.Routing
	if !routing.IsEnabled() || len(routing.Conditions) == 0 {
		return nil, nil
	}

	start := time.Now()
	logger := e.logger.With(zap.String("resource", in.Resource.Resource))
	logger.Debug("Evaluating routing conditions")

	vars, err := BuildVariables(in.Resource, in.Request, in.InputTokens)
	if err != nil {
		return nil, apierr.Internal("", "Failed to build routing context").WithCause(err)
	}
	vars.ErrorRate = in.ErrorRate

	for i := range routing.Conditions {
		group := &routing.Conditions[i]
		if !group.IsEnabled() {
			continue
		}

		matched, err := e.matchGroup(ctx, group, vars)
		if err != nil {
			logger.Warn("Routing group evaluation failed, skipping",
				zap.String("group", group.ID),
				zap.String("description", group.Description),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		logger.Info("Routing condition matched",
			zap.String("group", group.ID),
			zap.String("action", string(group.Action)),
			zap.Duration("duration", time.Since(start)))

		if group.Action == models.ActionBlock {
			return nil, apierr.Blocked(group.Description)
		}
		if group.Then == nil {
			logger.Warn("Matched routing group has no target model", zap.String("group", group.ID))
			continue
		}
		if t := group.Then.Traffic; t != nil && e.rand() >= *t/100 {
			continue
		}
		return &Match{Model: group.Then.ModelSelector, Group: group}, nil
	}

	logger.Debug("No routing condition matched", zap.Duration("duration", time.Since(start)))
	return nil, nil
}

func (e *Engine) matchGroup(ctx context.Context, group *models.RoutingGroup, vars *Variables) (bool, error) {
	if group.Mode == models.ModeAdvanced {
		return e.matchAdvanced(ctx, group.Expression, vars)
	}
	return e.matchTree(ctx, group, vars)
}

// matchAdvanced accepts either a {{ }} template or a bare expression.
func (e *Engine) matchAdvanced(ctx context.Context, expr string, vars *Variables) (bool, error) {
	if HasTemplate(expr) {
		out, err := e.evaluator.Render(ctx, expr, vars)
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	}
	if expr == "" {
		return false, nil
	}
	v, err := e.evaluator.Eval(ctx, expr, vars)
	if err != nil {
		return false, err
	}
	return Truthy(Stringify(v)), nil
}

// matchTree evaluates UI-mode groups. Disabled nested groups are skipped;
// an AND with no enabled children matches, an OR with none does not.
func (e *Engine) matchTree(ctx context.Context, group *models.RoutingGroup, vars *Variables) (bool, error) {
	and := group.Operator == models.OperatorAnd
	if !and && group.Operator != models.OperatorOr {
		return false, nil
	}
	for _, node := range group.Conditions {
		var (
			ok  bool
			err error
		)
		switch {
		case node.Group != nil:
			if !node.Group.IsEnabled() {
				continue
			}
			ok, err = e.matchTree(ctx, node.Group, vars)
		case node.Condition != nil:
			ok, err = e.matchCondition(ctx, node.Condition, vars)
		default:
			continue
		}
		if err != nil {
			return false, err
		}
		if and && !ok {
			return false, nil
		}
		if !and && ok {
			return true, nil
		}
	}
	return and, nil
}
