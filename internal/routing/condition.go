package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pysugar/completion-gateway/internal/db/models"
)

// matchCondition resolves both sides of a leaf and applies its comparator.
func (e *Engine) matchCondition(ctx context.Context, cond *models.RoutingCondition, vars *Variables) (bool, error) {
	lhs, err := e.resolveExpression(ctx, cond.Expression, vars)
	if err != nil {
		return false, err
	}
	if cond.Comparator == models.ComparatorExists {
		return lhs != "", nil
	}

	rhs := cond.Value.Expression
	if HasTemplate(rhs) {
		if rhs, err = e.evaluator.Render(ctx, rhs, vars); err != nil {
			return false, err
		}
	}
	if rhs == "" {
		return false, nil
	}

	parsed, err := parseValue(cond.Value.Type, rhs)
	if err != nil {
		return false, err
	}

	switch cond.Comparator {
	case models.ComparatorEqual:
		return lhs == rhs, nil
	case models.ComparatorNotEqual:
		return lhs != rhs, nil
	case models.ComparatorContains:
		return strings.Contains(lhs, rhs), nil
	case models.ComparatorNotContains:
		return !strings.Contains(lhs, rhs), nil
	case models.ComparatorStartsWith:
		return strings.HasPrefix(lhs, rhs), nil
	case models.ComparatorEndsWith:
		return strings.HasSuffix(lhs, rhs), nil
	case models.ComparatorPattern:
		re, err := regexp.Compile(rhs)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", rhs, err)
		}
		return re.MatchString(lhs), nil
	case models.ComparatorIn:
		in, ok := member(parsed, lhs)
		return ok && in, nil
	case models.ComparatorNotIn:
		in, ok := member(parsed, lhs)
		return ok && !in, nil
	case models.ComparatorGreaterThan, models.ComparatorGreaterThanOrEqual,
		models.ComparatorLessThan, models.ComparatorLessThanOrEqual:
		return compare(cond.Comparator, cond.Value.Type, lhs, rhs, parsed), nil
	}
	return false, nil
}

func (e *Engine) resolveExpression(ctx context.Context, expr string, vars *Variables) (string, error) {
	if HasTemplate(expr) {
		return e.evaluator.Render(ctx, expr, vars)
	}
	v, ok := Lookup(vars, expr)
	if !ok {
		return "", nil
	}
	return Stringify(v), nil
}

// parseValue coerces the rendered right-hand side to its declared type.
func parseValue(typ models.RoutingValueType, raw string) (any, error) {
	switch typ {
	case models.ValueNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, nil
		}
		return f, nil
	case models.ValueBoolean:
		return raw == "true", nil
	case models.ValueJSONObject, models.ValueJSONArray:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid %s value: %w", typ, err)
		}
		return v, nil
	case models.ValueCommaList:
		parts := strings.Split(raw, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	}
	return raw, nil
}

// member reports whether lhs is an element of list. String elements compare
// directly; objects compare by their JSON encoding. ok is false when the
// value is not a list.
func member(list any, lhs string) (in, ok bool) {
	items, isList := list.([]any)
	if !isList {
		return false, false
	}
	for _, item := range items {
		if Stringify(item) == lhs {
			return true, true
		}
	}
	return false, true
}

// compare orders numerically for NUMBER values and lexicographically
// otherwise. An unparsable number on either side never matches.
func compare(op models.RoutingComparator, typ models.RoutingValueType, lhs, rhs string, parsed any) bool {
	if typ == models.ValueNumber {
		n, ok := parsed.(float64)
		if !ok {
			return false
		}
		l, err := strconv.ParseFloat(strings.TrimSpace(lhs), 64)
		if err != nil {
			return false
		}
		switch op {
		case models.ComparatorGreaterThan:
			return l > n
		case models.ComparatorGreaterThanOrEqual:
			return l >= n
		case models.ComparatorLessThan:
			return l < n
		default:
			return l <= n
		}
	}
	switch op {
	case models.ComparatorGreaterThan:
		return lhs > rhs
	case models.ComparatorGreaterThanOrEqual:
		return lhs >= rhs
	case models.ComparatorLessThan:
		return lhs < rhs
	default:
		return lhs <= rhs
	}
}
