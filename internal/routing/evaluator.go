package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorRateQuery asks for the error percentage of recent completions.
// Status is "any", "5xx" or an exact status code.
type ErrorRateQuery struct {
	WindowMinutes int
	Status        string
	ConnectionID  string
	Model         string
}

// ErrorRateFunc answers an ErrorRateQuery for the resource being routed.
type ErrorRateFunc func(ctx context.Context, q ErrorRateQuery) (float64, error)

const defaultErrorRateWindow = 10

// Variables is the fixed context every rule expression sees: resource,
// request and tokens, plus the errorRate function.
type Variables struct {
	Resource map[string]any
	Request  map[string]any
	Tokens   map[string]any

	ErrorRate           ErrorRateFunc
	DefaultConnectionID string
	DefaultModel        string
}

func (v *Variables) root() map[string]any {
	return map[string]any{
		"resource": v.Resource,
		"request":  v.Request,
		"tokens":   v.Tokens,
	}
}

func (v *Variables) errorRate(ctx context.Context, q ErrorRateQuery) (float64, error) {
	if v.ErrorRate == nil {
		return 0, nil
	}
	if q.WindowMinutes <= 0 {
		q.WindowMinutes = defaultErrorRateWindow
	}
	if q.Status == "" {
		q.Status = "any"
	}
	if q.ConnectionID == "" {
		q.ConnectionID = v.DefaultConnectionID
	}
	if q.Model == "" {
		q.Model = v.DefaultModel
	}
	return v.ErrorRate(ctx, q)
}

// Evaluator runs rule expressions against Variables.
type Evaluator interface {
	// Eval evaluates a bare expression.
	Eval(ctx context.Context, expr string, vars *Variables) (any, error)
	// Render replaces every {{ expression }} marker in tpl with its value.
	Render(ctx context.Context, tpl string, vars *Variables) (string, error)
}

var templateMarker = regexp.MustCompile(`(?s)\{\{(.*?)\}\}`)

// HasTemplate reports whether s contains a {{ }} marker.
func HasTemplate(s string) bool {
	return templateMarker.MatchString(s)
}

// renderWith expands markers using eval for each embedded expression.
func renderWith(tpl string, eval func(expr string) (any, error)) (string, error) {
	var firstErr error
	out := templateMarker.ReplaceAllStringFunc(tpl, func(marker string) string {
		if firstErr != nil {
			return ""
		}
		expr := strings.TrimSpace(templateMarker.FindStringSubmatch(marker)[1])
		v, err := eval(expr)
		if err != nil {
			firstErr = fmt.Errorf("evaluate %q: %w", expr, err)
			return ""
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Stringify renders values the way templates print them: integral numbers
// without decimals, nil as empty, objects and arrays as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case json.Number:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

var falsyRenders = map[string]bool{"": true, "false": true, "0": true, "null": true, "undefined": true}

// Truthy reports whether a rendered template counts as a match.
func Truthy(rendered string) bool {
	return !falsyRenders[strings.TrimSpace(rendered)]
}
