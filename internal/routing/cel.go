package routing

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common"
	"github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	programCacheSize = 1024
	errorRatesVar    = "vmx_error_rates"
)

// errorRatesType is the runtime type of the per-evaluation errorRate lookup.
var errorRatesType = cel.OpaqueType("vmx.ErrorRates")

// CELEvaluator evaluates rule expressions as CEL. Checked programs are
// cached per expression; errorRate(...) is rewritten at parse time into a
// call on a lookup supplied with each evaluation.
type CELEvaluator struct {
	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
}

func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.DynType),
		cel.Variable("request", cel.DynType),
		cel.Variable("tokens", cel.DynType),
		cel.Variable(errorRatesVar, errorRatesType),
		cel.Macros(cel.GlobalVarArgMacro("errorRate", expandErrorRate)),
		errorRateFunction(),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routing CEL environment: %w", err)
	}
	programs, err := lru.New[string, cel.Program](programCacheSize)
	if err != nil {
		return nil, err
	}
	return &CELEvaluator{env: env, programs: programs}, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	if prg, ok := e.programs.Get(expr); ok {
		return prg, nil
	}
	checked, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", iss.Err())
	}
	prg, err := e.env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL program: %w", err)
	}
	e.programs.Add(expr, prg)
	return prg, nil
}

func (e *CELEvaluator) Eval(ctx context.Context, expr string, vars *Variables) (any, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"resource":    vars.Resource,
		"request":     vars.Request,
		"tokens":      vars.Tokens,
		errorRatesVar: errorRates{ctx: ctx, vars: vars},
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation failed: %w", err)
	}
	return toNative(out), nil
}

func (e *CELEvaluator) Render(ctx context.Context, tpl string, vars *Variables) (string, error) {
	return renderWith(tpl, func(expr string) (any, error) {
		return e.Eval(ctx, expr, vars)
	})
}

// expandErrorRate turns errorRate(args...) into vmx_error_rates.errorRate(args...).
func expandErrorRate(eh cel.MacroExprFactory, _ ast.Expr, args []ast.Expr) (ast.Expr, *common.Error) {
	return eh.NewMemberCall("errorRate", eh.NewIdent(errorRatesVar), args...), nil
}

// errorRates carries one evaluation's context into errorRate calls.
type errorRates struct {
	ctx  context.Context
	vars *Variables
}

func (r errorRates) ConvertToNative(typeDesc reflect.Type) (any, error) {
	return nil, fmt.Errorf("unsupported conversion of %s to %v", errorRatesType.TypeName(), typeDesc)
}

func (r errorRates) ConvertToType(typeVal ref.Type) ref.Val {
	return types.NewErr("unsupported conversion of %s to %s", errorRatesType.TypeName(), typeVal.TypeName())
}

func (r errorRates) Equal(ref.Val) ref.Val { return types.False }

func (r errorRates) Type() ref.Type { return errorRatesType }

func (r errorRates) Value() any { return r }

// errorRateFunction declares errorRate([window[, status[, connectionId, model]]]).
// status may be an int code or a string ("any", "5xx", "429").
func errorRateFunction() cel.EnvOption {
	binding := cel.FunctionBinding(func(args ...ref.Val) ref.Val {
		rates, ok := args[0].(errorRates)
		if !ok {
			return types.NewErr("errorRate: no error rates bound")
		}
		args = args[1:]
		q := ErrorRateQuery{}
		if len(args) > 0 {
			q.WindowMinutes = int(args[0].(types.Int))
		}
		if len(args) > 1 {
			switch s := args[1].(type) {
			case types.Int:
				q.Status = strconv.FormatInt(int64(s), 10)
			case types.String:
				q.Status = string(s)
			}
		}
		if len(args) > 3 {
			q.ConnectionID = string(args[2].(types.String))
			q.Model = string(args[3].(types.String))
		}
		rate, err := rates.vars.errorRate(rates.ctx, q)
		if err != nil {
			return types.NewErr("errorRate: %v", err)
		}
		return types.Double(rate)
	})

	return cel.Function("errorRate",
		cel.MemberOverload("error_rate", []*cel.Type{errorRatesType}, cel.DoubleType, binding),
		cel.MemberOverload("error_rate_int", []*cel.Type{errorRatesType, cel.IntType}, cel.DoubleType, binding),
		cel.MemberOverload("error_rate_int_int", []*cel.Type{errorRatesType, cel.IntType, cel.IntType}, cel.DoubleType, binding),
		cel.MemberOverload("error_rate_int_string", []*cel.Type{errorRatesType, cel.IntType, cel.StringType}, cel.DoubleType, binding),
		cel.MemberOverload("error_rate_int_int_string_string",
			[]*cel.Type{errorRatesType, cel.IntType, cel.IntType, cel.StringType, cel.StringType}, cel.DoubleType, binding),
		cel.MemberOverload("error_rate_int_string_string_string",
			[]*cel.Type{errorRatesType, cel.IntType, cel.StringType, cel.StringType, cel.StringType}, cel.DoubleType, binding),
	)
}

// toNative unwraps CEL values into plain Go values.
func toNative(v ref.Val) any {
	switch t := v.(type) {
	case types.Null:
		return nil
	case traits.Mapper:
		out := map[string]any{}
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			out[Stringify(toNative(k))] = toNative(t.Get(k))
		}
		return out
	case traits.Lister:
		var out []any
		it := t.Iterator()
		for it.HasNext() == types.True {
			out = append(out, toNative(it.Next()))
		}
		return out
	}
	return v.Value()
}
