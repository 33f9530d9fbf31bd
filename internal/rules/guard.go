package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/openfiscal/apura/internal/domain"
)

// newGuardEnv builds the CEL environment for optional rule guards. Guards
// see the item's source fields plus the current base and rate.
func newGuardEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("operation_code", cel.StringType),
		cel.Variable("product_code", cel.StringType),
		cel.Variable("situation_code", cel.StringType),
		cel.Variable("origin_state", cel.StringType),
		cel.Variable("dest_state", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("quantity", cel.DoubleType),
		cel.Variable("base", cel.DoubleType),
		cel.Variable("rate", cel.DoubleType),
	)
}

// compileGuard compiles a guard expression. Guards must return bool.
func compileGuard(env *cel.Env, ruleID, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("rule %s: guard compile failed: %w", ruleID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: guard must return bool, got %s", ruleID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %s: guard program failed: %w", ruleID, err)
	}
	return program, nil
}

// evalGuard runs a compiled guard against the item's current state.
// A runtime evaluation error counts as no-match for that item.
func evalGuard(program cel.Program, res *domain.ItemResult) bool {
	activation := map[string]any{
		"operation_code": res.Item.OperationCode,
		"product_code":   res.Item.ProductCode,
		"situation_code": res.Item.SituationCode,
		"origin_state":   res.Item.OriginState,
		"dest_state":     res.Item.DestState,
		"amount":         res.Item.Amount.InexactFloat64(),
		"quantity":       res.Item.Quantity.InexactFloat64(),
		"base":           res.Base.InexactFloat64(),
		"rate":           res.Rate.InexactFloat64(),
	}

	out, _, err := program.Eval(activation)
	if err != nil {
		return false
	}
	b, ok := out.(types.Bool)
	return ok && bool(b)
}
