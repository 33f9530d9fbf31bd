// Package rules provides the fiscal rule evaluation engine: condition
// matching over a fixed field vocabulary, a registered formula catalog,
// priority-ordered rule application, and benefit stacking.
package rules

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

// fieldValue is the resolved value of a condition field. Numeric fields
// carry both a decimal and their string form.
type fieldValue struct {
	str     string
	num     decimal.Decimal
	numeric bool
}

func stringField(s string) fieldValue {
	return fieldValue{str: s}
}

func numericField(d decimal.Decimal) fieldValue {
	return fieldValue{str: d.String(), num: d, numeric: true}
}

// emptyField is what unknown condition fields resolve to. String operators
// run against the empty string, so equality and prefix tests fail for any
// nonempty value while not-equals passes; numeric operators never match.
var emptyField = fieldValue{}

// accessor resolves a condition field against the item's current working
// state. Rate and base accessors see mutations made by earlier rules.
type accessor func(*domain.ItemResult) fieldValue

// fieldAccessors is the fixed field vocabulary. Unknown fields resolve to
// emptyField.
var fieldAccessors = map[string]accessor{
	"operation-code": func(r *domain.ItemResult) fieldValue { return stringField(r.Item.OperationCode) },
	"product-code":   func(r *domain.ItemResult) fieldValue { return stringField(r.Item.ProductCode) },
	"situation-code": func(r *domain.ItemResult) fieldValue { return stringField(r.Item.SituationCode) },
	"origin-state":   func(r *domain.ItemResult) fieldValue { return stringField(r.Item.OriginState) },
	"dest-state":     func(r *domain.ItemResult) fieldValue { return stringField(r.Item.DestState) },
	"document":       func(r *domain.ItemResult) fieldValue { return stringField(r.Item.DocumentRef) },
	"amount":         func(r *domain.ItemResult) fieldValue { return numericField(r.Item.Amount) },
	"quantity":       func(r *domain.ItemResult) fieldValue { return numericField(r.Item.Quantity) },
	"base":           func(r *domain.ItemResult) fieldValue { return numericField(r.Base) },
	"rate":           func(r *domain.ItemResult) fieldValue { return numericField(r.Rate) },
}

// ConditionFields lists the valid condition field names.
func ConditionFields() []string {
	fields := make([]string, 0, len(fieldAccessors))
	for f := range fieldAccessors {
		fields = append(fields, f)
	}
	return fields
}

// KnownField reports whether a field name is in the vocabulary.
func KnownField(name string) bool {
	_, ok := fieldAccessors[name]
	return ok
}

// Matches evaluates a condition list against the item's current state.
// All conditions are AND-ed regardless of the per-condition Logic field,
// and evaluation short-circuits on the first failure.
func Matches(res *domain.ItemResult, conditions []domain.Condition) bool {
	for _, cond := range conditions {
		if !matchOne(res, cond) {
			return false
		}
	}
	return true
}

func matchOne(res *domain.ItemResult, cond domain.Condition) bool {
	fv := emptyField
	if acc, ok := fieldAccessors[cond.Field]; ok {
		fv = acc(res)
	}

	switch cond.Operator {
	case domain.OpEquals:
		return valueEquals(fv, cond.Value)
	case domain.OpNotEquals:
		return !valueEquals(fv, cond.Value)
	case domain.OpContains:
		return strings.Contains(fv.str, cond.Value)
	case domain.OpStartsWith:
		return strings.HasPrefix(fv.str, cond.Value)
	case domain.OpGreater:
		bound, ok := asDecimal(cond.Value)
		return ok && fv.numeric && fv.num.GreaterThan(bound)
	case domain.OpLess:
		bound, ok := asDecimal(cond.Value)
		return ok && fv.numeric && fv.num.LessThan(bound)
	case domain.OpBetween:
		if len(cond.Values) != 2 || !fv.numeric {
			return false
		}
		lo, okLo := asDecimal(cond.Values[0])
		hi, okHi := asDecimal(cond.Values[1])
		if !okLo || !okHi {
			return false
		}
		return fv.num.GreaterThanOrEqual(lo) && fv.num.LessThanOrEqual(hi)
	default:
		return false
	}
}

// valueEquals compares numerically when both sides parse as numbers, so
// "18.0" equals "18"; otherwise it falls back to string identity.
func valueEquals(fv fieldValue, literal string) bool {
	if fv.numeric {
		if bound, ok := asDecimal(literal); ok {
			return fv.num.Equal(bound)
		}
	}
	return fv.str == literal
}

func asDecimal(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
