package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

// Engine applies a prepared rule set to line items. It holds no per-run
// state: rule sets are prepared per run and passed explicitly, so a run
// never observes another run's rules.
type Engine struct {
	env           *cel.Env
	catalog       *Catalog
	minConfidence int
	maxWorkers    int
}

// PreparedRule is a validated rule with its compiled guard.
type PreparedRule struct {
	Rule  *domain.Rule
	guard cel.Program
}

// Rejection records why a rule was excluded from the active set.
type Rejection struct {
	RuleID string
	Reason string
}

// NewEngine creates a rule engine.
func NewEngine(catalog *Catalog, minConfidence, maxWorkers int) (*Engine, error) {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if maxWorkers <= 0 {
		maxWorkers = 16
	}

	env, err := newGuardEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}

	return &Engine{
		env:           env,
		catalog:       catalog,
		minConfidence: minConfidence,
		maxWorkers:    maxWorkers,
	}, nil
}

// Catalog returns the formula catalog, for registration of extra formulas.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// MinConfidence returns the activation threshold for extracted rules.
func (e *Engine) MinConfidence() int {
	return e.minConfidence
}

// ValidateRule checks a rule's structure, guard, and confidence gate
// without preparing a set. Used by the rule proposal path.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if err := ValidateStructure(rule); err != nil {
		return err
	}
	if rule.Guard != "" {
		if _, err := compileGuard(e.env, rule.ID, rule.Guard); err != nil {
			return err
		}
	}
	if rule.Active && rule.Source == domain.SourceExtracted && rule.Confidence < e.minConfidence {
		return fmt.Errorf("rule %s: confidence %d below activation threshold %d", rule.ID, rule.Confidence, e.minConfidence)
	}
	return nil
}

// Prepare validates, filters, and orders a rule set for one run. Invalid
// or below-threshold rules are rejected individually; the run continues
// with the remainder. The result is sorted by priority descending with
// rule ID breaking ties, which keeps runs deterministic.
func (e *Engine) Prepare(ruleSet []*domain.Rule) ([]*PreparedRule, []Rejection) {
	var prepared []*PreparedRule
	var rejected []Rejection

	for _, rule := range ruleSet {
		if !rule.Active {
			continue
		}
		if err := ValidateStructure(rule); err != nil {
			rejected = append(rejected, Rejection{RuleID: rule.ID, Reason: err.Error()})
			continue
		}
		if rule.Source == domain.SourceExtracted && rule.Confidence < e.minConfidence {
			rejected = append(rejected, Rejection{
				RuleID: rule.ID,
				Reason: fmt.Sprintf("confidence %d below activation threshold %d", rule.Confidence, e.minConfidence),
			})
			continue
		}

		pr := &PreparedRule{Rule: rule}
		if rule.Guard != "" {
			program, err := compileGuard(e.env, rule.ID, rule.Guard)
			if err != nil {
				rejected = append(rejected, Rejection{RuleID: rule.ID, Reason: err.Error()})
				continue
			}
			pr.guard = program
		}
		prepared = append(prepared, pr)
	}

	sort.Slice(prepared, func(i, j int) bool {
		a, b := prepared[i].Rule, prepared[j].Rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	return prepared, rejected
}

// Apply evaluates every item against the prepared rule set. Items are
// independent, so the map phase is parallel, bounded by a semaphore.
// Per-item failures are isolated via the item's error marker.
func (e *Engine) Apply(ctx context.Context, items []domain.LineItem, prepared []*PreparedRule) []*domain.ItemResult {
	results := make([]*domain.ItemResult, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it domain.LineItem) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = e.applyItem(it, prepared)
		}(i, item)
	}

	wg.Wait()

	return results
}

// applyItem runs the sorted rules against one item. Each matched rule sees
// the item's current, possibly already-mutated state; rules are not
// mutually exclusive.
func (e *Engine) applyItem(item domain.LineItem, prepared []*PreparedRule) (res *domain.ItemResult) {
	res = domain.NewItemResult(item)

	defer func() {
		if r := recover(); r != nil {
			res.Error = fmt.Sprintf("calculation failed: %v", r)
		}
	}()

	for _, pr := range prepared {
		if !Matches(res, pr.Rule.Conditions) {
			continue
		}
		if pr.guard != nil && !evalGuard(pr.guard, res) {
			continue
		}

		for _, calc := range pr.Rule.Calculations {
			if calc.Target == domain.TargetRate && res.RateLocked {
				continue
			}
			value := e.catalog.Eval(calc.Formula, res, calc.Params)
			applyTarget(res, calc.Target, value)
		}
		if pr.Rule.Kind == domain.KindExemption && res.Rate.IsZero() {
			res.RateLocked = true
		}
		recompute(res)

		res.AppliedRules = append(res.AppliedRules, pr.Rule.ID)
		res.Observations = append(res.Observations,
			fmt.Sprintf("rule %s (%s) applied: base %s, rate %s%%", pr.Rule.ID, pr.Rule.Name, res.Base, res.Rate))
	}

	return res
}

// applyTarget writes a calculation result onto the working copy.
func applyTarget(res *domain.ItemResult, target string, value decimal.Decimal) {
	switch target {
	case domain.TargetBase:
		res.Base = value
	case domain.TargetRate:
		res.Rate = value
	case domain.TargetCredit:
		res.PresumedCredit = res.PresumedCredit.Add(value)
	case domain.TargetSubstitutionBase:
		res.SubstitutionBase = value
	case domain.TargetDifferential:
		res.DifferentialDue = value
	case domain.TargetLevy:
		res.LevyDue = value
	}
}

// recompute derives the dependent amounts after a rule's calculations ran.
// Substitution due is the marked-up tax net of the item's own tax, floored
// at zero.
func recompute(res *domain.ItemResult) {
	res.TaxDue = res.Base.Mul(res.Rate).Div(hundred)
	if res.SubstitutionBase.IsPositive() {
		due := res.SubstitutionBase.Mul(res.Rate).Div(hundred).Sub(res.TaxDue)
		if due.IsNegative() {
			due = decimal.Zero
		}
		res.SubstitutionDue = due
	}
}

// ValidateStructure checks a rule's shape against the closed vocabularies.
// It does not touch the guard or the confidence gate.
func ValidateStructure(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("rule is required")
	}
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !contains(domain.RuleKinds, rule.Kind) {
		return fmt.Errorf("rule %s: unknown kind %q", rule.ID, rule.Kind)
	}
	if rule.Confidence < 0 || rule.Confidence > 100 {
		return fmt.Errorf("rule %s: confidence %d out of range", rule.ID, rule.Confidence)
	}
	if len(rule.Calculations) == 0 {
		return fmt.Errorf("rule %s: at least one calculation is required", rule.ID)
	}

	for i, cond := range rule.Conditions {
		if !KnownField(cond.Field) {
			return fmt.Errorf("rule %s: condition %d: unknown field %q", rule.ID, i, cond.Field)
		}
		if !contains(domain.Operators, cond.Operator) {
			return fmt.Errorf("rule %s: condition %d: unknown operator %q", rule.ID, i, cond.Operator)
		}
		if cond.Operator == domain.OpBetween && len(cond.Values) != 2 {
			return fmt.Errorf("rule %s: condition %d: between requires exactly two bounds", rule.ID, i)
		}
	}

	for i, calc := range rule.Calculations {
		if !contains(domain.Targets, calc.Target) {
			return fmt.Errorf("rule %s: calculation %d: unknown target %q", rule.ID, i, calc.Target)
		}
		if calc.Formula == "" {
			return fmt.Errorf("rule %s: calculation %d: formula key is required", rule.ID, i)
		}
	}

	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
