// Package ruleset loads seed rule packs from YAML files and feeds them
// into the repository after validation.
package ruleset

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/openfiscal/apura/internal/domain"
	"github.com/openfiscal/apura/internal/rules"
)

// Pack is a versioned bundle of rules and benefits as declared in a
// YAML rule-pack file.
type Pack struct {
	Version  string        `yaml:"version"`
	Rules    []PackRule    `yaml:"rules"`
	Benefits []PackBenefit `yaml:"benefits"`
}

// PackRule mirrors domain.Rule with YAML-friendly field names.
type PackRule struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Kind         string            `yaml:"kind"`
	Conditions   []PackCondition   `yaml:"conditions"`
	Calculations []PackCalculation `yaml:"calculations"`
	Priority     int               `yaml:"priority"`
	Active       bool              `yaml:"active"`
	Source       string            `yaml:"source"`
	Confidence   int               `yaml:"confidence"`
	Guard        string            `yaml:"guard"`
}

// PackCondition mirrors domain.Condition.
type PackCondition struct {
	Field    string   `yaml:"field"`
	Operator string   `yaml:"operator"`
	Value    string   `yaml:"value"`
	Values   []string `yaml:"values"`
	Logic    string   `yaml:"logic"`
}

// PackCalculation mirrors domain.Calculation.
type PackCalculation struct {
	Target  string            `yaml:"target"`
	Formula string            `yaml:"formula"`
	Params  map[string]string `yaml:"params"`
}

// PackBenefit mirrors domain.Benefit. Percent is declared as a string so
// the pack file controls decimal precision exactly.
type PackBenefit struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Kind       string          `yaml:"kind"`
	SubTax     string          `yaml:"subTax"`
	Conditions []PackCondition `yaml:"conditions"`
	Percent    string          `yaml:"percent"`
	Active     bool            `yaml:"active"`
}

// Load reads and parses a rule-pack file.
func Load(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule pack: %w", err)
	}
	return Parse(data)
}

// Parse parses rule-pack YAML.
func Parse(data []byte) (*Pack, error) {
	var pack Pack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("failed to parse rule pack: %w", err)
	}
	if pack.Version == "" {
		return nil, fmt.Errorf("%w: rule pack version is required", domain.ErrInvalidInput)
	}
	return &pack, nil
}

// Rule converts a pack rule to its domain form.
func (r *PackRule) Rule() *domain.Rule {
	rule := &domain.Rule{
		ID:         r.ID,
		Name:       r.Name,
		Kind:       r.Kind,
		Priority:   r.Priority,
		Active:     r.Active,
		Source:     r.Source,
		Confidence: r.Confidence,
		Guard:      r.Guard,
	}
	if rule.Source == "" {
		rule.Source = domain.SourceManual
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, domain.Condition{
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
			Values:   c.Values,
			Logic:    c.Logic,
		})
	}
	for _, c := range r.Calculations {
		rule.Calculations = append(rule.Calculations, domain.Calculation{
			Target:  c.Target,
			Formula: c.Formula,
			Params:  c.Params,
		})
	}
	return rule
}

// Benefit converts a pack benefit to its domain form.
func (b *PackBenefit) Benefit() (*domain.Benefit, error) {
	benefit := &domain.Benefit{
		ID:     b.ID,
		Name:   b.Name,
		Kind:   b.Kind,
		SubTax: b.SubTax,
		Active: b.Active,
	}
	if b.Percent != "" {
		percent, err := decimal.NewFromString(b.Percent)
		if err != nil {
			return nil, fmt.Errorf("benefit %s: invalid percent %q: %w", b.ID, b.Percent, err)
		}
		benefit.Percent = percent
	}
	for _, c := range b.Conditions {
		benefit.Conditions = append(benefit.Conditions, domain.Condition{
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
			Values:   c.Values,
			Logic:    c.Logic,
		})
	}
	return benefit, nil
}

// Seeder validates pack contents and writes them to the repository.
type Seeder struct {
	repo   domain.Repository
	engine *rules.Engine
}

// NewSeeder creates a pack seeder.
func NewSeeder(repo domain.Repository, engine *rules.Engine) *Seeder {
	return &Seeder{repo: repo, engine: engine}
}

// SeedResult reports what a seeding run wrote.
type SeedResult struct {
	RuleCount    int
	BenefitCount int
}

// Seed validates every entry in the pack and saves it for the taxpayer.
// Validation is all-or-nothing: a single malformed entry rejects the
// whole pack before anything is written.
func (s *Seeder) Seed(ctx context.Context, taxpayerID string, pack *Pack) (*SeedResult, error) {
	if taxpayerID == "" {
		return nil, fmt.Errorf("%w: taxpayerID is required", domain.ErrInvalidInput)
	}

	domainRules := make([]*domain.Rule, 0, len(pack.Rules))
	for _, pr := range pack.Rules {
		rule := pr.Rule()
		if err := s.engine.ValidateRule(rule); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		domainRules = append(domainRules, rule)
	}

	domainBenefits := make([]*domain.Benefit, 0, len(pack.Benefits))
	for _, pb := range pack.Benefits {
		benefit, err := pb.Benefit()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		if err := validateBenefit(benefit); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		domainBenefits = append(domainBenefits, benefit)
	}

	for _, rule := range domainRules {
		if err := s.repo.SaveRule(ctx, taxpayerID, rule); err != nil {
			return nil, fmt.Errorf("failed to save rule %s: %w", rule.ID, err)
		}
	}
	for _, benefit := range domainBenefits {
		if err := s.repo.SaveBenefit(ctx, taxpayerID, benefit); err != nil {
			return nil, fmt.Errorf("failed to save benefit %s: %w", benefit.ID, err)
		}
	}

	slog.Info("rule pack seeded",
		"taxpayer_id", taxpayerID,
		"version", pack.Version,
		"rule_count", len(domainRules),
		"benefit_count", len(domainBenefits),
	)

	return &SeedResult{
		RuleCount:    len(domainRules),
		BenefitCount: len(domainBenefits),
	}, nil
}

// SeedFile loads a pack from disk and seeds it.
func (s *Seeder) SeedFile(ctx context.Context, taxpayerID string, path string) (*SeedResult, error) {
	pack, err := Load(path)
	if err != nil {
		return nil, err
	}
	return s.Seed(ctx, taxpayerID, pack)
}

func validateBenefit(b *domain.Benefit) error {
	if b.ID == "" {
		return fmt.Errorf("benefit id is required")
	}
	valid := false
	for _, kind := range domain.BenefitKinds {
		if b.Kind == kind {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("benefit %s: unknown kind %q", b.ID, b.Kind)
	}
	for i, cond := range b.Conditions {
		if !rules.KnownField(cond.Field) {
			return fmt.Errorf("benefit %s: condition %d: unknown field %q", b.ID, i, cond.Field)
		}
	}
	return nil
}
