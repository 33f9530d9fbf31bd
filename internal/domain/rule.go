package domain

// Rule is a declarative tax rule: when its conditions match a line item,
// its calculations run in declared order against the item's working copy.
type Rule struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`

	Conditions   []Condition   `json:"conditions"`
	Calculations []Calculation `json:"calculations"`

	// Priority orders application, highest first. Ordering is load-bearing:
	// a base-reduction rule must run before a rate rule sees the base.
	// Ties break on rule ID to keep runs deterministic.
	Priority int `json:"priority"`

	Active bool `json:"active"`

	// Source tags provenance: "manual" or "extracted".
	Source string `json:"source"`

	// Confidence is 0-100 for machine-extracted rules. A rule below the
	// configured threshold must never be active.
	Confidence int `json:"confidence"`

	// Guard is an optional CEL predicate compiled at validation time and
	// AND-ed with the conditions. Used mainly by extracted rules.
	Guard string `json:"guard,omitempty"`
}

// Rule kinds (closed set).
const (
	KindReducedBase      = "reduced-base"
	KindPresumedCredit   = "presumed-credit"
	KindProtectionLevy   = "special-protection-levy"
	KindDifferential     = "cross-state-differential"
	KindFixedAssetCredit = "fixed-asset-credit"
	KindSubstitution     = "tax-substitution"
	KindExemption        = "exemption"
)

// RuleKinds lists every valid rule kind.
var RuleKinds = []string{
	KindReducedBase,
	KindPresumedCredit,
	KindProtectionLevy,
	KindDifferential,
	KindFixedAssetCredit,
	KindSubstitution,
	KindExemption,
}

// Rule sources.
const (
	SourceManual    = "manual"
	SourceExtracted = "extracted"
)

// Condition matches one field of a line item against a literal.
type Condition struct {
	// Field is drawn from a fixed vocabulary (see rules package accessors):
	// operation-code, product-code, situation-code, origin-state,
	// dest-state, amount, quantity, base, rate, document.
	Field string `json:"field"`

	// Operator is one of the Op* constants.
	Operator string `json:"operator"`

	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"` // two bounds for between

	// Logic is carried in the model but never read: all conditions are
	// AND-ed and evaluation short-circuits on the first failure. Whether
	// OR support was ever intended is unresolved upstream.
	Logic string `json:"logic,omitempty"`
}

// Condition operators.
const (
	OpEquals     = "eq"
	OpNotEquals  = "neq"
	OpContains   = "contains"
	OpStartsWith = "starts-with"
	OpGreater    = "gt"
	OpLess       = "lt"
	OpBetween    = "between"
)

// Operators lists every valid condition operator.
var Operators = []string{
	OpEquals, OpNotEquals, OpContains, OpStartsWith, OpGreater, OpLess, OpBetween,
}

// Calculation resolves a formula from the catalog and writes its result
// onto the item's working copy.
type Calculation struct {
	// Target is one of the Target* constants.
	Target string `json:"target"`

	// Formula is a catalog key. Unknown keys resolve to zero by contract.
	Formula string `json:"formula"`

	// Params are formula parameters, e.g. {"percent": "18"}.
	Params map[string]string `json:"params,omitempty"`
}

// Calculation targets.
const (
	TargetBase             = "base"
	TargetRate             = "rate"
	TargetCredit           = "credit"
	TargetSubstitutionBase = "substitution-base"
	TargetDifferential     = "differential"
	TargetLevy             = "levy"
)

// Targets lists every valid calculation target.
var Targets = []string{
	TargetBase, TargetRate, TargetCredit, TargetSubstitutionBase, TargetDifferential, TargetLevy,
}
