package domain

import (
	"github.com/shopspring/decimal"
)

// Benefit is an itemized fiscal benefit applied by the stacker. For
// contribution sub-taxes the stacking order is fixed: zero-rate first,
// then presumed credit, then ledger-sourced credits. Income-style
// benefits (exemption, reduction) are evaluated independently per item.
type Benefit struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Kind is one of the Benefit* constants.
	Kind string `json:"kind"`

	// SubTax names the contribution the benefit applies to (e.g. "pis",
	// "cofins"). Empty for income-style benefits.
	SubTax string `json:"subTax,omitempty"`

	// Conditions reuse the rule condition vocabulary.
	Conditions []Condition `json:"conditions"`

	// Percent parameterizes presumed-credit and reduction benefits.
	Percent decimal.Decimal `json:"percent"`

	Active bool `json:"active"`
}

// Benefit kinds.
const (
	BenefitZeroRate        = "zero-rate"
	BenefitPresumedCredit  = "presumed-credit"
	BenefitInputCredit     = "input-credit"
	BenefitEnergyCredit    = "energy-credit"
	BenefitFreightCredit   = "freight-credit"
	BenefitPackagingCredit = "packaging-credit"
	BenefitExemption       = "exemption"
	BenefitReduction       = "reduction"
)

// BenefitKinds lists every valid benefit kind.
var BenefitKinds = []string{
	BenefitZeroRate,
	BenefitPresumedCredit,
	BenefitInputCredit,
	BenefitEnergyCredit,
	BenefitFreightCredit,
	BenefitPackagingCredit,
	BenefitExemption,
	BenefitReduction,
}

// ledgerTypeByKind maps ledger-credit benefit kinds to credit-entry types.
var ledgerTypeByKind = map[string]string{
	BenefitInputCredit:     CreditTypeInput,
	BenefitEnergyCredit:    CreditTypeEnergy,
	BenefitFreightCredit:   CreditTypeFreight,
	BenefitPackagingCredit: CreditTypePackaging,
}

// LedgerCreditType returns the credit-ledger tag for a ledger-sourced
// benefit kind, or "" when the kind does not draw from the ledger.
func LedgerCreditType(kind string) string {
	return ledgerTypeByKind[kind]
}
