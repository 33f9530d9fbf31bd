package domain

import (
	"github.com/shopspring/decimal"
)

// LineItem is one fiscal operation unit extracted from a source document
// (invoice or bookkeeping file) by an upstream parser. Items are immutable
// once produced; the engine derives assessed fields onto an ItemResult.
type LineItem struct {
	ID          string `json:"id"`
	DocumentRef string `json:"documentRef"`

	// Classification codes
	OperationCode string `json:"operationCode"` // CFOP, 4 digits
	ProductCode   string `json:"productCode"`   // NCM, 8 digits
	SituationCode string `json:"situationCode"` // CST

	// Jurisdictions
	OriginState string `json:"originState"`
	DestState   string `json:"destState"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Discount decimal.Decimal `json:"discount"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ItemResult is the working copy of a LineItem during a run. All derived
// fields live here; the source item is never touched.
type ItemResult struct {
	Item LineItem `json:"item"`

	// Primary tax (ICMS-style)
	Base   decimal.Decimal `json:"base"`
	Rate   decimal.Decimal `json:"rate"` // percent
	TaxDue decimal.Decimal `json:"taxDue"`

	// Derived levies
	SubstitutionBase decimal.Decimal `json:"substitutionBase"`
	SubstitutionDue  decimal.Decimal `json:"substitutionDue"`
	DifferentialDue  decimal.Decimal `json:"differentialDue"`
	LevyDue          decimal.Decimal `json:"levyDue"` // protection levy debit

	// Benefits
	PresumedCredit decimal.Decimal `json:"presumedCredit"`

	// Contribution sub-taxes (PIS/COFINS-style), keyed by sub-tax name.
	Contributions map[string]*ContributionResult `json:"contributions,omitempty"`

	// Itemized benefit credits, recorded only when strictly positive.
	Credits []CreditApplication `json:"credits,omitempty"`

	// Provenance
	AppliedRules []string `json:"appliedRules,omitempty"`
	Observations []string `json:"observations,omitempty"`

	// Error marker. A non-empty value isolates the item: it is kept in the
	// run output but excluded from Totals.
	Error string `json:"error,omitempty"`

	// RateLocked is set once an exemption or zero-rate override fires.
	// A locked rate survives later rate-setting rules.
	RateLocked bool `json:"-"`
}

// ContributionResult holds the per-sub-tax outcome of benefit stacking.
type ContributionResult struct {
	SubTax  string              `json:"subTax"`
	Base    decimal.Decimal     `json:"base"`
	Rate    decimal.Decimal     `json:"rate"` // percent
	Due     decimal.Decimal     `json:"due"`
	Credits []CreditApplication `json:"credits,omitempty"`
}

// CreditApplication records a single applied benefit credit.
type CreditApplication struct {
	Type     string          `json:"type"` // see CreditType* constants
	SubTax   string          `json:"subTax,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	SourceID string          `json:"sourceId,omitempty"` // benefit or rule id
}

// Credit types applied by the benefit stacker, in stacking order.
const (
	CreditTypeZeroRate  = "zero-rate"
	CreditTypePresumed  = "presumed"
	CreditTypeInput     = "input"
	CreditTypeEnergy    = "energy"
	CreditTypeFreight   = "freight"
	CreditTypePackaging = "packaging"
	CreditTypeExemption = "exemption"
	CreditTypeReduction = "reduction"
)

// LedgerCreditOrder is the fixed application order for ledger-sourced credits.
var LedgerCreditOrder = []string{
	CreditTypeInput,
	CreditTypeEnergy,
	CreditTypeFreight,
	CreditTypePackaging,
}

// CreditEntry is one row of the auxiliary credit ledger, tagged by credit
// type and sub-tax. Entries are matched by exact tag only.
type CreditEntry struct {
	ID         string          `json:"id"`
	TaxpayerID string          `json:"taxpayerId"`
	Period     string          `json:"period"`
	Type       string          `json:"type"`
	SubTax     string          `json:"subTax"`
	Amount     decimal.Decimal `json:"amount"`
	Label      string          `json:"label,omitempty"`
}

// NewItemResult starts a working copy with the base defaulted to the
// discounted operation amount.
func NewItemResult(item LineItem) *ItemResult {
	return &ItemResult{
		Item: item,
		Base: item.Amount.Sub(item.Discount),
	}
}

// NetAmount returns the operation amount net of discounts.
func (li LineItem) NetAmount() decimal.Decimal {
	return li.Amount.Sub(li.Discount)
}
