package rules

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

func contributionItem() *domain.ItemResult {
	return domain.NewItemResult(domain.LineItem{
		ID:            "item-1",
		OperationCode: "5102",
		ProductCode:   "84713012",
		Amount:        decimal.NewFromInt(1000),
	})
}

func TestStackerComputesContribution(t *testing.T) {
	stacker := NewStacker(nil)

	presumed := &domain.Benefit{
		ID:      "b-presumed",
		Kind:    domain.BenefitPresumedCredit,
		SubTax:  "cofins",
		Percent: decimal.NewFromInt(50),
		Active:  true,
	}

	res := contributionItem()
	stacker.Apply([]*domain.ItemResult{res}, []*domain.Benefit{presumed}, nil)

	contrib := res.Contributions["cofins"]
	if contrib == nil {
		t.Fatal("expected cofins contribution to be computed")
	}
	if !contrib.Base.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected contribution base 1000, got %s", contrib.Base)
	}
	// 1000 * 7.6% = 76, halved by the presumed credit.
	if !contrib.Due.Equal(decimal.NewFromInt(38)) {
		t.Errorf("expected due 38 after presumed credit, got %s", contrib.Due)
	}
	if len(contrib.Credits) != 1 || !contrib.Credits[0].Amount.Equal(decimal.NewFromInt(38)) {
		t.Errorf("expected a single presumed credit of 38, got %+v", contrib.Credits)
	}
}

func TestStackerZeroRateRunsBeforeOtherBenefits(t *testing.T) {
	stacker := NewStacker(nil)

	benefits := []*domain.Benefit{
		{
			ID:      "b-presumed",
			Kind:    domain.BenefitPresumedCredit,
			SubTax:  "pis",
			Percent: decimal.NewFromInt(50),
			Active:  true,
		},
		{
			ID:     "b-zero",
			Kind:   domain.BenefitZeroRate,
			SubTax: "pis",
			Active: true,
		},
	}

	res := contributionItem()
	stacker.Apply([]*domain.ItemResult{res}, benefits, nil)

	contrib := res.Contributions["pis"]
	if contrib == nil {
		t.Fatal("expected pis contribution")
	}
	if !contrib.Rate.IsZero() || !contrib.Due.IsZero() {
		t.Errorf("expected zero rate and due, got rate %s due %s", contrib.Rate, contrib.Due)
	}

	// The foregone amount (1000 * 1.65% = 16.5) is recorded once by the
	// zero-rate benefit; the presumed credit over a zero due records
	// nothing.
	if len(contrib.Credits) != 1 {
		t.Fatalf("expected exactly one credit, got %+v", contrib.Credits)
	}
	if contrib.Credits[0].Type != domain.CreditTypeZeroRate {
		t.Errorf("expected zero-rate credit type, got %s", contrib.Credits[0].Type)
	}
	if !contrib.Credits[0].Amount.Equal(decimal.RequireFromString("16.5")) {
		t.Errorf("expected foregone 16.5, got %s", contrib.Credits[0].Amount)
	}
}

func TestStackerLedgerCreditsExactTagAndOrder(t *testing.T) {
	stacker := NewStacker(nil)

	benefits := []*domain.Benefit{
		{ID: "b-energy", Kind: domain.BenefitEnergyCredit, SubTax: "cofins", Active: true},
		{ID: "b-input", Kind: domain.BenefitInputCredit, SubTax: "cofins", Active: true},
	}

	ledger := []*domain.CreditEntry{
		{ID: "l-1", Type: domain.CreditTypeInput, SubTax: "cofins", Amount: decimal.NewFromInt(10)},
		{ID: "l-2", Type: domain.CreditTypeInput, SubTax: "cofins", Amount: decimal.NewFromInt(5)},
		{ID: "l-3", Type: domain.CreditTypeEnergy, SubTax: "cofins", Amount: decimal.NewFromInt(20)},
		// Wrong sub-tax tag: must not be picked up.
		{ID: "l-4", Type: domain.CreditTypeInput, SubTax: "pis", Amount: decimal.NewFromInt(99)},
	}

	res := contributionItem()
	stacker.Apply([]*domain.ItemResult{res}, benefits, ledger)

	contrib := res.Contributions["cofins"]
	if contrib == nil {
		t.Fatal("expected cofins contribution")
	}
	// 1000 * 7.6% = 76, minus input 15, minus energy 20.
	if !contrib.Due.Equal(decimal.NewFromInt(41)) {
		t.Errorf("expected due 41, got %s", contrib.Due)
	}

	if len(contrib.Credits) != 2 {
		t.Fatalf("expected 2 credits, got %+v", contrib.Credits)
	}
	// Fixed stacking order: input before energy.
	if contrib.Credits[0].Type != domain.CreditTypeInput || !contrib.Credits[0].Amount.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected input credit 15 first, got %+v", contrib.Credits[0])
	}
	if contrib.Credits[1].Type != domain.CreditTypeEnergy || !contrib.Credits[1].Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected energy credit 20 second, got %+v", contrib.Credits[1])
	}
}

func TestStackerDueFlooredAtZero(t *testing.T) {
	stacker := NewStacker(nil)

	benefits := []*domain.Benefit{
		{ID: "b-input", Kind: domain.BenefitInputCredit, SubTax: "pis", Active: true},
	}
	ledger := []*domain.CreditEntry{
		{ID: "l-1", Type: domain.CreditTypeInput, SubTax: "pis", Amount: decimal.NewFromInt(1000)},
	}

	res := contributionItem()
	stacker.Apply([]*domain.ItemResult{res}, benefits, ledger)

	contrib := res.Contributions["pis"]
	if contrib == nil {
		t.Fatal("expected pis contribution")
	}
	if !contrib.Due.IsZero() {
		t.Errorf("expected due floored at zero, got %s", contrib.Due)
	}
}

func TestStackerZeroCreditNotRecorded(t *testing.T) {
	stacker := NewStacker(nil)

	// An empty ledger yields a zero input credit, which must be omitted.
	benefits := []*domain.Benefit{
		{ID: "b-input", Kind: domain.BenefitInputCredit, SubTax: "pis", Active: true},
	}

	res := contributionItem()
	stacker.Apply([]*domain.ItemResult{res}, benefits, nil)

	contrib := res.Contributions["pis"]
	if contrib == nil {
		t.Fatal("expected pis contribution")
	}
	if len(contrib.Credits) != 0 {
		t.Errorf("expected no recorded credits for zero amounts, got %+v", contrib.Credits)
	}
	if len(res.Credits) != 0 {
		t.Errorf("expected no item-level credits, got %+v", res.Credits)
	}
}

func TestStackerSkipsInactiveBenefitsAndFailedItems(t *testing.T) {
	stacker := NewStacker(nil)

	inactive := &domain.Benefit{
		ID:     "b-zero",
		Kind:   domain.BenefitZeroRate,
		SubTax: "pis",
		Active: false,
	}

	healthy := contributionItem()
	failed := contributionItem()
	failed.Error = "calculation failed: boom"

	stacker.Apply([]*domain.ItemResult{healthy, failed}, []*domain.Benefit{inactive}, nil)

	if len(healthy.Contributions) != 0 {
		t.Errorf("expected inactive benefit to compute nothing, got %+v", healthy.Contributions)
	}
	if len(failed.Contributions) != 0 {
		t.Errorf("expected failed item to be skipped, got %+v", failed.Contributions)
	}
}

func TestStackerBenefitConditionsFilterItems(t *testing.T) {
	stacker := NewStacker(nil)

	benefits := []*domain.Benefit{
		{
			ID:     "b-zero",
			Kind:   domain.BenefitZeroRate,
			SubTax: "pis",
			Active: true,
			Conditions: []domain.Condition{
				{Field: "product-code", Operator: domain.OpStartsWith, Value: "8471"},
			},
		},
	}

	matching := contributionItem()
	other := domain.NewItemResult(domain.LineItem{
		ID:          "item-2",
		ProductCode: "30049099",
		Amount:      decimal.NewFromInt(1000),
	})

	stacker.Apply([]*domain.ItemResult{matching, other}, benefits, nil)

	if matching.Contributions["pis"] == nil {
		t.Error("expected matching item to receive the benefit")
	}
	if other.Contributions["pis"] != nil {
		t.Error("expected non-matching item to be untouched")
	}
}

func TestIncomeReductionThenExemption(t *testing.T) {
	stacker := NewStacker(nil)

	benefits := []*domain.Benefit{
		{
			ID:      "b-reduce",
			Kind:    domain.BenefitReduction,
			Percent: decimal.NewFromInt(40),
			Active:  true,
		},
		{
			ID:     "b-exempt",
			Kind:   domain.BenefitExemption,
			Active: true,
		},
	}

	res := contributionItem()
	res.Rate = decimal.NewFromInt(18)
	recompute(res)

	stacker.Apply([]*domain.ItemResult{res}, benefits, nil)

	// Reduction shrinks the base first (1000 -> 600), then the exemption
	// zeroes the rate and records the remaining foregone tax.
	if !res.Base.Equal(decimal.NewFromInt(600)) {
		t.Errorf("expected reduced base 600, got %s", res.Base)
	}
	if !res.Rate.IsZero() || !res.TaxDue.IsZero() {
		t.Errorf("expected exempted item, got rate %s due %s", res.Rate, res.TaxDue)
	}
	if !res.RateLocked {
		t.Error("expected exemption to lock the rate")
	}

	if len(res.Credits) != 2 {
		t.Fatalf("expected reduction and exemption credits, got %+v", res.Credits)
	}
	// Reduction saved (1000-600) * 18% = 72; exemption foregone 600 * 18% = 108.
	if res.Credits[0].Type != domain.CreditTypeReduction || !res.Credits[0].Amount.Equal(decimal.NewFromInt(72)) {
		t.Errorf("expected reduction credit 72, got %+v", res.Credits[0])
	}
	if res.Credits[1].Type != domain.CreditTypeExemption || !res.Credits[1].Amount.Equal(decimal.NewFromInt(108)) {
		t.Errorf("expected exemption credit 108, got %+v", res.Credits[1])
	}
}
