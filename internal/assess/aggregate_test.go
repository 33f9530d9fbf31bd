package assess

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

func resultWith(id string, taxDue int64, ruleIDs ...string) *domain.ItemResult {
	res := domain.NewItemResult(domain.LineItem{
		ID:     id,
		Amount: decimal.NewFromInt(1000),
	})
	res.TaxDue = decimal.NewFromInt(taxDue)
	res.AppliedRules = ruleIDs
	return res
}

func TestAggregateSumsHealthyItems(t *testing.T) {
	items := []*domain.ItemResult{
		resultWith("i-1", 100, "r-1"),
		resultWith("i-2", 50, "r-1", "r-2"),
	}
	items[0].LevyDue = decimal.NewFromInt(20)
	items[1].LevyDue = decimal.NewFromInt(10)

	totals := Aggregate(items)

	if !totals.Amount.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("expected amount 2000, got %s", totals.Amount)
	}
	if !totals.TaxDue.Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected tax due 150, got %s", totals.TaxDue)
	}
	if !totals.LevyDue.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected levy due 30, got %s", totals.LevyDue)
	}
	if !totals.ByRule["r-1"].Equal(decimal.NewFromInt(150)) {
		t.Errorf("expected r-1 attribution 150, got %s", totals.ByRule["r-1"])
	}
	if !totals.ByRule["r-2"].Equal(decimal.NewFromInt(50)) {
		t.Errorf("expected r-2 attribution 50, got %s", totals.ByRule["r-2"])
	}
}

func TestAggregateExcludesFailedItems(t *testing.T) {
	healthy := resultWith("i-1", 100, "r-1")
	failed := resultWith("i-2", 999, "r-1")
	failed.Error = "calculation failed: boom"

	totals := Aggregate([]*domain.ItemResult{healthy, failed})

	if !totals.TaxDue.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected failed item excluded, got tax due %s", totals.TaxDue)
	}
	if !totals.Amount.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("expected failed item amount excluded, got %s", totals.Amount)
	}
	if CountFailed([]*domain.ItemResult{healthy, failed}) != 1 {
		t.Error("expected one failed item")
	}
}

func TestAggregateEmptyBatch(t *testing.T) {
	totals := Aggregate(nil)
	if !totals.TaxDue.IsZero() || !totals.Amount.IsZero() {
		t.Errorf("expected zero totals, got %+v", totals)
	}
	if totals.ByRule == nil {
		t.Error("expected initialized rule map")
	}
}

func TestScorePenaltiesAndBonus(t *testing.T) {
	// Empty batch: 100 - 40 (empty) - 20 (zero tax) = 40.
	if got := Score(nil, domain.ZeroTotals()); got != 40 {
		t.Errorf("expected empty batch score 40, got %d", got)
	}

	// Healthy batch, every item covered: 100 + 10 = 100 (clamped).
	items := []*domain.ItemResult{resultWith("i-1", 100, "r-1")}
	totals := Aggregate(items)
	if got := Score(items, totals); got != 100 {
		t.Errorf("expected full coverage score 100, got %d", got)
	}

	// Substitution exceeding primary tax loses 15.
	totals.SubstitutionDue = decimal.NewFromInt(500)
	if got := Score(items, totals); got != 95 {
		t.Errorf("expected score 95, got %d", got)
	}
}

func TestScorePartialCoverageBonus(t *testing.T) {
	items := []*domain.ItemResult{
		resultWith("i-1", 100, "r-1"),
		resultWith("i-2", 0),
	}
	totals := Aggregate(items)

	// 100 + (1 of 2 covered => 5 bonus), no penalties.
	if got := Score(items, totals); got != 100 {
		t.Errorf("expected clamped score 100, got %d", got)
	}

	// With zero total tax: 100 - 20 + 5 = 85.
	zeroItems := []*domain.ItemResult{
		resultWith("i-1", 0, "r-1"),
		resultWith("i-2", 0),
	}
	if got := Score(zeroItems, Aggregate(zeroItems)); got != 85 {
		t.Errorf("expected score 85, got %d", got)
	}
}

func TestScoreClampedToRange(t *testing.T) {
	got := Score(nil, domain.ZeroTotals())
	if got < 0 || got > 100 {
		t.Errorf("score %d out of range", got)
	}
}
