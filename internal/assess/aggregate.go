// Package assess orchestrates a full apuração run: rule application,
// benefit stacking, aggregation, levy settlement, and scoring.
package assess

import (
	"github.com/openfiscal/apura/internal/domain"
)

// Aggregate folds item results into period totals. Failed items are
// excluded entirely; their amounts never reach the totals. The per-rule
// breakdown attributes each item's primary tax to every rule that
// touched it.
func Aggregate(items []*domain.ItemResult) domain.Totals {
	totals := domain.ZeroTotals()

	for _, res := range items {
		if res.Error != "" {
			continue
		}

		totals.Amount = totals.Amount.Add(res.Item.Amount)
		totals.Base = totals.Base.Add(res.Base)
		totals.TaxDue = totals.TaxDue.Add(res.TaxDue)
		totals.SubstitutionBase = totals.SubstitutionBase.Add(res.SubstitutionBase)
		totals.SubstitutionDue = totals.SubstitutionDue.Add(res.SubstitutionDue)
		totals.DifferentialDue = totals.DifferentialDue.Add(res.DifferentialDue)
		totals.PresumedCredit = totals.PresumedCredit.Add(res.PresumedCredit)
		totals.LevyDue = totals.LevyDue.Add(res.LevyDue)

		for _, ruleID := range res.AppliedRules {
			totals.ByRule[ruleID] = totals.ByRule[ruleID].Add(res.TaxDue)
		}
	}

	return totals
}

// CountFailed returns how many items carry an error marker.
func CountFailed(items []*domain.ItemResult) int {
	n := 0
	for _, res := range items {
		if res.Error != "" {
			n++
		}
	}
	return n
}
