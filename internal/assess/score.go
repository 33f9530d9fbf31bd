package assess

import (
	"github.com/openfiscal/apura/internal/domain"
)

// Score computes the 0-100 confidence signal for a completed batch. It is
// a heuristic over the run's shape, not a statistical measure: penalties
// for suspicious outcomes, a small bonus for broad rule coverage, clamped
// to the valid range.
func Score(items []*domain.ItemResult, totals domain.Totals) int {
	score := 100

	if len(items) == 0 {
		score -= 40
	}
	if totals.TaxDue.IsZero() {
		score -= 20
	}
	if totals.SubstitutionDue.GreaterThan(totals.TaxDue) {
		score -= 15
	}

	if len(items) > 0 {
		applied := 0
		for _, res := range items {
			if res.Error == "" && len(res.AppliedRules) > 0 {
				applied++
			}
		}
		score += applied * 10 / len(items)
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
