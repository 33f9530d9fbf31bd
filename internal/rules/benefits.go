package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

// Stacker applies itemized fiscal benefits for contribution sub-taxes
// (two federal contributions computed from the same base) and for
// income-style exemption/reduction benefits.
//
// The contribution stacking order is fixed per sub-tax: a matched
// zero-rate benefit forces the rate to 0 before any other benefit runs;
// a presumed credit is a percentage of the already-computed contribution,
// subtracted from it; ledger-sourced credits (input, energy, freight,
// packaging) are absolute amounts summed from the credit ledger by exact
// (type, sub-tax) tag and subtracted independently in that order. A credit
// is recorded only when strictly positive.
type Stacker struct {
	// rates maps a sub-tax name to its default percentage rate.
	rates map[string]decimal.Decimal
}

// DefaultSubTaxRates are the standard non-cumulative contribution rates.
func DefaultSubTaxRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"pis":    decimal.RequireFromString("1.65"),
		"cofins": decimal.RequireFromString("7.6"),
	}
}

// NewStacker creates a benefit stacker with per-sub-tax rates.
func NewStacker(rates map[string]decimal.Decimal) *Stacker {
	if len(rates) == 0 {
		rates = DefaultSubTaxRates()
	}
	return &Stacker{rates: rates}
}

// Apply stacks benefits over every non-failed item. Ledger entries feed
// the absolute credits; benefits carry the matching conditions.
func (s *Stacker) Apply(items []*domain.ItemResult, benefits []*domain.Benefit, ledger []*domain.CreditEntry) {
	if len(benefits) == 0 {
		return
	}

	active := make([]*domain.Benefit, 0, len(benefits))
	for _, b := range benefits {
		if b.Active {
			active = append(active, b)
		}
	}
	if len(active) == 0 {
		return
	}

	ledgerSums := sumLedger(ledger)

	for _, res := range items {
		if res.Error != "" {
			continue
		}
		s.applyContributions(res, active, ledgerSums)
		s.applyIncomeBenefits(res, active)
	}
}

// applyContributions computes each sub-tax from the item's net amount and
// stacks its benefits in the fixed order.
func (s *Stacker) applyContributions(res *domain.ItemResult, benefits []*domain.Benefit, ledgerSums map[ledgerKey]decimal.Decimal) {
	for subTax, rate := range s.rates {
		matched := matchedBenefits(res, benefits, subTax)
		if len(matched) == 0 {
			continue
		}

		if res.Contributions == nil {
			res.Contributions = make(map[string]*domain.ContributionResult)
		}
		contrib := res.Contributions[subTax]
		if contrib == nil {
			base := res.Item.NetAmount()
			contrib = &domain.ContributionResult{
				SubTax: subTax,
				Base:   base,
				Rate:   rate,
				Due:    base.Mul(rate).Div(hundred),
			}
			res.Contributions[subTax] = contrib
		}

		// 1. Zero-rate override runs before everything else.
		for _, b := range matched {
			if b.Kind != domain.BenefitZeroRate {
				continue
			}
			foregone := contrib.Due
			contrib.Rate = decimal.Zero
			contrib.Due = decimal.Zero
			recordCredit(res, contrib, domain.CreditApplication{
				Type:     domain.CreditTypeZeroRate,
				SubTax:   subTax,
				Amount:   foregone,
				SourceID: b.ID,
			})
			break
		}

		// 2. Presumed credit over the already-computed contribution.
		for _, b := range matched {
			if b.Kind != domain.BenefitPresumedCredit {
				continue
			}
			credit := contrib.Due.Mul(b.Percent).Div(hundred)
			contrib.Due = contrib.Due.Sub(credit)
			recordCredit(res, contrib, domain.CreditApplication{
				Type:     domain.CreditTypePresumed,
				SubTax:   subTax,
				Amount:   credit,
				SourceID: b.ID,
			})
		}

		// 3. Ledger credits, each subtracted independently in fixed order.
		for _, creditType := range domain.LedgerCreditOrder {
			b := benefitForLedgerType(matched, creditType)
			if b == nil {
				continue
			}
			amount := ledgerSums[ledgerKey{creditType, subTax}]
			contrib.Due = contrib.Due.Sub(amount)
			recordCredit(res, contrib, domain.CreditApplication{
				Type:     creditType,
				SubTax:   subTax,
				Amount:   amount,
				SourceID: b.ID,
			})
		}

		if contrib.Due.IsNegative() {
			contrib.Due = decimal.Zero
		}
	}
}

// applyIncomeBenefits handles the two-step exemption/reduction rule for
// income-style taxes: reduction shrinks the base by a percentage before
// the rate applies; exemption zeroes the rate and records the foregone
// amount. Both are evaluated independently per item.
func (s *Stacker) applyIncomeBenefits(res *domain.ItemResult, benefits []*domain.Benefit) {
	for _, b := range benefits {
		if b.Kind != domain.BenefitReduction || b.SubTax != "" {
			continue
		}
		if !Matches(res, b.Conditions) {
			continue
		}
		oldBase := res.Base
		res.Base = res.Base.Mul(hundred.Sub(b.Percent)).Div(hundred)
		saved := oldBase.Sub(res.Base).Mul(res.Rate).Div(hundred)
		recordCredit(res, nil, domain.CreditApplication{
			Type:     domain.CreditTypeReduction,
			Amount:   saved,
			SourceID: b.ID,
		})
		res.Observations = append(res.Observations,
			fmt.Sprintf("benefit %s reduced base from %s to %s", b.ID, oldBase, res.Base))
	}

	for _, b := range benefits {
		if b.Kind != domain.BenefitExemption || b.SubTax != "" {
			continue
		}
		if !Matches(res, b.Conditions) {
			continue
		}
		foregone := res.Base.Mul(res.Rate).Div(hundred)
		res.Rate = decimal.Zero
		res.RateLocked = true
		recordCredit(res, nil, domain.CreditApplication{
			Type:     domain.CreditTypeExemption,
			Amount:   foregone,
			SourceID: b.ID,
		})
		res.Observations = append(res.Observations,
			fmt.Sprintf("benefit %s exempted item, foregone %s", b.ID, foregone))
	}

	recompute(res)
}

type ledgerKey struct {
	creditType string
	subTax     string
}

// sumLedger folds ledger entries into (type, sub-tax) sums. Exact tag
// match only; there is no fuzzy fallback.
func sumLedger(ledger []*domain.CreditEntry) map[ledgerKey]decimal.Decimal {
	sums := make(map[ledgerKey]decimal.Decimal)
	for _, entry := range ledger {
		key := ledgerKey{entry.Type, entry.SubTax}
		sums[key] = sums[key].Add(entry.Amount)
	}
	return sums
}

func matchedBenefits(res *domain.ItemResult, benefits []*domain.Benefit, subTax string) []*domain.Benefit {
	var matched []*domain.Benefit
	for _, b := range benefits {
		if b.SubTax != subTax {
			continue
		}
		if Matches(res, b.Conditions) {
			matched = append(matched, b)
		}
	}
	return matched
}

func benefitForLedgerType(benefits []*domain.Benefit, creditType string) *domain.Benefit {
	for _, b := range benefits {
		if domain.LedgerCreditType(b.Kind) == creditType {
			return b
		}
	}
	return nil
}

// recordCredit appends a credit application only when strictly positive.
// A zero credit is omitted from the output entirely.
func recordCredit(res *domain.ItemResult, contrib *domain.ContributionResult, credit domain.CreditApplication) {
	if !credit.Amount.IsPositive() {
		return
	}
	if contrib != nil {
		contrib.Credits = append(contrib.Credits, credit)
	}
	res.Credits = append(res.Credits, credit)
}
