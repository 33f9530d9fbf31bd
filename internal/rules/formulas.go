package rules

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openfiscal/apura/internal/domain"
)

// Formula computes one value from the item's current working state and the
// calculation's parameters.
type Formula func(res *domain.ItemResult, params map[string]string) decimal.Decimal

// Catalog is the registered formula table. Unknown keys resolve to zero
// rather than erroring, so a mis-typed or not-yet-implemented formula key
// never aborts a batch.
type Catalog struct {
	mu       sync.RWMutex
	formulas map[string]Formula
}

// NewCatalog creates a catalog pre-loaded with the built-in formulas.
func NewCatalog() *Catalog {
	c := &Catalog{formulas: make(map[string]Formula)}
	registerBuiltins(c)
	return c
}

// Register adds or replaces a formula under a key.
func (c *Catalog) Register(key string, fn Formula) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.formulas[key] = fn
}

// Has reports whether a key is registered.
func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.formulas[key]
	return ok
}

// Eval resolves and runs a formula. Unknown keys return zero.
func (c *Catalog) Eval(key string, res *domain.ItemResult, params map[string]string) decimal.Decimal {
	c.mu.RLock()
	fn, ok := c.formulas[key]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero
	}
	return fn(res, params)
}

// Keys returns the registered formula keys.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.formulas))
	for k := range c.formulas {
		keys = append(keys, k)
	}
	return keys
}

var hundred = decimal.NewFromInt(100)

func registerBuiltins(c *Catalog) {
	// Base formulas
	c.Register("base.net-amount", func(res *domain.ItemResult, _ map[string]string) decimal.Decimal {
		return res.Item.NetAmount()
	})
	c.Register("base.reduced", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		pct := paramDecimal(params, "percent")
		return res.Base.Mul(hundred.Sub(pct)).Div(hundred)
	})

	// Rate formulas
	c.Register("rate.fixed", func(_ *domain.ItemResult, params map[string]string) decimal.Decimal {
		return paramDecimal(params, "percent")
	})
	c.Register("rate.zero", func(_ *domain.ItemResult, _ map[string]string) decimal.Decimal {
		return decimal.Zero
	})
	// Destination-state rate lookup: params map state code to rate, with
	// an optional "default" entry.
	c.Register("rate.by-dest-state", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		if v, ok := params[res.Item.DestState]; ok {
			if d, err := decimal.NewFromString(v); err == nil {
				return d
			}
		}
		return paramDecimal(params, "default")
	})

	// Credit formulas
	c.Register("credit.presumed", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		pct := paramDecimal(params, "percent")
		return res.TaxDue.Mul(pct).Div(hundred)
	})
	// Fixed-asset credit appropriated in 48 monthly installments.
	c.Register("credit.fixed-asset", func(_ *domain.ItemResult, params map[string]string) decimal.Decimal {
		return paramDecimal(params, "amount").Div(decimal.NewFromInt(48))
	})

	// Substitution: marked-up base (MVA percent over current base).
	c.Register("substitution.mva", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		mva := paramDecimal(params, "mva")
		return res.Base.Mul(hundred.Add(mva)).Div(hundred)
	})

	// Cross-state differential: gap between internal and interstate rates
	// applied to the current base.
	c.Register("differential.rate-gap", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		internal := paramDecimal(params, "internal")
		interstate := paramDecimal(params, "interstate")
		gap := internal.Sub(interstate)
		if gap.IsNegative() {
			return decimal.Zero
		}
		return res.Base.Mul(gap).Div(hundred)
	})

	// Protection levy: percentage surcharge over the current base.
	c.Register("levy.rate-of-base", func(res *domain.ItemResult, params map[string]string) decimal.Decimal {
		pct := paramDecimal(params, "percent")
		return res.Base.Mul(pct).Div(hundred)
	})
}

func paramDecimal(params map[string]string, key string) decimal.Decimal {
	v, ok := params[key]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
