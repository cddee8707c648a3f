// Package pricing computes reseller prices and platform commissions.
// Pure computation; no stock or balance side effects.
package pricing

import (
	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
)

// Quote is the outcome of pricing one purchase: what the reseller pays
// and what they keep as margin. Price + Commission always equals the
// base price — the commission is the exact remainder after rounding
// the price, so no cent is created or lost.
type Quote struct {
	Price      money.Cents
	Commission money.Cents
}

// Compute prices a purchase at the given base price and commission
// rate. The rate must be within [0, 1].
func Compute(base money.Cents, rate float64) (Quote, error) {
	if rate < 0 || rate > 1 {
		return Quote{}, kmerrors.Invalid("compute_price", "", "commission rate outside [0,1]")
	}
	if base <= 0 {
		return Quote{}, kmerrors.Invalid("compute_price", "", "base price must be positive")
	}

	price := base.MulRate(1 - rate)
	return Quote{
		Price:      price,
		Commission: base - price,
	}, nil
}
