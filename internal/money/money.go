// Package money represents monetary values in integer minor units.
// All arithmetic is integer-only — no floating point is stored.
package money

import (
	"fmt"
	"math"
)

// Cents is an amount in the smallest currency unit. Amounts may be
// negative; signed values are how the ledger records debits.
type Cents int64

// FromFloat converts a major-unit amount (e.g. 49.95) to Cents,
// rounding half away from zero.
func FromFloat(amount float64) Cents {
	return Cents(math.Round(amount * 100))
}

// Float returns the amount in major units.
func (c Cents) Float() float64 {
	return float64(c) / 100
}

// Abs returns the absolute value.
func (c Cents) Abs() Cents {
	if c < 0 {
		return -c
	}
	return c
}

// MulRate multiplies the amount by a fraction, rounding half away from
// zero. Used for commission math; callers validate the rate range.
func (c Cents) MulRate(rate float64) Cents {
	return Cents(math.Round(float64(c) * rate))
}

// String formats the amount as a major-unit decimal, e.g. "-4.95".
func (c Cents) String() string {
	sign := ""
	v := c
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
