// Package money provides cent-exact helpers on top of shopspring/decimal.
// All monetary amounts in this system are decimals with at most two decimal
// places; division is only ever performed through SplitEven so that no
// remainder cent is lost.
package money

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Cents returns the amount expressed in integer minor currency units.
// The input must already be cent-exact.
func Cents(d decimal.Decimal) int64 {
	return d.Mul(hundred).IntPart()
}

// FromCents converts integer minor currency units back into a decimal amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Div(hundred)
}

// RoundCents rounds an amount to two decimal places, half away from zero.
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// CentExact reports whether the amount carries no sub-cent precision.
func CentExact(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// SplitEven divides total into n cent-exact parts. Every part is the floor of
// total/n in cents; the remainder cents are assigned to the final part so the
// parts always sum exactly to total.
func SplitEven(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	totalCents := Cents(total)
	per := totalCents / int64(n)
	rem := totalCents - per*int64(n)

	parts := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		parts[i] = FromCents(per)
	}
	parts[n-1] = FromCents(per + rem)
	return parts
}

// Min returns the smaller of two amounts.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
