// Package amount converts between human decimal amounts and a chain's
// smallest indivisible unit (satoshi, wei, lamport).
//
// Decimals are carried as shopspring/decimal values; on-chain values are
// big.Int in smallest units. Conversions toward the chain always truncate,
// so the engine never asks a chain to send more than it holds.
package amount

import (
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalid  = errors.New("amount: invalid decimal")
	ErrNegative = errors.New("amount: negative value")
)

var tenThousand = decimal.NewFromInt(10_000)

// Parse reads a non-negative decimal string.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// ToUnits converts d to smallest units, truncating anything below one unit.
func ToUnits(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// FromUnits converts smallest units to a decimal.
func FromUnits(u *big.Int, decimals int32) decimal.Decimal {
	if u == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(u, -decimals)
}

// Truncate drops precision beyond the chain's smallest unit.
func Truncate(d decimal.Decimal, decimals int32) decimal.Decimal {
	return d.Truncate(decimals)
}

// Unit is the value of one smallest unit, e.g. 0.00000001 for 8 decimals.
func Unit(decimals int32) decimal.Decimal {
	return decimal.New(1, -decimals)
}

// WithinUnit reports whether a and b differ by less than one smallest unit.
func WithinUnit(a, b decimal.Decimal, decimals int32) bool {
	return a.Sub(b).Abs().LessThan(Unit(decimals))
}

// BasisPoints returns d * bps / 10000 without rounding.
func BasisPoints(d decimal.Decimal, bps int64) decimal.Decimal {
	return d.Mul(decimal.NewFromInt(bps)).Div(tenThousand)
}
