// Package bp holds the fixed-point helpers shared by the ledgers: basis-point
// fractions of big amounts, floored subtraction and UQ112 price ratios.
//
// All helpers return fresh values and never mutate their arguments. A nil
// *big.Int argument is treated as zero.
package bp

import (
	"errors"
	"math/big"
)

// UQ112Shift is the number of fractional bits in a UQ112 price.
const UQ112Shift = 112

var ErrZeroDenominator = errors.New("bp: zero denominator")

// Zero returns a new zero amount.
func Zero() *big.Int { return new(big.Int) }

// Or returns a copy of v, or zero when v is nil.
func Or(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZero reports whether v is nil or zero.
func IsZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

// Fraction returns floor(amount * num / den).
func Fraction(amount *big.Int, num, den uint64) *big.Int {
	if den == 0 || num == 0 || IsZero(amount) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(num))
	return out.Quo(out, new(big.Int).SetUint64(den))
}

// Add returns the sum of all values.
func Add(vs ...*big.Int) *big.Int {
	out := new(big.Int)
	for _, v := range vs {
		if v != nil {
			out.Add(out, v)
		}
	}
	return out
}

// Sub returns a - b, which may be negative.
func Sub(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(Or(a), Or(b))
}

// SubFloor returns max(a - b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := Sub(a, b)
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}

// Min returns a copy of the smaller value.
func Min(a, b *big.Int) *big.Int {
	if Or(a).Cmp(Or(b)) <= 0 {
		return Or(a)
	}
	return Or(b)
}

// Clamp returns v bounded to [lo, hi].
func Clamp(v, lo, hi *big.Int) *big.Int {
	if Or(v).Cmp(Or(lo)) < 0 {
		return Or(lo)
	}
	if Or(v).Cmp(Or(hi)) > 0 {
		return Or(hi)
	}
	return Or(v)
}

// ToUQ112 encodes buy/sale as a UQ112 fixed-point price: (buy << 112) / sale.
func ToUQ112(buy, sale *big.Int) (*big.Int, error) {
	if IsZero(sale) {
		return nil, ErrZeroDenominator
	}
	out := new(big.Int).Lsh(Or(buy), UQ112Shift)
	return out.Quo(out, sale), nil
}

// ApplyUQ112 converts amount with a UQ112 price: (amount * price) >> 112.
func ApplyUQ112(amount, price *big.Int) *big.Int {
	if IsZero(amount) || IsZero(price) {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, price)
	return out.Rsh(out, UQ112Shift)
}
