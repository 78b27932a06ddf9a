// internal/math/checked.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a checked uint64 operation would wrap.
// Balances and the pool reserve are unsigned smallest-token-unit values;
// a wrap is always a bug or a hostile input, never a valid result.
var ErrOverflow = errors.New("checked arithmetic overflow")

// ErrUnderflow is returned when a checked subtraction would go negative.
var ErrUnderflow = errors.New("checked arithmetic underflow")

// CheckedAdd returns a + b, or ErrOverflow if the sum wraps.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a - b, or ErrUnderflow if b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// CheckedMul returns a * b, or ErrOverflow if the product wraps.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	prod := a * b
	if prod/a != b {
		return 0, ErrOverflow
	}
	return prod, nil
}

// bigPool recycles big.Ints used for intermediate wide arithmetic.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes a * b / d with a wide intermediate product and floor
// division. Returns ErrOverflow if the quotient does not fit in uint64,
// and ErrUnderflow if d is zero.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrUnderflow
	}

	prod := getBig()
	defer putBig(prod)

	prod.Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	prod.Quo(prod, new(big.Int).SetUint64(d))

	if !prod.IsUint64() {
		return 0, ErrOverflow
	}
	return prod.Uint64(), nil
}

// MulDivBig computes a * b / d in arbitrary precision with floor division.
// Used for share mint/burn math where share counts are unbounded.
// Panics if d is zero — callers guarantee a non-empty pool.
func MulDivBig(a *big.Int, b, d uint64) *big.Int {
	result := new(big.Int).Mul(a, new(big.Int).SetUint64(b))
	return result.Quo(result, new(big.Int).SetUint64(d))
}

// BasisPoints computes amount * bps / 10000 with floor division.
func BasisPoints(amount uint64, bps uint64) (uint64, error) {
	return MulDiv(amount, bps, 10_000)
}

// ShareBasisPoints computes shares * bps / 10000 in arbitrary precision.
func ShareBasisPoints(shares *big.Int, bps uint64) *big.Int {
	fee := new(big.Int).Mul(shares, new(big.Int).SetUint64(bps))
	return fee.Quo(fee, big.NewInt(10_000))
}
