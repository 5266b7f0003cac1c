package math

import (
	"math/big"
	"math/bits"
	"sync"
)

// Wide is a pooled big.Int for intermediates that do not fit in 64 bits.
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	widePool.Put(v)
}

// CheckedAdd returns a+b and false on overflow.
func CheckedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// CheckedSub returns a-b and false on underflow.
func CheckedSub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// AddSigned applies a signed delta to an unsigned balance.
func AddSigned(a uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		return CheckedAdd(a, uint64(delta))
	}
	return CheckedSub(a, AbsInt64(delta))
}

// AbsInt64 returns |v| as uint64. Safe for math.MinInt64.
func AbsInt64(v int64) uint64 {
	if v < 0 {
		return uint64(^v) + 1
	}
	return uint64(v)
}

// ProductPositive reports whether a*b > 0 using the full 128-bit product.
func ProductPositive(a, b uint64) bool {
	hi, lo := bits.Mul64(a, b)
	return hi != 0 || lo != 0
}

// Share computes part*scale/(part+other), truncated. The denominator is
// summed in 128 bits so two large balances never overflow. Returns false
// when both inputs are zero.
func Share(part, other, scale uint64) (uint64, bool) {
	if part == 0 && other == 0 {
		return 0, false
	}
	num := getWide()
	den := getWide()
	defer func() {
		putWide(num)
		putWide(den)
	}()

	num.SetUint64(part)
	num.Mul(num, new(big.Int).SetUint64(scale))
	den.SetUint64(part)
	den.Add(den, new(big.Int).SetUint64(other))
	num.Quo(num, den)

	// part <= part+other, so the share never exceeds scale.
	return num.Uint64(), true
}
