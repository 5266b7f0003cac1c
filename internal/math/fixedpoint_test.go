package math_test

import (
	pmmath "PrivateMarkets/internal/math"
	stdmath "math"
	"testing"
)

func TestCheckedAdd_Overflow(t *testing.T) {
	if _, ok := pmmath.CheckedAdd(stdmath.MaxUint64, 1); ok {
		t.Fatal("expected overflow")
	}
	if v, ok := pmmath.CheckedAdd(2, 3); !ok || v != 5 {
		t.Errorf("got %d %v", v, ok)
	}
}

func TestAddSigned(t *testing.T) {
	if v, ok := pmmath.AddSigned(10, -4); !ok || v != 6 {
		t.Errorf("10-4: got %d %v", v, ok)
	}
	if _, ok := pmmath.AddSigned(3, -4); ok {
		t.Error("expected underflow")
	}
	if _, ok := pmmath.AddSigned(stdmath.MaxUint64, 1); ok {
		t.Error("expected overflow")
	}
	if pmmath.AbsInt64(stdmath.MinInt64) != 1<<63 {
		t.Error("AbsInt64(MinInt64) wrong")
	}
}

func TestProductPositive_Uses128Bits(t *testing.T) {
	// 2^32 * 2^32 wraps to zero in 64 bits.
	if !pmmath.ProductPositive(1<<32, 1<<32) {
		t.Error("wide product should be positive")
	}
	if pmmath.ProductPositive(0, 5) {
		t.Error("zero product should not be positive")
	}
}

func TestShare(t *testing.T) {
	if v, _ := pmmath.Share(700, 300, 1000); v != 700 {
		t.Errorf("got %d, want 700", v)
	}
	v, ok := pmmath.Share(stdmath.MaxUint64, stdmath.MaxUint64, 1000)
	if !ok || v != 500 {
		t.Errorf("large balances: got %d %v", v, ok)
	}
	if _, ok := pmmath.Share(0, 0, 1000); ok {
		t.Error("empty pool should report false")
	}
}
