// Package cfmm implements the constant-sum reserve rule used for continuous
// private trades. Reserves only grow on the trade path; they represent minted
// outcome-token backing, not a swap pool.
package cfmm

import (
	"PrivateMarkets/internal/market"
	pmmath "PrivateMarkets/internal/math"
	stdmath "math"
)

// CreditPolicy selects which reserve a trade of a given side grows.
type CreditPolicy uint8

const (
	// SameSide credits the reserve of the side being bought.
	SameSide CreditPolicy = iota
	// OppositeSide credits the other side's reserve, like a batch fill.
	OppositeSide
)

func (p CreditPolicy) String() string {
	if p == OppositeSide {
		return "opposite_side"
	}
	return "same_side"
}

// ParseCreditPolicy maps config text onto a policy. Empty means SameSide.
func ParseCreditPolicy(s string) (CreditPolicy, bool) {
	switch s {
	case "", "same_side":
		return SameSide, true
	case "opposite_side":
		return OppositeSide, true
	}
	return SameSide, false
}

type Reserves struct {
	Yes uint64
	No  uint64
}

func Of(m *market.Market) Reserves {
	return Reserves{Yes: m.YesReserves, No: m.NoReserves}
}

// Price is the implied price of side on scale 1000.
// YES: no*1000/(yes+no). NO: yes*1000/(yes+no).
func Price(r Reserves, side market.Side) (uint64, error) {
	part, other := r.No, r.Yes
	if side == market.SideNo {
		part, other = r.Yes, r.No
	}
	p, ok := pmmath.Share(part, other, market.PriceScale)
	if !ok {
		return 0, market.ErrInvalidCFMMState.With("price undefined for empty reserves")
	}
	return p, nil
}

// Result describes one reserve update.
type Result struct {
	Before   Reserves
	After    Reserves
	DeltaYes int64
	DeltaNo  int64
	Volume   uint64
	// Price is the post-trade price of the traded side (trades only).
	Price uint64
}

// Trade applies a trade of amount on side. maxPrice of zero disables the
// slippage check.
func Trade(r Reserves, side market.Side, amount, maxPrice uint64, policy CreditPolicy) (Result, error) {
	if amount == 0 {
		return Result{}, market.ErrZeroAmount.With("trade amount is zero")
	}
	if !side.Valid() {
		return Result{}, market.ErrInvalidSide.With("side %d", side)
	}
	if amount > stdmath.MaxInt64 {
		return Result{}, market.ErrOverflow.With("trade amount %d exceeds signed delta range", amount)
	}

	creditYes := side == market.SideYes
	if policy == OppositeSide {
		creditYes = !creditYes
	}

	after := r
	res := Result{Before: r, Volume: amount}
	var ok bool
	if creditYes {
		after.Yes, ok = pmmath.CheckedAdd(r.Yes, amount)
		res.DeltaYes = int64(amount)
	} else {
		after.No, ok = pmmath.CheckedAdd(r.No, amount)
		res.DeltaNo = int64(amount)
	}
	if !ok {
		return Result{}, market.ErrOverflow.With("reserve overflow crediting %d", amount)
	}
	if !pmmath.ProductPositive(after.Yes, after.No) {
		return Result{}, market.ErrInvalidCFMMState.With("reserve product not positive: %d*%d", after.Yes, after.No)
	}

	price, err := Price(after, side)
	if err != nil {
		return Result{}, err
	}
	if maxPrice > 0 && price > maxPrice {
		return Result{}, market.ErrSlippageExceeded.With("post-trade %s price %d exceeds max %d", side, price, maxPrice)
	}

	res.After = after
	res.Price = price
	return res, nil
}

// ApplyDelta applies externally computed signed deltas. Volume grows by the
// larger of the absolute deltas.
func ApplyDelta(r Reserves, dYes, dNo int64) (Result, error) {
	yes, ok := pmmath.AddSigned(r.Yes, dYes)
	if !ok {
		return Result{}, market.ErrOverflow.With("yes reserves %d %+d out of range", r.Yes, dYes)
	}
	no, ok := pmmath.AddSigned(r.No, dNo)
	if !ok {
		return Result{}, market.ErrOverflow.With("no reserves %d %+d out of range", r.No, dNo)
	}
	if !pmmath.ProductPositive(yes, no) {
		return Result{}, market.ErrInvalidCFMMState.With("reserve product not positive: %d*%d", yes, no)
	}

	vol := pmmath.AbsInt64(dYes)
	if v := pmmath.AbsInt64(dNo); v > vol {
		vol = v
	}
	return Result{
		Before:   r,
		After:    Reserves{Yes: yes, No: no},
		DeltaYes: dYes,
		DeltaNo:  dNo,
		Volume:   vol,
	}, nil
}

// Commit writes a result into the market and accumulates volume.
func Commit(m *market.Market, res Result) error {
	vol, ok := pmmath.CheckedAdd(m.TotalVolume, res.Volume)
	if !ok {
		return market.ErrOverflow.With("total volume overflow")
	}
	m.YesReserves = res.After.Yes
	m.NoReserves = res.After.No
	m.TotalVolume = vol
	return nil
}
