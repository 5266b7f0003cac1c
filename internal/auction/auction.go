// Package auction clears a batch of orders at one uniform price. The result
// depends only on aggregate per-side demand, never on submission order.
package auction

import (
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/market"
	pmmath "PrivateMarkets/internal/math"
)

const DefaultClearingPrice uint64 = 500

// Order is one revealed batch order. LimitPrice is carried for the record;
// the clearing rule does not use it.
type Order struct {
	Side       market.Side
	Amount     uint64
	LimitPrice uint64
}

type Result struct {
	DemandYes     uint64
	DemandNo      uint64
	ClearingPrice uint64
	FilledYes     uint64
	FilledNo      uint64
}

// Clear sums per-side demand and clears it.
func Clear(orders []Order) (Result, error) {
	var dYes, dNo uint64
	var ok bool
	for i, o := range orders {
		switch o.Side {
		case market.SideYes:
			dYes, ok = pmmath.CheckedAdd(dYes, o.Amount)
		case market.SideNo:
			dNo, ok = pmmath.CheckedAdd(dNo, o.Amount)
		default:
			return Result{}, market.ErrInvalidSide.With("order %d side %d", i, o.Side)
		}
		if !ok {
			return Result{}, market.ErrOverflow.With("batch demand overflow at order %d", i)
		}
	}
	return ClearDemand(dYes, dNo)
}

// ClearDemand computes the clearing price and fills.
//
// With both sides non-empty the price is dNo*1000/(dYes+dNo), otherwise 500.
// Below 500 YES fills fully and NO at half; above 500 NO fills fully and YES
// at half; at exactly 500 both sides fill at half.
func ClearDemand(dYes, dNo uint64) (Result, error) {
	res := Result{DemandYes: dYes, DemandNo: dNo, ClearingPrice: DefaultClearingPrice}
	if dYes > 0 && dNo > 0 {
		p, ok := pmmath.Share(dNo, dYes, market.PriceScale)
		if !ok {
			return Result{}, market.ErrOverflow.With("clearing price")
		}
		res.ClearingPrice = p
	}

	switch {
	case res.ClearingPrice < DefaultClearingPrice:
		res.FilledYes = dYes
		res.FilledNo = dNo / 2
	case res.ClearingPrice > DefaultClearingPrice:
		res.FilledYes = dYes / 2
		res.FilledNo = dNo
	default:
		res.FilledYes = dYes / 2
		res.FilledNo = dNo / 2
	}
	return res, nil
}

// Apply grows each reserve by the opposite side's fill. Volume is the sum
// of both fills.
func (r Result) Apply(before cfmm.Reserves) (cfmm.Result, error) {
	yes, ok := pmmath.CheckedAdd(before.Yes, r.FilledNo)
	if !ok {
		return cfmm.Result{}, market.ErrOverflow.With("yes reserves overflow applying batch fill")
	}
	no, ok := pmmath.CheckedAdd(before.No, r.FilledYes)
	if !ok {
		return cfmm.Result{}, market.ErrOverflow.With("no reserves overflow applying batch fill")
	}
	vol, ok := pmmath.CheckedAdd(r.FilledYes, r.FilledNo)
	if !ok {
		return cfmm.Result{}, market.ErrOverflow.With("batch volume overflow")
	}
	if r.FilledNo > 1<<63-1 || r.FilledYes > 1<<63-1 {
		return cfmm.Result{}, market.ErrOverflow.With("batch fill exceeds signed delta range")
	}
	if !pmmath.ProductPositive(yes, no) {
		return cfmm.Result{}, market.ErrInvalidCFMMState.With("reserve product not positive: %d*%d", yes, no)
	}
	return cfmm.Result{
		Before:   before,
		After:    cfmm.Reserves{Yes: yes, No: no},
		DeltaYes: int64(r.FilledNo),
		DeltaNo:  int64(r.FilledYes),
		Volume:   vol,
		Price:    r.ClearingPrice,
	}, nil
}

// Accumulator folds order commitments for one batch window.
type Accumulator struct {
	Root  market.Commitment
	Count uint32
}

func (a *Accumulator) Add(c market.Commitment) error {
	if a.Count == ^uint32(0) {
		return market.ErrOverflow.With("batch order count overflow")
	}
	a.Root = a.Root.Fold(c)
	a.Count++
	return nil
}
