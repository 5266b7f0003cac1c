package cfmm_test

import (
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/market"
	"errors"
	stdmath "math"
	"testing"
)

func initial() cfmm.Reserves {
	return cfmm.Reserves{Yes: market.InitialReserves, No: market.InitialReserves}
}

func TestPrice_Symmetric(t *testing.T) {
	r := cfmm.Reserves{Yes: 300, No: 700}
	yes, _ := cfmm.Price(r, market.SideYes)
	no, _ := cfmm.Price(r, market.SideNo)
	if yes != 700 || no != 300 {
		t.Errorf("got yes=%d no=%d, want 700/300", yes, no)
	}
	if _, err := cfmm.Price(cfmm.Reserves{}, market.SideYes); !errors.Is(err, market.ErrInvalidCFMMState) {
		t.Errorf("empty reserves: got %v", err)
	}
}

func TestTrade_SameSideCredit(t *testing.T) {
	res, err := cfmm.Trade(initial(), market.SideYes, 1000, 0, cfmm.SameSide)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if res.After.Yes != market.InitialReserves+1000 || res.After.No != market.InitialReserves {
		t.Errorf("reserves: %+v", res.After)
	}
	if res.DeltaYes != 1000 || res.DeltaNo != 0 || res.Volume != 1000 {
		t.Errorf("deltas: %+v", res)
	}
}

func TestTrade_OppositeSideCredit(t *testing.T) {
	res, err := cfmm.Trade(initial(), market.SideYes, 1000, 0, cfmm.OppositeSide)
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if res.After.No != market.InitialReserves+1000 || res.After.Yes != market.InitialReserves {
		t.Errorf("reserves: %+v", res.After)
	}
}

func TestTrade_ReservesNeverShrink(t *testing.T) {
	r := initial()
	for i, side := range []market.Side{market.SideYes, market.SideNo, market.SideNo, market.SideYes} {
		for _, p := range []cfmm.CreditPolicy{cfmm.SameSide, cfmm.OppositeSide} {
			res, err := cfmm.Trade(r, side, uint64(100*(i+1)), 0, p)
			if err != nil {
				t.Fatalf("trade %d: %v", i, err)
			}
			if res.After.Yes < r.Yes || res.After.No < r.No {
				t.Fatalf("reserves decreased: %+v -> %+v", r, res.After)
			}
			r = res.After
		}
	}
}

func TestTrade_Slippage(t *testing.T) {
	r := cfmm.Reserves{Yes: 500, No: 500}
	// Under OppositeSide a YES buy grows NO reserves and pushes the YES price up.
	_, err := cfmm.Trade(r, market.SideYes, 500, 600, cfmm.OppositeSide)
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Fatalf("got %v, want ErrSlippageExceeded", err)
	}
	// post price = 1000*1000/1500 = 666
	res, err := cfmm.Trade(r, market.SideYes, 500, 666, cfmm.OppositeSide)
	if err != nil {
		t.Fatalf("at limit: %v", err)
	}
	if res.Price != 666 {
		t.Errorf("price: got %d", res.Price)
	}
}

func TestTrade_SlippageSymmetricPerSide(t *testing.T) {
	r := cfmm.Reserves{Yes: 500, No: 500}
	_, err := cfmm.Trade(r, market.SideNo, 500, 600, cfmm.OppositeSide)
	if !errors.Is(err, market.ErrSlippageExceeded) {
		t.Fatalf("NO side: got %v, want ErrSlippageExceeded", err)
	}
}

func TestTrade_Rejections(t *testing.T) {
	if _, err := cfmm.Trade(initial(), market.SideYes, 0, 0, cfmm.SameSide); !errors.Is(err, market.ErrZeroAmount) {
		t.Errorf("zero: got %v", err)
	}
	r := cfmm.Reserves{Yes: stdmath.MaxUint64 - 1, No: 1}
	if _, err := cfmm.Trade(r, market.SideYes, 2, 0, cfmm.SameSide); !errors.Is(err, market.ErrOverflow) {
		t.Errorf("overflow: got %v", err)
	}
	if _, err := cfmm.Trade(cfmm.Reserves{}, market.SideYes, 5, 0, cfmm.SameSide); !errors.Is(err, market.ErrInvalidCFMMState) {
		t.Errorf("zero product: got %v", err)
	}
}

func TestApplyDelta(t *testing.T) {
	res, err := cfmm.ApplyDelta(cfmm.Reserves{Yes: 100, No: 100}, 50, -30)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.After.Yes != 150 || res.After.No != 70 || res.Volume != 50 {
		t.Errorf("got %+v", res)
	}

	if _, err := cfmm.ApplyDelta(cfmm.Reserves{Yes: 100, No: 100}, 0, -100); !errors.Is(err, market.ErrInvalidCFMMState) {
		t.Errorf("zero product: got %v", err)
	}
	if _, err := cfmm.ApplyDelta(cfmm.Reserves{Yes: 100, No: 100}, -101, 0); !errors.Is(err, market.ErrOverflow) {
		t.Errorf("underflow: got %v", err)
	}
}

func TestCommit_AccumulatesVolume(t *testing.T) {
	m := &market.Market{YesReserves: 1, NoReserves: 1, TotalVolume: 10}
	res, _ := cfmm.Trade(cfmm.Of(m), market.SideNo, 5, 0, cfmm.SameSide)
	if err := cfmm.Commit(m, res); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if m.NoReserves != 6 || m.TotalVolume != 15 {
		t.Errorf("got no=%d volume=%d", m.NoReserves, m.TotalVolume)
	}
}
