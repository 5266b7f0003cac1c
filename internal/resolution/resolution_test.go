package resolution_test

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/resolution"
	"errors"
	stdmath "math"
	"testing"
)

func TestAggregate_WeightedMajority(t *testing.T) {
	res, err := resolution.Aggregate([]resolution.Attestation{
		{Yes: true, Weight: 10},
		{Yes: false, Weight: 5},
		{Yes: true, Weight: 20},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if res.Outcome != market.OutcomeYes || res.Confidence != 30 {
		t.Errorf("got %s/%d, want yes/30", res.Outcome, res.Confidence)
	}
}

func TestAggregate_TieResolvesNo(t *testing.T) {
	res, _ := resolution.Aggregate([]resolution.Attestation{
		{Yes: true, Weight: 7},
		{Yes: false, Weight: 7},
	})
	if res.Outcome != market.OutcomeNo || res.Confidence != 7 {
		t.Errorf("got %s/%d, want no/7", res.Outcome, res.Confidence)
	}
	empty, _ := resolution.Aggregate(nil)
	if empty.Outcome != market.OutcomeNo || empty.Confidence != 0 {
		t.Errorf("empty: got %+v", empty)
	}
}

func TestAggregate_Overflow(t *testing.T) {
	_, err := resolution.Aggregate([]resolution.Attestation{
		{Yes: true, Weight: stdmath.MaxUint64},
		{Yes: true, Weight: 1},
	})
	if !errors.Is(err, market.ErrOverflow) {
		t.Fatalf("got %v", err)
	}
}

func TestCrossed_FiresExactlyOnce(t *testing.T) {
	const quorum = 3
	fired := 0
	for count := uint8(0); count < 6; count++ {
		if resolution.Crossed(count, count+1, quorum) {
			fired++
			if count+1 != quorum {
				t.Errorf("fired at count %d", count+1)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
}

func TestCountAttested_Distinct(t *testing.T) {
	rs := []*market.Resolver{
		{Authority: "a", HasAttested: true},
		{Authority: "b", HasAttested: false},
		{Authority: "a", HasAttested: true},
		{Authority: "c", HasAttested: true},
	}
	if n := resolution.CountAttested(rs); n != 2 {
		t.Errorf("got %d, want 2", n)
	}
	m := &market.Market{ResolverQuorum: 3}
	if err := resolution.RequireQuorum(m, rs); !errors.Is(err, market.ErrQuorumNotReached) {
		t.Errorf("got %v", err)
	}
}

func TestSettle(t *testing.T) {
	m := &market.Market{State: market.StateComputing}
	if err := resolution.Settle(m, market.OutcomeUnresolved, 1, 100); !errors.Is(err, market.ErrInvalidOutcome) {
		t.Fatalf("non-binary outcome: got %v", err)
	}
	if err := resolution.Settle(m, market.OutcomeYes, 30, 100); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if m.State != market.StateResolved || m.FinalOutcome != market.OutcomeYes || m.Confidence != 30 {
		t.Errorf("got %+v", m)
	}
	if err := resolution.Settle(m, market.OutcomeNo, 1, 101); !errors.Is(err, market.ErrMarketAlreadyResolved) {
		t.Errorf("second settle: got %v", err)
	}
	if m.FinalOutcome != market.OutcomeYes {
		t.Error("outcome overwritten")
	}
}

func TestSettle_RequiresComputing(t *testing.T) {
	m := &market.Market{State: market.StateAwaitingAttestation}
	if err := resolution.Settle(m, market.OutcomeYes, 1, 1); !errors.Is(err, market.ErrInvalidState) {
		t.Errorf("got %v", err)
	}
}
