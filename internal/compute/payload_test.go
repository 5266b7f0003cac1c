package compute_test

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/market"
	"errors"
	"testing"
)

func TestResolutionResult_OutcomeByte(t *testing.T) {
	b := compute.ResolutionResult{Outcome: market.OutcomeYes, Confidence: 30}.Marshal()
	if b[0] != 1 {
		t.Errorf("YES byte: got %d", b[0])
	}
	b[0] = market.WireUnresolved
	r, err := compute.UnmarshalResolutionResult(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Outcome != market.OutcomeUnresolved {
		t.Errorf("got %s", r.Outcome)
	}
	b[0] = 7
	if _, err := compute.UnmarshalResolutionResult(b); !errors.Is(err, market.ErrInvalidOutcome) {
		t.Errorf("bad byte: got %v", err)
	}
}

func TestResolutionArgs_SortedAndParsed(t *testing.T) {
	weights := []compute.ResolverWeight{
		{Authority: "carol", Weight: 20},
		{Authority: "alice", Weight: 10},
		{Authority: "bob", Weight: 5},
	}
	sealedVotes := [][]byte{{'c'}, {'a'}, {'b'}}
	compute.SortResolvers(weights, sealedVotes)
	if weights[0].Authority != "alice" || sealedVotes[0][0] != 'a' || sealedVotes[2][0] != 'c' {
		t.Fatalf("not sorted together: %v %q", weights, sealedVotes)
	}

	args, err := compute.UnmarshalResolutionArgs(compute.ResolutionArgs{Resolvers: weights}.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(args.Resolvers) != 3 || args.Resolvers[2].Weight != 20 {
		t.Errorf("got %+v", args)
	}
	if _, err := compute.UnmarshalResolutionArgs([]byte{2, 5, 'a'}); !errors.Is(err, market.ErrInvalidPayload) {
		t.Errorf("truncated: got %v", err)
	}
}

func TestTradeResult_RejectsBadSide(t *testing.T) {
	b := compute.TradeResult{Side: market.SideNo, Amount: 5}.Marshal()
	b[32] = 9
	if _, err := compute.UnmarshalTradeResult(b); !errors.Is(err, market.ErrInvalidSide) {
		t.Errorf("got %v", err)
	}
}
