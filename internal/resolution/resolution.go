// Package resolution tallies weighted resolver votes and decides when a
// market has gathered enough attestations to resolve.
package resolution

import (
	"PrivateMarkets/internal/market"
	pmmath "PrivateMarkets/internal/math"
)

// Attestation is one revealed vote weighted by the resolver's stake.
type Attestation struct {
	Yes    bool
	Weight uint64
}

type Result struct {
	Outcome    market.Outcome
	Confidence uint64
	YesWeight  uint64
	NoWeight   uint64
}

// Aggregate resolves YES only when YES weight strictly exceeds NO weight.
// A tie resolves NO. Confidence is the winning side's weight.
func Aggregate(atts []Attestation) (Result, error) {
	var res Result
	var ok bool
	for i, a := range atts {
		if a.Yes {
			res.YesWeight, ok = pmmath.CheckedAdd(res.YesWeight, a.Weight)
		} else {
			res.NoWeight, ok = pmmath.CheckedAdd(res.NoWeight, a.Weight)
		}
		if !ok {
			return Result{}, market.ErrOverflow.With("attestation weight overflow at %d", i)
		}
	}
	if res.YesWeight > res.NoWeight {
		res.Outcome = market.OutcomeYes
		res.Confidence = res.YesWeight
	} else {
		res.Outcome = market.OutcomeNo
		res.Confidence = res.NoWeight
	}
	return res, nil
}

// Crossed reports whether moving the attestation count from before to after
// is the step that first reaches quorum. Only one step can satisfy it.
func Crossed(before, after, quorum uint8) bool {
	return before < quorum && after >= quorum
}

// CountAttested counts distinct resolvers that have attested.
func CountAttested(resolvers []*market.Resolver) uint8 {
	var n uint8
	seen := make(map[string]struct{}, len(resolvers))
	for _, r := range resolvers {
		if !r.HasAttested {
			continue
		}
		if _, dup := seen[r.Authority]; dup {
			continue
		}
		seen[r.Authority] = struct{}{}
		n++
	}
	return n
}

// RequireQuorum fails unless enough distinct resolvers have attested.
func RequireQuorum(m *market.Market, resolvers []*market.Resolver) error {
	if got := CountAttested(resolvers); got < m.ResolverQuorum {
		return market.ErrQuorumNotReached.With("%d of %d attestations", got, m.ResolverQuorum)
	}
	return nil
}

// Settle writes a binary outcome into the market once and resolves it.
func Settle(m *market.Market, outcome market.Outcome, confidence uint64, now int64) error {
	if outcome != market.OutcomeYes && outcome != market.OutcomeNo {
		return market.ErrInvalidOutcome.With("outcome must be YES or NO, got %s", outcome)
	}
	if err := m.Require("resolve", market.StateComputing); err != nil {
		return err
	}
	if m.FinalOutcome != market.OutcomeUnresolved {
		return market.ErrMarketAlreadyResolved.With("market %s outcome already written", m.ID)
	}
	m.FinalOutcome = outcome
	m.Confidence = confidence
	m.ResolvedAt = now
	return m.Transition(market.StateResolved)
}
