package core

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/resolution"
	"context"
	"errors"

	"github.com/google/uuid"
)

// StakeResolver registers caller as a resolver and escrows its stake.
func (e *Engine) StakeResolver(ctx context.Context, caller string, id uuid.UUID, amount uint64) error {
	return e.update(ctx, "stake_resolver", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireOpen(tx.op, tx.now); err != nil {
			return err
		}
		if err := market.ValidateIdentity(caller); err != nil {
			return err
		}
		if amount < e.minStake {
			return market.ErrInsufficientStake.With("stake %d below minimum %d", amount, e.minStake)
		}
		_, err := e.repo.GetResolver(ctx, m.ID, caller)
		switch {
		case err == nil:
			return market.ErrResolverAlreadyStaked.With("%s already staked on market %s", caller, m.ID)
		case !errors.Is(err, market.ErrResolverNotFound):
			return err
		}
		if m.ResolverCount >= market.MaxResolvers {
			return market.ErrResolverSlotsExhausted.With("market %s has %d resolvers", m.ID, m.ResolverCount)
		}

		if err := e.transfer(ctx, tx, ledger.NewUserAccountKey(caller, ledger.Collateral), ledger.StakeVaultAccount(m.ID), amount); err != nil {
			return err
		}
		m.ResolverCount++
		tx.resolvers = append(tx.resolvers, &market.Resolver{
			MarketID:    m.ID,
			Authority:   caller,
			StakeAmount: amount,
			StakedAt:    tx.now,
		})
		tx.emit(&event.ResolverStaked{
			Base:          tx.base(),
			Resolver:      caller,
			Stake:         amount,
			ResolverCount: m.ResolverCount,
		})
		return nil
	})
}

// SubmitAttestation records a resolver's sealed vote after end_time. The
// attestation that first reaches quorum moves the market to Computing and
// queues the resolution; a failed dispatch does not fail the attestation.
func (e *Engine) SubmitAttestation(ctx context.Context, caller string, id uuid.UUID, sealedVote []byte) error {
	return e.update(ctx, "submit_attestation", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive, market.StateAwaitingAttestation); err != nil {
			return err
		}
		if err := m.RequireEnded(tx.op, tx.now); err != nil {
			return err
		}
		r, err := e.repo.GetResolver(ctx, m.ID, caller)
		if err != nil {
			return err
		}
		r = r.Clone()
		if err := r.Attest(sealedVote, tx.now); err != nil {
			return err
		}
		tx.resolvers = append(tx.resolvers, r)

		before := m.AttestationCount
		m.AttestationCount++
		if m.State == market.StateActive {
			if err := m.Transition(market.StateAwaitingAttestation); err != nil {
				return err
			}
		}

		tx.emit(&event.AttestationSubmitted{
			Base:             tx.base(),
			Resolver:         caller,
			Commitment:       r.AttestationCommitment.String(),
			AttestationCount: m.AttestationCount,
			State:            m.State.String(),
		})

		if !resolution.Crossed(before, m.AttestationCount, m.ResolverQuorum) {
			return nil
		}
		if err := m.Transition(market.StateComputing); err != nil {
			return err
		}
		tx.emit(&event.QuorumReached{
			Base:             tx.base(),
			AttestationCount: m.AttestationCount,
			Quorum:           m.ResolverQuorum,
		})
		return e.queueResolution(ctx, tx, r, false)
	})
}

// RetryResolution re-queues the resolution of a Computing market whose
// previous computation failed. The authority or an operator may retry.
func (e *Engine) RetryResolution(ctx context.Context, caller string, id uuid.UUID) (uuid.UUID, error) {
	var handle uuid.UUID
	err := e.update(ctx, "retry_resolution", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateComputing); err != nil {
			return err
		}
		if !e.operators(caller) {
			if err := m.RequireAuthority(tx.op, caller); err != nil {
				return err
			}
		}
		if h, busy := e.gateway.Outstanding(m.ID, compute.KindResolution); busy {
			return market.ErrComputationOutstanding.With("resolution %s is outstanding", h)
		}
		if err := e.queueResolution(ctx, tx, nil, true); err != nil {
			return err
		}
		handle = tx.reserved[len(tx.reserved)-1]
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return handle, nil
}

// queueResolution reserves a resolution over every attested resolver.
// pending is the resolver written in this transaction, if any; the stored
// copy does not carry its attestation yet.
func (e *Engine) queueResolution(ctx context.Context, tx *txn, pending *market.Resolver, retry bool) error {
	stored, err := e.repo.ListResolvers(ctx, tx.m.ID)
	if err != nil {
		return err
	}
	resolvers := make([]*market.Resolver, 0, len(stored))
	for _, r := range stored {
		if pending != nil && r.Authority == pending.Authority {
			r = pending
		}
		resolvers = append(resolvers, r)
	}
	if err := resolution.RequireQuorum(tx.m, resolvers); err != nil {
		return err
	}

	var weights []compute.ResolverWeight
	var votes [][]byte
	for _, r := range resolvers {
		if !r.HasAttested {
			continue
		}
		weights = append(weights, compute.ResolverWeight{Authority: r.Authority, Weight: r.StakeAmount})
		votes = append(votes, r.SealedAttestation)
	}
	compute.SortResolvers(weights, votes)

	h, err := e.reserve(ctx, tx, compute.Request{
		Kind:          compute.KindResolution,
		PublicArgs:    compute.ResolutionArgs{Resolvers: weights}.Marshal(),
		EncryptedArgs: votes,
	}, resolutionApplier{e}, retry)
	if err != nil {
		return err
	}
	tx.emit(&event.ResolutionQueued{
		Base:   tx.base(),
		Handle: h,
		Retry:  retry,
	})
	return nil
}

// ResolveMarket lets the authority settle a Computing market directly with
// a binary outcome and an opaque proof.
func (e *Engine) ResolveMarket(ctx context.Context, caller string, id uuid.UUID, outcome market.Outcome, proof []byte) error {
	return e.update(ctx, "resolve_market", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateComputing); err != nil {
			return err
		}
		if err := m.RequireAuthority(tx.op, caller); err != nil {
			return err
		}
		if h, busy := e.gateway.Outstanding(m.ID, compute.KindResolution); busy {
			return market.ErrComputationOutstanding.With("resolution %s is outstanding", h)
		}
		if len(proof) == 0 {
			return market.ErrEmptyPayload.With("resolution proof is empty")
		}
		if err := resolution.Settle(m, outcome, 0, tx.now); err != nil {
			return err
		}
		tx.emit(&event.MarketResolved{
			Base:       tx.base(),
			Outcome:    outcome.String(),
			Confidence: 0,
		})
		return nil
	})
}

type resolutionApplier struct{ e *Engine }

func (a resolutionApplier) Apply(ctx context.Context, p *compute.Pending, payload []byte) error {
	res, err := compute.UnmarshalResolutionResult(payload)
	if err != nil {
		return err
	}
	return a.e.update(ctx, "apply_resolution", p.Caller, p.MarketID, func(tx *txn) error {
		if err := resolution.Settle(tx.m, res.Outcome, res.Confidence, tx.now); err != nil {
			return err
		}
		handle := p.Handle
		tx.emit(&event.MarketResolved{
			Base:       tx.base(),
			Outcome:    res.Outcome.String(),
			Confidence: res.Confidence,
			Handle:     &handle,
		})
		return nil
	})
}

func (a resolutionApplier) Fail(ctx context.Context, p *compute.Pending, cause error) error {
	a.e.reportFailure(ctx, p.MarketID, p.Handle, p.Kind, computationStatus(cause), cause)
	return nil
}
