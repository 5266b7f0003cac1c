package core

import (
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/market"
	"context"

	"github.com/google/uuid"
)

// SubmitPrivateTrade queues a confidential trade against the current
// reserve snapshot. Reserves change only when the result is applied.
func (e *Engine) SubmitPrivateTrade(ctx context.Context, caller string, id uuid.UUID, sealedOrder []byte, maxPrice uint64) (uuid.UUID, error) {
	var handle uuid.UUID
	err := e.update(ctx, "submit_private_trade", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireOpen(tx.op, tx.now); err != nil {
			return err
		}
		if len(sealedOrder) == 0 {
			return market.ErrEmptyPayload.With("sealed order is empty")
		}
		if m.YesReserves == 0 || m.NoReserves == 0 {
			return market.ErrInvalidCFMMState.With("reserves %d/%d", m.YesReserves, m.NoReserves)
		}

		args := compute.TradeArgs{
			YesReserves:     m.YesReserves,
			NoReserves:      m.NoReserves,
			StateCommitment: m.StateCommitment,
			MaxPrice:        maxPrice,
			OppositeSide:    e.policy == cfmm.OppositeSide,
		}
		h, err := e.reserve(ctx, tx, compute.Request{
			Kind:          compute.KindTrade,
			PublicArgs:    args.Marshal(),
			EncryptedArgs: [][]byte{sealedOrder},
		}, tradeApplier{e}, true)
		if err != nil {
			return err
		}
		handle = h
		tx.emit(&event.TradeQueued{
			Base:        tx.base(),
			Handle:      h,
			Trader:      caller,
			MaxPrice:    maxPrice,
			YesReserves: m.YesReserves,
			NoReserves:  m.NoReserves,
		})
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return handle, nil
}

// UpdateCfmmState applies reserve deltas computed off-ledger by the
// authority, together with the new reserve commitment.
func (e *Engine) UpdateCfmmState(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, dYes, dNo int64) error {
	return e.update(ctx, "update_cfmm_state", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireOpen(tx.op, tx.now); err != nil {
			return err
		}
		if err := m.RequireAuthority(tx.op, caller); err != nil {
			return err
		}
		if commitment.IsZero() {
			return market.ErrInvalidCommitment.With("state commitment is all zero")
		}
		res, err := cfmm.ApplyDelta(cfmm.Of(m), dYes, dNo)
		if err != nil {
			return err
		}
		if err := cfmm.Commit(m, res); err != nil {
			return err
		}
		m.StateCommitment = commitment
		tx.emit(&event.CfmmStateUpdated{
			Base:            tx.base(),
			DeltaYes:        res.DeltaYes,
			DeltaNo:         res.DeltaNo,
			Volume:          res.Volume,
			YesReserves:     m.YesReserves,
			NoReserves:      m.NoReserves,
			StateCommitment: commitment.String(),
		})
		return nil
	})
}

// tradeApplier applies revealed trades. The trade is re-priced against the
// reserves at apply time, so slippage holds even if other trades landed
// after this one was queued.
type tradeApplier struct{ e *Engine }

func (a tradeApplier) Apply(ctx context.Context, p *compute.Pending, payload []byte) error {
	res, err := compute.UnmarshalTradeResult(payload)
	if err != nil {
		return err
	}
	args, err := compute.UnmarshalTradeArgs(p.PublicArgs)
	if err != nil {
		return err
	}
	return a.e.update(ctx, "apply_trade", p.Caller, p.MarketID, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if res.Commitment.IsZero() {
			return market.ErrInvalidCommitment.With("trade result commitment is all zero")
		}
		trade, err := cfmm.Trade(cfmm.Of(m), res.Side, res.Amount, args.MaxPrice, a.e.policy)
		if err != nil {
			return err
		}
		if err := cfmm.Commit(m, trade); err != nil {
			return err
		}
		m.StateCommitment = res.Commitment
		tx.emit(&event.TradeExecuted{
			Base:            tx.base(),
			Handle:          p.Handle,
			DeltaYes:        trade.DeltaYes,
			DeltaNo:         trade.DeltaNo,
			Volume:          trade.Volume,
			Price:           trade.Price,
			YesReserves:     m.YesReserves,
			NoReserves:      m.NoReserves,
			StateCommitment: res.Commitment.String(),
		})
		return nil
	})
}

func (a tradeApplier) Fail(ctx context.Context, p *compute.Pending, cause error) error {
	a.e.reportFailure(ctx, p.MarketID, p.Handle, p.Kind, computationStatus(cause), cause)
	return nil
}
