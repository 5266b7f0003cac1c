package core

import (
	"PrivateMarkets/internal/auction"
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/market"
	"context"

	"github.com/google/uuid"
)

// SubmitBatchOrder adds a sealed order to the current batch window.
func (e *Engine) SubmitBatchOrder(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, sealedOrder []byte) (uint32, error) {
	var number uint32
	err := e.update(ctx, "submit_batch_order", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireOpen(tx.op, tx.now); err != nil {
			return err
		}
		if tx.now >= m.NextBatchClear {
			return market.ErrBatchWindowClosed.With("batch window closed at %d (now %d)", m.NextBatchClear, tx.now)
		}
		if commitment.IsZero() {
			return market.ErrInvalidCommitment.With("order commitment is all zero")
		}
		if len(sealedOrder) == 0 {
			return market.ErrEmptyPayload.With("sealed order is empty")
		}

		acc := auction.Accumulator{Root: m.BatchOrderRoot, Count: m.BatchOrderCount}
		if err := acc.Add(commitment); err != nil {
			return err
		}
		number = m.BatchOrderCount
		m.BatchOrderRoot, m.BatchOrderCount = acc.Root, acc.Count

		tx.orders = append(tx.orders, &market.BatchOrder{
			MarketID:    m.ID,
			Epoch:       m.BatchEpoch,
			Number:      number,
			Commitment:  commitment,
			Sealed:      sealedOrder,
			Submitter:   caller,
			SubmittedAt: tx.now,
		})
		tx.emit(&event.BatchOrderSubmitted{
			Base:        tx.base(),
			Epoch:       m.BatchEpoch,
			OrderNumber: number,
			Commitment:  commitment.String(),
			OrderRoot:   m.BatchOrderRoot.String(),
		})
		return nil
	})
	return number, err
}

// QueueBatchClear closes the current window. An empty window clears at
// once at the default price; otherwise the sealed orders go to the cluster
// and cleared reports false.
func (e *Engine) QueueBatchClear(ctx context.Context, caller string, id uuid.UUID) (handle uuid.UUID, cleared bool, err error) {
	err = e.update(ctx, "queue_batch_clear", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if tx.now < m.NextBatchClear {
			return market.ErrBatchWindowOpen.With("batch window open until %d (now %d)", m.NextBatchClear, tx.now)
		}

		if m.BatchOrderCount == 0 {
			res, err := auction.ClearDemand(0, 0)
			if err != nil {
				return err
			}
			cleared = true
			return e.clear(tx, uuid.Nil, m.StateCommitment, res)
		}

		orders, err := e.repo.ListBatchOrders(ctx, m.ID, m.BatchEpoch)
		if err != nil {
			return err
		}
		if len(orders) != int(m.BatchOrderCount) {
			return market.ErrInvalidState.With("epoch %d: %d orders stored, %d counted", m.BatchEpoch, len(orders), m.BatchOrderCount)
		}
		sealedOrders := make([][]byte, len(orders))
		for i, o := range orders {
			sealedOrders[i] = o.Sealed
		}
		args := compute.BatchArgs{
			Epoch:       m.BatchEpoch,
			OrderCount:  m.BatchOrderCount,
			OrderRoot:   m.BatchOrderRoot,
			YesReserves: m.YesReserves,
			NoReserves:  m.NoReserves,
		}
		h, err := e.reserve(ctx, tx, compute.Request{
			Kind:          compute.KindBatchClear,
			PublicArgs:    args.Marshal(),
			EncryptedArgs: sealedOrders,
		}, batchApplier{e}, true)
		if err != nil {
			return err
		}
		handle = h
		tx.emit(&event.BatchClearQueued{
			Base:       tx.base(),
			Handle:     h,
			Epoch:      m.BatchEpoch,
			OrderCount: m.BatchOrderCount,
		})
		return nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	return handle, cleared, nil
}

// ApplyBatchClear lets the authority apply a clear computed elsewhere. The
// ledger recomputes the price from the demand and rejects a mismatch.
func (e *Engine) ApplyBatchClear(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, price, dYes, dNo uint64) error {
	return e.update(ctx, "apply_batch_clear", caller, id, func(tx *txn) error {
		if err := tx.m.RequireAuthority(tx.op, caller); err != nil {
			return err
		}
		if h, busy := e.gateway.Outstanding(tx.m.ID, compute.KindBatchClear); busy {
			return market.ErrComputationOutstanding.With("batch clear %s is outstanding", h)
		}
		return e.applyClear(tx, uuid.Nil, commitment, price, dYes, dNo)
	})
}

func (e *Engine) applyClear(tx *txn, handle uuid.UUID, commitment market.Commitment, price, dYes, dNo uint64) error {
	m := tx.m
	if err := m.Require(tx.op, market.StateActive); err != nil {
		return err
	}
	if tx.now < m.NextBatchClear {
		return market.ErrBatchWindowOpen.With("batch window open until %d (now %d)", m.NextBatchClear, tx.now)
	}
	if commitment.IsZero() {
		return market.ErrInvalidCommitment.With("clear commitment is all zero")
	}
	res, err := auction.ClearDemand(dYes, dNo)
	if err != nil {
		return err
	}
	if res.ClearingPrice != price {
		return market.ErrPriceMismatch.With("clearing price %d, recomputed %d", price, res.ClearingPrice)
	}
	return e.clear(tx, handle, commitment, res)
}

func (e *Engine) clear(tx *txn, handle uuid.UUID, commitment market.Commitment, res auction.Result) error {
	m := tx.m
	applied, err := res.Apply(cfmm.Of(m))
	if err != nil {
		return err
	}
	if err := cfmm.Commit(m, applied); err != nil {
		return err
	}
	epoch, count := m.BatchEpoch, m.BatchOrderCount
	m.StateCommitment = commitment
	m.ResetBatch(tx.now, res.ClearingPrice)

	evt := &event.BatchCleared{
		Base:            tx.base(),
		Epoch:           epoch,
		OrderCount:      count,
		ClearingPrice:   res.ClearingPrice,
		FilledYes:       res.FilledYes,
		FilledNo:        res.FilledNo,
		YesReserves:     m.YesReserves,
		NoReserves:      m.NoReserves,
		StateCommitment: commitment.String(),
		NextBatchClear:  m.NextBatchClear,
	}
	if handle != uuid.Nil {
		evt.Handle = &handle
	}
	tx.emit(evt)
	return nil
}

type batchApplier struct{ e *Engine }

func (a batchApplier) Apply(ctx context.Context, p *compute.Pending, payload []byte) error {
	res, err := compute.UnmarshalBatchClearResult(payload)
	if err != nil {
		return err
	}
	args, err := compute.UnmarshalBatchArgs(p.PublicArgs)
	if err != nil {
		return err
	}
	return a.e.update(ctx, "apply_batch_clear", p.Caller, p.MarketID, func(tx *txn) error {
		if tx.m.BatchEpoch != args.Epoch {
			return market.ErrInvalidState.With("clear for epoch %d, market is at epoch %d", args.Epoch, tx.m.BatchEpoch)
		}
		return a.e.applyClear(tx, p.Handle, res.Commitment, res.ClearingPrice, res.DemandYes, res.DemandNo)
	})
}

func (a batchApplier) Fail(ctx context.Context, p *compute.Pending, cause error) error {
	a.e.reportFailure(ctx, p.MarketID, p.Handle, p.Kind, computationStatus(cause), cause)
	return nil
}
