package core

import (
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/market"
	pmmath "PrivateMarkets/internal/math"
	"context"

	"github.com/google/uuid"
)

// CreateMarket opens a new Active market owned by caller.
func (e *Engine) CreateMarket(ctx context.Context, caller string, p market.Params) (*market.Market, error) {
	id := uuid.New()
	var created *market.Market
	err := e.run(ctx, "create_market", caller, id, true, func(tx *txn) error {
		m, err := market.New(id, caller, p, tx.now)
		if err != nil {
			return err
		}
		tx.m = m
		tx.emit(&event.MarketCreated{
			Base:           tx.base(),
			Authority:      m.Authority,
			Question:       m.Question,
			EndTime:        m.EndTime,
			FeeBps:         m.FeeBps,
			BatchInterval:  m.BatchInterval,
			NextBatchClear: m.NextBatchClear,
			ResolverQuorum: m.ResolverQuorum,
			YesReserves:    m.YesReserves,
			NoReserves:     m.NoReserves,
		})
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// DepositCollateral locks collateral in the market vault and mints the
// depositor an equal amount of YES and NO tokens.
func (e *Engine) DepositCollateral(ctx context.Context, caller string, id uuid.UUID, amount uint64) error {
	return e.update(ctx, "deposit_collateral", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireOpen(tx.op, tx.now); err != nil {
			return err
		}
		if err := lockCollateral(tx, amount); err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, ledger.NewUserAccountKey(caller, ledger.Collateral), ledger.VaultAccount(m.ID), amount); err != nil {
			return err
		}
		if err := e.mintPaired(ctx, tx, caller, amount); err != nil {
			return err
		}
		tx.emit(&event.CollateralDeposited{
			Base:             tx.base(),
			Depositor:        caller,
			Amount:           amount,
			CollateralLocked: m.CollateralLocked,
		})
		return nil
	})
}

// MintOutcomeTokens lets the authority issue paired tokens to itself. The
// authority's collateral backs them in the vault, so every outstanding pair
// stays redeemable. Unlike deposits it is allowed after end_time while the
// market is still Active.
func (e *Engine) MintOutcomeTokens(ctx context.Context, caller string, id uuid.UUID, amount uint64) error {
	return e.update(ctx, "mint_outcome_tokens", caller, id, func(tx *txn) error {
		m := tx.m
		if err := m.Require(tx.op, market.StateActive); err != nil {
			return err
		}
		if err := m.RequireAuthority(tx.op, caller); err != nil {
			return err
		}
		if err := lockCollateral(tx, amount); err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, ledger.NewUserAccountKey(caller, ledger.Collateral), ledger.VaultAccount(m.ID), amount); err != nil {
			return err
		}
		if err := e.mintPaired(ctx, tx, caller, amount); err != nil {
			return err
		}
		tx.emit(&event.OutcomeTokensMinted{
			Base:      tx.base(),
			Recipient: caller,
			Amount:    amount,
		})
		return nil
	})
}

func lockCollateral(tx *txn, amount uint64) error {
	if amount == 0 {
		return market.ErrZeroAmount.With("%s amount is zero", tx.op)
	}
	locked, ok := pmmath.CheckedAdd(tx.m.CollateralLocked, amount)
	if !ok {
		return market.ErrOverflow.With("collateral locked %d + %d", tx.m.CollateralLocked, amount)
	}
	tx.m.CollateralLocked = locked
	return nil
}

// RedeemTokens burns winning tokens and pays out collateral 1:1 from the
// market vault. The resolved market record is not touched; the vault
// balance bounds the payout.
func (e *Engine) RedeemTokens(ctx context.Context, caller string, id uuid.UUID, side market.Side, amount uint64) error {
	return e.settle(ctx, "redeem_tokens", caller, id, func(tx *txn) error {
		m := tx.m
		if !side.Valid() {
			return market.ErrInvalidSide.With("side %d", side)
		}
		if side.Outcome() != m.FinalOutcome {
			return market.ErrInvalidOutcome.With("only %s tokens redeem in market %s", m.FinalOutcome, m.ID)
		}
		if amount == 0 {
			return market.ErrZeroAmount.With("redeem amount is zero")
		}
		vault := ledger.VaultAccount(m.ID)
		held := e.ledger.AccountBalance(vault)
		if held < 0 || uint64(held) < amount {
			return market.ErrInsufficientFunds.With("vault holds %d, redeem %d", held, amount)
		}

		asset := ledger.YesToken(m.ID)
		if side == market.SideNo {
			asset = ledger.NoToken(m.ID)
		}
		if err := e.transfer(ctx, tx, vault, ledger.NewUserAccountKey(caller, ledger.Collateral), amount); err != nil {
			return err
		}
		if err := e.burn(ctx, tx, caller, asset, amount); err != nil {
			return err
		}
		tx.emit(&event.TokensRedeemed{
			Base:         tx.base(),
			Holder:       caller,
			Side:         side.String(),
			Amount:       amount,
			VaultBalance: uint64(held) - amount,
		})
		return nil
	})
}
