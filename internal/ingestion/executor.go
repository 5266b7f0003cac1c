package ingestion

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the set of market operations a command can reach.
type Engine interface {
	CreateMarket(ctx context.Context, caller string, p market.Params) (*market.Market, error)
	DepositCollateral(ctx context.Context, caller string, id uuid.UUID, amount uint64) error
	MintOutcomeTokens(ctx context.Context, caller string, id uuid.UUID, amount uint64) error
	RedeemTokens(ctx context.Context, caller string, id uuid.UUID, side market.Side, amount uint64) error
	StakeResolver(ctx context.Context, caller string, id uuid.UUID, amount uint64) error
	SubmitAttestation(ctx context.Context, caller string, id uuid.UUID, sealedVote []byte) error
	RetryResolution(ctx context.Context, caller string, id uuid.UUID) (uuid.UUID, error)
	ResolveMarket(ctx context.Context, caller string, id uuid.UUID, outcome market.Outcome, proof []byte) error
	SubmitPrivateTrade(ctx context.Context, caller string, id uuid.UUID, sealedOrder []byte, maxPrice uint64) (uuid.UUID, error)
	UpdateCfmmState(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, dYes, dNo int64) error
	SubmitBatchOrder(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, sealedOrder []byte) (uint32, error)
	QueueBatchClear(ctx context.Context, caller string, id uuid.UUID) (uuid.UUID, bool, error)
	ApplyBatchClear(ctx context.Context, caller string, id uuid.UUID, commitment market.Commitment, price, dYes, dNo uint64) error
}

// Funder credits external collateral to an owner. *ledger.Ledger satisfies it.
type Funder interface {
	Fund(ctx context.Context, ref, owner string, amount uint64) error
}

// Result is what a command returns to its caller.
type Result struct {
	Op         Op             `json:"op"`
	MarketID   *uuid.UUID     `json:"market_id,omitempty"`
	Handle     *uuid.UUID     `json:"handle,omitempty"`
	OrderIndex *uint32        `json:"order_index,omitempty"`
	Cleared    *bool          `json:"cleared,omitempty"`
	Market     *market.Market `json:"-"`
}

// Executor runs parsed commands against the engine. HTTP handlers and the
// NATS command consumer share it.
type Executor struct {
	engine    Engine
	funder    Funder
	operators func(caller string) bool
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewExecutor builds an executor. operators decides who may fund accounts;
// nil means nobody.
func NewExecutor(engine Engine, funder Funder, operators func(string) bool, metrics *observability.Metrics, logger zerolog.Logger) *Executor {
	if operators == nil {
		operators = func(string) bool { return false }
	}
	return &Executor{
		engine:    engine,
		funder:    funder,
		operators: operators,
		metrics:   metrics,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute dispatches one command.
func (x *Executor) Execute(ctx context.Context, cmd Command) (Result, error) {
	res := Result{Op: cmd.Op}
	if cmd.Op != OpCreateMarket && cmd.Op != OpFund {
		id := cmd.MarketID
		res.MarketID = &id
	}

	var err error
	switch cmd.Op {
	case OpCreateMarket:
		var m *market.Market
		m, err = x.engine.CreateMarket(ctx, cmd.Caller, cmd.Params)
		if err == nil {
			res.Market = m
			res.MarketID = &m.ID
		}

	case OpFund:
		err = x.fund(ctx, cmd)

	case OpDeposit:
		err = x.engine.DepositCollateral(ctx, cmd.Caller, cmd.MarketID, cmd.Amount)

	case OpMint:
		err = x.engine.MintOutcomeTokens(ctx, cmd.Caller, cmd.MarketID, cmd.Amount)

	case OpTrade:
		var h uuid.UUID
		h, err = x.engine.SubmitPrivateTrade(ctx, cmd.Caller, cmd.MarketID, cmd.Sealed, cmd.MaxPrice)
		if err == nil {
			res.Handle = &h
		}

	case OpUpdateCfmm:
		err = x.engine.UpdateCfmmState(ctx, cmd.Caller, cmd.MarketID, cmd.Commitment, cmd.DeltaYes, cmd.DeltaNo)

	case OpBatchOrder:
		var idx uint32
		idx, err = x.engine.SubmitBatchOrder(ctx, cmd.Caller, cmd.MarketID, cmd.Commitment, cmd.Sealed)
		if err == nil {
			res.OrderIndex = &idx
		}

	case OpBatchClear:
		var (
			h       uuid.UUID
			cleared bool
		)
		h, cleared, err = x.engine.QueueBatchClear(ctx, cmd.Caller, cmd.MarketID)
		if err == nil {
			res.Cleared = &cleared
			if h != uuid.Nil {
				res.Handle = &h
			}
		}

	case OpApplyBatchClear:
		err = x.engine.ApplyBatchClear(ctx, cmd.Caller, cmd.MarketID, cmd.Commitment, cmd.Price, cmd.DemandYes, cmd.DemandNo)

	case OpStake:
		err = x.engine.StakeResolver(ctx, cmd.Caller, cmd.MarketID, cmd.Amount)

	case OpAttest:
		err = x.engine.SubmitAttestation(ctx, cmd.Caller, cmd.MarketID, cmd.Sealed)

	case OpRetryResolution:
		var h uuid.UUID
		h, err = x.engine.RetryResolution(ctx, cmd.Caller, cmd.MarketID)
		if err == nil {
			res.Handle = &h
		}

	case OpResolve:
		err = x.engine.ResolveMarket(ctx, cmd.Caller, cmd.MarketID, cmd.Outcome, cmd.Proof)

	case OpRedeem:
		err = x.engine.RedeemTokens(ctx, cmd.Caller, cmd.MarketID, cmd.Side, cmd.Amount)

	default:
		err = market.ErrInvalidPayload.With("unknown command %q", cmd.Op)
	}

	if err != nil {
		x.logger.Debug().
			Err(err).
			Str("op", string(cmd.Op)).
			Str("caller", cmd.Caller).
			Str("category", market.CategoryOf(err).String()).
			Msg("command rejected")
		return Result{}, err
	}
	return res, nil
}

func (x *Executor) fund(ctx context.Context, cmd Command) error {
	if x.funder == nil {
		return fmt.Errorf("ingestion: no funder configured")
	}
	if !x.operators(cmd.Caller) {
		return market.ErrUnauthorized.With("fund: %q is not an operator", cmd.Caller)
	}
	if err := market.ValidateIdentity(cmd.Owner); err != nil {
		return err
	}
	if cmd.Amount == 0 {
		return market.ErrZeroAmount.With("fund amount must be positive")
	}
	ref := fmt.Sprintf("fund:%s:%d", cmd.Owner, time.Now().UnixNano())
	return x.funder.Fund(ctx, ref, cmd.Owner, cmd.Amount)
}
