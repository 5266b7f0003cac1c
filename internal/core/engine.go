package core

import (
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultMinResolverStake = 1_000_000

// Config wires an Engine. Locker and Clock default to an in-process keyed
// mutex and the system clock.
type Config struct {
	Repo    market.Repository
	Ledger  ledger.TokenLedger
	Gateway *compute.Gateway
	Emitter *Emitter
	Locker  Locker
	Clock   Clock

	CreditPolicy     cfmm.CreditPolicy
	MinResolverStake uint64
	// Operators may retry resolutions of any market.
	Operators func(caller string) bool

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Engine runs every market operation. Each operation locks its market,
// works on a clone, moves tokens, commits the changeset and only then
// emits events and dispatches computations. A rejected operation leaves
// the stored market, its resolvers and all balances as they were.
type Engine struct {
	repo    market.Repository
	ledger  ledger.TokenLedger
	gateway *compute.Gateway
	emitter *Emitter
	locker  Locker
	clock   Clock

	policy    cfmm.CreditPolicy
	minStake  uint64
	operators func(string) bool

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Repo == nil || cfg.Ledger == nil || cfg.Gateway == nil || cfg.Emitter == nil {
		return nil, errors.New("core: repo, ledger, gateway and emitter are required")
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.MinResolverStake == 0 {
		cfg.MinResolverStake = DefaultMinResolverStake
	}
	if cfg.Operators == nil {
		cfg.Operators = func(string) bool { return false }
	}
	e := &Engine{
		repo:      cfg.Repo,
		ledger:    cfg.Ledger,
		gateway:   cfg.Gateway,
		emitter:   cfg.Emitter,
		locker:    cfg.Locker,
		clock:     cfg.Clock,
		policy:    cfg.CreditPolicy,
		minStake:  cfg.MinResolverStake,
		operators: cfg.Operators,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}

	e.gateway.Register(compute.KindTrade, compute.Schema{
		AllowedStates: []market.State{market.StateActive},
		PayloadSize:   compute.TradeResultSize,
	})
	e.gateway.Register(compute.KindBatchClear, compute.Schema{
		AllowedStates: []market.State{market.StateActive},
		PayloadSize:   compute.BatchClearResultSize,
	})
	e.gateway.Register(compute.KindResolution, compute.Schema{
		AllowedStates: []market.State{market.StateComputing},
		PayloadSize:   compute.ResolutionResultSize,
	})
	return e, nil
}

// ============================================================================
// Transactions
// ============================================================================

// txn collects everything one operation changes.
type txn struct {
	op     string
	caller string
	ref    string
	now    int64

	m         *market.Market
	create    bool
	resolvers []*market.Resolver
	orders    []*market.BatchOrder
	events    []event.Event

	// undo runs in reverse order when the operation fails after moving tokens.
	undo []func(context.Context) error
	// reserved handles are released on failure.
	reserved []uuid.UUID
	// after runs once the market lock is released.
	after []func(context.Context) error
	// readOnly skips the commit; the operation only moves tokens.
	readOnly bool
}

func (tx *txn) emit(evt event.Event) { tx.events = append(tx.events, evt) }

func (tx *txn) base() event.Base { return event.Base{MarketID: tx.m.ID, At: tx.now} }

// update runs fn against a clone of the stored market under its lock.
func (e *Engine) update(ctx context.Context, op, caller string, id uuid.UUID, fn func(tx *txn) error) error {
	return e.run(ctx, op, caller, id, false, func(tx *txn) error {
		stored, err := e.repo.GetMarket(ctx, id)
		if err != nil {
			return err
		}
		tx.m = stored.Clone()
		return fn(tx)
	})
}

// settle runs fn against a Resolved market that stays immutable: tokens
// move and events are emitted, but no new record version is written.
func (e *Engine) settle(ctx context.Context, op, caller string, id uuid.UUID, fn func(tx *txn) error) error {
	return e.run(ctx, op, caller, id, false, func(tx *txn) error {
		stored, err := e.repo.GetMarket(ctx, id)
		if err != nil {
			return err
		}
		if stored.State != market.StateResolved {
			return market.ErrMarketNotResolved.With("%s requires a resolved market, market %s is %s", op, id, stored.State)
		}
		tx.m = stored
		tx.readOnly = true
		return fn(tx)
	})
}

func (e *Engine) run(ctx context.Context, op, caller string, id uuid.UUID, create bool, fn func(tx *txn) error) (err error) {
	started := time.Now()
	defer func() {
		cat := ""
		if err != nil {
			cat = market.CategoryOf(err).String()
		}
		e.metrics.OperationDone(op, started, cat)
	}()

	unlock, err := e.locker.Lock(ctx, id.String())
	if err != nil {
		return fmt.Errorf("%s: lock market %s: %w", op, id, err)
	}

	tx := &txn{
		op:     op,
		caller: caller,
		ref:    fmt.Sprintf("%s:%s:%s", op, id, uuid.NewString()),
		now:    e.clock.Now(),
		create: create,
	}

	// Step 1: Build the changeset on a clone
	if err := fn(tx); err != nil {
		e.rollback(ctx, tx)
		unlock()
		return err
	}

	// Step 2: Commit atomically
	if !tx.readOnly {
		if err := e.commit(ctx, tx); err != nil {
			e.rollback(ctx, tx)
			unlock()
			return err
		}
	}

	// Step 3: Emit while still holding the lock so per-market event order
	// matches commit order
	e.publish(tx)
	unlock()

	// Step 4: Post-commit actions (dispatch)
	for _, fn := range tx.after {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commit(ctx context.Context, tx *txn) error {
	if err := checkInvariants(tx.m); err != nil {
		return err
	}
	err := e.repo.Commit(ctx, market.Changeset{
		Market:      tx.m,
		Resolvers:   tx.resolvers,
		BatchOrders: tx.orders,
		Create:      tx.create,
	})
	if errors.Is(err, market.ErrConcurrentModification) {
		e.metrics.CommitConflict()
	}
	if err != nil {
		return fmt.Errorf("%s: commit market %s: %w", tx.op, tx.m.ID, err)
	}
	return nil
}

func (e *Engine) publish(tx *txn) {
	record, err := tx.m.MarshalBinary()
	if err != nil {
		e.logger.Error().Err(err).Str("market_id", tx.m.ID.String()).Msg("encode market record")
		return
	}
	for i, evt := range tx.events {
		key := fmt.Sprintf("%s:%d:%d", tx.m.ID, tx.m.Version, i)
		if tx.readOnly {
			// The version does not move, so the operation ref keys the event.
			key = fmt.Sprintf("%s:%d", tx.ref, i)
		}
		if _, err := e.emitter.Emit(key, evt, record); err != nil {
			e.logger.Error().Err(err).
				Str("market_id", tx.m.ID.String()).
				Str("event_type", evt.EventType().String()).
				Msg("emit event")
		}
	}
}

func (e *Engine) rollback(ctx context.Context, tx *txn) {
	for _, h := range tx.reserved {
		e.gateway.Release(h)
	}
	if len(tx.undo) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if err := tx.undo[i](ctx); err != nil {
			e.logger.Error().Err(err).
				Str("op", tx.op).
				Str("ref", tx.ref).
				Msg("FATAL: token movement compensation failed")
		}
	}
}

// checkInvariants guards every commit.
func checkInvariants(m *market.Market) error {
	if m.YesReserves == 0 || m.NoReserves == 0 {
		return market.ErrInvalidCFMMState.With("market %s reserve product not positive", m.ID)
	}
	if m.ResolverCount > market.MaxResolvers {
		return market.ErrResolverSlotsExhausted.With("market %s has %d resolvers", m.ID, m.ResolverCount)
	}
	if m.AttestationCount > m.ResolverCount {
		return market.ErrInvalidState.With("market %s has %d attestations from %d resolvers", m.ID, m.AttestationCount, m.ResolverCount)
	}
	if (m.State == market.StateResolved) != (m.FinalOutcome != market.OutcomeUnresolved) {
		return market.ErrInvalidState.With("market %s outcome %s in state %s", m.ID, m.FinalOutcome, m.State)
	}
	return nil
}

// ============================================================================
// Token movements
// ============================================================================

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return market.ErrInsufficientFunds.With("%v", err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return market.ErrOverflow.With("%v", err)
	}
	return err
}

// transfer moves amount of one asset between two accounts through the
// ledger's clearing account.
func (e *Engine) transfer(ctx context.Context, tx *txn, from, to ledger.AccountKey, amount uint64) error {
	if err := e.ledger.Debit(ctx, tx.ref, from, amount); err != nil {
		return ledgerError(err)
	}
	if err := e.ledger.Credit(ctx, tx.ref, to, amount); err != nil {
		if uerr := e.ledger.Credit(context.WithoutCancel(ctx), tx.ref+":undo", from, amount); uerr != nil {
			e.logger.Error().Err(uerr).Str("ref", tx.ref).Msg("FATAL: token movement compensation failed")
		}
		return ledgerError(err)
	}
	tx.undo = append(tx.undo, func(ctx context.Context) error {
		if err := e.ledger.Debit(ctx, tx.ref+":undo", to, amount); err != nil {
			return err
		}
		return e.ledger.Credit(ctx, tx.ref+":undo", from, amount)
	})
	return nil
}

func (e *Engine) mintPaired(ctx context.Context, tx *txn, owner string, amount uint64) error {
	id := tx.m.ID
	if err := e.ledger.MintPaired(ctx, tx.ref, owner, id, amount); err != nil {
		return ledgerError(err)
	}
	tx.undo = append(tx.undo, func(ctx context.Context) error {
		if err := e.ledger.Burn(ctx, tx.ref+":undo", owner, ledger.YesToken(id), amount); err != nil {
			return err
		}
		return e.ledger.Burn(ctx, tx.ref+":undo", owner, ledger.NoToken(id), amount)
	})
	return nil
}

// burn retires outcome tokens. The compensation re-mints the pair and burns
// the other side, which nets back to the burned side only.
func (e *Engine) burn(ctx context.Context, tx *txn, owner string, asset ledger.Asset, amount uint64) error {
	if err := e.ledger.Burn(ctx, tx.ref, owner, asset, amount); err != nil {
		return ledgerError(err)
	}
	id := tx.m.ID
	other := ledger.NoToken(id)
	if asset.Kind == ledger.AssetNo {
		other = ledger.YesToken(id)
	}
	tx.undo = append(tx.undo, func(ctx context.Context) error {
		if err := e.ledger.MintPaired(ctx, tx.ref+":undo", owner, id, amount); err != nil {
			return err
		}
		return e.ledger.Burn(ctx, tx.ref+":undo", owner, other, amount)
	})
	return nil
}

// ============================================================================
// Computations
// ============================================================================

// reserve records a computation under the market lock. Dispatch happens
// after commit. A dispatch failure releases the handle and is returned to
// the caller only when surface is set.
func (e *Engine) reserve(ctx context.Context, tx *txn, req compute.Request, applier compute.Applier, surface bool) (uuid.UUID, error) {
	req.MarketID = tx.m.ID
	req.State = tx.m.State
	req.Caller = tx.caller
	p, err := e.gateway.Reserve(ctx, req, applier)
	if err != nil {
		return uuid.Nil, err
	}
	tx.reserved = append(tx.reserved, p.Handle)
	handle, kind, marketID := p.Handle, p.Kind, p.MarketID

	tx.after = append(tx.after, func(ctx context.Context) error {
		err := e.gateway.Dispatch(ctx, handle)
		if err == nil {
			return nil
		}
		e.gateway.Release(handle)
		e.reportFailure(ctx, marketID, handle, kind, "undeliverable", err)
		if surface {
			return err
		}
		return nil
	})
	return p.Handle, nil
}

// reportFailure makes a failed computation observable. The market itself
// is not changed: a failed trade or clear leaves reserves untouched and a
// failed resolution leaves the market Computing for RetryResolution.
func (e *Engine) reportFailure(ctx context.Context, marketID, handle uuid.UUID, kind compute.Kind, status string, cause error) {
	e.logger.Warn().Err(cause).
		Str("market_id", marketID.String()).
		Str("handle", handle.String()).
		Str("kind", string(kind)).
		Str("status", status).
		Msg("computation failed")

	unlock, err := e.locker.Lock(context.WithoutCancel(ctx), marketID.String())
	if err != nil {
		return
	}
	defer unlock()
	m, err := e.repo.GetMarket(ctx, marketID)
	if err != nil {
		e.logger.Error().Err(err).Str("market_id", marketID.String()).Msg("load market for failure event")
		return
	}
	record, err := m.MarshalBinary()
	if err != nil {
		return
	}
	evt := &event.ComputationFailed{
		Base:   event.Base{MarketID: marketID, At: e.clock.Now()},
		Handle: handle,
		Kind:   string(kind),
		Status: status,
		Reason: cause.Error(),
	}
	if _, err := e.emitter.Emit(fmt.Sprintf("%s:failed", handle), evt, record); err != nil {
		e.logger.Error().Err(err).Msg("emit computation failure")
	}
}

// computationStatus names the failure kind for the ComputationFailed event.
func computationStatus(cause error) string {
	switch {
	case errors.Is(cause, market.ErrComputationAborted):
		return compute.StatusAborted.String()
	case errors.Is(cause, market.ErrComputationFailed):
		return compute.StatusFailure.String()
	}
	return "rejected"
}

// ============================================================================
// Reads
// ============================================================================

func (e *Engine) Market(ctx context.Context, id uuid.UUID) (*market.Market, error) {
	return e.repo.GetMarket(ctx, id)
}

func (e *Engine) Markets(ctx context.Context, limit int) ([]*market.Market, error) {
	return e.repo.ListMarkets(ctx, limit)
}

func (e *Engine) Resolvers(ctx context.Context, id uuid.UUID) ([]*market.Resolver, error) {
	return e.repo.ListResolvers(ctx, id)
}

// Record returns the fixed-layout record of a market.
func (e *Engine) Record(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if rr, ok := e.repo.(market.RecordReader); ok {
		return rr.RawMarket(ctx, id)
	}
	m, err := e.repo.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.MarshalBinary()
}

// DueForClear lists markets whose batch window has closed.
func (e *Engine) DueForClear(ctx context.Context) ([]uuid.UUID, error) {
	return e.repo.ListDueForClear(ctx, e.clock.Now())
}

func (e *Engine) Now() int64 { return e.clock.Now() }
