package compute

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type outstandingKey struct {
	market uuid.UUID
	kind   Kind
}

// Gateway queues confidential computations and routes their callbacks to
// the applier waiting on them, at most once per handle.
type Gateway struct {
	mu          sync.Mutex
	schemas     map[Kind]Schema
	pending     map[uuid.UUID]*Pending
	outstanding map[outstandingKey]uuid.UUID

	retired    *RetiredSet
	dispatcher Dispatcher
	verifier   Verifier
	now        func() int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// GatewayConfig wires a Gateway. Verifier may be nil to accept unsigned
// callbacks (development only).
type GatewayConfig struct {
	Retired    *RetiredSet
	Dispatcher Dispatcher
	Verifier   Verifier
	Now        func() int64
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Retired == nil {
		cfg.Retired = NewRetiredSet(100_000, nil)
	}
	return &Gateway{
		schemas:     make(map[Kind]Schema),
		pending:     make(map[uuid.UUID]*Pending),
		outstanding: make(map[outstandingKey]uuid.UUID),
		retired:     cfg.Retired,
		dispatcher:  cfg.Dispatcher,
		verifier:    cfg.Verifier,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// SetDispatcher swaps the dispatcher. Used when the dispatcher itself needs
// a reference to the gateway (in-process cluster).
func (g *Gateway) SetDispatcher(d Dispatcher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dispatcher = d
}

// Register declares a computation kind. Re-registering replaces the schema.
func (g *Gateway) Register(kind Kind, schema Schema) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.schemas[kind] = schema
}

// Reserve validates and records a request without sending it. The engine
// reserves under its market lock and dispatches after committing.
func (g *Gateway) Reserve(ctx context.Context, req Request, applier Applier) (*Pending, error) {
	if applier == nil {
		return nil, fmt.Errorf("compute: reserve %s: nil applier", req.Kind)
	}
	handle := req.Handle
	if handle != uuid.Nil && g.retired.IsRetired(ctx, handle) {
		return nil, market.ErrHandleInUse.With("handle %s was already consumed", handle)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	schema, ok := g.schemas[req.Kind]
	if !ok {
		return nil, market.ErrKindNotRegistered.With("computation kind %q", req.Kind)
	}
	if !schema.allows(req.State) {
		return nil, market.ErrInvalidState.With("%s computation not allowed while market is %s", req.Kind, req.State)
	}
	key := outstandingKey{market: req.MarketID, kind: req.Kind}
	if h, busy := g.outstanding[key]; busy {
		return nil, market.ErrComputationOutstanding.With("%s computation %s outstanding for market %s", req.Kind, h, req.MarketID)
	}
	if handle == uuid.Nil {
		handle = uuid.New()
	} else if _, used := g.pending[handle]; used {
		return nil, market.ErrHandleInUse.With("handle %s is pending", handle)
	}

	p := &Pending{
		Handle:        handle,
		MarketID:      req.MarketID,
		Kind:          req.Kind,
		Caller:        req.Caller,
		PublicArgs:    req.PublicArgs,
		EncryptedArgs: req.EncryptedArgs,
		QueuedAt:      g.now(),
		applier:       applier,
	}
	g.pending[handle] = p
	g.outstanding[key] = handle
	g.metrics.ComputationQueued(string(req.Kind))
	return p, nil
}

// Dispatch sends a reserved computation to the cluster.
func (g *Gateway) Dispatch(ctx context.Context, handle uuid.UUID) error {
	g.mu.Lock()
	p, ok := g.pending[handle]
	d := g.dispatcher
	g.mu.Unlock()
	if !ok {
		return market.ErrUnknownHandle.With("handle %s", handle)
	}
	if d == nil {
		return fmt.Errorf("compute: no dispatcher configured")
	}

	if err := d.Dispatch(ctx, p); err != nil {
		return fmt.Errorf("compute: dispatch %s %s: %w", p.Kind, handle, err)
	}

	g.mu.Lock()
	p.Dispatched = true
	g.mu.Unlock()

	g.logger.Debug().
		Str("handle", handle.String()).
		Str("kind", string(p.Kind)).
		Str("market_id", p.MarketID.String()).
		Msg("computation dispatched")
	return nil
}

// Release drops a reservation that was never consumed. The handle is not
// retired and the (market, kind) slot frees up.
func (g *Gateway) Release(handle uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[handle]
	if !ok {
		return
	}
	g.drop(p)
	g.metrics.ComputationReleased(string(p.Kind))
}

// Queue reserves and dispatches in one step. A dispatch failure releases
// the reservation.
func (g *Gateway) Queue(ctx context.Context, req Request, applier Applier) (uuid.UUID, error) {
	p, err := g.Reserve(ctx, req, applier)
	if err != nil {
		return uuid.Nil, err
	}
	if err := g.Dispatch(ctx, p.Handle); err != nil {
		g.Release(p.Handle)
		return uuid.Nil, err
	}
	return p.Handle, nil
}

// DeliverCallback consumes the result of a computation.
func (g *Gateway) DeliverCallback(ctx context.Context, cb Callback) error {
	if g.verifier != nil {
		if err := g.verifier.Verify(cb); err != nil {
			g.metrics.CallbackRejected("signature")
			return err
		}
	}

	g.mu.Lock()
	p, ok := g.pending[cb.Handle]
	if ok {
		if p.delivering {
			g.mu.Unlock()
			g.metrics.CallbackRejected("in_progress")
			return market.ErrCallbackInProgress.With("handle %s", cb.Handle)
		}
		p.delivering = true
	}
	g.mu.Unlock()

	if !ok {
		if g.retired.IsRetired(ctx, cb.Handle) {
			g.metrics.CallbackRejected("retired")
			return market.ErrHandleRetired.With("handle %s already consumed", cb.Handle)
		}
		g.metrics.CallbackRejected("unknown")
		return market.ErrUnknownHandle.With("handle %s", cb.Handle)
	}

	log := g.logger.With().
		Str("handle", p.Handle.String()).
		Str("kind", string(p.Kind)).
		Str("market_id", p.MarketID.String()).
		Str("status", cb.Outcome.Status.String()).
		Logger()

	switch cb.Outcome.Status {
	case StatusSuccess:
		if err := g.checkPayload(p.Kind, cb.Outcome.Payload); err != nil {
			g.retire(ctx, p, StatusFailure)
			g.fail(ctx, p, err, log)
			return err
		}
		err := p.applier.Apply(ctx, p, cb.Outcome.Payload)
		if err == nil {
			g.retire(ctx, p, StatusSuccess)
			log.Info().Msg("computation applied")
			return nil
		}
		if market.CategoryOf(err) == market.CategoryUnknown {
			// Infrastructure failure: keep the handle pending for redelivery.
			g.mu.Lock()
			p.delivering = false
			g.mu.Unlock()
			log.Warn().Err(err).Msg("callback apply failed, handle kept pending")
			return err
		}
		g.retire(ctx, p, StatusFailure)
		g.fail(ctx, p, err, log)
		return err

	case StatusFailure, StatusAborted:
		cause := market.ErrComputationFailed
		if cb.Outcome.Status == StatusAborted {
			cause = market.ErrComputationAborted
		}
		err := cause.With("%s computation %s: %s", p.Kind, p.Handle, cb.Outcome.Reason)
		g.retire(ctx, p, cb.Outcome.Status)
		g.fail(ctx, p, err, log)
		return err

	default:
		g.mu.Lock()
		p.delivering = false
		g.mu.Unlock()
		g.metrics.CallbackRejected("status")
		return market.ErrInvalidPayload.With("unknown callback status %d", cb.Outcome.Status)
	}
}

// Outstanding returns the handle of the outstanding computation of kind
// for a market, if any.
func (g *Gateway) Outstanding(marketID uuid.UUID, kind Kind) (uuid.UUID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.outstanding[outstandingKey{market: marketID, kind: kind}]
	return h, ok
}

// Pending returns a copy of the pending record for a handle.
func (g *Gateway) Pending(handle uuid.UUID) (Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[handle]
	if !ok {
		return Pending{}, false
	}
	cp := *p
	cp.applier = nil
	return cp, true
}

// PendingCount is the number of computations awaiting callbacks.
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) checkPayload(kind Kind, payload []byte) error {
	g.mu.Lock()
	schema := g.schemas[kind]
	g.mu.Unlock()
	if len(payload) == 0 {
		return market.ErrEmptyPayload.With("%s callback payload is empty", kind)
	}
	if schema.PayloadSize > 0 && len(payload) != schema.PayloadSize {
		return market.ErrInvalidPayload.With("%s callback payload is %d bytes, want %d", kind, len(payload), schema.PayloadSize)
	}
	return nil
}

func (g *Gateway) retire(ctx context.Context, p *Pending, status Status) {
	now := g.now()
	err := g.retired.Retire(ctx, RetiredRecord{
		Handle:    p.Handle,
		MarketID:  p.MarketID,
		Kind:      p.Kind,
		Status:    status,
		RetiredAt: now,
	})
	if err != nil {
		g.logger.Error().Err(err).Str("handle", p.Handle.String()).Msg("persist retired handle")
	}

	g.mu.Lock()
	g.drop(p)
	g.mu.Unlock()

	g.metrics.CallbackConsumed(string(p.Kind), status.String(), float64(now-p.QueuedAt))
	g.metrics.SetRetiredSize(g.retired.Stats().Size)
}

// drop removes p from the in-flight maps. Caller holds g.mu.
func (g *Gateway) drop(p *Pending) {
	delete(g.pending, p.Handle)
	key := outstandingKey{market: p.MarketID, kind: p.Kind}
	if g.outstanding[key] == p.Handle {
		delete(g.outstanding, key)
	}
}

func (g *Gateway) fail(ctx context.Context, p *Pending, cause error, log zerolog.Logger) {
	log.Warn().Err(cause).Msg("computation failed")
	if err := p.applier.Fail(ctx, p, cause); err != nil {
		log.Error().Err(err).Msg("failure hook")
	}
}
