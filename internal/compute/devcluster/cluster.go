// Package devcluster is an in-process stand-in for the confidential compute
// cluster. It holds the cluster's sealing key, opens the sealed inputs of a
// dispatched computation, runs the same pricing, clearing and aggregation
// algorithms the real cluster runs, and delivers a signed callback.
package devcluster

import (
	"PrivateMarkets/internal/auction"
	"PrivateMarkets/internal/cfmm"
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/compute/sealed"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/resolution"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Deliverer receives the callbacks the cluster produces.
type Deliverer interface {
	DeliverCallback(ctx context.Context, cb compute.Callback) error
}

type Config struct {
	Keys   sealed.KeyPair
	Signer *compute.Signer
	// Delay is slept before each callback is delivered.
	Delay  time.Duration
	Logger zerolog.Logger
}

// Cluster implements compute.Dispatcher.
type Cluster struct {
	keys   sealed.KeyPair
	signer *compute.Signer
	delay  time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	deliverer Deliverer
	wg        sync.WaitGroup
	closed    bool
}

func New(cfg Config) *Cluster {
	return &Cluster{
		keys:   cfg.Keys,
		signer: cfg.Signer,
		delay:  cfg.Delay,
		logger: cfg.Logger,
	}
}

// Attach sets where callbacks go. The gateway is usually constructed with
// the cluster as its dispatcher, so attaching happens afterwards.
func (c *Cluster) Attach(d Deliverer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverer = d
}

// Dispatch computes the result in the background and delivers it.
func (c *Cluster) Dispatch(ctx context.Context, p *compute.Pending) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("devcluster: closed")
	}
	if c.deliverer == nil {
		return errors.New("devcluster: no deliverer attached")
	}
	d := c.deliverer
	job := *p
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.delay > 0 {
			time.Sleep(c.delay)
		}
		cb, err := c.Compute(&job)
		if err != nil {
			c.logger.Error().Err(err).Str("handle", job.Handle.String()).Msg("sign callback")
			return
		}
		if err := d.DeliverCallback(context.Background(), cb); err != nil {
			c.logger.Warn().Err(err).
				Str("handle", job.Handle.String()).
				Str("kind", string(job.Kind)).
				Msg("callback not applied")
		}
	}()
	return nil
}

// Wait blocks until every dispatched computation has been delivered.
func (c *Cluster) Wait() { c.wg.Wait() }

// Close stops accepting work and waits for in-flight callbacks.
func (c *Cluster) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

// Compute runs a computation synchronously and returns its signed callback.
// Input errors become Failure callbacks rather than Go errors.
func (c *Cluster) Compute(p *compute.Pending) (compute.Callback, error) {
	var (
		payload []byte
		err     error
	)
	switch p.Kind {
	case compute.KindTrade:
		payload, err = c.trade(p)
	case compute.KindBatchClear:
		payload, err = c.batchClear(p)
	case compute.KindResolution:
		payload, err = c.resolve(p)
	default:
		err = fmt.Errorf("unsupported kind %q", p.Kind)
	}

	cb := compute.Callback{Handle: p.Handle}
	if err != nil {
		cb.Outcome = compute.Outcome{Status: compute.StatusFailure, Reason: err.Error()}
	} else {
		cb.Outcome = compute.Outcome{Status: compute.StatusSuccess, Payload: payload}
	}
	if c.signer != nil {
		if err := c.signer.Sign(&cb); err != nil {
			return cb, err
		}
	}
	return cb, nil
}

func (c *Cluster) trade(p *compute.Pending) ([]byte, error) {
	args, err := compute.UnmarshalTradeArgs(p.PublicArgs)
	if err != nil {
		return nil, err
	}
	if len(p.EncryptedArgs) != 1 {
		return nil, fmt.Errorf("trade wants 1 sealed order, got %d", len(p.EncryptedArgs))
	}
	plain, err := c.keys.Open(p.EncryptedArgs[0])
	if err != nil {
		return nil, err
	}
	order, err := compute.UnmarshalTradeOrder(plain)
	if err != nil {
		return nil, err
	}

	policy := cfmm.SameSide
	if args.OppositeSide {
		policy = cfmm.OppositeSide
	}
	reserves := cfmm.Reserves{Yes: args.YesReserves, No: args.NoReserves}
	if _, err := cfmm.Trade(reserves, order.Side, order.Amount, args.MaxPrice, policy); err != nil {
		return nil, err
	}

	commitment, err := randomCommitment()
	if err != nil {
		return nil, err
	}
	return compute.TradeResult{Commitment: commitment, Side: order.Side, Amount: order.Amount}.Marshal(), nil
}

func (c *Cluster) batchClear(p *compute.Pending) ([]byte, error) {
	args, err := compute.UnmarshalBatchArgs(p.PublicArgs)
	if err != nil {
		return nil, err
	}
	if int(args.OrderCount) != len(p.EncryptedArgs) {
		return nil, fmt.Errorf("batch epoch %d: %d orders declared, %d sealed", args.Epoch, args.OrderCount, len(p.EncryptedArgs))
	}
	orders := make([]auction.Order, 0, len(p.EncryptedArgs))
	for i, ct := range p.EncryptedArgs {
		plain, err := c.keys.Open(ct)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		o, err := compute.UnmarshalBatchOrder(plain)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		orders = append(orders, auction.Order{Side: o.Side, Amount: o.Amount, LimitPrice: o.LimitPrice})
	}
	res, err := auction.Clear(orders)
	if err != nil {
		return nil, err
	}

	commitment, err := randomCommitment()
	if err != nil {
		return nil, err
	}
	return compute.BatchClearResult{
		Commitment:    commitment,
		ClearingPrice: res.ClearingPrice,
		DemandYes:     res.DemandYes,
		DemandNo:      res.DemandNo,
	}.Marshal(), nil
}

func (c *Cluster) resolve(p *compute.Pending) ([]byte, error) {
	args, err := compute.UnmarshalResolutionArgs(p.PublicArgs)
	if err != nil {
		return nil, err
	}
	if len(args.Resolvers) != len(p.EncryptedArgs) {
		return nil, fmt.Errorf("%d resolvers, %d sealed votes", len(args.Resolvers), len(p.EncryptedArgs))
	}
	atts := make([]resolution.Attestation, 0, len(args.Resolvers))
	for i, r := range args.Resolvers {
		plain, err := c.keys.Open(p.EncryptedArgs[i])
		if err != nil {
			return nil, fmt.Errorf("vote of %s: %w", r.Authority, err)
		}
		vote, err := compute.UnmarshalVote(plain)
		if err != nil {
			return nil, fmt.Errorf("vote of %s: %w", r.Authority, err)
		}
		atts = append(atts, resolution.Attestation{Yes: bool(vote), Weight: r.Weight})
	}
	res, err := resolution.Aggregate(atts)
	if err != nil {
		return nil, err
	}
	return compute.ResolutionResult{Outcome: res.Outcome, Confidence: res.Confidence}.Marshal(), nil
}

func randomCommitment() (market.Commitment, error) {
	var c market.Commitment
	if _, err := rand.Read(c[:]); err != nil {
		return c, fmt.Errorf("devcluster: commitment: %w", err)
	}
	return c, nil
}
