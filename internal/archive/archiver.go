// Package archive uploads a settlement bundle for every resolved market:
// its final record, resolvers and full event history.
package archive

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/observability"
	"PrivateMarkets/internal/persistence"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is where bundles go.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// EventSource reads a market's persisted events.
type EventSource interface {
	MarketEvents(ctx context.Context, marketID uuid.UUID, afterSeq int64, limit int) ([]persistence.EventRow, error)
}

// MarketSource reads the final market state.
type MarketSource interface {
	Market(ctx context.Context, id uuid.UUID) (*market.Market, error)
	Resolvers(ctx context.Context, id uuid.UUID) ([]*market.Resolver, error)
	Record(ctx context.Context, id uuid.UUID) ([]byte, error)
}

// Bundle is the archived settlement of one market.
type Bundle struct {
	MarketID     uuid.UUID         `json:"market_id"`
	Question     string            `json:"question"`
	Authority    string            `json:"authority"`
	FinalOutcome string            `json:"final_outcome"`
	Confidence   uint64            `json:"confidence"`
	ResolvedAt   int64             `json:"resolved_at"`
	Record       string            `json:"record"` // hex
	Resolvers    []BundleResolver  `json:"resolvers"`
	Events       []json.RawMessage `json:"events"`
	ArchivedAt   int64             `json:"archived_at"`
}

type BundleResolver struct {
	Authority   string `json:"authority"`
	StakeAmount uint64 `json:"stake_amount"`
	HasAttested bool   `json:"has_attested"`
	Commitment  string `json:"attestation_commitment"`
}

type bundleEvent struct {
	Sequence  int64           `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	StateHash string          `json:"state_hash"`
}

// Archiver queues resolved markets from the durable event stream and
// uploads their bundles in the background.
type Archiver struct {
	store   Store
	events  EventSource
	markets MarketSource
	queue   chan uuid.UUID
	prefix  string
	now     func() int64

	metrics *observability.Metrics
	logger  zerolog.Logger
}

type Config struct {
	Store   Store
	Events  EventSource
	Markets MarketSource
	Prefix  string
	Now     func() int64
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewArchiver(cfg Config) *Archiver {
	if cfg.Now == nil {
		cfg.Now = func() int64 { return time.Now().Unix() }
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "markets"
	}
	return &Archiver{
		store:   cfg.Store,
		events:  cfg.Events,
		markets: cfg.Markets,
		queue:   make(chan uuid.UUID, 256),
		prefix:  cfg.Prefix,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
}

// Observe picks MarketResolved events out of durable outputs. It never
// blocks; a full queue drops the market with an error log.
func (a *Archiver) Observe(outs []core.Output) {
	for _, out := range outs {
		if out.Envelope.EventType != event.EventTypeMarketResolved {
			continue
		}
		select {
		case a.queue <- out.Envelope.MarketID:
		default:
			a.metrics.ArchiveUpload("dropped")
			a.logger.Error().Str("market_id", out.Envelope.MarketID.String()).Msg("archive queue full")
		}
	}
}

// Run uploads queued markets until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-a.queue:
			if err := a.Archive(ctx, id); err != nil {
				a.metrics.ArchiveUpload("error")
				a.logger.Error().Err(err).Str("market_id", id.String()).Msg("archive market")
				continue
			}
			a.metrics.ArchiveUpload("ok")
		}
	}
}

// Key is the object key of a market's bundle.
func (a *Archiver) Key(id uuid.UUID) string {
	return fmt.Sprintf("%s/%s/settlement.json", a.prefix, id)
}

// Archive builds and uploads the bundle of one market now.
func (a *Archiver) Archive(ctx context.Context, id uuid.UUID) error {
	b, err := a.Build(ctx, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("archive: encode bundle: %w", err)
	}
	if err := a.store.Put(ctx, a.Key(id), data, "application/json"); err != nil {
		return err
	}
	a.logger.Info().
		Str("market_id", id.String()).
		Int("events", len(b.Events)).
		Msg("market archived")
	return nil
}

// Build assembles the bundle of a resolved market.
func (a *Archiver) Build(ctx context.Context, id uuid.UUID) (*Bundle, error) {
	m, err := a.markets.Market(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.State != market.StateResolved {
		return nil, market.ErrInvalidState.With("market %s is %s, not resolved", id, m.State)
	}
	rec, err := a.markets.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	resolvers, err := a.markets.Resolvers(ctx, id)
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		MarketID:     id,
		Question:     m.Question,
		Authority:    m.Authority,
		FinalOutcome: m.FinalOutcome.String(),
		Confidence:   m.Confidence,
		ResolvedAt:   m.ResolvedAt,
		Record:       hex.EncodeToString(rec),
		ArchivedAt:   a.now(),
	}
	for _, r := range resolvers {
		b.Resolvers = append(b.Resolvers, BundleResolver{
			Authority:   r.Authority,
			StakeAmount: r.StakeAmount,
			HasAttested: r.HasAttested,
			Commitment:  r.AttestationCommitment.String(),
		})
	}

	const page = 500
	after := int64(-1)
	for {
		rows, err := a.events.MarketEvents(ctx, id, after, page)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			raw, err := json.Marshal(bundleEvent{
				Sequence:  r.Sequence,
				Type:      r.EventType,
				Timestamp: r.Timestamp,
				Payload:   json.RawMessage(r.Payload),
				StateHash: hex.EncodeToString(r.StateHash),
			})
			if err != nil {
				return nil, err
			}
			b.Events = append(b.Events, raw)
		}
		if len(rows) < page {
			break
		}
		after = rows[len(rows)-1].Sequence
	}
	return b, nil
}
