package ingestion

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventMessage is the outbound wire form of a persisted event. The
// websocket stream sends the same shape.
type EventMessage struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	MarketID       string          `json:"market_id"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
}

func NewEventMessage(out core.Output) EventMessage {
	env := out.Envelope
	return EventMessage{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID.String(),
		Timestamp:      env.Timestamp,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
	}
}

// Subject is pm.events.<event_type>.<market_id>.
func (m EventMessage) Subject() string {
	return fmt.Sprintf("%s%s.%s", EventSubjectPrefix, m.EventType, m.MarketID)
}

// OutboundPublisher publishes persisted events to NATS for downstream
// consumers. It is fed after the event log commit, so nothing is published
// that a restart could lose.
type OutboundPublisher struct {
	js      jetstream.JetStream
	queue   chan EventMessage
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan EventMessage, buffer),
		metrics: metrics,
		logger:  logger.With().Str("component", "publisher").Logger(),
	}
}

// Observe queues persisted outputs. It never blocks; a full queue drops
// the event, and consumers can page the event log instead.
func (op *OutboundPublisher) Observe(outs []core.Output) {
	for _, out := range outs {
		select {
		case op.queue <- NewEventMessage(out):
		default:
			op.metrics.PublishDropped()
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-op.queue:
			if err := op.publish(ctx, msg); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("seq", msg.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, msg.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("pm-event-%d", msg.Sequence)))
	return err
}
