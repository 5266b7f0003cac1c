package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeMarketCreated
	EventTypeCollateralDeposited
	EventTypeOutcomeTokensMinted
	EventTypeTradeQueued
	EventTypeTradeExecuted
	EventTypeCfmmStateUpdated
	EventTypeBatchOrderSubmitted
	EventTypeBatchClearQueued
	EventTypeBatchCleared
	EventTypeResolverStaked
	EventTypeAttestationSubmitted
	EventTypeQuorumReached
	EventTypeResolutionQueued
	EventTypeMarketResolved
	EventTypeComputationFailed
	EventTypeTokensRedeemed
)

var typeNames = map[EventType]string{
	EventTypeMarketCreated:        "MarketCreated",
	EventTypeCollateralDeposited:  "CollateralDeposited",
	EventTypeOutcomeTokensMinted:  "OutcomeTokensMinted",
	EventTypeTradeQueued:          "TradeQueued",
	EventTypeTradeExecuted:        "TradeExecuted",
	EventTypeCfmmStateUpdated:     "CfmmStateUpdated",
	EventTypeBatchOrderSubmitted:  "BatchOrderSubmitted",
	EventTypeBatchClearQueued:     "BatchClearQueued",
	EventTypeBatchCleared:         "BatchCleared",
	EventTypeResolverStaked:       "ResolverStaked",
	EventTypeAttestationSubmitted: "AttestationSubmitted",
	EventTypeQuorumReached:        "QuorumReached",
	EventTypeResolutionQueued:     "ResolutionQueued",
	EventTypeMarketResolved:       "MarketResolved",
	EventTypeComputationFailed:    "ComputationFailed",
	EventTypeTokensRedeemed:       "TokensRedeemed",
}

func (et EventType) String() string {
	if name, ok := typeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType maps a name produced by String back to its type.
func ParseEventType(name string) (EventType, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Operation reference the event was produced by
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	MarketID uuid.UUID

	// Ledger clock, unix seconds
	Timestamp int64

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 chain over the market record AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement. Events are
// immutable facts; nothing mutates them after emission.
type Event interface {
	EventType() EventType
	Market() uuid.UUID
	Time() int64
}

// Base carries the fields every event shares.
type Base struct {
	MarketID uuid.UUID `json:"market_id"`
	At       int64     `json:"at"`
}

func (b Base) Market() uuid.UUID { return b.MarketID }
func (b Base) Time() int64       { return b.At }

// Encode serializes an event payload for storage and transport.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a payload of the given type.
func Decode(t EventType, payload []byte) (Event, error) {
	e := newOf(t)
	if e == nil {
		return nil, fmt.Errorf("unknown event type %d", t)
	}
	if err := json.Unmarshal(payload, e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return e, nil
}

func newOf(t EventType) Event {
	switch t {
	case EventTypeMarketCreated:
		return &MarketCreated{}
	case EventTypeCollateralDeposited:
		return &CollateralDeposited{}
	case EventTypeOutcomeTokensMinted:
		return &OutcomeTokensMinted{}
	case EventTypeTradeQueued:
		return &TradeQueued{}
	case EventTypeTradeExecuted:
		return &TradeExecuted{}
	case EventTypeCfmmStateUpdated:
		return &CfmmStateUpdated{}
	case EventTypeBatchOrderSubmitted:
		return &BatchOrderSubmitted{}
	case EventTypeBatchClearQueued:
		return &BatchClearQueued{}
	case EventTypeBatchCleared:
		return &BatchCleared{}
	case EventTypeResolverStaked:
		return &ResolverStaked{}
	case EventTypeAttestationSubmitted:
		return &AttestationSubmitted{}
	case EventTypeQuorumReached:
		return &QuorumReached{}
	case EventTypeResolutionQueued:
		return &ResolutionQueued{}
	case EventTypeMarketResolved:
		return &MarketResolved{}
	case EventTypeComputationFailed:
		return &ComputationFailed{}
	case EventTypeTokensRedeemed:
		return &TokensRedeemed{}
	}
	return nil
}
