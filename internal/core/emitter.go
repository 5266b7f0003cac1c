package core

import (
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/observability"
	"fmt"
	"sync"
)

// Output is what the engine hands to persistence and projections for each
// emitted event.
type Output struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	// Record is the fixed-layout market record the event left behind.
	Record []byte
}

// Emitter assigns the global sequence and extends the state hash chain.
// Emission order equals sequence order on both channels.
type Emitter struct {
	mu       sync.Mutex
	sequence int64
	hasher   *StateHasher

	persistChan    chan<- Output
	projectionChan chan<- Output
	metrics        *observability.Metrics
}

// NewEmitter resumes at startSequence with prev as the chain tip. Either
// channel may be nil.
func NewEmitter(startSequence int64, prev [32]byte, persistChan, projectionChan chan<- Output, metrics *observability.Metrics) *Emitter {
	return &Emitter{
		sequence:       startSequence,
		hasher:         NewStateHasher(prev),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		metrics:        metrics,
	}
}

// Emit seals evt into an envelope and sends it.
func (em *Emitter) Emit(key string, evt event.Event, record []byte) (*event.EventEnvelope, error) {
	payload, err := event.Encode(evt)
	if err != nil {
		return nil, fmt.Errorf("emit %s: %w", evt.EventType(), err)
	}

	em.mu.Lock()
	defer em.mu.Unlock()

	prev := em.hasher.GetPrevHash()
	env := &event.EventEnvelope{
		Sequence:       em.sequence,
		IdempotencyKey: key,
		EventType:      evt.EventType(),
		MarketID:       evt.Market(),
		Timestamp:      evt.Time(),
		Payload:        payload,
		StateHash:      em.hasher.ComputeHash(em.sequence, record),
		PrevHash:       prev,
	}
	em.sequence++
	out := Output{Envelope: env, Event: evt, Record: record}

	// Persistence: blocking send. The engine stalls until the persistence
	// worker drains so no event is lost.
	if em.persistChan != nil {
		em.persistChan <- out
	}

	// Projections: non-blocking send, dropped when full. Projections catch
	// up from the event log.
	if em.projectionChan != nil {
		select {
		case em.projectionChan <- out:
		default:
			em.metrics.ProjectionDropped()
		}
	}

	em.metrics.EventEmitted(env.EventType.String(), env.Sequence)
	return env, nil
}

// Tip returns the next sequence and the current chain tip.
func (em *Emitter) Tip() (int64, [32]byte) {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.sequence, em.hasher.GetPrevHash()
}
