package archive_test

import (
	"PrivateMarkets/internal/archive"
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/persistence"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

type fakeMarkets struct{ m *market.Market }

func (f fakeMarkets) Market(ctx context.Context, id uuid.UUID) (*market.Market, error) {
	if id != f.m.ID {
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	return f.m.Clone(), nil
}

func (f fakeMarkets) Resolvers(ctx context.Context, id uuid.UUID) ([]*market.Resolver, error) {
	return []*market.Resolver{{MarketID: id, Authority: "bob", StakeAmount: 30, HasAttested: true}}, nil
}

func (f fakeMarkets) Record(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return f.m.MarshalBinary()
}

type fakeEvents struct{ rows []persistence.EventRow }

func (f fakeEvents) MarketEvents(ctx context.Context, id uuid.UUID, after int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence > after && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func resolvedMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.New(uuid.New(), "alice", market.Params{
		Question:       "Will the launch slip?",
		EndTime:        1_700_003_600,
		FeeBps:         30,
		BatchInterval:  600,
		ResolverQuorum: 1,
	}, 1_700_000_000)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	m.State = market.StateResolved
	m.FinalOutcome = market.OutcomeYes
	m.Confidence = 30
	return m
}

// ============================================================================
// Test: Archiver
// ============================================================================

func TestArchiver_UploadsBundle(t *testing.T) {
	m := resolvedMarket(t)
	store := &memStore{objects: map[string][]byte{}}
	a := archive.NewArchiver(archive.Config{
		Store:   store,
		Markets: fakeMarkets{m},
		Events: fakeEvents{rows: []persistence.EventRow{
			{Sequence: 0, EventType: "MarketCreated", Payload: []byte(`{"at":1}`), StateHash: make([]byte, 32)},
			{Sequence: 4, EventType: "MarketResolved", Payload: []byte(`{"at":2}`), StateHash: make([]byte, 32)},
		}},
		Now:    func() int64 { return 42 },
		Logger: zerolog.Nop(),
	})

	if err := a.Archive(context.Background(), m.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	data, ok := store.objects[a.Key(m.ID)]
	if !ok {
		t.Fatalf("no object at %s", a.Key(m.ID))
	}
	var b archive.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if b.FinalOutcome != market.OutcomeYes.String() || b.Confidence != 30 || b.ArchivedAt != 42 {
		t.Errorf("bundle header: %+v", b)
	}
	if len(b.Events) != 2 || len(b.Resolvers) != 1 {
		t.Errorf("events/resolvers: %d/%d", len(b.Events), len(b.Resolvers))
	}
}

func TestArchiver_RejectsUnresolvedMarket(t *testing.T) {
	m := resolvedMarket(t)
	m.State = market.StateActive
	m.FinalOutcome = market.OutcomeUnresolved
	a := archive.NewArchiver(archive.Config{
		Store:   &memStore{objects: map[string][]byte{}},
		Markets: fakeMarkets{m},
		Events:  fakeEvents{},
		Logger:  zerolog.Nop(),
	})
	if _, err := a.Build(context.Background(), m.ID); !errors.Is(err, market.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestArchiver_ObserveQueuesOnlyResolutions(t *testing.T) {
	m := resolvedMarket(t)
	store := &memStore{objects: map[string][]byte{}}
	a := archive.NewArchiver(archive.Config{
		Store:   store,
		Markets: fakeMarkets{m},
		Events:  fakeEvents{},
		Logger:  zerolog.Nop(),
	})

	a.Observe([]core.Output{
		{Envelope: &event.EventEnvelope{EventType: event.EventTypeCollateralDeposited, MarketID: m.ID}},
		{Envelope: &event.EventEnvelope{EventType: event.EventTypeMarketResolved, MarketID: m.ID}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	for {
		store.mu.Lock()
		_, ok := store.objects[a.Key(m.ID)]
		store.mu.Unlock()
		if ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if len(store.objects) != 1 {
		t.Errorf("objects: got %d, want 1", len(store.objects))
	}
}
