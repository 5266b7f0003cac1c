// Package memory is the in-process market repository. Markets are held as
// their fixed-layout records so every read goes through the same codec
// external readers use.
package memory

import (
	"PrivateMarkets/internal/market"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type resolverKey struct {
	market    uuid.UUID
	authority string
}

type orderKey struct {
	market uuid.UUID
	epoch  uint64
}

type Store struct {
	mu        sync.RWMutex
	records   map[uuid.UUID][]byte
	order     []uuid.UUID
	resolvers map[resolverKey]*market.Resolver
	byMarket  map[uuid.UUID][]string
	orders    map[orderKey][]*market.BatchOrder
}

func New() *Store {
	return &Store{
		records:   make(map[uuid.UUID][]byte),
		resolvers: make(map[resolverKey]*market.Resolver),
		byMarket:  make(map[uuid.UUID][]string),
		orders:    make(map[orderKey][]*market.BatchOrder),
	}
}

func (s *Store) GetMarket(ctx context.Context, id uuid.UUID) (*market.Market, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	var m market.Market
	if err := m.UnmarshalBinary(rec); err != nil {
		return nil, err
	}
	return &m, nil
}

// RawMarket returns a copy of the stored record.
func (s *Store) RawMarket(ctx context.Context, id uuid.UUID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, market.ErrMarketNotFound.With("market %s", id)
	}
	return append([]byte(nil), rec...), nil
}

// ListMarkets returns markets in creation order. limit <= 0 returns all.
func (s *Store) ListMarkets(ctx context.Context, limit int) ([]*market.Market, error) {
	s.mu.RLock()
	ids := append([]uuid.UUID(nil), s.order...)
	s.mu.RUnlock()
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*market.Market, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListDueForClear(ctx context.Context, now int64) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []uuid.UUID
	for _, id := range s.order {
		var m market.Market
		if err := m.UnmarshalBinary(s.records[id]); err != nil {
			return nil, err
		}
		if m.State == market.StateActive && m.NextBatchClear <= now {
			due = append(due, id)
		}
	}
	return due, nil
}

func (s *Store) GetResolver(ctx context.Context, marketID uuid.UUID, authority string) (*market.Resolver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resolvers[resolverKey{marketID, authority}]
	if !ok {
		return nil, market.ErrResolverNotFound.With("resolver %s on market %s", authority, marketID)
	}
	return r.Clone(), nil
}

// ListResolvers returns resolvers in staking order.
func (s *Store) ListResolvers(ctx context.Context, marketID uuid.UUID) ([]*market.Resolver, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := s.byMarket[marketID]
	out := make([]*market.Resolver, 0, len(names))
	for _, n := range names {
		out = append(out, s.resolvers[resolverKey{marketID, n}].Clone())
	}
	return out, nil
}

func (s *Store) ListBatchOrders(ctx context.Context, marketID uuid.UUID, epoch uint64) ([]*market.BatchOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.orders[orderKey{marketID, epoch}]
	out := make([]*market.BatchOrder, len(stored))
	for i, o := range stored {
		cp := *o
		cp.Sealed = append([]byte(nil), o.Sealed...)
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Commit writes a changeset atomically. On success cs.Market.Version is the
// new stored version.
func (s *Store) Commit(ctx context.Context, cs market.Changeset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := cs.Market
	next := *m
	next.Version = m.Version + 1
	rec, err := next.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[m.ID]
	switch {
	case cs.Create && exists:
		return market.ErrMarketAlreadyExists.With("market %s", m.ID)
	case !cs.Create && !exists:
		return market.ErrMarketNotFound.With("market %s", m.ID)
	case exists:
		var stored market.Market
		if err := stored.UnmarshalBinary(current); err != nil {
			return err
		}
		if stored.Version != m.Version {
			return market.ErrConcurrentModification.With("market %s at version %d, write based on %d", m.ID, stored.Version, m.Version)
		}
	}

	s.records[m.ID] = rec
	if !exists {
		s.order = append(s.order, m.ID)
	}
	for _, r := range cs.Resolvers {
		k := resolverKey{r.MarketID, r.Authority}
		if _, ok := s.resolvers[k]; !ok {
			s.byMarket[r.MarketID] = append(s.byMarket[r.MarketID], r.Authority)
		}
		s.resolvers[k] = r.Clone()
	}
	for _, o := range cs.BatchOrders {
		k := orderKey{o.MarketID, o.Epoch}
		cp := *o
		cp.Sealed = append([]byte(nil), o.Sealed...)
		s.orders[k] = append(s.orders[k], &cp)
	}
	m.Version = next.Version
	return nil
}
