package market

import (
	"context"

	"github.com/google/uuid"
)

// Changeset is everything one operation writes. It is committed atomically.
// Market.Version must equal the stored version; the repository bumps it.
type Changeset struct {
	Market      *Market
	Resolvers   []*Resolver
	BatchOrders []*BatchOrder
	// Create marks a new market; the stored version must not exist.
	Create bool
}

// Repository is the keyed store behind the engine: market id to Market,
// (market id, authority) to Resolver.
type Repository interface {
	GetMarket(ctx context.Context, id uuid.UUID) (*Market, error)
	ListMarkets(ctx context.Context, limit int) ([]*Market, error)
	// ListDueForClear returns Active markets whose batch window closed at or before now.
	ListDueForClear(ctx context.Context, now int64) ([]uuid.UUID, error)

	GetResolver(ctx context.Context, marketID uuid.UUID, authority string) (*Resolver, error)
	ListResolvers(ctx context.Context, marketID uuid.UUID) ([]*Resolver, error)
	ListBatchOrders(ctx context.Context, marketID uuid.UUID, epoch uint64) ([]*BatchOrder, error)

	Commit(ctx context.Context, cs Changeset) error
}

// RecordReader exposes the raw fixed-layout record of a market.
type RecordReader interface {
	RawMarket(ctx context.Context, id uuid.UUID) ([]byte, error)
}
