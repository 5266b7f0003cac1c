package postgres_test

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/persistence"
	"PrivateMarkets/internal/store/postgres"
	"PrivateMarkets/internal/testutil"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const now = int64(1_700_000_000)

func setupStore(t *testing.T) (*postgres.MarketStore, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	if err := persistence.NewMigrator(db, persistence.Migrations, "migrations", zerolog.Nop()).Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	client, err := postgres.New(context.Background(), postgres.ClientConfig{DSN: testutil.TestPostgresDSN()})
	if err != nil {
		cleanup()
		t.Fatalf("connect: %v", err)
	}
	return postgres.NewMarketStore(client.Pool()), func() {
		client.Close()
		cleanup()
	}
}

func mustMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.New(uuid.New(), "alice", market.Params{
		Question:       "Will the bridge open on time?",
		EndTime:        now + 3600,
		FeeBps:         50,
		BatchInterval:  300,
		ResolverQuorum: 1,
	}, now)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	return m
}

// ============================================================================
// Test: MarketStore (integration)
// ============================================================================

func TestMarketStore_CreateReadAndConflict(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	m := mustMarket(t)
	if err := s.Commit(ctx, market.Changeset{Market: m, Create: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Version != 1 {
		t.Errorf("version after create: %d", m.Version)
	}
	if err := s.Commit(ctx, market.Changeset{Market: m, Create: true}); !errors.Is(err, market.ErrMarketAlreadyExists) {
		t.Fatalf("duplicate create: got %v", err)
	}

	got, err := s.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *got != *m {
		t.Errorf("read back mismatch:\n got %+v\nwant %+v", *got, *m)
	}

	a, _ := s.GetMarket(ctx, m.ID)
	b, _ := s.GetMarket(ctx, m.ID)
	a.TotalVolume = 10
	if err := s.Commit(ctx, market.Changeset{Market: a}); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	b.TotalVolume = 99
	err = s.Commit(ctx, market.Changeset{
		Market:    b,
		Resolvers: []*market.Resolver{{MarketID: m.ID, Authority: "bob", StakeAmount: 5, StakedAt: now}},
	})
	if !errors.Is(err, market.ErrConcurrentModification) {
		t.Fatalf("stale writer: got %v", err)
	}
	if _, err := s.GetResolver(ctx, m.ID, "bob"); !errors.Is(err, market.ErrResolverNotFound) {
		t.Errorf("resolver from rejected changeset stored: %v", err)
	}

	missing := mustMarket(t)
	if err := s.Commit(ctx, market.Changeset{Market: missing}); !errors.Is(err, market.ErrMarketNotFound) {
		t.Errorf("update of unknown market: got %v", err)
	}
}

func TestMarketStore_ResolversAndOrders(t *testing.T) {
	s, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	m := mustMarket(t)
	if err := s.Commit(ctx, market.Changeset{Market: m, Create: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := &market.Resolver{MarketID: m.ID, Authority: "bob", StakeAmount: 25, StakedAt: now}
	err := s.Commit(ctx, market.Changeset{
		Market:    m,
		Resolvers: []*market.Resolver{r},
		BatchOrders: []*market.BatchOrder{
			{MarketID: m.ID, Epoch: 0, Number: 1, Sealed: []byte{2}, Submitter: "carol"},
			{MarketID: m.ID, Epoch: 0, Number: 0, Sealed: []byte{1}, Submitter: "carol"},
		},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := r.Attest([]byte{0xaa}, now+5); err != nil {
		t.Fatalf("attest: %v", err)
	}
	if err := s.Commit(ctx, market.Changeset{Market: m, Resolvers: []*market.Resolver{r}}); err != nil {
		t.Fatalf("attest commit: %v", err)
	}

	got, err := s.GetResolver(ctx, m.ID, "bob")
	if err != nil {
		t.Fatalf("get resolver: %v", err)
	}
	if !got.HasAttested || got.StakeAmount != 25 || got.AttestationCommitment[0] != 0xaa {
		t.Errorf("resolver: got %+v", got)
	}

	orders, err := s.ListBatchOrders(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	if len(orders) != 2 || orders[0].Sealed[0] != 1 || orders[1].Sealed[0] != 2 {
		t.Errorf("orders: got %+v", orders)
	}

	due, err := s.ListDueForClear(ctx, m.NextBatchClear)
	if err != nil || len(due) != 1 || due[0] != m.ID {
		t.Errorf("due: %v %v", due, err)
	}
}

func TestDSN(t *testing.T) {
	got := postgres.DSN(postgres.ClientConfig{Host: "db", User: "pm", Password: "pw", Database: "markets"})
	want := "postgres://pm:pw@db:5432/markets?sslmode=disable"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got := postgres.DSN(postgres.ClientConfig{DSN: "postgres://x"}); got != "postgres://x" {
		t.Errorf("explicit DSN ignored: %s", got)
	}
}
