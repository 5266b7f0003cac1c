package projection_test

import (
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/persistence"
	"PrivateMarkets/internal/projection"
	"PrivateMarkets/internal/query"
	"PrivateMarkets/internal/testutil"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const now = int64(1_700_000_000)

func migrated(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	m := persistence.NewMigrator(db, persistence.Migrations, "migrations", zerolog.Nop())
	if err := m.Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range testutil.Tables {
		db.Exec("TRUNCATE " + table + " CASCADE")
	}
	return db, cleanup
}

func mustMarket(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.New(uuid.New(), "alice", market.Params{
		Question:       "Will the bridge open in May?",
		EndTime:        now + 3600,
		FeeBps:         30,
		BatchInterval:  600,
		ResolverQuorum: 1,
	}, now)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	return m
}

func outputFor(t *testing.T, seq int64, m *market.Market) core.Output {
	t.Helper()
	rec, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	evt := &event.CollateralDeposited{Base: event.Base{MarketID: m.ID, At: now}, Depositor: "bob", Amount: 10}
	payload, _ := event.Encode(evt)
	return core.Output{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: fmt.Sprintf("%s:%d:0", m.ID, seq),
			EventType:      evt.EventType(),
			MarketID:       m.ID,
			Timestamp:      now,
			Payload:        payload,
			StateHash:      [32]byte{byte(seq + 1)},
			PrevHash:       [32]byte{byte(seq)},
		},
		Event:  evt,
		Record: rec,
	}
}

// ============================================================================
// Test: catch-up from the persisted log
// ============================================================================

func TestCatchUp_BuildsMarketsAndBalances(t *testing.T) {
	db, cleanup := migrated(t)
	defer cleanup()
	ctx := context.Background()

	m := mustMarket(t)
	first := outputFor(t, 0, m)
	m.CollateralLocked = 10
	m.Version = 1
	second := outputFor(t, 1, m)

	w := persistence.NewEventLogWriter(db)
	var rows []persistence.EventRow
	for _, out := range []core.Output{first, second} {
		row, err := persistence.EventRowFrom(out)
		if err != nil {
			t.Fatalf("event row: %v", err)
		}
		rows = append(rows, row)
	}
	if err := w.WriteEventBatch(ctx, db, rows); err != nil {
		t.Fatalf("write events: %v", err)
	}

	journals := make(chan *ledger.Batch, 4)
	l := ledger.NewLedger(func() int64 { return now }, journals)
	if err := l.Fund(ctx, "fund-1", "bob", 50); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := l.MintPaired(ctx, "mint-1", "bob", m.ID, 20); err != nil {
		t.Fatalf("mint: %v", err)
	}
	close(journals)
	for b := range journals {
		if err := w.WriteJournalBatch(ctx, db, persistence.JournalRowsFrom(b)); err != nil {
			t.Fatalf("write journal: %v", err)
		}
	}

	pw := projection.NewWorker(projection.Config{DB: db, PageSize: 1, Logger: zerolog.Nop()})
	if err := pw.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	qs := query.NewQueryService(db, nil, nil, zerolog.Nop())
	got, err := qs.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get market: %v", err)
	}
	if got.CollateralLocked != 10 || got.AsOfSequence != 1 {
		t.Errorf("market: locked=%d seq=%d", got.CollateralLocked, got.AsOfSequence)
	}
	if got.YesPrice.String() != "0.5" {
		t.Errorf("yes price: got %s", got.YesPrice)
	}

	bal, err := qs.GetBalances(ctx, "bob")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	want := map[string]int64{
		ledger.Collateral.String():     50,
		ledger.YesToken(m.ID).String(): 20,
		ledger.NoToken(m.ID).String():  20,
	}
	if len(bal.Balances) != len(want) {
		t.Fatalf("balances: got %+v", bal.Balances)
	}
	for _, b := range bal.Balances {
		if want[b.Asset] != b.Balance {
			t.Errorf("%s: got %d, want %d", b.Asset, b.Balance, want[b.Asset])
		}
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if len(report.UnbalancedAssets) != 0 {
		t.Errorf("unbalanced: %+v", report.UnbalancedAssets)
	}
}

func TestCatchUp_StaleOutputDoesNotRegress(t *testing.T) {
	db, cleanup := migrated(t)
	defer cleanup()
	ctx := context.Background()

	m := mustMarket(t)
	old := outputFor(t, 0, m)
	m.TotalVolume = 99
	newer := outputFor(t, 5, m)

	w := persistence.NewEventLogWriter(db)
	row, _ := persistence.EventRowFrom(newer)
	if err := w.WriteEventBatch(ctx, db, []persistence.EventRow{row}); err != nil {
		t.Fatalf("write: %v", err)
	}

	input := make(chan core.Output, 1)
	pw := projection.NewWorker(projection.Config{DB: db, Input: input, Logger: zerolog.Nop()})
	if err := pw.CatchUp(ctx); err != nil {
		t.Fatalf("catch up: %v", err)
	}

	// A late channel delivery of an older sequence must be ignored.
	input <- old
	close(input)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pw.Run(runCtx)
		close(done)
	}()
	for len(input) > 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	got, err := query.NewQueryService(db, nil, nil, zerolog.Nop()).GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalVolume != 99 || got.AsOfSequence != 5 {
		t.Errorf("regressed: volume=%d seq=%d", got.TotalVolume, got.AsOfSequence)
	}
}
