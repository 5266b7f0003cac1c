package persistence_test

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/core"
	"PrivateMarkets/internal/event"
	"PrivateMarkets/internal/ledger"
	"PrivateMarkets/internal/persistence"
	"PrivateMarkets/internal/testutil"
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func output(t *testing.T, seq int64, marketID uuid.UUID) core.Output {
	t.Helper()
	evt := &event.CollateralDeposited{
		Base:      event.Base{MarketID: marketID, At: 1_700_000_000 + seq},
		Depositor: "bob",
		Amount:    100,
	}
	payload, err := event.Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return core.Output{
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: marketID.String() + ":1:0",
			EventType:      evt.EventType(),
			MarketID:       marketID,
			Timestamp:      evt.At,
			Payload:        payload,
			StateHash:      [32]byte{byte(seq + 1)},
			PrevHash:       [32]byte{byte(seq)},
		},
		Event:  evt,
		Record: []byte{0x01, 0x02},
	}
}

// ============================================================================
// Test: row conversion
// ============================================================================

func TestEventRowFrom(t *testing.T) {
	id := uuid.New()
	out := output(t, 7, id)

	row, err := persistence.EventRowFrom(out)
	if err != nil {
		t.Fatalf("event row: %v", err)
	}
	if row.Sequence != 7 || row.MarketID != id {
		t.Errorf("sequence/market: got %d/%s", row.Sequence, row.MarketID)
	}
	if row.EventType != event.EventTypeCollateralDeposited.String() {
		t.Errorf("event type: got %s", row.EventType)
	}
	if len(row.StateHash) != 32 || row.StateHash[0] != 8 || row.PrevHash[0] != 7 {
		t.Errorf("hashes not copied: %x / %x", row.StateHash, row.PrevHash)
	}
	if !bytes.Equal(row.Record, out.Record) {
		t.Errorf("record: got %x", row.Record)
	}
	back, err := event.Decode(event.EventTypeCollateralDeposited, row.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if dep := back.(*event.CollateralDeposited); dep.Depositor != "bob" || dep.Amount != 100 {
		t.Errorf("payload: got %+v", dep)
	}
}

func TestJournalRowsFrom_UsesAccountPaths(t *testing.T) {
	id := uuid.New()
	sink := make(chan *ledger.Batch, 4)
	l := ledger.NewLedger(func() int64 { return 1_700_000_000 }, sink)
	if err := l.MintPaired(context.Background(), "mint", "bob", id, 50); err != nil {
		t.Fatalf("mint: %v", err)
	}
	b := <-sink

	rows := persistence.JournalRowsFrom(b)
	if len(rows) != len(b.Journals) {
		t.Fatalf("rows: got %d, want %d", len(rows), len(b.Journals))
	}
	for i, r := range rows {
		if r.BatchID != b.BatchID || r.Sequence != b.Sequence {
			t.Errorf("row %d: batch/sequence not carried", i)
		}
		if r.Amount != 50 {
			t.Errorf("row %d amount: got %d", i, r.Amount)
		}
		if _, err := ledger.ParseAccountPath(r.DebitAccount); err != nil {
			t.Errorf("row %d debit path %q: %v", i, r.DebitAccount, err)
		}
		if _, err := ledger.ParseAsset(r.Asset); err != nil {
			t.Errorf("row %d asset %q: %v", i, r.Asset, err)
		}
	}
}

// ============================================================================
// Test: Postgres round trip (integration)
// ============================================================================

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

func TestWorker_PersistsAndRecoversChain(t *testing.T) {
	db, cleanup := migrated(t)
	defer cleanup()

	events := make(chan core.Output, 16)
	journals := make(chan *ledger.Batch, 16)
	em := core.NewEmitter(0, [32]byte{}, events, nil, nil)
	l := ledger.NewLedger(func() int64 { return 1_700_000_000 }, journals)

	id := uuid.New()
	ctx := context.Background()
	if err := l.Fund(ctx, "fund", "bob", 100); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := l.MintPaired(ctx, "mint", "bob", id, 40); err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := 0; i < 3; i++ {
		evt := &event.CollateralDeposited{Base: event.Base{MarketID: id, At: int64(i)}, Depositor: "bob", Amount: 1}
		if _, err := em.Emit(uuid.NewString(), evt, []byte{byte(i)}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	close(events)
	close(journals)

	var flushed int
	w := persistence.NewWorker(persistence.WorkerConfig{
		DB:           db,
		Events:       events,
		Journals:     journals,
		FlushTimeout: 10 * time.Millisecond,
		AfterFlush:   func(outs []core.Output) { flushed += len(outs) },
		Logger:       zerolog.Nop(),
	})
	if err := w.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}
	if flushed != 3 {
		t.Errorf("after flush: got %d outputs, want 3", flushed)
	}

	r := persistence.NewEventLogReader(db)
	next, tip, err := r.VerifyChain(ctx, 2)
	if err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	wantNext, wantTip := em.Tip()
	if next != wantNext || tip != wantTip {
		t.Errorf("tip: got %d/%x, want %d/%x", next, tip[:4], wantNext, wantTip[:4])
	}

	replayed := ledger.NewLedger(func() int64 { return 1_700_000_000 }, nil)
	if err := r.LoadBatches(ctx, replayed.Replay); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := replayed.Balance("bob", ledger.Collateral); got != 100 {
		t.Errorf("collateral after replay: got %d, want 100", got)
	}
	if got := replayed.Balance("bob", ledger.YesToken(id)); got != 40 {
		t.Errorf("YES after replay: got %d, want 40", got)
	}
	if replayed.Sequence() != l.Sequence() {
		t.Errorf("sequence after replay: got %d, want %d", replayed.Sequence(), l.Sequence())
	}
}

func TestRetiredStore_RoundTrip(t *testing.T) {
	db, cleanup := migrated(t)
	defer cleanup()
	s := persistence.NewPostgresRetiredStore(db)
	ctx := context.Background()

	h := uuid.New()
	rec := compute.RetiredRecord{Handle: h, MarketID: uuid.New(), Kind: compute.KindTrade, Status: compute.StatusSuccess, RetiredAt: 100}
	if err := s.MarkRetired(ctx, rec); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkRetired(ctx, rec); err != nil {
		t.Fatalf("second mark must be idempotent: %v", err)
	}
	ok, err := s.IsRetired(ctx, h)
	if err != nil || !ok {
		t.Fatalf("is retired: %v %v", ok, err)
	}
	if ok, _ := s.IsRetired(ctx, uuid.New()); ok {
		t.Error("unknown handle reported retired")
	}
	recent, err := s.RecentRetired(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0] != h {
		t.Errorf("recent: %v %v", recent, err)
	}
	if n, err := s.PurgeOlderThan(ctx, 101); err != nil || n != 1 {
		t.Errorf("purge: %d %v", n, err)
	}
}
