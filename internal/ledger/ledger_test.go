package ledger_test

import (
	"PrivateMarkets/internal/ledger"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func fixedNow() int64 { return 1_700_000_000 }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.NewLedger(fixedNow, nil)
}

func mustFund(t *testing.T, l *ledger.Ledger, owner string, amount uint64) {
	t.Helper()
	if err := l.Fund(context.Background(), "fund-"+owner, owner, amount); err != nil {
		t.Fatalf("fund %s: %v", owner, err)
	}
}

// ============================================================================
// Test: AccountKey / Asset
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey("alice", ledger.Collateral)
	if got := key.AccountPath(); got != "user:alice:collateral" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	got := ledger.VaultAccount(id).AccountPath()
	want := "system:550e8400-e29b-41d4-a716-446655440000:vault:collateral"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAsset_RoundTrip(t *testing.T) {
	id := uuid.New()
	for _, a := range []ledger.Asset{ledger.Collateral, ledger.YesToken(id), ledger.NoToken(id)} {
		back, err := ledger.ParseAsset(a.String())
		if err != nil {
			t.Fatalf("parse %s: %v", a, err)
		}
		if back != a {
			t.Errorf("got %v, want %v", back, a)
		}
	}
	if _, err := ledger.ParseAsset("DOGE"); err == nil {
		t.Error("unknown asset accepted")
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func validBatch() *ledger.Batch {
	batchID := uuid.New()
	return &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewUserAccountKey("alice", ledger.Collateral),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.Collateral),
			Asset:         ledger.Collateral,
			Amount:        100,
		}},
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	b := validBatch()
	b.Journals[0].Amount = 0
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	b := validBatch()
	b.Journals[0].CreditAccount = b.Journals[0].DebitAccount
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for self transfer")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	b := validBatch()
	b.Journals[0].Asset = ledger.YesToken(uuid.New())
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for mixed assets")
	}
}

func TestBatchValidate_ValidBatch_Passes(t *testing.T) {
	if err := validBatch().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ============================================================================
// Test: TokenLedger operations
// ============================================================================

func TestLedger_DebitCreditMovesValue(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	market := uuid.New()
	mustFund(t, l, "alice", 1000)

	if err := l.Debit(ctx, "dep", ledger.NewUserAccountKey("alice", ledger.Collateral), 400); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.Credit(ctx, "dep", ledger.VaultAccount(market), 400); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if got := l.Balance("alice", ledger.Collateral); got != 600 {
		t.Errorf("alice: got %d, want 600", got)
	}
	if got := l.AccountBalance(ledger.VaultAccount(market)); got != 400 {
		t.Errorf("vault: got %d, want 400", got)
	}
	if got := l.AccountBalance(ledger.ClearingAccount(ledger.Collateral)); got != 0 {
		t.Errorf("clearing: got %d, want 0", got)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("zero-sum: %v", err)
	}
}

func TestLedger_DebitInsufficient_NoChange(t *testing.T) {
	l := newLedger(t)
	mustFund(t, l, "alice", 10)

	err := l.Debit(context.Background(), "x", ledger.NewUserAccountKey("alice", ledger.Collateral), 11)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := l.Balance("alice", ledger.Collateral); got != 10 {
		t.Errorf("balance changed: %d", got)
	}
}

func TestLedger_MintPairedAndBurn(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)
	market := uuid.New()

	if err := l.MintPaired(ctx, "mint", "bob", market, 50); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if l.Balance("bob", ledger.YesToken(market)) != 50 || l.Balance("bob", ledger.NoToken(market)) != 50 {
		t.Fatalf("paired mint balances: %v", l.Balances("bob"))
	}

	if err := l.Burn(ctx, "burn", "bob", ledger.YesToken(market), 20); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.Balance("bob", ledger.YesToken(market)); got != 30 {
		t.Errorf("yes after burn: got %d", got)
	}
	if err := l.Burn(ctx, "burn", "bob", ledger.YesToken(market), 31); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("over-burn: got %v", err)
	}
	if err := l.Burn(ctx, "burn", "bob", ledger.Collateral, 1); err == nil {
		t.Error("burning collateral accepted")
	}
	if err := l.Validate(); err != nil {
		t.Errorf("zero-sum: %v", err)
	}
}

func TestLedger_ZeroAmountRejected(t *testing.T) {
	l := newLedger(t)
	if err := l.Fund(context.Background(), "f", "alice", 0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("got %v", err)
	}
}

func TestLedger_SinkReceivesBatches(t *testing.T) {
	sink := make(chan *ledger.Batch, 4)
	l := ledger.NewLedger(fixedNow, sink)
	if err := l.MintPaired(context.Background(), "ref-1", "carol", uuid.New(), 5); err != nil {
		t.Fatalf("mint: %v", err)
	}

	select {
	case b := <-sink:
		if b.EventRef != "ref-1" || len(b.Journals) != 2 || b.Timestamp != fixedNow() {
			t.Errorf("unexpected batch: %+v", b)
		}
		if b.Sequence != 1 {
			t.Errorf("sequence: got %d", b.Sequence)
		}
	default:
		t.Fatal("no batch delivered to sink")
	}
}

func TestLedger_ReplayRebuildsBalances(t *testing.T) {
	sink := make(chan *ledger.Batch, 8)
	src := ledger.NewLedger(fixedNow, sink)
	id := uuid.New()
	ctx := context.Background()
	if err := src.Fund(ctx, "f", "dave", 50); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := src.MintPaired(ctx, "m", "dave", id, 20); err != nil {
		t.Fatalf("mint: %v", err)
	}
	close(sink)

	dst := newLedger(t)
	for b := range sink {
		if err := dst.Replay(b); err != nil {
			t.Fatalf("replay %d: %v", b.Sequence, err)
		}
	}
	if dst.Balance("dave", ledger.Collateral) != 50 || dst.Balance("dave", ledger.YesToken(id)) != 20 {
		t.Errorf("replayed balances: %v", dst.Balances("dave"))
	}
	if dst.Sequence() != src.Sequence() {
		t.Errorf("sequence: got %d, want %d", dst.Sequence(), src.Sequence())
	}
}

func TestLedger_ReplayRejectsOldBatch(t *testing.T) {
	sink := make(chan *ledger.Batch, 1)
	src := ledger.NewLedger(fixedNow, sink)
	if err := src.Fund(context.Background(), "f", "erin", 5); err != nil {
		t.Fatalf("fund: %v", err)
	}
	b := <-sink

	dst := newLedger(t)
	if err := dst.Replay(b); err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if err := dst.Replay(b); err == nil {
		t.Fatal("replaying the same batch twice succeeded")
	}
	if got := dst.Balance("erin", ledger.Collateral); got != 5 {
		t.Errorf("balance after rejected replay: %d", got)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	id := uuid.New()
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey("alice", ledger.Collateral),
		ledger.NewUserAccountKey("did:pm:bob", ledger.YesToken(id)),
		ledger.NewUserAccountKey("carol", ledger.NoToken(id)),
		ledger.VaultAccount(id),
		ledger.StakeVaultAccount(id),
		ledger.ClearingAccount(ledger.YesToken(id)),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.Collateral),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Errorf("%s: %v", k.AccountPath(), err)
			continue
		}
		if got != k {
			t.Errorf("%s: got %+v, want %+v", k.AccountPath(), got, k)
		}
	}
	for _, bad := range []string{"", "user", "user:alice", "system:x:nope:collateral", "moon:alice:collateral"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("%q parsed", bad)
		}
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_PairedSupply(t *testing.T) {
	tracker := ledger.NewBalanceTracker()
	market := uuid.New()
	for _, asset := range []ledger.Asset{ledger.YesToken(market), ledger.NoToken(market)} {
		b := validBatch()
		b.Journals[0].Asset = asset
		b.Journals[0].DebitAccount = ledger.NewUserAccountKey("dave", asset)
		b.Journals[0].CreditAccount = ledger.NewSystemAccountKey(market, ledger.SubTypeSystemIssuance, asset)
		if err := tracker.ApplyBatch(b); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	v := ledger.NewInvariantValidator(tracker)
	if err := v.ValidatePairedSupply(market); err != nil {
		t.Errorf("paired supply: %v", err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global: %v", err)
	}
	if err := v.ValidateClearingZero(ledger.Collateral); err != nil {
		t.Errorf("clearing: %v", err)
	}
}
