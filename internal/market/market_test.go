package market_test

import (
	"PrivateMarkets/internal/market"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

const now = int64(1_700_000_000)

func validParams() market.Params {
	return market.Params{
		Question:       "Will it rain in Lisbon tomorrow?",
		EndTime:        now + 3600,
		FeeBps:         30,
		BatchInterval:  600,
		ResolverQuorum: 3,
	}
}

func mustNew(t *testing.T) *market.Market {
	t.Helper()
	m, err := market.New(uuid.New(), "alice", validParams(), now)
	if err != nil {
		t.Fatalf("new market: %v", err)
	}
	return m
}

// ============================================================================
// Test: creation bounds
// ============================================================================

func TestNew_InitialState(t *testing.T) {
	m := mustNew(t)
	if m.State != market.StateActive {
		t.Errorf("state: got %s, want active", m.State)
	}
	if m.YesReserves != market.InitialReserves || m.NoReserves != market.InitialReserves {
		t.Errorf("reserves: got %d/%d", m.YesReserves, m.NoReserves)
	}
	if m.NextBatchClear != now+600 {
		t.Errorf("next_batch_clear: got %d, want %d", m.NextBatchClear, now+600)
	}
	if m.FinalOutcome != market.OutcomeUnresolved {
		t.Errorf("outcome: got %s", m.FinalOutcome)
	}
}

func TestNew_Bounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *market.Params)
		want   error
	}{
		{"question too long", func(p *market.Params) { p.Question = strings.Repeat("q", 201) }, market.ErrQuestionTooLong},
		{"end in past", func(p *market.Params) { p.EndTime = now }, market.ErrInvalidEndTime},
		{"fee low", func(p *market.Params) { p.FeeBps = 9 }, market.ErrInvalidFeeBps},
		{"fee high", func(p *market.Params) { p.FeeBps = 1001 }, market.ErrInvalidFeeBps},
		{"interval low", func(p *market.Params) { p.BatchInterval = 299 }, market.ErrInvalidBatchInterval},
		{"interval high", func(p *market.Params) { p.BatchInterval = 86401 }, market.ErrInvalidBatchInterval},
		{"quorum zero", func(p *market.Params) { p.ResolverQuorum = 0 }, market.ErrInvalidQuorum},
		{"quorum high", func(p *market.Params) { p.ResolverQuorum = 11 }, market.ErrInvalidQuorum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			_, err := market.New(uuid.New(), "alice", p, now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
			if market.CategoryOf(err) != market.CategoryValidation {
				t.Errorf("category: got %s, want validation", market.CategoryOf(err))
			}
		})
	}
}

func TestNew_BoundaryValuesAccepted(t *testing.T) {
	p := validParams()
	p.Question = strings.Repeat("q", 200)
	p.FeeBps = 1000
	p.BatchInterval = 300
	p.ResolverQuorum = 10
	if _, err := market.New(uuid.New(), "alice", p, now); err != nil {
		t.Fatalf("boundary params rejected: %v", err)
	}
}

// ============================================================================
// Test: state gates
// ============================================================================

func TestRequire_ResolvedIsAlreadyResolved(t *testing.T) {
	m := mustNew(t)
	m.State = market.StateResolved
	err := m.Require("trade", market.StateActive)
	if !errors.Is(err, market.ErrMarketAlreadyResolved) {
		t.Fatalf("got %v, want ErrMarketAlreadyResolved", err)
	}
	if market.CategoryOf(err) != market.CategoryState {
		t.Errorf("category: got %s", market.CategoryOf(err))
	}
}

func TestTransition_NoRegression(t *testing.T) {
	m := mustNew(t)
	if err := m.Transition(market.StateComputing); err != nil {
		t.Fatalf("forward transition: %v", err)
	}
	if err := m.Transition(market.StateActive); !errors.Is(err, market.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
	if m.State != market.StateComputing {
		t.Errorf("state changed on rejected transition: %s", m.State)
	}
}

func TestResetBatch_RollsFromClearTime(t *testing.T) {
	m := mustNew(t)
	m.BatchOrderCount = 4
	m.BatchOrderRoot = market.Commitment{1}
	m.ResetBatch(now+1000, 700)

	if m.NextBatchClear != now+1000+600 {
		t.Errorf("next_batch_clear: got %d", m.NextBatchClear)
	}
	if m.BatchOrderCount != 0 || !m.BatchOrderRoot.IsZero() {
		t.Error("batch accumulator not reset")
	}
	if m.BatchEpoch != 1 || m.LastClearingPrice != 700 {
		t.Errorf("epoch/price: got %d/%d", m.BatchEpoch, m.LastClearingPrice)
	}
}

// ============================================================================
// Test: commitments and resolvers
// ============================================================================

func TestCommitmentFold_OrderIndependent(t *testing.T) {
	a := market.Commitment{0x01, 0x10}
	b := market.Commitment{0x02, 0x20}
	c := market.Commitment{0x04, 0x40}

	ab := market.Commitment{}.Fold(a).Fold(b).Fold(c)
	ba := market.Commitment{}.Fold(c).Fold(a).Fold(b)
	if ab != ba {
		t.Fatalf("fold depends on order: %s vs %s", ab, ba)
	}
	if ab[0] != 0x07 || ab[1] != 0x70 {
		t.Errorf("unexpected fold: %s", ab)
	}
}

func TestParseCommitment(t *testing.T) {
	c, err := market.ParseCommitment(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c[31] != 0xab {
		t.Errorf("got %s", c)
	}
	if _, err := market.ParseCommitment("abcd"); !errors.Is(err, market.ErrInvalidCommitment) {
		t.Errorf("short commitment: got %v", err)
	}
}

func TestResolverAttest_Once(t *testing.T) {
	r := &market.Resolver{MarketID: uuid.New(), Authority: "bob", StakeAmount: 10}
	if err := r.Attest(nil, now); !errors.Is(err, market.ErrEmptyPayload) {
		t.Fatalf("empty payload: got %v", err)
	}
	if err := r.Attest([]byte{0xaa, 0xbb}, now); err != nil {
		t.Fatalf("attest: %v", err)
	}
	if r.AttestationCommitment[0] != 0xaa || r.AttestationCommitment[2] != 0 {
		t.Errorf("commitment: %s", r.AttestationCommitment)
	}
	if err := r.Attest([]byte{0xcc}, now+1); !errors.Is(err, market.ErrAlreadyAttested) {
		t.Fatalf("second attest: got %v", err)
	}
	if r.AttestationCommitment[0] != 0xaa || r.AttestedAt != now {
		t.Error("second attest mutated resolver")
	}
}

// ============================================================================
// Test: fixed layout
// ============================================================================

func TestLayout_OffsetsArePublished(t *testing.T) {
	// Offsets are read by external callers; these values must never change.
	if market.OffsetYesReserves != 32 || market.OffsetNoReserves != 40 {
		t.Errorf("reserve offsets moved: %d/%d", market.OffsetYesReserves, market.OffsetNoReserves)
	}
	if market.OffsetStateCommitment != 48 {
		t.Errorf("commitment offset moved: %d", market.OffsetStateCommitment)
	}
	if market.OffsetFinalOutcome != 10 {
		t.Errorf("outcome offset moved: %d", market.OffsetFinalOutcome)
	}
	if market.RecordSize != 471 {
		t.Errorf("record size: got %d, want 471", market.RecordSize)
	}
}

func TestLayout_RoundTripAndDirectReads(t *testing.T) {
	m := mustNew(t)
	m.YesReserves = 123
	m.NoReserves = 456
	m.StateCommitment = market.Commitment{9, 8, 7}
	m.CollateralLocked = 77
	m.Version = 5

	rec, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(rec) != market.RecordSize {
		t.Fatalf("record size: %d", len(rec))
	}
	if got := binary.LittleEndian.Uint64(rec[market.OffsetYesReserves:]); got != 123 {
		t.Errorf("yes at offset: got %d", got)
	}
	if rec[market.OffsetFinalOutcome] != market.WireUnresolved {
		t.Errorf("unresolved outcome byte: got %d", rec[market.OffsetFinalOutcome])
	}

	yes, no, err := market.ReadReserves(rec)
	if err != nil || yes != 123 || no != 456 {
		t.Errorf("ReadReserves: %d/%d %v", yes, no, err)
	}
	c, err := market.ReadStateCommitment(rec)
	if err != nil || c != m.StateCommitment {
		t.Errorf("ReadStateCommitment: %s %v", c, err)
	}

	var back market.Market
	if err := back.UnmarshalBinary(rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != *m {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, *m)
	}
}

func TestLayout_OutcomeWireEncoding(t *testing.T) {
	m := mustNew(t)
	m.FinalOutcome = market.OutcomeYes
	rec, _ := m.MarshalBinary()
	if rec[market.OffsetFinalOutcome] != 1 {
		t.Errorf("YES byte: got %d", rec[market.OffsetFinalOutcome])
	}
	m.FinalOutcome = market.OutcomeNo
	rec, _ = m.MarshalBinary()
	if rec[market.OffsetFinalOutcome] != 0 {
		t.Errorf("NO byte: got %d", rec[market.OffsetFinalOutcome])
	}
}

func TestLayout_RejectsForeignRecord(t *testing.T) {
	if _, _, err := market.ReadReserves(make([]byte, market.RecordSize)); !errors.Is(err, market.ErrInvalidPayload) {
		t.Errorf("zero record: got %v", err)
	}
	if _, _, err := market.ReadReserves([]byte{1, 2}); !errors.Is(err, market.ErrInvalidPayload) {
		t.Errorf("short record: got %v", err)
	}
}
