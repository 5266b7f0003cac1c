package scheduler_test

import (
	"PrivateMarkets/internal/market"
	"PrivateMarkets/internal/scheduler"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeClearer struct {
	due    []uuid.UUID
	errs   map[uuid.UUID]error
	calls  []uuid.UUID
	caller string
}

func (f *fakeClearer) DueForClear(ctx context.Context) ([]uuid.UUID, error) {
	return f.due, nil
}

func (f *fakeClearer) QueueBatchClear(ctx context.Context, caller string, id uuid.UUID) (uuid.UUID, bool, error) {
	f.calls = append(f.calls, id)
	f.caller = caller
	if err := f.errs[id]; err != nil {
		return uuid.Nil, false, err
	}
	return uuid.New(), false, nil
}

type fakePurger struct{ cutoff int64 }

func (f *fakePurger) PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

// ============================================================================
// Test: Scheduler
// ============================================================================

func TestSweepBatches_QueuesEveryDueMarket(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	f := &fakeClearer{
		due:  []uuid.UUID{a, b, c},
		errs: map[uuid.UUID]error{b: market.ErrComputationOutstanding.With("busy")},
	}
	s, err := scheduler.New(scheduler.Config{Clearer: f, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if n := s.SweepBatches(context.Background()); n != 2 {
		t.Errorf("queued: got %d, want 2", n)
	}
	if len(f.calls) != 3 {
		t.Errorf("calls: got %d, want 3", len(f.calls))
	}
	if f.caller != scheduler.Caller {
		t.Errorf("caller: got %q", f.caller)
	}
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := scheduler.New(scheduler.Config{BatchSpec: "not a spec", Clearer: &fakeClearer{}, Logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("bad cron spec accepted")
	}
}

func TestPurgeRetired_UsesRetention(t *testing.T) {
	p := &fakePurger{}
	s, err := scheduler.New(scheduler.Config{
		Clearer:       &fakeClearer{},
		Purger:        p,
		PurgeSpec:     "0 0 * * * *",
		RetainSeconds: 100,
		Now:           func() int64 { return 1000 },
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.PurgeRetired(context.Background())
	if p.cutoff != 900 {
		t.Errorf("cutoff: got %d, want 900", p.cutoff)
	}
}
