package core_test

import (
	"PrivateMarkets/internal/core"
	"context"
	"testing"
	"time"
)

func TestKeyedMutex_SameKeyBlocks(t *testing.T) {
	k := core.NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "m1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "m1"); err == nil {
		t.Fatal("second lock on held key succeeded")
	}

	other, err := k.Lock(context.Background(), "m2")
	if err != nil {
		t.Fatalf("other key: %v", err)
	}
	other()

	unlock()
	unlock() // idempotent
	again, err := k.Lock(context.Background(), "m1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
	if k.Len() != 0 {
		t.Errorf("entries leaked: %d", k.Len())
	}
}
