package devcluster_test

import (
	"PrivateMarkets/internal/compute"
	"PrivateMarkets/internal/compute/devcluster"
	"PrivateMarkets/internal/compute/sealed"
	"PrivateMarkets/internal/market"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func mustCluster(t *testing.T) (*devcluster.Cluster, sealed.KeyPair, *compute.Signer) {
	t.Helper()
	keys, err := sealed.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	signer, err := compute.GenerateSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return devcluster.New(devcluster.Config{Keys: keys, Signer: signer, Logger: zerolog.Nop()}), keys, signer
}

func mustSeal(t *testing.T, keys sealed.KeyPair, plain []byte) []byte {
	t.Helper()
	ct, err := sealed.Seal(keys.Public, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return ct
}

func TestCompute_TradeSignedAndVerified(t *testing.T) {
	c, keys, signer := mustCluster(t)
	p := &compute.Pending{
		Handle: uuid.New(),
		Kind:   compute.KindTrade,
		PublicArgs: compute.TradeArgs{
			YesReserves: 1000, NoReserves: 1000,
		}.Marshal(),
		EncryptedArgs: [][]byte{mustSeal(t, keys, compute.TradeOrder{Side: market.SideYes, Amount: 250}.Marshal())},
	}
	cb, err := c.Compute(p)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if cb.Outcome.Status != compute.StatusSuccess {
		t.Fatalf("status %s: %s", cb.Outcome.Status, cb.Outcome.Reason)
	}
	res, err := compute.UnmarshalTradeResult(cb.Outcome.Payload)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Side != market.SideYes || res.Amount != 250 || res.Commitment.IsZero() {
		t.Errorf("got %+v", res)
	}

	v, _ := compute.NewAddressVerifier(signer.Address().Hex())
	if err := v.Verify(cb); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestCompute_TradeSlippageFails(t *testing.T) {
	c, keys, _ := mustCluster(t)
	p := &compute.Pending{
		Handle:        uuid.New(),
		Kind:          compute.KindTrade,
		PublicArgs:    compute.TradeArgs{YesReserves: 1000, NoReserves: 1000, MaxPrice: 400}.Marshal(),
		EncryptedArgs: [][]byte{mustSeal(t, keys, compute.TradeOrder{Side: market.SideYes, Amount: 250}.Marshal())},
	}
	cb, err := c.Compute(p)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if cb.Outcome.Status != compute.StatusFailure || cb.Outcome.Reason == "" {
		t.Errorf("got %s %q", cb.Outcome.Status, cb.Outcome.Reason)
	}
}

func TestCompute_BatchClear(t *testing.T) {
	c, keys, _ := mustCluster(t)
	orders := [][]byte{
		mustSeal(t, keys, compute.BatchOrderPlain{Side: market.SideYes, Amount: 300}.Marshal()),
		mustSeal(t, keys, compute.BatchOrderPlain{Side: market.SideNo, Amount: 700}.Marshal()),
	}
	p := &compute.Pending{
		Handle:        uuid.New(),
		Kind:          compute.KindBatchClear,
		PublicArgs:    compute.BatchArgs{OrderCount: 2, YesReserves: 1000, NoReserves: 1000}.Marshal(),
		EncryptedArgs: orders,
	}
	cb, _ := c.Compute(p)
	res, err := compute.UnmarshalBatchClearResult(cb.Outcome.Payload)
	if err != nil {
		t.Fatalf("result: %v (%s)", err, cb.Outcome.Reason)
	}
	if res.ClearingPrice != 700 || res.DemandYes != 300 || res.DemandNo != 700 {
		t.Errorf("got %+v", res)
	}
}

func TestCompute_ResolutionTieIsNo(t *testing.T) {
	c, keys, _ := mustCluster(t)
	p := &compute.Pending{
		Handle: uuid.New(),
		Kind:   compute.KindResolution,
		PublicArgs: compute.ResolutionArgs{Resolvers: []compute.ResolverWeight{
			{Authority: "alice", Weight: 50},
			{Authority: "bob", Weight: 50},
		}}.Marshal(),
		EncryptedArgs: [][]byte{
			mustSeal(t, keys, compute.Vote(true).Marshal()),
			mustSeal(t, keys, compute.Vote(false).Marshal()),
		},
	}
	cb, _ := c.Compute(p)
	res, err := compute.UnmarshalResolutionResult(cb.Outcome.Payload)
	if err != nil {
		t.Fatalf("result: %v (%s)", err, cb.Outcome.Reason)
	}
	if res.Outcome != market.OutcomeNo || res.Confidence != 50 {
		t.Errorf("got %+v", res)
	}
}

func TestCompute_UnsealableInputFails(t *testing.T) {
	c, _, _ := mustCluster(t)
	other, _ := sealed.GenerateKeyPair()
	p := &compute.Pending{
		Handle:        uuid.New(),
		Kind:          compute.KindTrade,
		PublicArgs:    compute.TradeArgs{YesReserves: 1, NoReserves: 1}.Marshal(),
		EncryptedArgs: [][]byte{mustSeal(t, other, compute.TradeOrder{Side: market.SideNo, Amount: 1}.Marshal())},
	}
	cb, _ := c.Compute(p)
	if cb.Outcome.Status != compute.StatusFailure {
		t.Errorf("got %s", cb.Outcome.Status)
	}
}
