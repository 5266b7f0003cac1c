package core_test

import (
	"PrivateMarkets/internal/core"
	"strings"
	"testing"
)

func mustLinks(t *testing.T, records ...string) []core.ChainLink {
	t.Helper()
	h := core.NewStateHasher([32]byte{})
	links := make([]core.ChainLink, len(records))
	for i, r := range records {
		prev := h.GetPrevHash()
		links[i] = core.ChainLink{
			Sequence:  int64(i),
			Record:    []byte(r),
			PrevHash:  prev,
			StateHash: h.ComputeHash(int64(i), []byte(r)),
		}
	}
	return links
}

func TestChainVerifier_AcceptsHasherOutput(t *testing.T) {
	links := mustLinks(t, "a", "b", "c")
	v := core.NewChainVerifier(0, [32]byte{})
	for _, l := range links {
		if err := v.Verify(l); err != nil {
			t.Fatalf("verify %d: %v", l.Sequence, err)
		}
	}
	seq, tip := v.Tip()
	if seq != 3 || tip != links[2].StateHash {
		t.Errorf("tip: seq=%d", seq)
	}
}

func TestChainVerifier_Gaps(t *testing.T) {
	links := mustLinks(t, "a", "b", "c")

	v := core.NewChainVerifier(0, [32]byte{})
	if err := v.Verify(links[1]); err == nil || !strings.Contains(err.Error(), "sequence gap") {
		t.Fatalf("gap: got %v", err)
	}

	v = core.NewChainVerifier(1, links[0].StateHash)
	if err := v.Verify(links[0]); err == nil || !strings.Contains(err.Error(), "out-of-order") {
		t.Fatalf("replay: got %v", err)
	}
	if err := v.Verify(links[1]); err != nil {
		t.Fatalf("resume from tip: %v", err)
	}
}

func TestChainVerifier_BrokenPrevHash(t *testing.T) {
	links := mustLinks(t, "a", "b")
	links[1].PrevHash[0] ^= 0xff
	v := core.NewChainVerifier(0, [32]byte{})
	if err := v.Verify(links[0]); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := v.Verify(links[1]); err == nil {
		t.Fatal("broken prev hash verified")
	}
}
