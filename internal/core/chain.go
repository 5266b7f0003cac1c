package core

import (
	"fmt"
)

// ChainLink is one persisted event as needed to re-verify the chain.
type ChainLink struct {
	Sequence  int64
	Record    []byte
	StateHash [32]byte
	PrevHash  [32]byte
}

// ChainVerifier replays stored links and checks sequence continuity and
// every hash. Used during recovery before the emitter resumes.
type ChainVerifier struct {
	expectedSeq int64
	prev        [32]byte
	verified    int64
}

// NewChainVerifier starts at the given sequence and prev hash. A zero prev
// means genesis.
func NewChainVerifier(startSeq int64, prev [32]byte) *ChainVerifier {
	if prev == ([32]byte{}) {
		prev = GenesisHash()
	}
	return &ChainVerifier{expectedSeq: startSeq, prev: prev}
}

// Verify checks the next link.
func (v *ChainVerifier) Verify(l ChainLink) error {
	if l.Sequence < v.expectedSeq {
		return fmt.Errorf("out-of-order event: expected=%d, got=%d", v.expectedSeq, l.Sequence)
	}
	if l.Sequence > v.expectedSeq {
		return fmt.Errorf("sequence gap: expected=%d, got=%d", v.expectedSeq, l.Sequence)
	}
	if l.PrevHash != v.prev {
		return fmt.Errorf("event %d: prev hash %x does not match chain tip %x", l.Sequence, l.PrevHash[:8], v.prev[:8])
	}
	want := ChainHash(v.prev, l.Sequence, l.Record)
	if l.StateHash != want {
		return fmt.Errorf("event %d: state hash mismatch", l.Sequence)
	}
	v.prev = l.StateHash
	v.expectedSeq++
	v.verified++
	return nil
}

// Tip is the next expected sequence and the hash to continue from.
func (v *ChainVerifier) Tip() (int64, [32]byte) {
	return v.expectedSeq, v.prev
}

func (v *ChainVerifier) Verified() int64 { return v.verified }
