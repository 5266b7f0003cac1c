package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "PrivateMarkets:genesis:v1"

// GenesisHash is the prev hash of the first event ever emitted.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher computes the hash chain over market records.
// Not thread-safe; the Emitter guards it.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher continues a chain from prev. A zero prev starts at genesis.
func NewStateHasher(prev [32]byte) *StateHasher {
	if prev == ([32]byte{}) {
		prev = GenesisHash()
	}
	return &StateHasher{prevHash: prev}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || record)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, record []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, record)
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// ChainHash is one link of the chain, without state.
func ChainHash(prev [32]byte, sequence int64, record []byte) [32]byte {
	hasher := sha256.New()

	// Write prev_hash (32 bytes)
	hasher.Write(prev[:])

	// Write sequence (8 bytes LE)
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	// Write the market record the event left behind
	hasher.Write(record)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}
