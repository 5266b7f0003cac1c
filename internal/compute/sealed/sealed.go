// Package sealed wraps NaCl anonymous sealed boxes. Clients seal order and
// attestation plaintexts to the compute cluster's public key; only the
// cluster can open them.
package sealed

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const KeySize = 32

// Overhead is the ciphertext expansion of a sealed box.
const Overhead = box.AnonymousOverhead

var ErrOpen = errors.New("sealed: cannot open box")

type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sealed: generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// ParsePublicKey decodes a hex-encoded 32-byte public key.
func ParsePublicKey(s string) (*[KeySize]byte, error) {
	return parseKey(s)
}

// ParseKeyPair decodes hex-encoded public and private keys.
func ParseKeyPair(pubHex, privHex string) (KeyPair, error) {
	pub, err := parseKey(pubHex)
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := parseKey(privHex)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

func parseKey(s string) (*[KeySize]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeySize {
		return nil, fmt.Errorf("sealed: key must be %d hex-encoded bytes", KeySize)
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}

// Seal encrypts plaintext to recipient.
func Seal(recipient *[KeySize]byte, plaintext []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, plaintext, recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: seal: %w", err)
	}
	return out, nil
}

// Open decrypts a box sealed to kp.
func (kp KeyPair) Open(ciphertext []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, ciphertext, kp.Public, kp.Private)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

func (kp KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}
