package compute

import (
	"PrivateMarkets/internal/market"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var callbackDomain = ethcrypto.Keccak256([]byte("PrivateMarkets.Callback(bytes16 handle,uint8 status,bytes32 payloadHash)"))

// CallbackDigest is the keccak256 hash the cluster signs for a callback.
func CallbackDigest(cb Callback) []byte {
	payloadHash := ethcrypto.Keccak256(cb.Outcome.Payload)
	return ethcrypto.Keccak256(
		callbackDomain,
		cb.Handle[:],
		[]byte{byte(cb.Outcome.Status)},
		payloadHash,
	)
}

// Signer signs callbacks with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("compute/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{key: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// GenerateSigner creates a throwaway signer for development clusters.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("compute/signer: generate key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

func (s *Signer) Address() common.Address { return s.address }

// Sign fills cb.Signature.
func (s *Signer) Sign(cb *Callback) error {
	sig, err := ethcrypto.Sign(CallbackDigest(*cb), s.key)
	if err != nil {
		return fmt.Errorf("compute/signer: sign: %w", err)
	}
	cb.Signature = sig
	return nil
}

// AddressVerifier accepts callbacks signed by one cluster address.
type AddressVerifier struct {
	expected common.Address
}

func NewAddressVerifier(hexAddress string) (*AddressVerifier, error) {
	if !common.IsHexAddress(hexAddress) {
		return nil, fmt.Errorf("compute/verifier: invalid cluster address %q", hexAddress)
	}
	return &AddressVerifier{expected: common.HexToAddress(hexAddress)}, nil
}

func (v *AddressVerifier) Verify(cb Callback) error {
	if len(cb.Signature) != 65 {
		return market.ErrInvalidCallbackSignature.With("signature is %d bytes, want 65", len(cb.Signature))
	}
	pub, err := ethcrypto.SigToPub(CallbackDigest(cb), cb.Signature)
	if err != nil {
		return market.ErrInvalidCallbackSignature.With("recover: %v", err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != v.expected {
		return market.ErrInvalidCallbackSignature.With("signed by %s, want %s", got.Hex(), v.expected.Hex())
	}
	return nil
}
