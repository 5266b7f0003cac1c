package sealed_test

import (
	"PrivateMarkets/internal/compute/sealed"
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	kp, err := sealed.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := []byte{1, 0, 0, 0, 0, 0, 0, 0, 42}
	box, err := sealed.Seal(kp.Public, msg)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(box) != len(msg)+sealed.Overhead {
		t.Errorf("box size: got %d", len(box))
	}
	out, err := kp.Open(box)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, msg) {
		t.Errorf("got %x, want %x", out, msg)
	}
}

func TestOpen_WrongKey(t *testing.T) {
	a, _ := sealed.GenerateKeyPair()
	b, _ := sealed.GenerateKeyPair()
	box, _ := sealed.Seal(a.Public, []byte("vote"))
	if _, err := b.Open(box); !errors.Is(err, sealed.ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
}

func TestParseKeyPair_RoundTrip(t *testing.T) {
	kp, _ := sealed.GenerateKeyPair()
	pub, err := sealed.ParsePublicKey(kp.PublicHex())
	if err != nil || *pub != *kp.Public {
		t.Fatalf("parse public: %v", err)
	}
	if _, err := sealed.ParsePublicKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
}
