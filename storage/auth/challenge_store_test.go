package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"
)

func newKeypair(t *testing.T) (string, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return AddressFromPubKey(pub), pub, priv
}

func TestVerifySignedChallenge(t *testing.T) {
	wallet, pub, priv := newKeypair(t)
	s := NewChallengeStore(time.Minute)

	ch, err := s.Issue(wallet)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(ch.Nonce))

	if !s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(sig)) {
		t.Fatal("valid signature rejected")
	}
	// The challenge is consumed on success.
	if s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(sig)) {
		t.Fatal("consumed challenge accepted again")
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	wallet, pub, priv := newKeypair(t)
	s := NewChallengeStore(time.Minute)

	if _, err := s.Issue(wallet); err != nil {
		t.Fatalf("issue: %v", err)
	}
	sig := ed25519.Sign(priv, []byte("not the nonce"))
	if s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(sig)) {
		t.Fatal("signature over wrong payload accepted")
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	wallet, _, _ := newKeypair(t)
	_, otherPub, otherPriv := newKeypair(t)
	s := NewChallengeStore(time.Minute)

	ch, err := s.Issue(wallet)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// A valid signature from a key that does not derive to the wallet.
	sig := ed25519.Sign(otherPriv, []byte(ch.Nonce))
	if s.Verify(wallet, hex.EncodeToString(otherPub), hex.EncodeToString(sig)) {
		t.Fatal("foreign key accepted for wallet")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	wallet, _, _ := newKeypair(t)
	s := NewChallengeStore(time.Minute)
	if _, err := s.Issue(wallet); err != nil {
		t.Fatalf("issue: %v", err)
	}

	if s.Verify(wallet, "zz-not-hex", "deadbeef") {
		t.Fatal("malformed pubkey accepted")
	}
	if s.Verify("unknown-wallet", "deadbeef", "deadbeef") {
		t.Fatal("verify without challenge accepted")
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	wallet, pub, priv := newKeypair(t)
	s := NewChallengeStore(-time.Second) // already expired on issue

	ch, err := s.Issue(wallet)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sig := ed25519.Sign(priv, []byte(ch.Nonce))
	if s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(sig)) {
		t.Fatal("expired challenge accepted")
	}
}

func TestVerifyAttemptExhaustion(t *testing.T) {
	wallet, pub, priv := newKeypair(t)
	s := NewChallengeStore(time.Minute)

	ch, err := s.Issue(wallet)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	badSig := ed25519.Sign(priv, []byte("wrong"))
	for i := 0; i < 5; i++ {
		if s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(badSig)) {
			t.Fatalf("bad signature accepted on attempt %d", i+1)
		}
	}
	// Attempts are exhausted, so even the correct signature fails now.
	goodSig := ed25519.Sign(priv, []byte(ch.Nonce))
	if s.Verify(wallet, hex.EncodeToString(pub), hex.EncodeToString(goodSig)) {
		t.Fatal("challenge usable after attempt exhaustion")
	}
}

func TestAddressFromPubKeyDeterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	a := AddressFromPubKey(pub)
	b := AddressFromPubKey(pub)
	if a != b {
		t.Fatalf("address not deterministic: %s vs %s", a, b)
	}
	if len(a) != 40 { // ripemd160 digest, hex encoded
		t.Fatalf("unexpected address length %d: %s", len(a), a)
	}
}
