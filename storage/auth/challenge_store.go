package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/ripemd160"
)

// Challenge represents a pending wallet verification.
type Challenge struct {
	Nonce       string    `json:"nonce"`
	Wallet      string    `json:"wallet_address"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
}

// ChallengeStore keeps in-memory challenges keyed by wallet address. A wallet
// proves control by signing the outstanding nonce with the ed25519 key its
// address derives from.
type ChallengeStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	challenges map[string]Challenge
}

// NewChallengeStore builds a new in-memory challenge store.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	return &ChallengeStore{
		ttl:        ttl,
		challenges: make(map[string]Challenge),
	}
}

// Issue creates or refreshes a challenge for a wallet.
func (s *ChallengeStore) Issue(wallet string) (Challenge, error) {
	nonce, err := randomNonce()
	if err != nil {
		return Challenge{}, err
	}
	ch := Challenge{
		Nonce:       nonce,
		Wallet:      wallet,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(s.ttl),
		MaxAttempts: 5,
	}
	s.mu.Lock()
	s.challenges[wallet] = ch
	s.mu.Unlock()
	return ch, nil
}

// Verify checks an ed25519 signature over the outstanding nonce. pubKeyHex
// must derive to the challenged wallet address, and sigHex must be a valid
// signature of the nonce bytes. The challenge is consumed on success and
// after too many failures.
func (s *ChallengeStore) Verify(wallet, pubKeyHex, sigHex string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[wallet]
	if !ok {
		return false
	}
	if time.Now().After(ch.ExpiresAt) {
		delete(s.challenges, wallet)
		return false
	}
	ch.Attempts++
	s.challenges[wallet] = ch
	if ch.Attempts > ch.MaxAttempts {
		delete(s.challenges, wallet)
		return false
	}

	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	if AddressFromPubKey(pubKey) != wallet {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	if !ed25519.Verify(ed25519.PublicKey(pubKey), []byte(ch.Nonce), sig) {
		return false
	}
	delete(s.challenges, wallet)
	return true
}

// AddressFromPubKey derives the wallet address for an ed25519 public key:
// hex(RIPEMD160(SHA256(pubkey))).
func AddressFromPubKey(pubKey []byte) string {
	sha := sha256.Sum256(pubKey)
	rip := ripemd160.New()
	rip.Write(sha[:])
	return hex.EncodeToString(rip.Sum(nil))
}

func randomNonce() (string, error) {
	b := make([]byte, 16) // 128-bit nonce
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
