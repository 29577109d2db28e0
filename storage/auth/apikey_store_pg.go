package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func generateSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

func hashKey(key, salt string) string {
	h := sha256.New()
	h.Write([]byte(salt + key))
	return hex.EncodeToString(h.Sum(nil))
}

func encodeKeyHash(salt, hash string) string {
	return base64.URLEncoding.EncodeToString([]byte(salt + ":" + hash))
}

// PGAPIKeyStore persists API keys in Postgres.
type PGAPIKeyStore struct {
	pool *pgxpool.Pool
}

// NewPGAPIKeyStore connects and initializes schema.
func NewPGAPIKeyStore(ctx context.Context, dsn string) (*PGAPIKeyStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGAPIKeyStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGAPIKeyStore) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
  key TEXT PRIMARY KEY,
  key_hash TEXT,
  wallet_address TEXT,
  label TEXT,
  source TEXT,
  created_at TIMESTAMPTZ DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Validate implements APIKeyValidator.
func (s *PGAPIKeyStore) Validate(key string) bool {
	if key == "" {
		return false
	}
	var exists bool
	err := s.pool.QueryRow(context.Background(),
		"SELECT true FROM api_keys WHERE key=$1", key).Scan(&exists)
	return err == nil && exists
}

// Get returns the API key record for the provided key.
func (s *PGAPIKeyStore) Get(key string) (APIKey, bool) {
	if key == "" {
		return APIKey{}, false
	}
	var rec APIKey
	err := s.pool.QueryRow(context.Background(),
		"SELECT key, COALESCE(wallet_address,''), COALESCE(label,''), COALESCE(source,''), created_at FROM api_keys WHERE key=$1",
		key,
	).Scan(&rec.Key, &rec.Wallet, &rec.Label, &rec.Source, &rec.CreatedAt)
	if err != nil {
		return APIKey{}, false
	}
	return rec, true
}

// Issue implements APIKeyIssuer.
func (s *PGAPIKeyStore) Issue(wallet, label, source string) (APIKey, error) {
	key, err := generateKey()
	if err != nil {
		return APIKey{}, err
	}
	salt, err := generateSalt()
	if err != nil {
		return APIKey{}, err
	}
	keyHash := encodeKeyHash(salt, hashKey(key, salt))

	rec := APIKey{
		Key:       key,
		Wallet:    wallet,
		Label:     label,
		Source:    source,
		CreatedAt: time.Now(),
	}
	_, err = s.pool.Exec(context.Background(),
		"INSERT INTO api_keys (key, key_hash, wallet_address, label, source, created_at) VALUES ($1,$2,$3,$4,$5,$6)",
		rec.Key, keyHash, rec.Wallet, rec.Label, rec.Source, rec.CreatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return rec, nil
}

// UpdateWallet binds a wallet address to an existing API key.
func (s *PGAPIKeyStore) UpdateWallet(key, wallet string) (APIKey, error) {
	normalizedKey := strings.TrimSpace(key)
	normalizedWallet := strings.TrimSpace(wallet)
	if normalizedKey == "" {
		return APIKey{}, fmt.Errorf("api key required")
	}
	if normalizedWallet == "" {
		return APIKey{}, fmt.Errorf("wallet_address required")
	}
	var rec APIKey
	err := s.pool.QueryRow(context.Background(), `
UPDATE api_keys
SET wallet_address=$2
WHERE key=$1
RETURNING key, COALESCE(wallet_address,''), COALESCE(label,''), COALESCE(source,''), created_at
`, normalizedKey, normalizedWallet).Scan(&rec.Key, &rec.Wallet, &rec.Label, &rec.Source, &rec.CreatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return rec, nil
}

// Seed inserts a provided key if not empty.
func (s *PGAPIKeyStore) Seed(key, wallet, source string) {
	if key == "" {
		return
	}
	_, _ = s.pool.Exec(context.Background(),
		"INSERT INTO api_keys (key, wallet_address, source, created_at) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING",
		key, wallet, source, time.Now())
}

// Close shuts down the pool.
func (s *PGAPIKeyStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
