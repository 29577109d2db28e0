package marketplace

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/ledger"
	"taskmarket-backend/services"
	auth "taskmarket-backend/storage/auth"
	mktstore "taskmarket-backend/storage/marketplace"
)

const (
	testAdmin      = "admin-wallet"
	testCustody    = "custody-wallet"
	testEmployer   = "employer-wallet"
	testFreelancer = "freelancer-wallet"

	employerKey   = "employer-api-key"
	freelancerKey = "freelancer-api-key"
	adminKey      = "admin-api-key"
	unboundKey    = "unbound-api-key"
)

type testEnv struct {
	mux    *http.ServeMux
	tokens *ledger.Ledger
	market *core.Marketplace
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := mktstore.NewMemoryStore()
	tokens := ledger.New("token")
	market := core.New(store, tokens, auth.CallerAuth{}, core.SystemClock{}, testCustody)
	if err := market.Initialize(context.Background(), "token", 250, testAdmin); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	apiKeys := auth.NewAPIKeyStore()
	apiKeys.Seed(employerKey, testEmployer, "seed")
	apiKeys.Seed(freelancerKey, testFreelancer, "seed")
	apiKeys.Seed(adminKey, testAdmin, "seed")
	apiKeys.Seed(unboundKey, "", "seed")

	srv := NewServer(market, tokens, services.NewPaymentService("token"), apiKeys, auth.NewChallengeStore(time.Minute))
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return &testEnv{mux: mux, tokens: tokens, market: market}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthWrapRejectsBadKeys(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/marketplace/config", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without key, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid api key") {
		t.Fatalf("unexpected error body: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/config", "no-such-key", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with unknown key, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/config", employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with seeded key, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthWrapAcceptsBearerToken(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/marketplace/config", nil)
	req.Header.Set("Authorization", "Bearer "+employerKey)
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	if err := env.tokens.Mint(testEmployer, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Post a task as the employer.
	rec := env.do(t, http.MethodPost, "/api/marketplace/tasks", employerKey, map[string]interface{}{
		"title":       "write docs",
		"description": "API reference",
		"budget":      500,
		"deadline":    time.Now().AddDate(0, 1, 0).Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post task: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var posted struct {
		TaskID uint64 `json:"task_id"`
	}
	decodeJSON(t, rec, &posted)
	taskPath := fmt.Sprintf("/api/marketplace/tasks/%d", posted.TaskID)

	// Bid as the freelancer.
	rec = env.do(t, http.MethodPost, taskPath+"/bids", freelancerKey, map[string]interface{}{
		"amount":             400,
		"proposal":           "two weeks",
		"delivery_time_days": 14,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit bid: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, taskPath+"/bids", employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list bids: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bids struct {
		TotalCount int `json:"total_count"`
	}
	decodeJSON(t, rec, &bids)
	if bids.TotalCount != 1 {
		t.Fatalf("expected 1 bid, got %d", bids.TotalCount)
	}

	// Accept, then walk the work states.
	rec = env.do(t, http.MethodPost, taskPath+"/accept", employerKey, map[string]string{"freelancer": testFreelancer})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, action := range []string{"/start", "/submit"} {
		rec = env.do(t, http.MethodPost, taskPath+action, freelancerKey, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", action, rec.Code, rec.Body.String())
		}
	}
	rec = env.do(t, http.MethodPost, taskPath+"/approve", employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, taskPath, employerKey, nil)
	var task core.Task
	decodeJSON(t, rec, &task)
	if task.Status != core.StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}

	// 400 escrowed at 250 bps: 390 to the freelancer.
	rec = env.do(t, http.MethodGet, "/api/marketplace/balance?account="+testFreelancer, employerKey, nil)
	var bal struct {
		Balance int64 `json:"balance"`
	}
	decodeJSON(t, rec, &bal)
	if bal.Balance != 390 {
		t.Fatalf("expected freelancer balance 390, got %d", bal.Balance)
	}
}

func TestPostTaskRequiresWalletBinding(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/marketplace/tasks", unboundKey, map[string]interface{}{
		"title": "t", "budget": 1,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "wallet binding") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t)

	// Unknown task: 404.
	rec := env.do(t, http.MethodGet, "/api/marketplace/tasks/99", employerKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d: %s", rec.Code, rec.Body.String())
	}

	// Malformed task id: 400.
	rec = env.do(t, http.MethodGet, "/api/marketplace/tasks/abc", employerKey, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	// Re-initialize: 409.
	rec = env.do(t, http.MethodPost, "/api/marketplace/initialize", adminKey, map[string]interface{}{
		"token_address": "token", "platform_fee_bps": 100, "admin": testAdmin,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for double initialize, got %d: %s", rec.Code, rec.Body.String())
	}

	// Fee update by non-admin: 403.
	rec = env.do(t, http.MethodPost, "/api/marketplace/fee", employerKey, map[string]interface{}{
		"platform_fee_bps": 100,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin fee update, got %d: %s", rec.Code, rec.Body.String())
	}

	// Fee above 100%: 400.
	rec = env.do(t, http.MethodPost, "/api/marketplace/fee", adminKey, map[string]interface{}{
		"platform_fee_bps": 10001,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for fee over 10000, got %d: %s", rec.Code, rec.Body.String())
	}

	// Accepting a bid with no escrow funds: 402.
	rec = env.do(t, http.MethodPost, "/api/marketplace/tasks", employerKey, map[string]interface{}{
		"title": "t", "budget": 500, "deadline": time.Now().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post task: %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/marketplace/tasks/1/bids", freelancerKey, map[string]interface{}{
		"amount": 400,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid: %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/marketplace/tasks/1/accept", employerKey, map[string]string{
		"freelancer": testFreelancer,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for unfunded accept, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/marketplace/tasks", employerKey, map[string]interface{}{
		"title": "evt task", "budget": 100, "deadline": time.Now().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post task: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/events?type=posted&actor="+testEmployer, employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Events []core.Event `json:"events"`
		Count  int          `json:"count"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Count == 0 {
		t.Fatalf("expected at least one posted event, body: %s", rec.Body.String())
	}
	for _, evt := range resp.Events {
		if evt.Type != "posted" || evt.Actor != testEmployer {
			t.Fatalf("filter leaked event: %+v", evt)
		}
	}
}

func TestChallengeVerifyIssuesKey(t *testing.T) {
	env := newTestEnv(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := auth.AddressFromPubKey(pub)

	rec := env.do(t, http.MethodPost, "/api/auth/challenge", "", map[string]string{"wallet_address": wallet})
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ch struct {
		Nonce string `json:"nonce"`
	}
	decodeJSON(t, rec, &ch)
	sig := ed25519.Sign(priv, []byte(ch.Nonce))

	rec = env.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{
		"wallet_address": wallet,
		"public_key":     hex.EncodeToString(pub),
		"signature":      hex.EncodeToString(sig),
		"label":          "cli",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("verify: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var issued struct {
		Key    string `json:"key"`
		Wallet string `json:"wallet_address"`
	}
	decodeJSON(t, rec, &issued)
	if issued.Key == "" || issued.Wallet != wallet {
		t.Fatalf("unexpected issued key: %+v", issued)
	}

	// The issued key authenticates requests as the verified wallet.
	rec = env.do(t, http.MethodGet, "/api/marketplace/balance", issued.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance with issued key: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var bal struct {
		Account string `json:"account"`
	}
	decodeJSON(t, rec, &bal)
	if bal.Account != wallet {
		t.Fatalf("expected balance for %s, got %s", wallet, bal.Account)
	}
}

func TestVerifyRejectsWrongSignature(t *testing.T) {
	env := newTestEnv(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	wallet := auth.AddressFromPubKey(pub)

	rec := env.do(t, http.MethodPost, "/api/auth/challenge", "", map[string]string{"wallet_address": wallet})
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge: %d", rec.Code)
	}
	sig := ed25519.Sign(priv, []byte("wrong payload"))
	rec = env.do(t, http.MethodPost, "/api/auth/verify", "", map[string]string{
		"wallet_address": wallet,
		"public_key":     hex.EncodeToString(pub),
		"signature":      hex.EncodeToString(sig),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFundingQR(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/marketplace/funding-qr?address=some-wallet&amount=50", employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty QR body")
	}
}

func TestTaskFundingQR(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/marketplace/tasks", employerKey, map[string]interface{}{
		"title": "t", "budget": 500, "deadline": time.Now().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post task: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/tasks/1/funding-qr", employerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/tasks/42/funding-qr", employerKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown task, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	if err := env.tokens.Mint(testEmployer, 1000); err != nil {
		t.Fatalf("mint: %v", err)
	}
	rec := env.do(t, http.MethodPost, "/api/marketplace/tasks", employerKey, map[string]interface{}{
		"title": "t", "budget": 500, "deadline": time.Now().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post task: %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/marketplace/tasks/1/bids", freelancerKey, map[string]interface{}{"amount": 400})
	if rec.Code != http.StatusCreated {
		t.Fatalf("bid: %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/marketplace/tasks/1/accept", employerKey, map[string]string{"freelancer": testFreelancer})
	if rec.Code != http.StatusOK {
		t.Fatalf("accept: %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/marketplace/stats", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var stats struct {
		TaskCount      uint64         `json:"task_count"`
		TasksByStatus  map[string]int `json:"tasks_by_status"`
		EscrowHeld     int64          `json:"escrow_held"`
		CustodyBalance int64          `json:"custody_balance"`
	}
	decodeJSON(t, rec, &stats)
	if stats.TaskCount != 1 {
		t.Fatalf("expected task_count 1, got %d", stats.TaskCount)
	}
	if stats.TasksByStatus["assigned"] != 1 {
		t.Fatalf("expected one assigned task, got %+v", stats.TasksByStatus)
	}
	if stats.EscrowHeld != 400 || stats.CustodyBalance != 400 {
		t.Fatalf("expected escrow 400 held in custody, got held=%d custody=%d", stats.EscrowHeld, stats.CustodyBalance)
	}
}
