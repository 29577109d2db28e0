package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/ledger"
	"taskmarket-backend/metrics"
	"taskmarket-backend/middleware"
	mktserver "taskmarket-backend/middleware/marketplace"
	"taskmarket-backend/services"
	auth "taskmarket-backend/storage/auth"
	mktstore "taskmarket-backend/storage/marketplace"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type config struct {
	Port           string
	StoreDriver    string
	PGDSN          string
	APIKey         string
	APIKeyWallet   string
	AdminWallet    string
	CustodyAccount string
	TokenAsset     string
	PlatformFeeBps uint32
	ChallengeTTL   time.Duration
	SeedBalances   map[string]int64
}

func loadConfig() config {
	port := os.Getenv("MARKET_PORT")
	if port == "" {
		port = "3001"
	}

	storeDriver := os.Getenv("MARKET_STORE_DRIVER")
	if storeDriver == "" {
		storeDriver = "memory"
	}

	feeBps := uint32(250)
	if raw := os.Getenv("MARKET_PLATFORM_FEE_BPS"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil && v <= 10000 {
			feeBps = uint32(v)
		}
	}

	challengeTTL := 5 * time.Minute
	if raw := os.Getenv("MARKET_CHALLENGE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			challengeTTL = time.Duration(v) * time.Second
		}
	}

	return config{
		Port:           port,
		StoreDriver:    storeDriver,
		PGDSN:          os.Getenv("MARKET_PG_DSN"),
		APIKey:         os.Getenv("MARKET_API_KEY"),
		APIKeyWallet:   os.Getenv("MARKET_API_KEY_WALLET"),
		AdminWallet:    envDefault("MARKET_ADMIN_WALLET", "admin"),
		CustodyAccount: envDefault("MARKET_CUSTODY_ACCOUNT", "custody"),
		TokenAsset:     envDefault("MARKET_TOKEN_ASSET", "token"),
		PlatformFeeBps: feeBps,
		ChallengeTTL:   challengeTTL,
		SeedBalances:   parseBalances(os.Getenv("MARKET_SEED_BALANCES")),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseBalances reads "wallet=amount,wallet=amount" seed specs.
func parseBalances(raw string) map[string]int64 {
	out := make(map[string]int64)
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		amount, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || amount <= 0 {
			continue
		}
		out[parts[0]] = amount
	}
	return out
}

func main() {
	cfg := loadConfig()
	ctx := context.Background()

	var store core.Store
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			log.Fatal("MARKET_PG_DSN required when MARKET_STORE_DRIVER=postgres")
		}
		pg, err := mktstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		store = pg
	default:
		store = mktstore.NewMemoryStore()
	}
	defer store.Close()

	var apiKeys auth.APIKeyValidator
	if cfg.StoreDriver == "postgres" {
		pgKeys, err := auth.NewPGAPIKeyStore(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("failed to init api key store: %v", err)
		}
		defer pgKeys.Close()
		pgKeys.Seed(cfg.APIKey, cfg.APIKeyWallet, "seed")
		apiKeys = pgKeys
	} else {
		memKeys := auth.NewAPIKeyStore()
		memKeys.Seed(cfg.APIKey, cfg.APIKeyWallet, "seed")
		apiKeys = memKeys
	}

	tokens := ledger.New(cfg.TokenAsset)
	for wallet, amount := range cfg.SeedBalances {
		if err := tokens.Mint(wallet, amount); err != nil {
			log.Printf("failed to seed balance for %s: %v", wallet, err)
		}
	}

	market := core.New(store, tokens, auth.CallerAuth{}, core.SystemClock{}, cfg.CustodyAccount)
	if ok, err := store.HasConfig(ctx); err == nil && !ok {
		if err := market.Initialize(ctx, cfg.TokenAsset, cfg.PlatformFeeBps, cfg.AdminWallet); err != nil {
			log.Fatalf("failed to initialize marketplace: %v", err)
		}
	}

	// Keep the escrow gauge in sync with lifecycle events.
	core.RegisterEventSink(func(evt core.Event) {
		switch evt.Type {
		case "assigned":
			metrics.EscrowHeld.Add(float64(evt.Amount))
		case "approved", "resolved":
			metrics.EscrowHeld.Sub(float64(evt.Amount))
		}
	})

	challenges := auth.NewChallengeStore(cfg.ChallengeTTL)
	payments := services.NewPaymentService(cfg.TokenAsset)
	srv := mktserver.NewServer(market, tokens, payments, apiKeys, challenges)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				middleware.SecurityHeaders(
					middleware.ValidateFilename(
						middleware.RateLimit(100, time.Minute)(
							middleware.Timeout(30 * time.Second)(
								mux,
							),
						),
					),
				),
			),
		),
	)

	log.Printf("Task marketplace server starting on :%s (driver=%s)", cfg.Port, cfg.StoreDriver)
	log.Printf("Marketplace API at: http://localhost:%s/api/marketplace/", cfg.Port)
	log.Printf("Metrics at: http://localhost:%s/metrics", cfg.Port)

	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}
