package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	core "taskmarket-backend/core/marketplace"
	"taskmarket-backend/ledger"
	"taskmarket-backend/mcp"
	auth "taskmarket-backend/storage/auth"
	mktstore "taskmarket-backend/storage/marketplace"

	"github.com/mark3labs/mcp-go/server"
)

type config struct {
	StoreDriver    string
	PGDSN          string
	OperatorWallet string
	AdminWallet    string
	CustodyAccount string
	TokenAsset     string
	PlatformFeeBps uint32
	SeedBalances   map[string]int64
}

func loadConfig() config {
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

	return config{
		StoreDriver:    storeDriver,
		PGDSN:          os.Getenv("MARKET_PG_DSN"),
		OperatorWallet: envDefault("MARKET_OPERATOR_WALLET", "operator"),
		AdminWallet:    envDefault("MARKET_ADMIN_WALLET", "admin"),
		CustodyAccount: envDefault("MARKET_CUSTODY_ACCOUNT", "custody"),
		TokenAsset:     envDefault("MARKET_TOKEN_ASSET", "token"),
		PlatformFeeBps: feeBps,
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

	tokens := ledger.New(cfg.TokenAsset)
	for wallet, amount := range cfg.SeedBalances {
		if err := tokens.Mint(wallet, amount); err != nil {
			log.Printf("failed to seed balance for %s: %v", wallet, err)
		}
	}

	market := core.New(store, tokens, auth.CallerAuth{}, core.SystemClock{}, cfg.CustodyAccount)
	if ok, err := store.HasConfig(ctx); err == nil && !ok {
		adminCtx := auth.WithCaller(ctx, cfg.AdminWallet)
		if err := market.Initialize(adminCtx, cfg.TokenAsset, cfg.PlatformFeeBps, cfg.AdminWallet); err != nil {
			log.Fatalf("failed to initialize marketplace: %v", err)
		}
	}

	mcpServer := mcp.NewMCPServer(market, tokens, cfg.OperatorWallet)

	log.Printf("Task marketplace MCP server starting (driver=%s, operator=%s)", cfg.StoreDriver, cfg.OperatorWallet)

	// Start the MCP server using stdio transport
	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
