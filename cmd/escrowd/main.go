package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"

	"escrowd/config"
	"escrowd/crypto"
	"escrowd/native/escrow"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

const envVar = "ESCROWD_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := seedGenesisAllocs(manager, cfg.GenesisAllocs); err != nil {
		logger.Error("Failed to seed genesis allocations", slog.Any("error", err))
		os.Exit(1)
	}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(state.NewEventLog(db))

	authToken := strings.TrimSpace(os.Getenv(cfg.AuthTokenEnv))
	if authToken == "" {
		logger.Warn("RPC authentication disabled", slog.String("env", cfg.AuthTokenEnv))
	}

	server := rpc.NewServer(engine, state.NewEventLog(db), authToken, logger)
	if cfg.RateLimitPerMin > 0 {
		server.SetRateLimiter(rpc.NewRateLimiter(rpc.RateLimit{
			RequestsPerMinute: cfg.RateLimitPerMin,
			Burst:             cfg.RateLimitBurst,
		}, logger))
	}
	logger.Info("escrow ledger ready",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("data", cfg.DataDir),
	)
	if err := server.Start(cfg.RPCAddress, cfg.MetricsPath); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// seedGenesisAllocs funds configured accounts the first time the daemon runs
// against an empty data directory. Accounts that already exist are left alone
// so restarts never double-fund.
func seedGenesisAllocs(manager *state.Manager, allocs []config.GenesisAlloc) error {
	for _, alloc := range allocs {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return fmt.Errorf("genesis alloc %q: %w", alloc.Address, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return fmt.Errorf("genesis alloc %q: malformed balance %q", alloc.Address, alloc.Balance)
		}
		account, err := manager.GetAccount(addr.Bytes())
		if err != nil {
			return err
		}
		if account.Balance.Sign() > 0 || account.Nonce > 0 {
			continue
		}
		account.Balance = balance
		if err := manager.PutAccount(addr.Bytes(), account); err != nil {
			return err
		}
	}
	return nil
}
