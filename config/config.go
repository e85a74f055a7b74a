package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// GenesisAlloc seeds an account balance when the data directory is first
// initialised. Balances are decimal strings so arbitrarily large values
// survive the TOML round trip.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

type Config struct {
	RPCAddress      string         `toml:"RPCAddress"`
	MetricsPath     string         `toml:"MetricsPath"`
	DataDir         string         `toml:"DataDir"`
	NetworkName     string         `toml:"NetworkName"`
	AuthTokenEnv    string         `toml:"AuthTokenEnv"`
	RateLimitPerMin float64        `toml:"RateLimitPerMin"`
	RateLimitBurst  int            `toml:"RateLimitBurst"`
	GenesisAllocs   []GenesisAlloc `toml:"GenesisAllocs"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.MetricsPath) == "" {
		cfg.MetricsPath = "/metrics"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrow-local"
	}
	if strings.TrimSpace(cfg.AuthTokenEnv) == "" {
		cfg.AuthTokenEnv = "ESCROWD_RPC_TOKEN"
	}
	if cfg.GenesisAllocs == nil {
		cfg.GenesisAllocs = []GenesisAlloc{}
	}
}

func validate(cfg *Config) error {
	for i, alloc := range cfg.GenesisAllocs {
		if strings.TrimSpace(alloc.Address) == "" {
			return fmt.Errorf("config: genesis alloc %d missing address", i)
		}
		if strings.TrimSpace(alloc.Balance) == "" {
			return fmt.Errorf("config: genesis alloc %d missing balance", i)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
