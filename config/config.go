package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress  string `toml:"RPCAddress"`
	DataDir     string `toml:"DataDir"`
	GenesisFile string `toml:"GenesisFile"`
	NetworkName string `toml:"NetworkName"`
	// LogLevel is the minimum severity emitted by the node logger. One of
	// debug, info, warn, error.
	LogLevel string `toml:"LogLevel"`
	// RPCTokenEnv names the environment variable carrying the bearer token
	// required for owner-gated RPC methods. Leaving it empty disables the
	// token check (dev only).
	RPCTokenEnv string `toml:"RPCTokenEnv"`
	// TraceEndpoint is the OTLP/HTTP collector endpoint for trace export.
	// Empty disables tracing.
	TraceEndpoint string `toml:"TraceEndpoint"`
	// TraceInsecure permits plain HTTP export to the collector.
	TraceInsecure bool `toml:"TraceInsecure"`
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
	applyDefaults(path, cfg)
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(path, cfg)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(path string, cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8561"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.GenesisFile) == "" {
		cfg.GenesisFile = filepath.Join(filepath.Dir(path), "genesis.json")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "market-local"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.RPCTokenEnv) == "" {
		cfg.RPCTokenEnv = "MARKET_RPC_TOKEN"
	}
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
