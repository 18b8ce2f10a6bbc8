package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"escrowmarket/config"
	"escrowmarket/core/genesis"
	"escrowmarket/core/state"
	"escrowmarket/crypto"
	"escrowmarket/observability/logging"
	"escrowmarket/observability/otel"
	"escrowmarket/rpc"
	"escrowmarket/storage"
)

const envName = "MARKET_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides config GenesisFile)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envName))
	logger := logging.Setup(logging.Options{Service: "marketd", Env: env})

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	// Rebuild the logger now that the level and network name are known.
	logger = logging.Setup(logging.Options{
		Service: "marketd",
		Env:     env,
		Network: cfg.NetworkName,
		Level:   cfg.LogLevel,
	})

	if cfg.TraceEndpoint != "" {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: "marketd",
			Environment: env,
			Network:     cfg.NetworkName,
			Endpoint:    cfg.TraceEndpoint,
			Insecure:    cfg.TraceInsecure,
		})
		if err != nil {
			logger.Error("Failed to initialise tracing", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Warn("Trace shutdown failed", slog.Any("error", err))
			}
		}()
		logger.Info("Trace export enabled", slog.String("endpoint", cfg.TraceEndpoint))
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.String("path", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	if err := ensureGenesis(logger, manager, resolveGenesisPath(*genesisFlag, cfg.GenesisFile)); err != nil {
		logger.Error("Failed to initialise contract state", slog.Any("error", err))
		os.Exit(1)
	}

	owner, err := manager.Owner()
	if err != nil {
		logger.Error("Failed to read contract owner", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Market state ready",
		slog.String("network", cfg.NetworkName),
		slog.String("owner", crypto.NewAddress(crypto.MarketPrefix, owner[:]).String()),
	)

	token := ""
	if cfg.RPCTokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(cfg.RPCTokenEnv))
		if token == "" {
			logger.Warn("Admin token variable is empty, owner methods are unauthenticated",
				slog.String("env", cfg.RPCTokenEnv))
		}
	}

	server := rpc.NewServer(manager, token)
	logger.Info("Starting RPC server", slog.String("address", cfg.RPCAddress))
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveGenesisPath(flagValue, configValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(configValue)
}

// ensureGenesis applies the genesis spec on first boot. A state that already
// has an owner is left untouched so restarts never reseed balances.
func ensureGenesis(logger *slog.Logger, manager *state.Manager, genesisPath string) error {
	if _, err := manager.Owner(); err == nil {
		return nil
	}
	if genesisPath == "" {
		return fmt.Errorf("state is uninitialised and no genesis file was provided")
	}
	spec, err := genesis.Load(genesisPath)
	if err != nil {
		return err
	}
	if err := spec.Apply(manager); err != nil {
		return fmt.Errorf("apply genesis spec: %w", err)
	}
	logger.Info("Applied genesis spec",
		slog.String("path", genesisPath),
		slog.String("owner", spec.Owner),
		slog.Int("rewards", len(spec.Rewards)),
		slog.Int("allocs", len(spec.Alloc)),
	)
	return nil
}
