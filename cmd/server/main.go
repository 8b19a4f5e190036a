// settlegate - multi-chain escrow and payment settlement
package main

import (
	"context"
	"os"

	"github.com/mbd888/settlegate/internal/config"
	"github.com/mbd888/settlegate/internal/logging"
	"github.com/mbd888/settlegate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config picks the real level and format
	logger := logging.New("info", "text")

	logger.Info("starting settlegate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	chains := make([]string, 0, len(cfg.Chains))
	for id := range cfg.Chains {
		chains = append(chains, string(id))
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", chains,
		"fee_bps", cfg.FeeBPS,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	srv, err := server.New(cfg, server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
