// settled runs the P2P trade settlement workers: expiry and dispute sweeps,
// the confirmation consumer and the ops HTTP server.
package main

import (
	"context"
	"os"

	"github.com/mbd888/p2psettle/internal/config"
	"github.com/mbd888/p2psettle/internal/logging"
	"github.com/mbd888/p2psettle/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settled",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create with the configured level and format.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"settlementTopic", cfg.SettlementTopic,
		"confirmationTopic", cfg.ConfirmationTopic,
		"paymentWindow", cfg.PaymentWindow,
		"disputeDefaultOutcome", cfg.DisputeDefaultOutcome,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
