package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ondrix/escrow/backend/internal/apiserver"
	"github.com/ondrix/escrow/backend/internal/config"
	"github.com/ondrix/escrow/backend/internal/logging"
	"github.com/ondrix/escrow/backend/internal/oracle"
	"github.com/ondrix/escrow/backend/internal/store"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadEscrowdConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("escrowd", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	db, err := store.New(cfg.DBDSN)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(1)
	}

	priceSource, err := buildOracleSource(cfg, db)
	if err != nil {
		logger.Error("failed to build oracle source", "err", err)
		os.Exit(1)
	}

	svc, err := apiserver.New(cfg, logger, db, priceSource, db, db.Close)
	if err != nil {
		logger.Error("failed to initialize escrowd service", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		logger.Error("escrowd exited with error", "err", err)
		os.Exit(1)
	}
}

func buildOracleSource(cfg config.EscrowdConfig, db *store.Store) (oracle.Source, error) {
	switch cfg.OracleMode {
	case config.OracleModeHermes:
		return oracle.NewHermesSource(cfg.Oracle.SourceIdentity, cfg.Oracle.HermesURL, cfg.Oracle.HermesFeedIDs, cfg.Oracle.RequestTimeout), nil
	case config.OracleModeStore:
		return oracle.NewTickSource(cfg.Oracle.SourceIdentity, db), nil
	default:
		return nil, fmt.Errorf("unsupported oracle mode %q", cfg.OracleMode)
	}
}
