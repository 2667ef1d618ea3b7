package common

import (
	"context"
	"log"
	"strings"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/escrow"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Try to load .env file - if it doesn't exist, that's okay
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService *database.Service
	Gateway   *chain.Service
	Params    *chaincfg.Params
	Market    *models.MarketplaceConfig
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	params, err := txbuilder.NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Loading marketplace configuration", zap.String("file", cfg.MarketFile))
	market, err := LoadMarketplaceConfig(cfg.MarketFile)
	if err != nil {
		return nil, err
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	gateway, err := chain.NewService(cfg.Gateway)
	if err != nil {
		dbService.Close()
		return nil, err
	}
	zap.L().Info("Using bitcoin network",
		zap.String("network", params.Name),
		zap.String("esplora", cfg.Gateway.EsploraUrl))

	return &Services{
		DbService: dbService,
		Gateway:   gateway,
		Params:    params,
		Market:    market,
	}, nil
}

// InitializeDatabaseOnly initializes just the database service without the chain gateway
// Useful for read-only operations like querying orders
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

// InitializeEscrow derives the server escrow keys from the configured seed.
func (cs *Services) InitializeEscrow(cfg *models.Config) (*escrow.Service, error) {
	keys, err := escrow.NewKeyRing(cfg.Escrow.SeedHex, cs.Params)
	if err != nil {
		return nil, err
	}
	return escrow.NewService(cs.DbService, cs.Gateway, keys), nil
}

func (cs *Services) Close() {
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
