package main

import (
	"context"
	"flag"

	"ordinals-market-engine/internal/common"
	"ordinals-market-engine/internal/config"

	"go.uber.org/zap"
)

// seedMarketplaces writes marketplace.yaml into the database
func seedMarketplaces(ctx context.Context, services *common.Services) {
	zap.L().Info("Seeding marketplaces",
		zap.Int("marketplaces", len(services.Market.Marketplaces)),
		zap.Int("collections", len(services.Market.Collections)))

	if err := common.SeedMarketplaces(ctx, services.DbService, services.Market); err != nil {
		zap.L().Fatal("Failed to seed marketplaces", zap.Error(err))
	}
}

// addCollectionItems marks inscriptions as members of a collection so its
// tradability setting applies to them
func addCollectionItems(ctx context.Context, services *common.Services, slug string, inscriptionIds []string) {
	if err := services.DbService.AddCollectionItems(ctx, slug, inscriptionIds); err != nil {
		zap.L().Fatal("Failed to add collection items",
			zap.String("collection", slug),
			zap.Error(err))
	}
	zap.L().Info("Collection items added",
		zap.String("collection", slug),
		zap.Int("count", len(inscriptionIds)))
}

func runInit(ctx context.Context, services *common.Services) {
	zap.L().Info("Initializing database and seeding marketplaces")

	zap.L().Info("Setting up SQLite database")

	seedMarketplaces(ctx, services)

	zap.L().Info("Initialization complete")
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	initFlag := flag.Bool("init", false, "Initialize the database")
	collectionFlag := flag.String("collection", "", "Collection slug to add inscriptions to")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	if *initFlag {
		runInit(ctx, services)
		return
	}

	if *collectionFlag != "" {
		addCollectionItems(ctx, services, *collectionFlag, flag.Args())
		return
	}

	seedMarketplaces(ctx, services)
}
