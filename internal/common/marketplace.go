package common

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// defaultMarketplaceConfig holds the values used when the yaml file leaves a
// field out.
func defaultMarketplaceConfig() models.MarketplaceConfig {
	return models.MarketplaceConfig{
		MinimumFeeAmount:   546,
		DummyUtxoValue:     546,
		MaxDummyUtxoValue:  1000,
		TrioMinimumBalance: 500,
		MaxBatchSize:       5,
	}
}

func LoadMarketplaceConfig(marketFile string) (*models.MarketplaceConfig, error) {
	var marketPath string
	if filepath.IsAbs(marketFile) {
		marketPath = marketFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		marketPath = filepath.Join(wd, marketFile)
	}

	data, err := os.ReadFile(marketPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", marketFile, err)
	}
	return ParseMarketplaceConfig(data)
}

// ParseMarketplaceConfig decodes a marketplace yaml document over the
// defaults and validates it.
func ParseMarketplaceConfig(data []byte) (*models.MarketplaceConfig, error) {
	config := defaultMarketplaceConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse marketplace config: %w", err)
	}

	if config.PlatformFeeAddress == "" && config.PlatformMakerFeeBips+config.PlatformTakerFeeBips > 0 {
		return nil, fmt.Errorf("platform_fee_address is required when platform fees are charged")
	}
	if config.DummyUtxoValue > config.MaxDummyUtxoValue {
		return nil, fmt.Errorf("dummy_utxo_value %d exceeds max_dummy_utxo_value %d", config.DummyUtxoValue, config.MaxDummyUtxoValue)
	}
	for i, m := range config.Marketplaces {
		if m.Id == "" {
			return nil, fmt.Errorf("marketplace at index %d missing id", i)
		}
		if m.FeeAddress == "" && m.MakerFeeBips+m.TakerFeeBips > 0 {
			return nil, fmt.Errorf("marketplace %s charges fees without a fee_address", m.Id)
		}
	}
	for i, c := range config.Collections {
		if c.Slug == "" {
			return nil, fmt.Errorf("collection at index %d missing slug", i)
		}
	}
	return &config, nil
}

// SeedMarketplaces writes the configured marketplaces and collection
// settings to the store. Existing rows are updated.
func SeedMarketplaces(ctx context.Context, marketStore store.MarketStore, config *models.MarketplaceConfig) error {
	for _, m := range config.Marketplaces {
		if err := marketStore.UpsertMarketplace(ctx, models.Marketplace{
			Id:           m.Id,
			Name:         m.Name,
			MakerFeeBips: m.MakerFeeBips,
			TakerFeeBips: m.TakerFeeBips,
			FeeAddress:   m.FeeAddress,
		}); err != nil {
			return fmt.Errorf("unable to seed marketplace %s: %w", m.Id, err)
		}
	}
	for _, c := range config.Collections {
		if err := marketStore.UpsertCollection(ctx, c); err != nil {
			return fmt.Errorf("unable to seed collection %s: %w", c.Slug, err)
		}
	}

	zap.L().Info("Marketplaces seeded",
		zap.Int("marketplaces", len(config.Marketplaces)),
		zap.Int("collections", len(config.Collections)))
	return nil
}
