package models

import "time"

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig
	Network    string
	Gateway    GatewayConfig
	Escrow     EscrowConfig
	Monitor    MonitorConfig
	Webhook    WebhookConfig
	MarketFile string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// GatewayConfig holds the explorer, ord and indexer endpoints
type GatewayConfig struct {
	EsploraUrl string
	OrdUrl     string
	IndexerUrl string
	Timeout    time.Duration
	CacheSize  int
}

// EscrowConfig holds the master seed used for escrow key derivation
type EscrowConfig struct {
	SeedHex string
}

// MonitorConfig holds transaction monitor settings
type MonitorConfig struct {
	ZmqBlockHost         string
	ZmqTxHost            string
	ZmqReadDeadline      time.Duration
	ResyncInterval       time.Duration
	TakerConfirmationTTL time.Duration
}

// WebhookConfig holds outbound webhook settings
type WebhookConfig struct {
	Url       string
	AuthToken string
	Timeout   time.Duration
}

// MarketplaceConfig is the fee policy loaded from the marketplace yaml file.
type MarketplaceConfig struct {
	MinimumFeeAmount     int64               `yaml:"minimum_fee_amount"`
	PlatformMakerFeeBips int64               `yaml:"platform_maker_fee_bips"`
	PlatformTakerFeeBips int64               `yaml:"platform_taker_fee_bips"`
	PlatformFeeAddress   string              `yaml:"platform_fee_address"`
	DummyUtxoValue       int64               `yaml:"dummy_utxo_value"`
	MaxDummyUtxoValue    int64               `yaml:"max_dummy_utxo_value"`
	TrioTicker           string              `yaml:"trio_ticker"`
	TrioMinimumBalance   int64               `yaml:"trio_minimum_balance"`
	MaxBatchSize         int                 `yaml:"max_batch_size"`
	Marketplaces         []MarketplaceEntry  `yaml:"marketplaces"`
	Collections          []CollectionSetting `yaml:"collections"`
}

// MarketplaceEntry is one marketplace and its fee schedule
type MarketplaceEntry struct {
	Id           string `yaml:"id"`
	Name         string `yaml:"name"`
	MakerFeeBips int64  `yaml:"maker_fee_bips"`
	TakerFeeBips int64  `yaml:"taker_fee_bips"`
	FeeAddress   string `yaml:"fee_address"`
}

// CollectionSetting marks a collection as tradable or not
type CollectionSetting struct {
	Slug     string `yaml:"slug"`
	Name     string `yaml:"name"`
	Tradable bool   `yaml:"tradable"`
}
