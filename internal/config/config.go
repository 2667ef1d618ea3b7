/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ordinals-market-engine/internal/models"
)

func Load() (*models.Config, error) {
	durations := map[string]time.Duration{
		"DB_CONN_MAX_LIFETIME":    5 * time.Minute,
		"DB_CONN_MAX_IDLE_TIME":   30 * time.Second,
		"DB_PING_TIMEOUT":         5 * time.Second,
		"GATEWAY_TIMEOUT":         30 * time.Second,
		"ZMQ_READ_DEADLINE":       5 * time.Second,
		"MONITOR_RESYNC_INTERVAL": time.Minute,
		"TAKER_CONFIRMATION_TTL":  15 * time.Minute,
		"WEBHOOK_TIMEOUT":         10 * time.Second,
	}
	for key, defaultValue := range durations {
		d, err := getEnvDuration(key, defaultValue)
		if err != nil {
			return nil, err
		}
		durations[key] = d
	}

	return &models.Config{
		Database: models.DatabaseConfig{
			Path:            getEnvString("DATABASE_PATH", "market.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: durations["DB_CONN_MAX_LIFETIME"],
			ConnMaxIdleTime: durations["DB_CONN_MAX_IDLE_TIME"],
			PingTimeout:     durations["DB_PING_TIMEOUT"],
		},
		Network: getEnvString("BITCOIN_NETWORK", "mainnet"),
		Gateway: models.GatewayConfig{
			EsploraUrl: getEnvString("ESPLORA_URL", "https://mempool.space/api"),
			OrdUrl:     getEnvString("ORD_URL", "http://localhost:80"),
			IndexerUrl: getEnvString("INDEXER_URL", ""),
			Timeout:    durations["GATEWAY_TIMEOUT"],
			CacheSize:  getEnvInt("GATEWAY_CACHE_SIZE", 10000),
		},
		Escrow: models.EscrowConfig{
			SeedHex: os.Getenv("ESCROW_SEED_HEX"),
		},
		Monitor: models.MonitorConfig{
			ZmqBlockHost:         getEnvString("ZMQ_BLOCK_HOST", "tcp://127.0.0.1:28332"),
			ZmqTxHost:            getEnvString("ZMQ_TX_HOST", "tcp://127.0.0.1:28333"),
			ZmqReadDeadline:      durations["ZMQ_READ_DEADLINE"],
			ResyncInterval:       durations["MONITOR_RESYNC_INTERVAL"],
			TakerConfirmationTTL: durations["TAKER_CONFIRMATION_TTL"],
		},
		Webhook: models.WebhookConfig{
			Url:       os.Getenv("WEBHOOK_URL"),
			AuthToken: os.Getenv("WEBHOOK_AUTH_TOKEN"),
			Timeout:   durations["WEBHOOK_TIMEOUT"],
		},
		MarketFile: getEnvString("MARKETPLACE_FILE", "marketplace.yaml"),
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
