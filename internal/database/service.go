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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Compile-time check: *Service must satisfy store.MarketStore.
var _ store.MarketStore = (*Service)(nil)

const (
	sqliteTimeFormat = "2006-01-02 15:04:05"
	memoryPath       = ":memory:"
)

type Service struct {
	db *sql.DB
}

func NewService(ctx context.Context, cfg models.DatabaseConfig) (*Service, error) {
	// Validate configuration
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("max open connections must be positive, got %d", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns < 0 {
		return nil, fmt.Errorf("max idle connections cannot be negative, got %d", cfg.MaxIdleConns)
	}
	if cfg.PingTimeout <= 0 {
		return nil, fmt.Errorf("ping timeout must be positive, got %v", cfg.PingTimeout)
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=1000&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// Set connection timeouts and limits
	if cfg.Path == memoryPath {
		// every connection to :memory: is a separate database, so the one
		// connection must never be closed by the pool
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	// Test connection with timeout
	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	service := &Service{db: db}
	if err := service.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, closeErr
		}
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}

	zap.L().Info("Database service initialized successfully")
	return service, nil
}

func (s *Service) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Service) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		address TEXT NOT NULL UNIQUE,
		public_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS marketplaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		maker_fee_bips INTEGER NOT NULL DEFAULT 0,
		taker_fee_bips INTEGER NOT NULL DEFAULT 0,
		fee_address TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS collections (
		slug TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		tradable BOOLEAN NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS collection_items (
		slug TEXT NOT NULL REFERENCES collections(slug) ON DELETE CASCADE,
		inscription_id TEXT NOT NULL,
		PRIMARY KEY (slug, inscription_id)
	);
	CREATE INDEX IF NOT EXISTS idx_collection_items_inscription ON collection_items(inscription_id);

	CREATE TABLE IF NOT EXISTS utxos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		utxo TEXT NOT NULL UNIQUE,
		value INTEGER NOT NULL,
		address_id INTEGER NOT NULL REFERENCES addresses(id),
		is_spent BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- Inscriptions, rune balances and rare sat ranges attached to a utxo
	CREATE TABLE IF NOT EXISTS utxo_assets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		utxo_id INTEGER NOT NULL REFERENCES utxos(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		inscription_id TEXT NOT NULL DEFAULT '',
		rune_name TEXT NOT NULL DEFAULT '',
		rune_amount TEXT NOT NULL DEFAULT '',
		range_start INTEGER NOT NULL DEFAULT 0,
		range_end INTEGER NOT NULL DEFAULT 0,
		satributes TEXT NOT NULL DEFAULT '',
		UNIQUE (utxo_id, kind, inscription_id, rune_name, range_start)
	);

	CREATE TABLE IF NOT EXISTS psbts (
		id TEXT PRIMARY KEY,
		unsigned_psbt TEXT NOT NULL,
		signed_psbt TEXT NOT NULL DEFAULT '',
		is_signed BOOLEAN NOT NULL DEFAULT 0,
		batch_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		utxo_id INTEGER NOT NULL REFERENCES utxos(id),
		price INTEGER NOT NULL,
		side TEXT NOT NULL DEFAULT 'sell',
		listing_type TEXT NOT NULL,
		status TEXT NOT NULL,
		maker_payment_address_id INTEGER NOT NULL REFERENCES addresses(id),
		maker_ordinal_address_id INTEGER NOT NULL REFERENCES addresses(id),
		platform_maker_fee INTEGER NOT NULL DEFAULT 0,
		platform_taker_fee INTEGER NOT NULL DEFAULT 0,
		marketplace_maker_fee INTEGER NOT NULL DEFAULT 0,
		marketplace_taker_fee INTEGER NOT NULL DEFAULT 0,
		platform_fee_btc_address_id INTEGER NOT NULL DEFAULT 0,
		marketplace_fee_btc_address_id INTEGER NOT NULL DEFAULT 0,
		psbt_id TEXT NOT NULL REFERENCES psbts(id),
		index_in_maker_psbt INTEGER NOT NULL,
		maker_output_value INTEGER NOT NULL,
		batch_id TEXT NOT NULL DEFAULT '',
		marketplace_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- At most one open order per utxo
	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_open_utxo ON orders(utxo_id)
		WHERE status IN ('pending_maker_confirmation', 'active', 'pending_taker_confirmation', 'broadcast');
	CREATE INDEX IF NOT EXISTS idx_orders_psbt_id ON orders(psbt_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		status TEXT NOT NULL,
		fee_rate TEXT NOT NULL DEFAULT '0',
		transaction_id TEXT NOT NULL DEFAULT '',
		taker_payment_address_id INTEGER NOT NULL DEFAULT 0,
		taker_ordinal_address_id INTEGER NOT NULL DEFAULT 0,
		marketplace_taker_fee_collected_bips INTEGER NOT NULL DEFAULT 0,
		marketplace_fee_collected_sats INTEGER NOT NULL DEFAULT 0,
		platform_taker_fee_collected_bips INTEGER NOT NULL DEFAULT 0,
		platform_fee_collected_sats INTEGER NOT NULL DEFAULT 0,
		is_snipe BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trade_history_order ON trade_history(order_id);
	CREATE INDEX IF NOT EXISTS idx_trade_history_tx ON trade_history(transaction_id);

	CREATE TABLE IF NOT EXISTS multisig_wallets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_index INTEGER NOT NULL,
		address_index INTEGER NOT NULL DEFAULT 0,
		user_public_key_hex TEXT NOT NULL,
		user_address TEXT NOT NULL,
		derivation_path TEXT NOT NULL DEFAULT '',
		wallet_address TEXT NOT NULL DEFAULT '',
		witness_script TEXT NOT NULL DEFAULT '',
		server_public_key TEXT NOT NULL DEFAULT '',
		reserved_balance INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_public_key_hex, user_address),
		UNIQUE (account_index, address_index)
	);

	CREATE TABLE IF NOT EXISTS auctions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id INTEGER NOT NULL REFERENCES orders(id),
		reserve_price INTEGER,
		end_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bids (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		auction_id INTEGER NOT NULL REFERENCES auctions(id),
		bid_amount INTEGER NOT NULL,
		status TEXT NOT NULL,
		multi_sig_wallet_id INTEGER NOT NULL REFERENCES multisig_wallets(id),
		bidder_ordinal_address TEXT NOT NULL,
		reserved_amount INTEGER NOT NULL DEFAULT 0,
		unsigned_psbt TEXT NOT NULL DEFAULT '',
		signed_psbt TEXT NOT NULL DEFAULT '',
		final_signed_psbt TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bids_auction ON bids(auction_id);

	-- Escrow outpoints locked by in-flight bids
	CREATE TABLE IF NOT EXISTS wallet_reserved_utxos (
		outpoint TEXT PRIMARY KEY,
		wallet_id INTEGER NOT NULL REFERENCES multisig_wallets(id),
		bid_id INTEGER NOT NULL REFERENCES bids(id),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_wallet_reserved_utxos_wallet ON wallet_reserved_utxos(wallet_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		zap.L().Warn("Failed to close rows", zap.Error(err))
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}
