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

const (
	// Address queries
	queryGetOrInsertAddress = `
		INSERT INTO addresses (address, public_key) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET
			public_key = CASE WHEN excluded.public_key != '' THEN excluded.public_key ELSE addresses.public_key END
		RETURNING id`

	// Marketplace & collection queries
	queryGetMarketplace = `
		SELECT id, name, maker_fee_bips, taker_fee_bips, fee_address
		FROM marketplaces
		WHERE id = ?`

	queryUpsertMarketplace = `
		INSERT INTO marketplaces (id, name, maker_fee_bips, taker_fee_bips, fee_address)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			maker_fee_bips = excluded.maker_fee_bips,
			taker_fee_bips = excluded.taker_fee_bips,
			fee_address = excluded.fee_address`

	queryUpsertCollection = `
		INSERT INTO collections (slug, name, tradable) VALUES (?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET name = excluded.name, tradable = excluded.tradable`

	queryInsertCollectionItem = `
		INSERT OR IGNORE INTO collection_items (slug, inscription_id) VALUES (?, ?)`

	queryNonTradableByInscriptions = `
		SELECT ci.slug, ci.inscription_id
		FROM collection_items ci
		JOIN collections c ON c.slug = ci.slug
		WHERE c.tradable = 0 AND ci.inscription_id IN (%s)
		ORDER BY ci.inscription_id`

	queryNonTradableByOrders = `
		SELECT DISTINCT ci.slug, ci.inscription_id
		FROM orders o
		JOIN utxo_assets a ON a.utxo_id = o.utxo_id AND a.kind = 'inscription'
		JOIN collection_items ci ON ci.inscription_id = a.inscription_id
		JOIN collections c ON c.slug = ci.slug
		WHERE c.tradable = 0 AND o.id IN (%s)
		ORDER BY ci.inscription_id`

	// Utxo queries
	queryInsertUtxo = `
		INSERT INTO utxos (utxo, value, address_id) VALUES (?, ?, ?)
		ON CONFLICT(utxo) DO NOTHING`

	queryGetUtxoByOutpoint = `
		SELECT id, utxo, value, address_id, is_spent, created_at
		FROM utxos
		WHERE utxo = ?`

	queryInsertUtxoAsset = `
		INSERT OR IGNORE INTO utxo_assets (utxo_id, kind, inscription_id, rune_name, rune_amount, range_start, range_end, satributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryCloneUtxoAssets = `
		INSERT OR IGNORE INTO utxo_assets (utxo_id, kind, inscription_id, rune_name, rune_amount, range_start, range_end, satributes)
		SELECT ?, kind, inscription_id, rune_name, rune_amount, range_start, range_end, satributes
		FROM utxo_assets
		WHERE utxo_id = ?`

	queryGetUtxoAssets = `
		SELECT id, utxo_id, kind, inscription_id, rune_name, rune_amount, range_start, range_end, satributes
		FROM utxo_assets
		WHERE utxo_id = ?
		ORDER BY id`

	queryMarkUtxoSpent = `
		UPDATE utxos SET is_spent = 1 WHERE id = ?`

	// PSBT queries
	queryInsertPsbt = `
		INSERT INTO psbts (id, unsigned_psbt, signed_psbt, is_signed, batch_id, status)
		VALUES (?, ?, '', 0, ?, ?)`

	querySignPsbt = `
		UPDATE psbts SET signed_psbt = ?, is_signed = 1, status = 'signed'
		WHERE id = ?`

	queryGetPsbt = `
		SELECT id, unsigned_psbt, signed_psbt, is_signed, batch_id, status, created_at
		FROM psbts
		WHERE id = ?`

	// Order queries
	querySelectOrder = `
		SELECT o.id, o.utxo_id, u.utxo, u.value, o.price, o.side, o.listing_type, o.status,
		       o.maker_payment_address_id, o.maker_ordinal_address_id,
		       mp.address, mo.address, mo.public_key,
		       o.platform_maker_fee, o.platform_taker_fee, o.marketplace_maker_fee, o.marketplace_taker_fee,
		       o.platform_fee_btc_address_id, o.marketplace_fee_btc_address_id,
		       COALESCE(pf.address, ''), COALESCE(mf.address, ''),
		       o.psbt_id, o.index_in_maker_psbt, o.maker_output_value, o.batch_id, o.marketplace_id,
		       o.created_at, o.updated_at
		FROM orders o
		JOIN utxos u ON u.id = o.utxo_id
		JOIN addresses mp ON mp.id = o.maker_payment_address_id
		JOIN addresses mo ON mo.id = o.maker_ordinal_address_id
		LEFT JOIN addresses pf ON pf.id = o.platform_fee_btc_address_id
		LEFT JOIN addresses mf ON mf.id = o.marketplace_fee_btc_address_id`

	queryGetOpenOrderForUtxo = `
		SELECT id, status FROM orders
		WHERE utxo_id = ? AND status IN ('pending_maker_confirmation', 'active', 'pending_taker_confirmation', 'broadcast')`

	queryInsertOrder = `
		INSERT INTO orders (
			utxo_id, price, side, listing_type, status,
			maker_payment_address_id, maker_ordinal_address_id,
			platform_maker_fee, platform_taker_fee, marketplace_maker_fee, marketplace_taker_fee,
			platform_fee_btc_address_id, marketplace_fee_btc_address_id,
			psbt_id, index_in_maker_psbt, maker_output_value, batch_id, marketplace_id
		) VALUES (?, ?, 'sell', ?, 'pending_maker_confirmation', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	queryUpdateOrderStatus = `
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (%s)`

	queryActivateOrdersByPsbt = `
		UPDATE orders SET status = 'active', updated_at = CURRENT_TIMESTAMP
		WHERE psbt_id = ? AND status = 'pending_maker_confirmation'
		RETURNING id`

	queryRevertStalePendingOrders = `
		UPDATE orders SET
			status = CASE WHEN EXISTS (
				SELECT 1 FROM trade_history th WHERE th.order_id = orders.id AND th.status = 'mempool'
			) THEN 'broadcast' ELSE 'active' END,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'pending_taker_confirmation' AND updated_at < ?`

	queryOrdersOnUtxoInFlight = `
		SELECT id FROM orders
		WHERE utxo_id = ? AND status IN ('active', 'pending_taker_confirmation', 'broadcast')
		ORDER BY id`

	// Trade history queries
	querySelectTradeHistory = `
		SELECT id, order_id, status, fee_rate, transaction_id, taker_payment_address_id, taker_ordinal_address_id,
		       marketplace_taker_fee_collected_bips, marketplace_fee_collected_sats,
		       platform_taker_fee_collected_bips, platform_fee_collected_sats, created_at
		FROM trade_history`

	queryLatestTradeStatus = `
		SELECT status FROM trade_history
		WHERE order_id = ? AND is_snipe = 0
		ORDER BY id DESC LIMIT 1`

	queryPendingTradeFeeRates = `
		SELECT fee_rate FROM trade_history
		WHERE order_id = ? AND status IN ('initiated', 'mempool')`

	queryInsertTradeHistory = `
		INSERT INTO trade_history (
			order_id, status, fee_rate, transaction_id, taker_payment_address_id, taker_ordinal_address_id,
			marketplace_taker_fee_collected_bips, marketplace_fee_collected_sats,
			platform_taker_fee_collected_bips, platform_fee_collected_sats, is_snipe
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryBroadcastTradeHistory = `
		UPDATE trade_history SET status = 'mempool', transaction_id = ?, fee_rate = ?
		WHERE id = (
			SELECT id FROM trade_history
			WHERE order_id = ? AND status = 'initiated' AND is_snipe = 0
			ORDER BY id DESC LIMIT 1
		)`

	queryDiscardInitiatedTrade = `
		DELETE FROM trade_history
		WHERE id = (
			SELECT id FROM trade_history
			WHERE order_id = ? AND status = 'initiated' AND is_snipe = 0
			ORDER BY id DESC LIMIT 1
		)`

	queryReleasePendingOrder = `
		UPDATE orders SET
			status = CASE WHEN EXISTS (
				SELECT 1 FROM trade_history th WHERE th.order_id = orders.id AND th.status = 'mempool'
			) THEN 'broadcast' ELSE 'active' END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending_taker_confirmation'`

	queryIsExpectedTransaction = `
		SELECT COUNT(1) FROM trade_history
		WHERE order_id = ? AND transaction_id = ? AND is_snipe = 0`

	queryConfirmTradeHistory = `
		UPDATE trade_history SET status = 'confirmed'
		WHERE order_id = ? AND transaction_id = ? AND is_snipe = 0`

	queryMempoolTradeHistory = `
		UPDATE trade_history SET status = 'mempool'
		WHERE order_id = ? AND transaction_id = ? AND is_snipe = 0 AND status = 'initiated'`

	querySnipeRecorded = `
		SELECT COUNT(1) FROM trade_history
		WHERE order_id = ? AND transaction_id = ? AND is_snipe = 1`

	queryGetMonitoringUtxos = `
		SELECT DISTINCT u.utxo
		FROM orders o
		JOIN utxos u ON u.id = o.utxo_id
		WHERE o.status IN ('broadcast', 'pending_taker_confirmation')
		  AND EXISTS (SELECT 1 FROM trade_history th WHERE th.order_id = o.id AND th.status = 'mempool')
		ORDER BY u.utxo`

	// Escrow wallet queries
	querySelectWallet = `
		SELECT id, account_index, address_index, user_public_key_hex, user_address, derivation_path,
		       wallet_address, witness_script, server_public_key, reserved_balance, created_at
		FROM multisig_wallets`

	queryReserveWallet = `
		INSERT INTO multisig_wallets (account_index, address_index, user_public_key_hex, user_address)
		SELECT COALESCE(MAX(account_index) + 1, 0), 0, ?, ? FROM multisig_wallets WHERE true
		ON CONFLICT(user_public_key_hex, user_address) DO NOTHING`

	queryGetReservedWalletIndexes = `
		SELECT account_index, address_index FROM multisig_wallets
		WHERE user_public_key_hex = ? AND user_address = ?`

	querySetWallet = `
		UPDATE multisig_wallets SET derivation_path = ?, wallet_address = ?, witness_script = ?, server_public_key = ?
		WHERE user_public_key_hex = ? AND user_address = ? AND account_index = ? AND address_index = ?`

	queryGetReservedOutpoints = `
		SELECT outpoint, bid_id FROM wallet_reserved_utxos WHERE wallet_id = ?`

	queryReserveWalletBalance = `
		UPDATE multisig_wallets SET reserved_balance = reserved_balance + ?
		WHERE id = ? AND reserved_balance + ? <= ?`

	queryReleaseBidReservation = `
		UPDATE multisig_wallets
		SET reserved_balance = MAX(reserved_balance - (SELECT reserved_amount FROM bids WHERE id = ?), 0)
		WHERE id = (SELECT multi_sig_wallet_id FROM bids WHERE id = ?)`

	queryInsertReservedOutpoint = `
		INSERT INTO wallet_reserved_utxos (outpoint, wallet_id, bid_id) VALUES (?, ?, ?)`

	queryDeleteReservedOutpoints = `
		DELETE FROM wallet_reserved_utxos WHERE bid_id = ?`

	// Auction queries
	queryInsertAuction = `
		INSERT INTO auctions (order_id, reserve_price, end_time, status)
		VALUES (?, ?, ?, 'active')
		RETURNING id`

	queryGetAuction = `
		SELECT id, order_id, reserve_price, end_time, status, created_at
		FROM auctions
		WHERE id = ?`

	queryUpdateAuctionStatus = `
		UPDATE auctions SET status = ? WHERE id = ?`

	querySelectBid = `
		SELECT id, auction_id, bid_amount, status, multi_sig_wallet_id, bidder_ordinal_address,
		       reserved_amount, unsigned_psbt, signed_psbt, final_signed_psbt, created_at
		FROM bids`

	queryInsertBid = `
		INSERT INTO bids (auction_id, bid_amount, status, multi_sig_wallet_id, bidder_ordinal_address, reserved_amount, unsigned_psbt)
		VALUES (?, ?, 'pending', ?, ?, ?, ?)
		RETURNING id`

	querySetBidSignedPsbt = `
		UPDATE bids SET signed_psbt = ?, status = 'active'
		WHERE id = ? AND status = 'pending'`

	queryCompleteBid = `
		UPDATE bids SET final_signed_psbt = ?, status = 'won'
		WHERE id = ? AND status = 'active'`

	queryOpenBidsExcept = `
		SELECT id FROM bids
		WHERE auction_id = ? AND id != ? AND status IN ('pending', 'active')
		ORDER BY id`

	queryDeclineBid = `
		UPDATE bids SET status = 'declined' WHERE id = ?`
)
