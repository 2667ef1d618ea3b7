package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var inFlightStatuses = []models.OrderStatus{
	models.OrderStatusActive,
	models.OrderStatusPendingTakerConfirmation,
	models.OrderStatusBroadcast,
}

func (s *Service) GetTradeHistory(ctx context.Context, orderId int64) ([]models.TradeHistory, error) {
	return s.queryTradeHistory(ctx, querySelectTradeHistory+" WHERE order_id = ? ORDER BY id", orderId)
}

func (s *Service) GetTradeHistoryByOrderIds(ctx context.Context, orderIds []int64) ([]models.TradeHistory, error) {
	if len(orderIds) == 0 {
		return nil, nil
	}
	query := querySelectTradeHistory + fmt.Sprintf(" WHERE order_id IN (%s) ORDER BY order_id, id", placeholders(len(orderIds)))
	return s.queryTradeHistory(ctx, query, int64Args(orderIds)...)
}

// EnterInitiatedState records a purchase attempt and locks the orders in
// pending_taker_confirmation. For orders already broadcast the attempt is a
// fee bump: it must beat every pending attempt and the order must not be
// confirmed.
func (s *Service) EnterInitiatedState(ctx context.Context, params store.EnterInitiatedStateParams) error {
	if len(params.Entries) == 0 {
		return fmt.Errorf("no orders to initiate")
	}

	updateQuery := fmt.Sprintf(queryUpdateOrderStatus, placeholders(1))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range params.Entries {
		expected, ok := params.ExpectedStatuses[entry.OrderId]
		if !ok {
			return fmt.Errorf("no expected status for order %d", entry.OrderId)
		}

		if expected == models.OrderStatusBroadcast {
			if err := checkFeeBump(ctx, tx, entry.OrderId, params.FeeRate); err != nil {
				return err
			}
		}

		result, err := tx.ExecContext(ctx, updateQuery, models.OrderStatusPendingTakerConfirmation, entry.OrderId, expected)
		if err != nil {
			return fmt.Errorf("unable to lock order %d: %w", entry.OrderId, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d is no longer %s - %w", entry.OrderId, expected, store.ErrConcurrentModification)
		}

		if _, err := tx.ExecContext(ctx, queryInsertTradeHistory,
			entry.OrderId, models.TradeStatusInitiated, params.FeeRate, "",
			params.TakerPaymentAddressId, params.TakerOrdinalAddressId,
			entry.MarketplaceTakerFeeBips, entry.MarketplaceFeeSats,
			entry.PlatformTakerFeeBips, entry.PlatformFeeSats, false,
		); err != nil {
			return fmt.Errorf("unable to insert trade history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit purchase attempt: %w", err)
	}

	zap.L().Info("Purchase attempt initiated",
		zap.Int("orders", len(params.Entries)),
		zap.String("fee_rate", params.FeeRate.String()))
	return nil
}

func checkFeeBump(ctx context.Context, tx *sql.Tx, orderId int64, feeRate decimal.Decimal) error {
	var latest models.TradeStatus
	err := tx.QueryRowContext(ctx, queryLatestTradeStatus, orderId).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("unable to read trade status: %w", err)
	}
	if latest == models.TradeStatusConfirmed {
		return store.ErrOrderConfirmed
	}

	rows, err := tx.QueryContext(ctx, queryPendingTradeFeeRates, orderId)
	if err != nil {
		return fmt.Errorf("unable to read pending fee rates: %w", err)
	}
	defer closeRows(rows)

	highest := decimal.Zero
	for rows.Next() {
		var rate decimal.Decimal
		if err := rows.Scan(&rate); err != nil {
			return fmt.Errorf("unable to scan fee rate: %w", err)
		}
		if rate.GreaterThan(highest) {
			highest = rate
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating fee rates: %w", err)
	}

	if !feeRate.GreaterThan(highest) {
		zap.L().Info("Fee bump rejected",
			zap.Int64("order_id", orderId),
			zap.String("fee_rate", feeRate.String()),
			zap.String("highest", highest.String()))
		return store.ErrFeeRateTooLow
	}
	return nil
}

// RecordBroadcast moves the newest initiated attempt of each order to the
// mempool with the broadcast txid and its realized fee rate.
func (s *Service) RecordBroadcast(ctx context.Context, params store.RecordBroadcastParams) error {
	if params.TransactionId == "" {
		return fmt.Errorf("transaction id cannot be empty")
	}

	updateQuery := fmt.Sprintf(queryUpdateOrderStatus, placeholders(len(inFlightStatuses)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, orderId := range params.OrderIds {
		result, err := tx.ExecContext(ctx, queryBroadcastTradeHistory, params.TransactionId, params.FeeRate, orderId)
		if err != nil {
			return fmt.Errorf("unable to update trade history: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d has no initiated attempt - %w", orderId, store.ErrConcurrentModification)
		}

		args := []interface{}{models.OrderStatusBroadcast, orderId}
		for _, status := range inFlightStatuses {
			args = append(args, status)
		}
		result, err = tx.ExecContext(ctx, updateQuery, args...)
		if err != nil {
			return fmt.Errorf("unable to mark order %d broadcast: %w", orderId, err)
		}
		rowsAffected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d is closed - %w", orderId, store.ErrConcurrentModification)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit broadcast: %w", err)
	}

	zap.L().Info("Trade broadcast recorded",
		zap.String("txid", params.TransactionId),
		zap.Int64s("order_ids", params.OrderIds),
		zap.String("fee_rate", params.FeeRate.String()))
	return nil
}

// AbandonPurchaseAttempt discards the newest initiated attempt of each order
// and releases the order from pending_taker_confirmation. An order with a
// trade already in the mempool goes back to broadcast, any other to active.
func (s *Service) AbandonPurchaseAttempt(ctx context.Context, orderIds []int64) error {
	if len(orderIds) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, orderId := range orderIds {
		result, err := tx.ExecContext(ctx, queryDiscardInitiatedTrade, orderId)
		if err != nil {
			return fmt.Errorf("unable to discard attempt for order %d: %w", orderId, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d has no initiated attempt - %w", orderId, store.ErrConcurrentModification)
		}

		result, err = tx.ExecContext(ctx, queryReleasePendingOrder, orderId)
		if err != nil {
			return fmt.Errorf("unable to release order %d: %w", orderId, err)
		}
		rowsAffected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d is not pending taker confirmation - %w", orderId, store.ErrConcurrentModification)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit abandoned attempt: %w", err)
	}

	zap.L().Info("Purchase attempt abandoned", zap.Int64s("order_ids", orderIds))
	return nil
}

// GetMonitoringUTXOs returns the outpoints of orders with a trade in flight.
func (s *Service) GetMonitoringUTXOs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryGetMonitoringUtxos)
	if err != nil {
		return nil, fmt.Errorf("unable to query monitoring utxos: %w", err)
	}
	defer closeRows(rows)

	var outpoints []string
	for rows.Next() {
		var outpoint string
		if err := rows.Scan(&outpoint); err != nil {
			return nil, fmt.Errorf("unable to scan monitoring utxo: %w", err)
		}
		outpoints = append(outpoints, outpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating monitoring utxos: %w", err)
	}
	return outpoints, nil
}

// MonitoringInputDetected applies a transaction spending watched outpoints.
// A transaction matching a recorded attempt advances that trade; any other
// spender is a snipe. Snipes in the mempool are only recorded, confirmed
// snipes cancel the orders.
func (s *Service) MonitoringInputDetected(ctx context.Context, params store.MonitoringInputParams) ([]models.MonitoringDetection, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var detections []models.MonitoringDetection
	for _, outpoint := range params.Outpoints {
		utxo, err := scanUtxo(tx.QueryRowContext(ctx, queryGetUtxoByOutpoint, outpoint))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("unable to read utxo %s: %w", outpoint, err)
		}

		orderIds, err := ordersInFlight(ctx, tx, utxo.Id)
		if err != nil {
			return nil, err
		}
		if len(orderIds) == 0 {
			continue
		}

		expected, err := isExpectedTransaction(ctx, tx, orderIds, params.TransactionId)
		if err != nil {
			return nil, err
		}

		if expected {
			err = applyExpectedSpend(ctx, tx, utxo.Id, orderIds, params)
		} else {
			err = applySnipe(ctx, tx, utxo.Id, orderIds, params)
		}
		if err != nil {
			return nil, err
		}

		detections = append(detections, models.MonitoringDetection{
			Outpoint: outpoint,
			OrderIds: orderIds,
			IsSnipe:  !expected,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit detection: %w", err)
	}

	for _, d := range detections {
		zap.L().Info("Monitored outpoint spent",
			zap.String("outpoint", d.Outpoint),
			zap.String("txid", params.TransactionId),
			zap.Int64s("order_ids", d.OrderIds),
			zap.Bool("snipe", d.IsSnipe),
			zap.Bool("confirmed", params.Confirmed))
	}
	return detections, nil
}

func ordersInFlight(ctx context.Context, tx *sql.Tx, utxoId int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, queryOrdersOnUtxoInFlight, utxoId)
	if err != nil {
		return nil, fmt.Errorf("unable to query orders on utxo: %w", err)
	}
	defer closeRows(rows)

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("unable to scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isExpectedTransaction(ctx context.Context, tx *sql.Tx, orderIds []int64, txId string) (bool, error) {
	for _, id := range orderIds {
		var count int
		if err := tx.QueryRowContext(ctx, queryIsExpectedTransaction, id, txId).Scan(&count); err != nil {
			return false, fmt.Errorf("unable to check trade history: %w", err)
		}
		if count > 0 {
			return true, nil
		}
	}
	return false, nil
}

func applyExpectedSpend(ctx context.Context, tx *sql.Tx, utxoId int64, orderIds []int64, params store.MonitoringInputParams) error {
	if !params.Confirmed {
		for _, id := range orderIds {
			if _, err := tx.ExecContext(ctx, queryMempoolTradeHistory, id, params.TransactionId); err != nil {
				return fmt.Errorf("unable to update trade history: %w", err)
			}
		}
		return setOrdersStatus(ctx, tx, orderIds, models.OrderStatusBroadcast)
	}

	for _, id := range orderIds {
		if _, err := tx.ExecContext(ctx, queryConfirmTradeHistory, id, params.TransactionId); err != nil {
			return fmt.Errorf("unable to confirm trade history: %w", err)
		}
	}
	if err := setOrdersStatus(ctx, tx, orderIds, models.OrderStatusConfirmed); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryMarkUtxoSpent, utxoId); err != nil {
		return fmt.Errorf("unable to mark utxo spent: %w", err)
	}
	return nil
}

func applySnipe(ctx context.Context, tx *sql.Tx, utxoId int64, orderIds []int64, params store.MonitoringInputParams) error {
	if params.Confirmed {
		if err := setOrdersStatus(ctx, tx, orderIds, models.OrderStatusCanceled); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, queryMarkUtxoSpent, utxoId); err != nil {
			return fmt.Errorf("unable to mark utxo spent: %w", err)
		}
		return nil
	}

	for _, id := range orderIds {
		var count int
		if err := tx.QueryRowContext(ctx, querySnipeRecorded, id, params.TransactionId).Scan(&count); err != nil {
			return fmt.Errorf("unable to check snipe history: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, queryInsertTradeHistory,
			id, models.TradeStatusMempool, params.FeeRate, params.TransactionId,
			0, 0, 0, 0, 0, 0, true,
		); err != nil {
			return fmt.Errorf("unable to record snipe: %w", err)
		}
	}
	return nil
}

func setOrdersStatus(ctx context.Context, tx *sql.Tx, orderIds []int64, to models.OrderStatus) error {
	query := fmt.Sprintf(queryUpdateOrderStatus, placeholders(len(inFlightStatuses)))
	for _, id := range orderIds {
		args := []interface{}{to, id}
		for _, status := range inFlightStatuses {
			args = append(args, status)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("unable to set order %d to %s: %w", id, to, err)
		}
	}
	return nil
}

func (s *Service) queryTradeHistory(ctx context.Context, query string, args ...interface{}) ([]models.TradeHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query trade history: %w", err)
	}
	defer closeRows(rows)

	var history []models.TradeHistory
	for rows.Next() {
		var h models.TradeHistory
		if err := rows.Scan(&h.Id, &h.OrderId, &h.Status, &h.FeeRate, &h.TransactionId,
			&h.TakerPaymentAddressId, &h.TakerOrdinalAddressId,
			&h.MarketplaceTakerFeeBips, &h.MarketplaceFeeSats,
			&h.PlatformTakerFeeBips, &h.PlatformFeeSats, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan trade history row: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return history, nil
}
