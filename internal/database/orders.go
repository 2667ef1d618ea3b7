package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
)

// CreateListing stores a maker PSBT together with its orders. Either every
// order is created or none is.
func (s *Service) CreateListing(ctx context.Context, params store.CreateListingParams) ([]int64, error) {
	if params.Psbt.Id == "" {
		return nil, fmt.Errorf("psbt id cannot be empty")
	}
	if len(params.Orders) == 0 {
		return nil, fmt.Errorf("listing must contain at least one order")
	}

	status := params.Psbt.Status
	if status == "" {
		status = models.PsbtStatusUnsigned
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryInsertPsbt, params.Psbt.Id, params.Psbt.UnsignedPsbt, params.Psbt.BatchId, status); err != nil {
		return nil, fmt.Errorf("unable to insert psbt: %w", err)
	}

	orderIds := make([]int64, 0, len(params.Orders))
	for _, o := range params.Orders {
		var id int64
		err := tx.QueryRowContext(ctx, queryInsertOrder,
			o.UtxoId, o.Price, o.ListingType,
			o.MakerPaymentAddressId, o.MakerOrdinalAddressId,
			o.PlatformMakerFeeBips, o.PlatformTakerFeeBips, o.MarketplaceMakerFeeBips, o.MarketplaceTakerFeeBips,
			o.PlatformFeeAddressId, o.MarketplaceFeeAddressId,
			params.Psbt.Id, o.IndexInMakerPsbt, o.MakerOutputValue, o.BatchId, o.MarketplaceId,
		).Scan(&id)
		if isUniqueViolation(err) {
			zap.L().Warn("Utxo already has an open order", zap.Int64("utxo_id", o.UtxoId))
			return nil, store.ErrAlreadyListed
		}
		if err != nil {
			return nil, fmt.Errorf("unable to insert order: %w", err)
		}
		orderIds = append(orderIds, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit listing: %w", err)
	}

	zap.L().Info("Listing created",
		zap.String("psbt_id", params.Psbt.Id),
		zap.Int64s("order_ids", orderIds))
	return orderIds, nil
}

// ConfirmListing stores the maker's signed PSBT and activates its orders.
func (s *Service) ConfirmListing(ctx context.Context, psbtId, signedPsbt string) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, querySignPsbt, signedPsbt, psbtId)
	if err != nil {
		return nil, fmt.Errorf("unable to store signed psbt: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("psbt %s: %w", psbtId, store.ErrNotFound)
	}

	rows, err := tx.QueryContext(ctx, queryActivateOrdersByPsbt, psbtId)
	if err != nil {
		return nil, fmt.Errorf("unable to activate orders: %w", err)
	}
	var orderIds []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("unable to scan activated order: %w", err)
		}
		orderIds = append(orderIds, id)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return nil, fmt.Errorf("error iterating activated orders: %w", err)
	}
	closeRows(rows)

	if len(orderIds) == 0 {
		return nil, fmt.Errorf("no pending orders for psbt %s - %w", psbtId, store.ErrConcurrentModification)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit confirmation: %w", err)
	}

	zap.L().Info("Listing confirmed", zap.String("psbt_id", psbtId), zap.Int64s("order_ids", orderIds))
	return orderIds, nil
}

func (s *Service) GetPsbt(ctx context.Context, psbtId string) (*models.PsbtRecord, error) {
	var p models.PsbtRecord
	err := s.db.QueryRowContext(ctx, queryGetPsbt, psbtId).Scan(
		&p.Id, &p.UnsignedPsbt, &p.SignedPsbt, &p.IsSigned, &p.BatchId, &p.Status, &p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("psbt %s: %w", psbtId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query psbt: %w", err)
	}
	return &p, nil
}

func (s *Service) GetOrder(ctx context.Context, orderId int64) (*models.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, querySelectOrder+" WHERE o.id = ?", orderId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query order %d: %w", orderId, err)
	}
	return order, nil
}

// GetOrders returns the orders that exist among orderIds, sorted by id.
func (s *Service) GetOrders(ctx context.Context, orderIds []int64) ([]models.Order, error) {
	if len(orderIds) == 0 {
		return nil, nil
	}
	query := querySelectOrder + fmt.Sprintf(" WHERE o.id IN (%s) ORDER BY o.id", placeholders(len(orderIds)))
	return s.queryOrders(ctx, query, int64Args(orderIds)...)
}

func (s *Service) GetOrdersByPsbtId(ctx context.Context, psbtId string) ([]models.Order, error) {
	return s.queryOrders(ctx, querySelectOrder+" WHERE o.psbt_id = ? ORDER BY o.index_in_maker_psbt", psbtId)
}

// GetActiveOrBroadcastOrders returns the purchasable orders among orderIds.
// An empty marketplaceId matches every marketplace.
func (s *Service) GetActiveOrBroadcastOrders(ctx context.Context, orderIds []int64, marketplaceId string, listingType models.ListingType) ([]models.Order, error) {
	if len(orderIds) == 0 {
		return nil, nil
	}

	args := int64Args(orderIds)
	query := querySelectOrder + fmt.Sprintf(" WHERE o.id IN (%s) AND o.status IN ('active', 'broadcast') AND o.listing_type = ?",
		placeholders(len(orderIds)))
	args = append(args, listingType)
	if marketplaceId != "" {
		query += " AND o.marketplace_id = ?"
		args = append(args, marketplaceId)
	}
	query += " ORDER BY o.id"

	return s.queryOrders(ctx, query, args...)
}

// UpdateOrderStatus moves every order to the target status. It fails with
// ErrConcurrentModification, changing nothing, if any order is no longer in
// one of the from statuses.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderIds []int64, from []models.OrderStatus, to models.OrderStatus) error {
	if len(orderIds) == 0 {
		return nil
	}
	if len(from) == 0 {
		return fmt.Errorf("at least one source status is required")
	}

	query := fmt.Sprintf(queryUpdateOrderStatus, placeholders(len(from)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range orderIds {
		args := []interface{}{to, id}
		for _, status := range from {
			args = append(args, status)
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("unable to update order %d: %w", id, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("unable to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("order %d status update failed - %w", id, store.ErrConcurrentModification)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("unable to commit status update: %w", err)
	}

	zap.L().Info("Order status updated",
		zap.Int64s("order_ids", orderIds),
		zap.String("status", string(to)))
	return nil
}

// RevertStalePendingOrders releases purchase attempts that were never
// broadcast. Orders with a trade in the mempool go back to broadcast.
func (s *Service) RevertStalePendingOrders(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryRevertStalePendingOrders, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("unable to revert stale orders: %w", err)
	}
	reverted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if reverted > 0 {
		zap.L().Info("Reverted stale pending orders", zap.Int64("count", reverted))
	}
	return reverted, nil
}

func (s *Service) queryOrders(ctx context.Context, query string, args ...interface{}) ([]models.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		zap.L().Error("Failed to query orders", zap.Error(err))
		return nil, fmt.Errorf("unable to query orders: %w", err)
	}
	defer closeRows(rows)

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("unable to scan order row: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.Id, &o.UtxoId, &o.Outpoint, &o.UtxoValue, &o.Price, &o.Side, &o.ListingType, &o.Status,
		&o.MakerPaymentAddressId, &o.MakerOrdinalAddressId,
		&o.MakerPaymentAddress, &o.MakerOrdinalAddress, &o.MakerOrdinalPublicKey,
		&o.PlatformMakerFeeBips, &o.PlatformTakerFeeBips, &o.MarketplaceMakerFeeBips, &o.MarketplaceTakerFeeBips,
		&o.PlatformFeeAddressId, &o.MarketplaceFeeAddressId,
		&o.PlatformFeeAddress, &o.MarketplaceFeeAddress,
		&o.PsbtId, &o.IndexInMakerPsbt, &o.MakerOutputValue, &o.BatchId, &o.MarketplaceId,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
