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

func (s *Service) CreateAuction(ctx context.Context, orderId int64, reservePrice *int64, endTime time.Time) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, queryInsertAuction, orderId, reservePrice, formatTime(endTime)).Scan(&id); err != nil {
		return 0, fmt.Errorf("unable to create auction: %w", err)
	}

	zap.L().Info("Auction created",
		zap.Int64("auction_id", id),
		zap.Int64("order_id", orderId),
		zap.Time("end_time", endTime))
	return id, nil
}

func (s *Service) GetAuction(ctx context.Context, auctionId int64) (*models.Auction, error) {
	var a models.Auction
	var reserve sql.NullInt64
	err := s.db.QueryRowContext(ctx, queryGetAuction, auctionId).Scan(
		&a.Id, &a.OrderId, &reserve, &a.EndTime, &a.Status, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("auction %d: %w", auctionId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query auction: %w", err)
	}
	if reserve.Valid {
		price := reserve.Int64
		a.ReservePrice = &price
	}
	return &a, nil
}

func (s *Service) UpdateAuctionStatus(ctx context.Context, auctionId int64, status models.AuctionStatus) error {
	result, err := s.db.ExecContext(ctx, queryUpdateAuctionStatus, status, auctionId)
	if err != nil {
		return fmt.Errorf("unable to update auction: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("auction %d: %w", auctionId, store.ErrNotFound)
	}
	return nil
}

func (s *Service) GetAuctionBids(ctx context.Context, auctionId int64) ([]models.Bid, error) {
	rows, err := s.db.QueryContext(ctx, querySelectBid+" WHERE auction_id = ? ORDER BY id", auctionId)
	if err != nil {
		return nil, fmt.Errorf("unable to query bids: %w", err)
	}
	defer closeRows(rows)

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.Id, &b.AuctionId, &b.BidAmount, &b.Status, &b.MultiSigWalletId, &b.BidderOrdinalAddress,
			&b.ReservedAmount, &b.UnsignedPsbt, &b.SignedPsbt, &b.FinalSignedPsbt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("unable to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bids: %w", err)
	}
	return bids, nil
}

// CreateBid inserts a pending bid and locks ReservedAmount of the wallet
// balance plus the outpoints funding it. The lock fails with
// ErrInsufficientBalance when the wallet's unreserved balance is too small.
func (s *Service) CreateBid(ctx context.Context, params store.CreateBidParams) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryReserveWalletBalance,
		params.ReservedAmount, params.MultiSigWalletId, params.ReservedAmount, params.AvailableBalance)
	if err != nil {
		return 0, fmt.Errorf("unable to reserve wallet balance: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return 0, store.ErrInsufficientBalance
	}

	var bidId int64
	if err := tx.QueryRowContext(ctx, queryInsertBid,
		params.AuctionId, params.BidAmount, params.MultiSigWalletId, params.BidderOrdinalAddress,
		params.ReservedAmount, params.UnsignedPsbt).Scan(&bidId); err != nil {
		return 0, fmt.Errorf("unable to insert bid: %w", err)
	}

	for _, outpoint := range params.ReservedOutpoints {
		_, err := tx.ExecContext(ctx, queryInsertReservedOutpoint, outpoint, params.MultiSigWalletId, bidId)
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("outpoint %s is already reserved - %w", outpoint, store.ErrConcurrentModification)
		}
		if err != nil {
			return 0, fmt.Errorf("unable to reserve outpoint %s: %w", outpoint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("unable to commit bid: %w", err)
	}

	zap.L().Info("Bid created",
		zap.Int64("bid_id", bidId),
		zap.Int64("auction_id", params.AuctionId),
		zap.Int64("amount", params.BidAmount),
		zap.Int64("reserved", params.ReservedAmount))
	return bidId, nil
}

func (s *Service) SetBidSignedPsbt(ctx context.Context, bidId int64, signedPsbt string) error {
	result, err := s.db.ExecContext(ctx, querySetBidSignedPsbt, signedPsbt, bidId)
	if err != nil {
		return fmt.Errorf("unable to store signed bid: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("bid %d is not pending - %w", bidId, store.ErrConcurrentModification)
	}
	return nil
}

// CompleteBid marks the bid won and releases its reservation, since the
// funds leave the wallet with the final transaction.
func (s *Service) CompleteBid(ctx context.Context, bidId int64, finalSignedPsbt string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryCompleteBid, finalSignedPsbt, bidId)
	if err != nil {
		return fmt.Errorf("unable to complete bid: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("bid %d is not active - %w", bidId, store.ErrConcurrentModification)
	}

	if err := releaseBid(ctx, tx, bidId); err != nil {
		return err
	}
	return tx.Commit()
}

// DeclineAuctionBids declines every open bid except the winner and frees
// their reservations.
func (s *Service) DeclineAuctionBids(ctx context.Context, auctionId, winningBidId int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, queryOpenBidsExcept, auctionId, winningBidId)
	if err != nil {
		return nil, fmt.Errorf("unable to query open bids: %w", err)
	}
	var declined []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			closeRows(rows)
			return nil, fmt.Errorf("unable to scan bid id: %w", err)
		}
		declined = append(declined, id)
	}
	if err := rows.Err(); err != nil {
		closeRows(rows)
		return nil, fmt.Errorf("error iterating open bids: %w", err)
	}
	closeRows(rows)

	for _, id := range declined {
		if _, err := tx.ExecContext(ctx, queryDeclineBid, id); err != nil {
			return nil, fmt.Errorf("unable to decline bid %d: %w", id, err)
		}
		if err := releaseBid(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit declined bids: %w", err)
	}

	zap.L().Info("Auction bids declined",
		zap.Int64("auction_id", auctionId),
		zap.Int64("winning_bid_id", winningBidId),
		zap.Int64s("declined", declined))
	return declined, nil
}

func releaseBid(ctx context.Context, tx *sql.Tx, bidId int64) error {
	if _, err := tx.ExecContext(ctx, queryReleaseBidReservation, bidId, bidId); err != nil {
		return fmt.Errorf("unable to release reservation of bid %d: %w", bidId, err)
	}
	if _, err := tx.ExecContext(ctx, queryDeleteReservedOutpoints, bidId); err != nil {
		return fmt.Errorf("unable to release outpoints of bid %d: %w", bidId, err)
	}
	return nil
}
