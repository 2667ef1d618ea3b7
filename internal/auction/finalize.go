package auction

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	msgNotEnded  = "auction has not ended yet"
	msgNoWinner  = "Auction ended without a winning bid"
	msgSettled   = "Auction settled"
	msgCompleted = "auction is already %s"
)

// FinalizeAuction closes an auction past its end time. Without a bid that
// meets the reserve the auction ends, the order is canceled and every bid is
// declined. Otherwise the winning bid is cosigned and broadcast and the
// remaining bids are declined, releasing their escrow reservations.
func (s *Service) FinalizeAuction(ctx context.Context, auctionId int64) (*models.FinalizeResult, error) {
	auction, msg, err := s.loadAuction(ctx, auctionId)
	if err != nil || msg != "" {
		return &models.FinalizeResult{AuctionId: auctionId, Error: msg}, err
	}
	result := &models.FinalizeResult{AuctionId: auctionId, Status: auction.Status}
	if auction.Status != models.AuctionStatusActive {
		result.Error = fmt.Sprintf(msgCompleted, auction.Status)
		return result, nil
	}
	if s.now().Before(auction.EndTime) {
		result.Error = msgNotEnded
		return result, nil
	}

	bids, err := s.store.GetAuctionBids(ctx, auctionId)
	if err != nil {
		return nil, err
	}
	winner := WinningBid(bids, auction.ReservePrice)
	if winner == nil {
		return s.endWithoutWinner(ctx, auction)
	}

	order, err := s.store.GetOrder(ctx, auction.OrderId)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusActive {
		result.Error = msgOrderInactive
		return result, nil
	}

	txHex, err := s.escrow.SignAndFinalizeBid(ctx, winner)
	if err != nil {
		return nil, fmt.Errorf("unable to cosign bid %d: %w", winner.Id, err)
	}
	if txHex == "" {
		return nil, fmt.Errorf("bid %d produced no transaction", winner.Id)
	}
	feeRate, err := bidFeeRate(winner, txHex)
	if err != nil {
		return nil, err
	}

	if err := s.recordAttempt(ctx, order, winner, feeRate); err != nil {
		if errors.Is(err, store.ErrConcurrentModification) {
			result.Error = msgOrderInactive
			return result, nil
		}
		return nil, err
	}

	txId, err := s.gateway.PostTransaction(ctx, txHex)
	if err != nil {
		if abandonErr := s.store.AbandonPurchaseAttempt(ctx, []int64{order.Id}); abandonErr != nil {
			zap.L().Error("Unable to release order after failed broadcast",
				zap.Int64("auction_id", auctionId),
				zap.Int64("order_id", order.Id),
				zap.Error(abandonErr))
		}
		return nil, fmt.Errorf("unable to broadcast bid %d: %w", winner.Id, err)
	}

	if err := settlement.RecordBroadcast(ctx, s.store, store.RecordBroadcastParams{
		OrderIds:      []int64{order.Id},
		TransactionId: txId,
		FeeRate:       feeRate,
	}); err != nil {
		return nil, err
	}
	if err := s.store.CompleteBid(ctx, winner.Id, txHex); err != nil {
		return nil, err
	}
	declined, err := s.store.DeclineAuctionBids(ctx, auctionId, winner.Id)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateAuctionStatus(ctx, auctionId, models.AuctionStatusSettled); err != nil {
		return nil, err
	}
	if s.watcher != nil {
		s.watcher.Watch(order.Outpoint)
	}

	s.logClosed(auction, models.AuctionStatusSettled, declined)
	zap.L().Info("Winning bid broadcast",
		zap.Int64("auction_id", auctionId),
		zap.Int64("bid_id", winner.Id),
		zap.Int64("amount", winner.BidAmount),
		zap.String("txid", txId),
		zap.String("fee_rate", feeRate.String()))
	return &models.FinalizeResult{
		AuctionId:    auctionId,
		Status:       models.AuctionStatusSettled,
		WinningBidId: winner.Id,
		TxId:         txId,
		Message:      msgSettled,
	}, nil
}

func (s *Service) endWithoutWinner(ctx context.Context, auction *models.Auction) (*models.FinalizeResult, error) {
	if err := s.store.UpdateAuctionStatus(ctx, auction.Id, models.AuctionStatusEnded); err != nil {
		return nil, err
	}
	err := s.store.UpdateOrderStatus(ctx, []int64{auction.OrderId},
		[]models.OrderStatus{models.OrderStatusActive}, models.OrderStatusCanceled)
	if err != nil && !errors.Is(err, store.ErrConcurrentModification) {
		return nil, err
	}
	if err != nil {
		zap.L().Warn("Auction order was not active at close",
			zap.Int64("auction_id", auction.Id),
			zap.Int64("order_id", auction.OrderId))
	}

	// no bid id is zero, so every open bid is declined
	declined, err := s.store.DeclineAuctionBids(ctx, auction.Id, 0)
	if err != nil {
		return nil, err
	}

	s.logClosed(auction, models.AuctionStatusEnded, declined)
	return &models.FinalizeResult{
		AuctionId: auction.Id,
		Status:    models.AuctionStatusEnded,
		Message:   msgNoWinner,
	}, nil
}

// recordAttempt writes the winning bid as the order's purchase attempt so
// the monitor follows the settlement like any other trade.
func (s *Service) recordAttempt(ctx context.Context, order *models.Order, winner *models.Bid, feeRate decimal.Decimal) error {
	wallet, err := s.store.GetMultiSigWalletById(ctx, winner.MultiSigWalletId)
	if err != nil {
		return err
	}
	ordinalId, err := s.store.GetOrInsertAddress(ctx, winner.BidderOrdinalAddress, "")
	if err != nil {
		return err
	}
	paymentId, err := s.store.GetOrInsertAddress(ctx, wallet.MultisigAddress, wallet.UserPublicKeyHex)
	if err != nil {
		return err
	}

	entry, _, err := s.bidFees(order, winner.BidAmount, nil)
	if err != nil {
		return err
	}
	return s.store.EnterInitiatedState(ctx, store.EnterInitiatedStateParams{
		Entries:               []models.TradeFeeEntry{entry},
		ExpectedStatuses:      map[int64]models.OrderStatus{order.Id: order.Status},
		FeeRate:               feeRate,
		TakerPaymentAddressId: paymentId,
		TakerOrdinalAddressId: ordinalId,
	})
}

// bidFeeRate is the fee rate of a finalized bid, from the input values of
// its PSBT and the weight of the signed transaction.
func bidFeeRate(bid *models.Bid, txHex string) (decimal.Decimal, error) {
	packet, err := txbuilder.DecodePsbt(bid.SignedPsbt)
	if err != nil {
		return decimal.Zero, err
	}
	tx, err := txbuilder.TxFromHex(txHex)
	if err != nil {
		return decimal.Zero, err
	}

	var inputValue int64
	for i := range packet.Inputs {
		prevOut, err := txbuilder.PrevOutput(packet, i)
		if err != nil {
			return decimal.Zero, err
		}
		inputValue += prevOut.Value
	}
	return fees.FeeRate(inputValue-outputValue(tx), (blockchain.GetTransactionWeight(btcutil.NewTx(tx))+3)/4), nil
}

func outputValue(tx *wire.MsgTx) int64 {
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	return total
}
