// Package auction runs English auctions over listed outputs. Bids are funded
// from the bidder's escrow wallet and the winning bid is cosigned by the
// server when the auction is finalized.
package auction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/escrow"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/store"

	"github.com/btcsuite/btcd/chaincfg"
	"go.uber.org/zap"
)

const (
	msgAuctionNotFound = "auction not found"
	msgOrderNotFound   = "order not found"
	msgNotAuction      = "order is not listed for auction"
	msgOrderInactive   = "order is no longer available"
	msgEndTimePassed   = "end time must be in the future"
	msgInvalidReserve  = "reserve price must be positive"
)

type Service struct {
	store   store.MarketStore
	gateway chain.Gateway
	escrow  *escrow.Service
	market  *models.MarketplaceConfig
	params  *chaincfg.Params
	watcher settlement.Watcher
	now     func() time.Time
}

// NewService wires an auction house. watcher may be nil.
func NewService(
	marketStore store.MarketStore,
	gateway chain.Gateway,
	escrowService *escrow.Service,
	market *models.MarketplaceConfig,
	params *chaincfg.Params,
	watcher settlement.Watcher,
) *Service {
	return &Service{
		store:   marketStore,
		gateway: gateway,
		escrow:  escrowService,
		market:  market,
		params:  params,
		watcher: watcher,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateAuction opens an auction over an active order listed with the
// auction listing type.
func (s *Service) CreateAuction(ctx context.Context, orderId int64, reservePrice *int64, endTime time.Time) (*models.AuctionResult, error) {
	if reservePrice != nil && *reservePrice <= 0 {
		return &models.AuctionResult{Error: msgInvalidReserve}, nil
	}
	if !endTime.After(s.now()) {
		return &models.AuctionResult{Error: msgEndTimePassed}, nil
	}

	order, err := s.store.GetOrder(ctx, orderId)
	if errors.Is(err, store.ErrNotFound) {
		return &models.AuctionResult{Error: msgOrderNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	if order.ListingType != models.ListingTypeAuction {
		return &models.AuctionResult{Error: msgNotAuction}, nil
	}
	if order.Status != models.OrderStatusActive {
		return &models.AuctionResult{Error: msgOrderInactive}, nil
	}

	id, err := s.store.CreateAuction(ctx, orderId, reservePrice, endTime.UTC())
	if err != nil {
		return nil, err
	}
	return &models.AuctionResult{AuctionId: id}, nil
}

// GetAuctionDetails returns the auction, every bid and the bid that would
// win if the auction closed now.
func (s *Service) GetAuctionDetails(ctx context.Context, auctionId int64) (*models.AuctionDetails, error) {
	auction, err := s.store.GetAuction(ctx, auctionId)
	if err != nil {
		return nil, err
	}
	bids, err := s.store.GetAuctionBids(ctx, auctionId)
	if err != nil {
		return nil, err
	}
	return &models.AuctionDetails{
		Auction:    *auction,
		Bids:       bids,
		WinningBid: WinningBid(bids, auction.ReservePrice),
	}, nil
}

// WinningBid picks the highest signed bid that meets the reserve. Equal
// amounts go to the earlier bid. Nil means no bid qualifies.
func WinningBid(bids []models.Bid, reservePrice *int64) *models.Bid {
	var reserve int64
	if reservePrice != nil {
		reserve = *reservePrice
	}

	var winner *models.Bid
	for i := range bids {
		b := &bids[i]
		if b.Status != models.BidStatusActive && b.Status != models.BidStatusWon {
			continue
		}
		if b.BidAmount < reserve {
			continue
		}
		if winner == nil || b.BidAmount > winner.BidAmount ||
			(b.BidAmount == winner.BidAmount && b.Id < winner.Id) {
			winner = b
		}
	}
	return winner
}

func (s *Service) loadAuction(ctx context.Context, auctionId int64) (*models.Auction, string, error) {
	auction, err := s.store.GetAuction(ctx, auctionId)
	if errors.Is(err, store.ErrNotFound) {
		return nil, msgAuctionNotFound, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("unable to load auction %d: %w", auctionId, err)
	}
	return auction, "", nil
}

func (s *Service) logClosed(auction *models.Auction, status models.AuctionStatus, declined []int64) {
	zap.L().Info("Auction closed",
		zap.Int64("auction_id", auction.Id),
		zap.Int64("order_id", auction.OrderId),
		zap.String("status", string(status)),
		zap.Int64s("declined_bids", declined))
}
