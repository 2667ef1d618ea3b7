package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"ordinals-market-engine/internal/auction"
	"ordinals-market-engine/internal/common"
	"ordinals-market-engine/internal/config"
	"ordinals-market-engine/internal/models"

	"go.uber.org/zap"
)

func printDetails(details *models.AuctionDetails) {
	a := details.Auction
	common.PrintHeader(fmt.Sprintf("AUCTION %d", a.Id), common.DefaultWidth)
	fmt.Printf("Order:             %d\n", a.OrderId)
	fmt.Printf("Status:            %s\n", a.Status)
	fmt.Printf("Ends:              %s\n", a.EndTime.Format(time.RFC3339))
	if a.ReservePrice != nil {
		fmt.Printf("Reserve:           %d sats\n", *a.ReservePrice)
	} else {
		fmt.Printf("Reserve:           none\n")
	}
	if details.WinningBid != nil {
		fmt.Printf("Leading Bid:       %d (%d sats)\n", details.WinningBid.Id, details.WinningBid.BidAmount)
	}
	common.PrintSeparator("=", common.DefaultWidth)

	for i, bid := range details.Bids {
		fmt.Printf("%s bid %-6d %12d sats  %-9s %s\n",
			common.BoxPrefix(i == len(details.Bids)-1),
			bid.Id, bid.BidAmount, bid.Status, bid.BidderOrdinalAddress)
	}
	fmt.Println()
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	idFlag := flag.Int64("id", 0, "Auction id")
	finalizeFlag := flag.Bool("finalize", false, "Close the auction and settle the winning bid")
	orderFlag := flag.Int64("order", 0, "Open an auction over this order")
	reserveFlag := flag.Int64("reserve", 0, "Reserve price in sats (optional)")
	durationFlag := flag.Duration("duration", 24*time.Hour, "Auction duration")
	flag.Parse()

	if *idFlag == 0 && *orderFlag == 0 {
		zap.L().Fatal("Either --id or --order is required")
	}

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	escrowService, err := services.InitializeEscrow(cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize escrow keys", zap.Error(err))
	}

	// The monitor picks settled outpoints up on its next resync
	auctions := auction.NewService(services.DbService, services.Gateway, escrowService,
		services.Market, services.Params, nil)

	auctionId := *idFlag
	if *orderFlag != 0 {
		var reserve *int64
		if *reserveFlag > 0 {
			reserve = reserveFlag
		}
		result, err := auctions.CreateAuction(ctx, *orderFlag, reserve, time.Now().UTC().Add(*durationFlag))
		if err != nil {
			zap.L().Fatal("Failed to create auction", zap.Error(err))
		}
		if result.Error != "" {
			zap.L().Fatal("Auction rejected", zap.String("reason", result.Error))
		}
		auctionId = result.AuctionId
	}

	if *finalizeFlag {
		result, err := auctions.FinalizeAuction(ctx, auctionId)
		if err != nil {
			zap.L().Fatal("Failed to finalize auction", zap.Int64("auction_id", auctionId), zap.Error(err))
		}
		if result.Error != "" {
			common.PrintFooter(fmt.Sprintf("Auction %d not finalized: %s", auctionId, result.Error), common.DefaultWidth)
			return
		}
		common.PrintFooter(fmt.Sprintf("%s (%s) %s", result.Message, result.Status, result.TxId), common.DefaultWidth)
	}

	details, err := auctions.GetAuctionDetails(ctx, auctionId)
	if err != nil {
		zap.L().Fatal("Failed to load auction", zap.Int64("auction_id", auctionId), zap.Error(err))
	}
	printDetails(details)
}
