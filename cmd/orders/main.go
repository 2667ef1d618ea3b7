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

package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"ordinals-market-engine/internal/common"
	"ordinals-market-engine/internal/config"
	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/models"

	"go.uber.org/zap"
)

type orderStats struct {
	totalOrders  int
	totalTrades  int
	statusCounts map[models.OrderStatus]int
}

func parseOrderIds(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid order id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printTrade(trade models.TradeHistory, isLast bool) {
	fmt.Printf("%s %-28s: tx %s, fee rate %s, platform %d sats, marketplace %d sats (%s)\n",
		common.BoxPrefix(isLast),
		trade.Status,
		common.ShortTxId(trade.TransactionId),
		trade.FeeRate.String(),
		trade.PlatformFeeSats,
		trade.MarketplaceFeeSats,
		trade.CreatedAt.Format("2006-01-02 15:04:05"))
}

func printOrderHeader(order models.Order, tradeCount int) {
	fmt.Printf("\n┌─ Order %d (%s, %s)\n", order.Id, order.ListingType, order.Status)
	fmt.Printf("│  Outpoint: %s\n", order.Outpoint)
	fmt.Printf("│  Price: %s, maker output %d sats\n", common.FormatSats(order.Price), order.MakerOutputValue)
	fmt.Printf("│  Maker: %s\n", order.MakerPaymentAddress)
	fmt.Printf("│  Marketplace: %s\n", order.MarketplaceId)
	fmt.Printf("│  Trades: %d\n", tradeCount)
	common.PrintBoxSeparator(78)
}

func generateReport(ctx context.Context, dbService *database.Service, orders []models.Order, logger *zap.Logger) orderStats {
	stats := orderStats{statusCounts: make(map[models.OrderStatus]int)}

	ids := make([]int64, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.Id)
	}
	history, err := dbService.GetTradeHistoryByOrderIds(ctx, ids)
	if err != nil {
		logger.Error("Failed to load trade history", zap.Int64s("order_ids", ids), zap.Error(err))
	}
	trades := make(map[int64][]models.TradeHistory)
	for _, trade := range history {
		trades[trade.OrderId] = append(trades[trade.OrderId], trade)
	}

	for _, order := range orders {
		stats.totalOrders++
		stats.statusCounts[order.Status]++

		orderTrades := trades[order.Id]
		stats.totalTrades += len(orderTrades)

		printOrderHeader(order, len(orderTrades))
		for i, trade := range orderTrades {
			printTrade(trade, i == len(orderTrades)-1)
		}
	}
	return stats
}

func main() {
	ctx := context.Background()

	logger, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	idsFlag := flag.String("ids", "", "Comma separated order ids")
	psbtFlag := flag.String("psbt-id", "", "Show the orders of one listing PSBT")
	flag.Parse()

	if *idsFlag == "" && *psbtFlag == "" {
		logger.Fatal("Either --ids or --psbt-id is required")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Read-only, the chain gateway is not needed
	logger.Info("Connecting to database", zap.String("path", cfg.Database.Path))
	dbService, err := common.InitializeDatabaseOnly(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer dbService.Close()

	var orders []models.Order
	if *psbtFlag != "" {
		orders, err = dbService.GetOrdersByPsbtId(ctx, *psbtFlag)
	} else {
		var ids []int64
		ids, err = parseOrderIds(*idsFlag)
		if err == nil {
			orders, err = dbService.GetOrders(ctx, ids)
		}
	}
	if err != nil {
		logger.Fatal("Failed to load orders", zap.Error(err))
	}

	common.PrintHeader("ORDER REPORT", common.DefaultWidth)

	stats := generateReport(ctx, dbService, orders, logger)

	var counts []string
	for status, count := range stats.statusCounts {
		counts = append(counts, fmt.Sprintf("%s=%d", status, count))
	}
	sort.Strings(counts)
	summary := fmt.Sprintf("SUMMARY: %d orders, %d trade records (%s)",
		stats.totalOrders, stats.totalTrades, strings.Join(counts, ", "))
	common.PrintFooter(summary, common.DefaultWidth)

	logger.Info("Order query completed",
		zap.Int("orders", stats.totalOrders),
		zap.Int("trades", stats.totalTrades))
}
