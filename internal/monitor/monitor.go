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

// Package monitor watches the chain for spends of listed outpoints and
// reports confirmed trades and snipes.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultResyncInterval = time.Minute
	defaultRetention      = 6 * time.Hour
)

// Notifier delivers order events to the marketplace backend.
type Notifier interface {
	Send(ctx context.Context, event models.OrderEvent) error
}

// Config contains the collaborators of a Monitor
type Config struct {
	Store    store.MarketStore
	Gateway  chain.Gateway
	Notifier Notifier
	Feed     Feed

	// ResyncInterval is how often the watched set is reloaded from the store
	// and stale purchase attempts are released.
	ResyncInterval time.Duration
	// TakerConfirmationTTL is how long an order may sit in
	// pending_taker_confirmation before it is released. Zero disables it.
	TakerConfirmationTTL time.Duration
}

// Monitor matches feed transactions against its MonitorState.
type Monitor struct {
	store    store.MarketStore
	gateway  chain.Gateway
	notifier Notifier
	feed     Feed
	state    *MonitorState

	resyncInterval time.Duration
	pendingTTL     time.Duration

	// seen remembers handled (txid, confirmation) pairs so repeated
	// notifications of one transaction are not processed twice.
	seen  map[string]time.Time
	mutex sync.Mutex

	stopChan chan struct{}
	doneChan chan struct{}
}

func New(cfg Config) *Monitor {
	resync := cfg.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	return &Monitor{
		store:          cfg.Store,
		gateway:        cfg.Gateway,
		notifier:       cfg.Notifier,
		feed:           cfg.Feed,
		state:          NewMonitorState(),
		resyncInterval: resync,
		pendingTTL:     cfg.TakerConfirmationTTL,
		seen:           make(map[string]time.Time),
		stopChan:       make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
}

// State is the watched set. Settlement registers new outpoints through it.
func (m *Monitor) State() *MonitorState {
	return m.state
}

// Start loads the watched set and begins consuming the feed
func (m *Monitor) Start(ctx context.Context) error {
	zap.L().Info("Starting transaction monitor")

	if err := m.Resync(ctx); err != nil {
		return fmt.Errorf("unable to load monitored outpoints: %w", err)
	}

	go m.run(ctx)

	zap.L().Info("Transaction monitor started",
		zap.Int("watched", m.state.Len()),
		zap.Duration("resync_interval", m.resyncInterval))
	return nil
}

// Stop gracefully stops the monitor. The feed is stopped with it.
func (m *Monitor) Stop() {
	zap.L().Info("Stopping transaction monitor")
	close(m.stopChan)
	<-m.doneChan
	if m.feed != nil {
		if err := m.feed.Stop(); err != nil {
			zap.L().Warn("Feed did not stop cleanly", zap.Error(err))
		}
	}
	zap.L().Info("Transaction monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneChan)

	ticker := time.NewTicker(m.resyncInterval)
	defer ticker.Stop()

	var (
		blocks <-chan *wire.MsgBlock
		txs    <-chan *wire.MsgTx
	)
	if m.feed != nil {
		blocks = m.feed.Blocks()
		txs = m.feed.Transactions()
	}

	for {
		select {
		case block := <-blocks:
			m.HandleBlock(ctx, block)
		case tx := <-txs:
			if err := m.HandleTransaction(ctx, tx, false); err != nil {
				zap.L().Error("Failed to process mempool transaction",
					zap.String("txid", tx.TxHash().String()),
					zap.Error(err))
			}
		case <-ticker.C:
			if err := m.Resync(ctx); err != nil {
				zap.L().Error("Monitor resync failed", zap.Error(err))
			}
			m.cleanupSeen()
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Resync replaces the watched set with the store's view and releases
// purchase attempts that were never broadcast.
func (m *Monitor) Resync(ctx context.Context) error {
	if m.pendingTTL > 0 {
		if _, err := m.store.RevertStalePendingOrders(ctx, time.Now().UTC().Add(-m.pendingTTL)); err != nil {
			return err
		}
	}

	outpoints, err := m.store.GetMonitoringUTXOs(ctx)
	if err != nil {
		return err
	}
	m.state.Replace(outpoints)

	zap.L().Debug("Monitored outpoints loaded", zap.Int("count", len(outpoints)))
	return nil
}

// HandleBlock processes every transaction of a new block as confirmed.
func (m *Monitor) HandleBlock(ctx context.Context, block *wire.MsgBlock) {
	blockHash := block.BlockHash().String()
	zap.L().Debug("New block", zap.String("hash", blockHash), zap.Int("txs", len(block.Transactions)))

	for _, tx := range block.Transactions {
		if err := m.HandleTransaction(ctx, tx, true); err != nil {
			zap.L().Error("Failed to process block transaction",
				zap.String("block", blockHash),
				zap.String("txid", tx.TxHash().String()),
				zap.Error(err))
		}
	}
}

// HandleTransaction reports a transaction that spends watched outpoints to
// the store and notifies the marketplace. Outpoints are unwatched once the
// spend confirms; a snipe still in the mempool stays watched.
func (m *Monitor) HandleTransaction(ctx context.Context, tx *wire.MsgTx, confirmed bool) error {
	spent := m.state.Spent(tx)
	if len(spent) == 0 {
		return nil
	}

	txId := tx.TxHash().String()
	key := seenKey(txId, confirmed)
	if m.isSeen(key) {
		return nil
	}

	detections, err := m.store.MonitoringInputDetected(ctx, store.MonitoringInputParams{
		TransactionId: txId,
		Outpoints:     spent,
		FeeRate:       m.feeRate(ctx, txId),
		Confirmed:     confirmed,
	})
	if err != nil {
		return fmt.Errorf("unable to record spend of %v: %w", spent, err)
	}

	if confirmed {
		m.state.Unwatch(spent...)
	}

	var confirmedOrders, snipedOrders []int64
	for _, d := range detections {
		if d.IsSnipe {
			snipedOrders = append(snipedOrders, d.OrderIds...)
		} else if confirmed {
			confirmedOrders = append(confirmedOrders, d.OrderIds...)
		}
	}

	if len(snipedOrders) > 0 {
		m.notify(ctx, models.OrderEvent{EventType: models.EventOrderSniped, TxId: txId, OrderIds: snipedOrders})
	}
	if len(confirmedOrders) > 0 {
		m.notify(ctx, models.OrderEvent{EventType: models.EventOrderConfirmed, TxId: txId, OrderIds: confirmedOrders})
	}

	m.markSeen(key)
	return nil
}

// feeRate asks the explorer what a spender paid. Unknown rates are zero.
func (m *Monitor) feeRate(ctx context.Context, txId string) decimal.Decimal {
	if m.gateway == nil {
		return decimal.Zero
	}
	info, err := m.gateway.GetTransaction(ctx, txId)
	if err != nil || info.Weight <= 0 {
		zap.L().Debug("Fee lookup failed for spender", zap.String("txid", txId), zap.Error(err))
		return decimal.Zero
	}
	return fees.FeeRate(info.Fee, (info.Weight+3)/4)
}

func (m *Monitor) notify(ctx context.Context, event models.OrderEvent) {
	zap.L().Info("Order event",
		zap.String("event", event.EventType),
		zap.String("txid", event.TxId),
		zap.Int64s("order_ids", event.OrderIds))
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Send(ctx, event); err != nil {
		zap.L().Error("Failed to deliver order event",
			zap.String("event", event.EventType),
			zap.String("txid", event.TxId),
			zap.Error(err))
	}
}

func seenKey(txId string, confirmed bool) string {
	if confirmed {
		return "block/" + txId
	}
	return "mempool/" + txId
}

func (m *Monitor) isSeen(key string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.seen[key]
	return ok
}

func (m *Monitor) markSeen(key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.seen[key] = time.Now()
}

// cleanupSeen drops handled transactions older than the retention window
func (m *Monitor) cleanupSeen() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	cutoff := time.Now().Add(-defaultRetention)
	cleaned := 0
	for key, at := range m.seen {
		if at.Before(cutoff) {
			delete(m.seen, key)
			cleaned++
		}
	}
	if cleaned > 0 {
		zap.L().Debug("Cleaned up handled transactions",
			zap.Int("cleaned", cleaned),
			zap.Int("remaining", len(m.seen)))
	}
}
