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
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordinals-market-engine/internal/common"
	"ordinals-market-engine/internal/config"
	"ordinals-market-engine/internal/monitor"
	"ordinals-market-engine/internal/webhook"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = zap.NewProduction()
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting ordinals transaction monitor")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	var notifier monitor.Notifier
	if cfg.Webhook.Url != "" {
		sender, err := webhook.NewSender(cfg.Webhook)
		if err != nil {
			zap.L().Fatal("Failed to create webhook sender", zap.Error(err))
		}
		notifier = sender
	} else {
		zap.L().Warn("WEBHOOK_URL not set, order events are only logged")
	}

	feed, err := monitor.NewZMQFeed(monitor.ZMQConfig{
		BlockHost:    cfg.Monitor.ZmqBlockHost,
		TxHost:       cfg.Monitor.ZmqTxHost,
		ReadDeadline: cfg.Monitor.ZmqReadDeadline,
	})
	if err != nil {
		zap.L().Fatal("Failed to subscribe to bitcoind", zap.Error(err))
	}

	m := monitor.New(monitor.Config{
		Store:                services.DbService,
		Gateway:              services.Gateway,
		Notifier:             notifier,
		Feed:                 feed,
		ResyncInterval:       cfg.Monitor.ResyncInterval,
		TakerConfirmationTTL: cfg.Monitor.TakerConfirmationTTL,
	})
	if err := m.Start(ctx); err != nil {
		if stopErr := feed.Stop(); stopErr != nil {
			zap.L().Warn("Feed did not stop cleanly", zap.Error(stopErr))
		}
		zap.L().Fatal("Failed to start monitor", zap.Error(err))
	}

	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping monitor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("Monitor stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
