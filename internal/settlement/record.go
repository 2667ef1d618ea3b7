package settlement

import (
	"context"
	"errors"
	"time"

	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
)

const recordAttempts = 3

// RecordRetryDelay is the wait before the first retry of a failed broadcast
// record. It doubles on each further attempt.
var RecordRetryDelay = 100 * time.Millisecond

// RecordBroadcast writes a broadcast to the store once the transaction is
// already in the mempool. Transient failures are retried. A concurrent
// modification is final.
func RecordBroadcast(ctx context.Context, s store.MarketStore, params store.RecordBroadcastParams) error {
	var err error
retry:
	for attempt := 0; attempt < recordAttempts; attempt++ {
		if err = s.RecordBroadcast(ctx, params); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrConcurrentModification) || attempt == recordAttempts-1 {
			break retry
		}

		zap.L().Warn("Retrying broadcast record",
			zap.String("txid", params.TransactionId),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(RecordRetryDelay * time.Duration(1<<attempt)):
		}
	}

	zap.L().Error("Unable to record broadcast",
		zap.String("txid", params.TransactionId),
		zap.Int64s("order_ids", params.OrderIds),
		zap.Error(err))
	return err
}
