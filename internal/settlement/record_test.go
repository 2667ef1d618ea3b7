package settlement_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/markettest"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/store"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first few broadcast records before writing them.
type flakyStore struct {
	*database.Service
	failures int
	err      error
	calls    int
}

func (s *flakyStore) RecordBroadcast(ctx context.Context, params store.RecordBroadcastParams) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return s.Service.RecordBroadcast(ctx, params)
}

func fastRetries(t *testing.T) {
	t.Helper()
	delay := settlement.RecordRetryDelay
	settlement.RecordRetryDelay = time.Millisecond
	t.Cleanup(func() { settlement.RecordRetryDelay = delay })
}

func TestMergeSignedPsbt_RecordRetried(t *testing.T) {
	fastRetries(t)
	e := newTestEnv(t)
	ctx := context.Background()
	listed, bought := e.buy(t)

	flaky := &flakyStore{Service: e.db, failures: 1, err: fmt.Errorf("database is locked")}
	merger := settlement.NewMerger(flaky, e.gateway, markettest.Params, e.watcher)

	result, err := merger.MergeSignedPsbt(ctx, settlement.MergeRequest{
		SignedPsbt:    e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll),
		OrderIds:      []int64{listed.OrderId},
		MarketplaceId: markettest.MarketplaceId,
	})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, 2, flaky.calls)

	history, err := e.db.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.TradeStatusMempool, history[0].Status)
	require.Equal(t, result.TxId, history[0].TransactionId)
	require.Equal(t, []string{listed.Outpoint}, e.watcher.outpoints)
}

func TestRecordBroadcast_GivesUp(t *testing.T) {
	fastRetries(t)
	db := markettest.NewStore(t)
	ctx := context.Background()
	params := store.RecordBroadcastParams{OrderIds: []int64{1}, TransactionId: "tx-a"}

	flaky := &flakyStore{Service: db, failures: 10, err: fmt.Errorf("disk I/O error")}
	err := settlement.RecordBroadcast(ctx, flaky, params)
	require.ErrorContains(t, err, "disk I/O error")
	require.Equal(t, 3, flaky.calls)

	// a lost race is not retried
	flaky = &flakyStore{Service: db, failures: 10, err: store.ErrConcurrentModification}
	err = settlement.RecordBroadcast(ctx, flaky, params)
	require.ErrorIs(t, err, store.ErrConcurrentModification)
	require.Equal(t, 1, flaky.calls)
}

func TestRecordBroadcast_Canceled(t *testing.T) {
	db := markettest.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flaky := &flakyStore{Service: db, failures: 10, err: fmt.Errorf("database is locked")}
	err := settlement.RecordBroadcast(ctx, flaky, store.RecordBroadcastParams{OrderIds: []int64{1}, TransactionId: "tx-a"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, flaky.calls)
}
