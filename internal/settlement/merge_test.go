package settlement_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/chain/chaintest"
	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/listing"
	"ordinals-market-engine/internal/markettest"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/purchase"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type recordingWatcher struct {
	mu        sync.Mutex
	outpoints []string
}

func (w *recordingWatcher) Watch(outpoints ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outpoints = append(w.outpoints, outpoints...)
}

type testEnv struct {
	db       *database.Service
	gateway  *chaintest.Gateway
	watcher  *recordingWatcher
	merger   *settlement.Merger
	listing  *listing.Builder
	purchase *purchase.Builder
	buyer    *markettest.Key
	ordinal  *markettest.Key
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := markettest.NewStore(t)
	gateway := chaintest.New()
	watcher := &recordingWatcher{}
	merger := settlement.NewMerger(db, gateway, markettest.Params, watcher)
	market := markettest.Market()
	return &testEnv{
		db:       db,
		gateway:  gateway,
		watcher:  watcher,
		merger:   merger,
		listing:  listing.NewBuilder(db, gateway, merger, market, markettest.Params),
		purchase: purchase.NewBuilder(db, gateway, market, markettest.Params),
		buyer:    markettest.SegwitKey(t, 0x22),
		ordinal:  markettest.TaprootKey(t, 0x23),
	}
}

// buy lists an order and returns the buyer's unsigned purchase of it.
func (e *testEnv) buy(t *testing.T) (*markettest.Listing, *models.PurchaseResult) {
	t.Helper()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, 10000, "")
	e.buyer.Fund(e.gateway, 600, 1)
	e.buyer.Fund(e.gateway, 600, 2)
	e.buyer.Fund(e.gateway, 100000, 3)

	result, err := e.purchase.CreateTakerPsbt(context.Background(), purchase.PurchaseRequest{
		OrderIds:              []int64{listed.OrderId},
		TakerPaymentAddress:   e.buyer.Address,
		TakerPaymentPublicKey: e.buyer.PubKeyHex,
		TakerOrdinalAddress:   e.ordinal.Address,
		TakerOrdinalPublicKey: e.ordinal.PubKeyHex,
		MarketplaceId:         markettest.MarketplaceId,
		FeeRate:               decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	return listed, result
}

// verifyScripts runs every input of a broadcast transaction through the
// script engine.
func verifyScripts(t *testing.T, tx *wire.MsgTx, prevOuts map[wire.OutPoint]*wire.TxOut) {
	t.Helper()
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prevOut := prevOuts[txIn.PreviousOutPoint]
		require.NotNil(t, prevOut, "input %d", i)
		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func TestMergeSignedPsbt(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed, bought := e.buy(t)

	packet, err := txbuilder.DecodePsbt(bought.Psbt)
	require.NoError(t, err)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut, err := txbuilder.PrevOutput(packet, i)
		require.NoError(t, err)
		prevOuts[txIn.PreviousOutPoint] = prevOut
	}
	signed := e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll)

	result, err := e.merger.MergeSignedPsbt(ctx, settlement.MergeRequest{
		SignedPsbt:    signed,
		OrderIds:      []int64{listed.OrderId},
		MarketplaceId: markettest.MarketplaceId,
	})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, "Transaction broadcast", result.Message)
	require.True(t, result.FeeRate.IsPositive())

	posted := e.gateway.PostedTxs()
	require.Len(t, posted, 1)
	require.Equal(t, posted[0].TxHash().String(), result.TxId)
	verifyScripts(t, posted[0], prevOuts)

	order, err := e.db.GetOrder(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusBroadcast, order.Status)

	history, err := e.db.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.TradeStatusMempool, history[0].Status)
	require.Equal(t, result.TxId, history[0].TransactionId)
	require.True(t, result.FeeRate.Equal(history[0].FeeRate))

	require.Equal(t, []string{listed.Outpoint}, e.watcher.outpoints)
}

func TestMergeSignedPsbt_ExplorerFeeRate(t *testing.T) {
	e := newTestEnv(t)
	listed, bought := e.buy(t)
	e.gateway.PostTxId = "5d0c0cfb0a3ba5e0bb32a4d1d0c2b4a21d4de2d2c6c2f1d1a1e1d1c1b1a19181"
	e.gateway.Transactions[e.gateway.PostTxId] = &models.TransactionInfo{Fee: 4000, Weight: 1600}

	result, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt: e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll),
		OrderIds:   []int64{listed.OrderId},
	})
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, e.gateway.PostTxId, result.TxId)
	require.Equal(t, "10", result.FeeRate.String())
}

func TestMergeSignedPsbt_WithoutPurchase(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, 10000, "")

	result, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt: "cHNidP8=",
		OrderIds:   []int64{listed.OrderId},
	})
	require.NoError(t, err)
	require.Equal(t, "trade history is missing", result.Error)
	require.Empty(t, e.gateway.Posted)
}

func TestMergeSignedPsbt_UnknownOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	result, err := e.merger.MergeSignedPsbt(ctx, settlement.MergeRequest{OrderIds: []int64{42}})
	require.NoError(t, err)
	require.Equal(t, "order not found", result.Error)

	result, err = e.merger.MergeSignedPsbt(ctx, settlement.MergeRequest{})
	require.NoError(t, err)
	require.Equal(t, "order not found", result.Error)
}

func TestMergeSignedPsbt_WrongMarketplace(t *testing.T) {
	e := newTestEnv(t)
	listed, bought := e.buy(t)

	result, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt:    e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll),
		OrderIds:      []int64{listed.OrderId},
		MarketplaceId: "another-marketplace",
	})
	require.NoError(t, err)
	require.Equal(t, "order not found", result.Error)
}

func TestMergeSignedPsbt_UnsignedInputs(t *testing.T) {
	e := newTestEnv(t)
	listed, bought := e.buy(t)

	result, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt: bought.Psbt,
		OrderIds:   []int64{listed.OrderId},
	})
	require.NoError(t, err)
	require.Contains(t, result.Error, "unable to finalize psbt")
	require.Empty(t, e.gateway.Posted)
}

func TestMergeSignedPsbt_MakerPayoutChanged(t *testing.T) {
	e := newTestEnv(t)
	listed, bought := e.buy(t)

	packet, err := txbuilder.DecodePsbt(bought.Psbt)
	require.NoError(t, err)
	packet.UnsignedTx.TxOut[2].Value -= 1000
	packet.UnsignedTx.TxOut[len(packet.UnsignedTx.TxOut)-1].Value += 1000
	e.buyer.Sign(t, packet, txscript.SigHashAll)
	tampered, err := txbuilder.EncodePsbt(packet)
	require.NoError(t, err)

	result, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt: tampered,
		OrderIds:   []int64{listed.OrderId},
	})
	require.NoError(t, err)
	require.Equal(t, "maker output was modified", result.Error)
	require.Empty(t, e.gateway.Posted)
}

func TestMergeSignedPsbt_Rejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed, bought := e.buy(t)
	e.gateway.PostErr = fmt.Errorf("%w: bad-txns-inputs-missingorspent", chain.ErrRejected)

	result, err := e.merger.MergeSignedPsbt(ctx, settlement.MergeRequest{
		SignedPsbt: e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll),
		OrderIds:   []int64{listed.OrderId},
	})
	require.NoError(t, err)
	require.Contains(t, result.Error, "transaction rejected by the network")

	order, err := e.db.GetOrder(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPendingTakerConfirmation, order.Status)
	require.Empty(t, e.watcher.outpoints)
}

func TestMergeSignedPsbt_GatewayDown(t *testing.T) {
	e := newTestEnv(t)
	listed, bought := e.buy(t)
	e.gateway.PostErr = fmt.Errorf("connection refused")

	_, err := e.merger.MergeSignedPsbt(context.Background(), settlement.MergeRequest{
		SignedPsbt: e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll),
		OrderIds:   []int64{listed.OrderId},
	})
	require.ErrorContains(t, err, "unable to broadcast purchase")
}

func TestMergeTransfer_SpendMissing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed, bought := e.buy(t)

	order, err := e.db.GetOrder(ctx, listed.OrderId)
	require.NoError(t, err)
	other := *order
	other.Outpoint = "0000000000000000000000000000000000000000000000000000000000000001:0"

	result, err := e.merger.MergeTransfer(ctx, e.buyer.SignEncoded(t, bought.Psbt, txscript.SigHashAll), []models.Order{other})
	require.NoError(t, err)
	require.Equal(t, "utxo not found!", result.Error)
}
