// Package settlement finalizes buyer and maker signed PSBTs, broadcasts them
// and records the result.
package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	msgOrderNotFound     = "order not found"
	msgUtxoNotFound      = "utxo not found!"
	msgHistoryMissing    = "trade history is missing"
	msgMakerOutput       = "maker output was modified"
	msgTransferOutput    = "transfer must return each listed output to its owner"
	msgTxRejected        = "transaction rejected by the network"
	msgTradeBroadcast    = "Transaction broadcast"
	msgTransferBroadcast = "Transfer broadcast"
)

var mergeableStatuses = map[models.OrderStatus]bool{
	models.OrderStatusActive:                   true,
	models.OrderStatusPendingTakerConfirmation: true,
	models.OrderStatusBroadcast:                true,
}

// Watcher is told about outpoints whose spend must be tracked
type Watcher interface {
	Watch(outpoints ...string)
}

type Merger struct {
	store   store.MarketStore
	gateway chain.Gateway
	params  *chaincfg.Params
	watcher Watcher
}

// NewMerger creates a merger. A nil watcher disables monitor registration.
func NewMerger(marketStore store.MarketStore, gateway chain.Gateway, params *chaincfg.Params, watcher Watcher) *Merger {
	return &Merger{
		store:   marketStore,
		gateway: gateway,
		params:  params,
		watcher: watcher,
	}
}

// MergeRequest is a taker signed purchase to settle
type MergeRequest struct {
	SignedPsbt    string
	OrderIds      []int64
	MarketplaceId string
}

// MergeSignedPsbt finalizes a purchase signed by the taker, broadcasts it and
// moves its orders to broadcast with the realized fee rate.
func (m *Merger) MergeSignedPsbt(ctx context.Context, req MergeRequest) (*models.MergeResult, error) {
	if len(req.OrderIds) == 0 {
		return &models.MergeResult{Error: msgOrderNotFound}, nil
	}

	orders, err := m.store.GetOrders(ctx, req.OrderIds)
	if err != nil {
		return nil, err
	}
	if len(orders) != len(req.OrderIds) {
		return &models.MergeResult{Error: msgOrderNotFound}, nil
	}
	for _, o := range orders {
		if !mergeableStatuses[o.Status] || (req.MarketplaceId != "" && o.MarketplaceId != req.MarketplaceId) {
			zap.L().Warn("Order is not mergeable",
				zap.Int64("order_id", o.Id),
				zap.String("status", string(o.Status)))
			return &models.MergeResult{Error: msgOrderNotFound}, nil
		}
	}

	if ok, err := m.hasInitiatedAttempts(ctx, req.OrderIds); err != nil {
		return nil, err
	} else if !ok {
		return &models.MergeResult{Error: msgHistoryMissing}, nil
	}

	packet, err := txbuilder.DecodePsbt(req.SignedPsbt)
	if err != nil {
		return &models.MergeResult{Error: err.Error()}, nil
	}
	inputValue, err := totalInputValue(packet)
	if err != nil {
		return &models.MergeResult{Error: err.Error()}, nil
	}
	tx, txHex, err := txbuilder.FinalizeAndExtract(packet)
	if err != nil {
		return &models.MergeResult{Error: err.Error()}, nil
	}

	for _, o := range orders {
		index := inputIndex(tx, o.Outpoint)
		if index < 0 {
			zap.L().Warn("Signed purchase does not spend the listed utxo",
				zap.Int64("order_id", o.Id),
				zap.String("outpoint", o.Outpoint))
			return &models.MergeResult{Error: msgUtxoNotFound}, nil
		}
		if index >= len(tx.TxOut) || tx.TxOut[index].Value != o.MakerOutputValue {
			zap.L().Error("Maker payout does not match the listing",
				zap.Int64("order_id", o.Id),
				zap.Int("index", index))
			return &models.MergeResult{Error: msgMakerOutput}, nil
		}
	}

	txId, err := m.gateway.PostTransaction(ctx, txHex)
	if errors.Is(err, chain.ErrRejected) {
		zap.L().Warn("Purchase rejected", zap.Int64s("order_ids", req.OrderIds), zap.Error(err))
		return &models.MergeResult{Error: fmt.Sprintf("%s: %v", msgTxRejected, err)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to broadcast purchase: %w", err)
	}

	feeRate := m.realizedFeeRate(ctx, txId, tx, inputValue)
	if err := RecordBroadcast(ctx, m.store, store.RecordBroadcastParams{
		OrderIds:      req.OrderIds,
		TransactionId: txId,
		FeeRate:       feeRate,
	}); err != nil {
		return nil, err
	}

	if m.watcher != nil {
		outpoints := make([]string, len(orders))
		for i, o := range orders {
			outpoints[i] = o.Outpoint
		}
		m.watcher.Watch(outpoints...)
	}

	zap.L().Info("Purchase broadcast",
		zap.String("txid", txId),
		zap.Int64s("order_ids", req.OrderIds),
		zap.String("fee_rate", feeRate.String()))
	return &models.MergeResult{TxId: txId, FeeRate: feeRate, Message: msgTradeBroadcast}, nil
}

// MergeTransfer broadcasts a maker signed transfer that moves listed outputs
// back to their owner and cancels the orders.
func (m *Merger) MergeTransfer(ctx context.Context, signedPsbt string, orders []models.Order) (*models.MessageResult, error) {
	packet, err := txbuilder.DecodePsbt(signedPsbt)
	if err != nil {
		return &models.MessageResult{Error: err.Error()}, nil
	}
	tx, txHex, err := txbuilder.FinalizeAndExtract(packet)
	if err != nil {
		return &models.MessageResult{Error: err.Error()}, nil
	}

	orderIds := make([]int64, len(orders))
	for i, o := range orders {
		orderIds[i] = o.Id
		index := inputIndex(tx, o.Outpoint)
		if index < 0 {
			return &models.MessageResult{Error: msgUtxoNotFound}, nil
		}
		ownerScript, err := txbuilder.PayToAddress(o.MakerOrdinalAddress, m.params)
		if err != nil {
			return nil, fmt.Errorf("invalid ordinal address on order %d: %w", o.Id, err)
		}
		if index >= len(tx.TxOut) || !bytes.Equal(tx.TxOut[index].PkScript, ownerScript) {
			return &models.MessageResult{Error: msgTransferOutput}, nil
		}
	}

	txId, err := m.gateway.PostTransaction(ctx, txHex)
	if errors.Is(err, chain.ErrRejected) {
		zap.L().Warn("Transfer rejected", zap.Int64s("order_ids", orderIds), zap.Error(err))
		return &models.MessageResult{Error: fmt.Sprintf("%s: %v", msgTxRejected, err)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to broadcast transfer: %w", err)
	}

	err = m.store.UpdateOrderStatus(ctx, orderIds,
		[]models.OrderStatus{models.OrderStatusActive, models.OrderStatusPendingTakerConfirmation},
		models.OrderStatusCanceled)
	if errors.Is(err, store.ErrConcurrentModification) {
		// a purchase got broadcast first; the monitor settles the race
		zap.L().Warn("Transfer raced a purchase",
			zap.String("txid", txId),
			zap.Int64s("order_ids", orderIds))
	} else if err != nil {
		return nil, err
	}

	zap.L().Info("Transfer broadcast", zap.String("txid", txId), zap.Int64s("order_ids", orderIds))
	return &models.MessageResult{Message: msgTransferBroadcast, TxId: txId}, nil
}

// hasInitiatedAttempts reports whether the newest attempt of every order is
// still initiated.
func (m *Merger) hasInitiatedAttempts(ctx context.Context, orderIds []int64) (bool, error) {
	history, err := m.store.GetTradeHistoryByOrderIds(ctx, orderIds)
	if err != nil {
		return false, err
	}
	latest := make(map[int64]models.TradeHistory, len(orderIds))
	for _, h := range history {
		latest[h.OrderId] = h
	}
	for _, id := range orderIds {
		h, ok := latest[id]
		if !ok || h.Status != models.TradeStatusInitiated {
			zap.L().Warn("No initiated trade for order", zap.Int64("order_id", id))
			return false, nil
		}
	}
	return true, nil
}

// realizedFeeRate asks the explorer what the transaction paid and falls back
// to the PSBT's own accounting when the explorer has not seen it yet.
func (m *Merger) realizedFeeRate(ctx context.Context, txId string, tx *wire.MsgTx, inputValue int64) decimal.Decimal {
	info, err := m.gateway.GetTransaction(ctx, txId)
	if err == nil && info.Weight > 0 {
		return fees.FeeRate(info.Fee, (info.Weight+3)/4)
	}
	zap.L().Debug("Explorer fee lookup failed, using local accounting", zap.String("txid", txId), zap.Error(err))

	var outputValue int64
	for _, out := range tx.TxOut {
		outputValue += out.Value
	}
	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	return fees.FeeRate(inputValue-outputValue, (weight+3)/4)
}

func totalInputValue(packet *psbt.Packet) (int64, error) {
	var total int64
	for i := range packet.Inputs {
		prevOut, err := txbuilder.PrevOutput(packet, i)
		if err != nil {
			return 0, err
		}
		total += prevOut.Value
	}
	return total, nil
}

func inputIndex(tx *wire.MsgTx, outpoint string) int {
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint.String() == outpoint {
			return i
		}
	}
	return -1
}
