package listing

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DelistRequest identifies a listing by its maker
type DelistRequest struct {
	OrderId               int64
	MakerPaymentAddress   string
	MakerPaymentPublicKey string
	MarketplaceId         string
	FeeRate               decimal.Decimal
	SignedPsbt            string
}

// RelistRequest moves a listing to a new price
type RelistRequest struct {
	DelistRequest
	Price                 int64
	MakerOrdinalPublicKey string
}

// PrepareDelist builds the transfer a maker signs to take a listed output
// back. The listed output returns to the ordinal address at the same index
// and the maker's payment address pays the miner.
func (b *Builder) PrepareDelist(ctx context.Context, req DelistRequest) (*models.TransferResult, error) {
	order, msg, err := b.makerOrder(ctx, req)
	if err != nil || msg != "" {
		return &models.TransferResult{Error: msg}, err
	}
	if order.Status == models.OrderStatusPendingMakerConfirmation {
		return &models.TransferResult{Error: "unsigned listings are canceled without a transfer"}, nil
	}

	ordinalScript, err := txbuilder.PayToAddress(order.MakerOrdinalAddress, b.params)
	if err != nil {
		return nil, fmt.Errorf("invalid ordinal address on order %d: %w", order.Id, err)
	}
	paymentScript, err := txbuilder.PayToAddress(req.MakerPaymentAddress, b.params)
	if err != nil {
		return &models.TransferResult{Error: fmt.Sprintf("invalid payment address: %v", err)}, nil
	}
	listed, err := txbuilder.ParseOutpoint(order.Outpoint)
	if err != nil {
		return nil, err
	}
	prevOut, err := b.fetchPrevOut(ctx, listed)
	if err != nil {
		return nil, err
	}

	feeRate := req.FeeRate
	if !feeRate.IsPositive() {
		estimates, err := b.gateway.GetFeeEstimates(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch fee estimates: %w", err)
		}
		feeRate = chain.NextBlockFeeRate(estimates)
	}

	cardinal, err := b.funding.Cardinal(ctx, req.MakerPaymentAddress)
	if err != nil {
		return nil, err
	}
	_, payment := funding.Split(cardinal, fees.DustLimit, b.market.MaxDummyUtxoValue)

	outputs := []*wire.TxOut{wire.NewTxOut(prevOut.Value, ordinalScript)}
	var fixed fees.InputCounts
	txbuilder.CountInput(&fixed, prevOut.PkScript)
	sel, err := txbuilder.SelectCoins(payment, txbuilder.CoinRequest{
		Fixed:        fixed,
		ScriptPubKey: paymentScript,
		Outputs:      outputs,
		ChangeScript: paymentScript,
		FeeRate:      feeRate,
	})
	var short *txbuilder.InsufficientFundsError
	if errors.As(err, &short) {
		return &models.TransferResult{Error: funding.ShortfallMessage(short.Available, short.Needed)}, nil
	}
	if err != nil {
		return nil, err
	}
	if sel.Change > 0 {
		outputs = append(outputs, wire.NewTxOut(sel.Change, paymentScript))
	}

	tx := wire.NewMsgTx(txbuilder.TxVersion)
	tx.AddTxIn(wire.NewTxIn(listed, nil, nil))
	for _, u := range sel.Inputs {
		op, err := txbuilder.ParseOutpoint(u.Outpoint())
		if err != nil {
			return nil, err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	packet, err := txbuilder.NewPacket(tx)
	if err != nil {
		return nil, err
	}
	if err := txbuilder.DecorateInput(packet, 0, txbuilder.InputSource{
		PrevOut:      prevOut,
		PublicKeyHex: order.MakerOrdinalPublicKey,
		SighashType:  txscript.SigHashAll,
	}, b.params); err != nil {
		return nil, err
	}
	paymentIndices := make([]int, len(sel.Inputs))
	for i, u := range sel.Inputs {
		src, err := b.funding.InputSource(ctx, u, paymentScript, req.MakerPaymentPublicKey)
		if err != nil {
			return nil, err
		}
		if err := txbuilder.DecorateInput(packet, i+1, src, b.params); err != nil {
			return nil, err
		}
		paymentIndices[i] = i + 1
	}

	encoded, err := txbuilder.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Delist transfer prepared",
		zap.Int64("order_id", order.Id),
		zap.String("outpoint", order.Outpoint),
		zap.Int64("fee", sel.Fee))
	return &models.TransferResult{
		Psbt:                encoded,
		OrdinalInputIndices: []int{0},
		PaymentInputIndices: paymentIndices,
		Fee:                 sel.Fee,
	}, nil
}

// Delist cancels a listing. A signed listing is only canceled once the maker's
// transfer moving the output away has been broadcast; an unsigned one is
// canceled directly.
func (b *Builder) Delist(ctx context.Context, req DelistRequest) (*models.MessageResult, error) {
	order, msg, err := b.makerOrder(ctx, req)
	if err != nil || msg != "" {
		return &models.MessageResult{Error: msg}, err
	}

	if order.Status == models.OrderStatusPendingMakerConfirmation {
		err := b.store.UpdateOrderStatus(ctx, []int64{order.Id},
			[]models.OrderStatus{models.OrderStatusPendingMakerConfirmation}, models.OrderStatusCanceled)
		if errors.Is(err, store.ErrConcurrentModification) {
			return &models.MessageResult{Error: msgListingNotFound}, nil
		}
		if err != nil {
			return nil, err
		}
		return &models.MessageResult{Message: msgDelisted}, nil
	}

	result, err := b.merger.MergeTransfer(ctx, req.SignedPsbt, []models.Order{*order})
	if err != nil || result.Error != "" {
		return result, err
	}
	return &models.MessageResult{Message: msgDelisted, TxId: result.TxId}, nil
}

// Relist delists an order and lists the same output again at a new price.
// When a transfer was broadcast the new listing spends its first output.
func (b *Builder) Relist(ctx context.Context, req RelistRequest) (*models.ListingResult, error) {
	if req.Price <= 0 {
		return &models.ListingResult{Error: msgInvalidPrice}, nil
	}
	order, msg, err := b.makerOrder(ctx, req.DelistRequest)
	if err != nil || msg != "" {
		return &models.ListingResult{Error: msg}, err
	}
	marketplace, err := b.store.GetMarketplace(ctx, order.MarketplaceId)
	if err != nil {
		return nil, err
	}

	delisted, err := b.Delist(ctx, req.DelistRequest)
	if err != nil {
		return nil, err
	}
	if delisted.Error != "" {
		return &models.ListingResult{Error: delisted.Error}, nil
	}

	outpoint := order.Outpoint
	utxoId := order.UtxoId
	if delisted.TxId != "" {
		outpoint = fmt.Sprintf("%s:0", delisted.TxId)
		clone, err := b.store.CloneUtxo(ctx, order.Outpoint, outpoint)
		if err != nil {
			return nil, err
		}
		utxoId = clone.Id
	}

	op, err := txbuilder.ParseOutpoint(outpoint)
	if err != nil {
		return nil, err
	}
	prevOut, err := b.fetchPrevOut(ctx, op)
	if err != nil {
		return nil, err
	}

	ordinalPubKey := req.MakerOrdinalPublicKey
	if ordinalPubKey == "" {
		ordinalPubKey = order.MakerOrdinalPublicKey
	}
	return b.createListing(ctx, ListingRequest{
		MakerPaymentAddress:   req.MakerPaymentAddress,
		MakerPaymentPublicKey: req.MakerPaymentPublicKey,
		MakerOrdinalAddress:   order.MakerOrdinalAddress,
		MakerOrdinalPublicKey: ordinalPubKey,
		MarketplaceId:         order.MarketplaceId,
		ListingType:           order.ListingType,
		BatchId:               order.BatchId,
	}, marketplace, []makerInput{{
		UtxoId:   utxoId,
		OutPoint: op,
		PrevOut:  prevOut,
		Price:    req.Price,
	}})
}

// makerOrder loads an open order of the requesting maker. Anything else is
// reported as a missing listing.
func (b *Builder) makerOrder(ctx context.Context, req DelistRequest) (*models.Order, string, error) {
	order, err := b.store.GetOrder(ctx, req.OrderId)
	if errors.Is(err, store.ErrNotFound) {
		return nil, msgListingNotFound, nil
	}
	if err != nil {
		return nil, "", err
	}

	open := order.Status == models.OrderStatusActive || order.Status == models.OrderStatusPendingMakerConfirmation
	if !open || order.MakerPaymentAddress != req.MakerPaymentAddress ||
		(req.MarketplaceId != "" && order.MarketplaceId != req.MarketplaceId) {
		zap.L().Info("Delist rejected",
			zap.Int64("order_id", req.OrderId),
			zap.String("status", string(order.Status)))
		return nil, msgListingNotFound, nil
	}
	return order, "", nil
}
