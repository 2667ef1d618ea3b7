// Package listing builds maker PSBTs and manages the lifecycle of listings:
// confirmation, delisting and relisting at a new price.
package listing

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MakerSighash commits a maker signature to its own input and the output at
// the same index only.
const MakerSighash = txscript.SigHashSingle | txscript.SigHashAnyOneCanPay

const (
	msgListingNotFound = "listing not found"
	msgNotTradable     = "utxo contains inscriptions which are not tradable"
	msgNoAssets        = "no inscriptions, runes, or special ranges found"
	msgConfirmed       = "Signed PSBT is updated successfully"
	msgDelisted        = "Record successfully delisted"
	msgNoItems         = "at least one utxo is required"
	msgDuplicateUtxo   = "utxo listed twice in one request"
	msgInvalidPrice    = "price must be greater than zero"
	msgNotTaproot      = "only taproot outputs can be listed"
)

var (
	ErrUtxoAddressMismatch = errors.New("utxo address mismatch")
	ErrUtxoNotFound        = errors.New("utxo not found")
)

// Builder creates and maintains maker listings
type Builder struct {
	store   store.MarketStore
	gateway chain.Gateway
	funding *funding.Source
	merger  *settlement.Merger
	market  *models.MarketplaceConfig
	params  *chaincfg.Params
}

func NewBuilder(
	marketStore store.MarketStore,
	gateway chain.Gateway,
	merger *settlement.Merger,
	market *models.MarketplaceConfig,
	params *chaincfg.Params,
) *Builder {
	return &Builder{
		store:   marketStore,
		gateway: gateway,
		funding: funding.NewSource(gateway, marketStore),
		merger:  merger,
		market:  market,
		params:  params,
	}
}

// ListingItem is one output offered at a price in satoshis
type ListingItem struct {
	Outpoint string
	Price    int64
}

// ListingRequest asks for a maker PSBT over one or more outputs
type ListingRequest struct {
	Items                 []ListingItem
	MakerPaymentAddress   string
	MakerPaymentPublicKey string
	MakerOrdinalAddress   string
	MakerOrdinalPublicKey string
	MarketplaceId         string
	ListingType           models.ListingType
	BatchId               string
}

// makerInput is a listed output ready to go into a maker PSBT
type makerInput struct {
	UtxoId   int64
	OutPoint *wire.OutPoint
	PrevOut  *wire.TxOut
	Price    int64
}

// CreateMakerPsbt validates the listed outputs, stores them with their
// assets and returns an unsigned PSBT paying the maker for each of them.
func (b *Builder) CreateMakerPsbt(ctx context.Context, req ListingRequest) (*models.ListingResult, error) {
	if msg := b.validateRequest(req); msg != "" {
		return &models.ListingResult{Error: msg}, nil
	}

	marketplace, err := b.store.GetMarketplace(ctx, req.MarketplaceId)
	if errors.Is(err, store.ErrNotFound) {
		return &models.ListingResult{Error: "marketplace not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	resolved, err := b.resolveItems(ctx, req.Items, req.MakerOrdinalAddress)
	if err != nil {
		return nil, err
	}
	for _, r := range resolved {
		if txbuilder.ClassifyScript(r.PrevOut.PkScript) != txbuilder.ScriptP2TR {
			return &models.ListingResult{Error: msgNotTaproot}, nil
		}
		if !r.hasAssets() {
			zap.L().Info("Listing rejected, nothing to sell", zap.String("outpoint", r.Outpoint))
			return &models.ListingResult{Error: msgNoAssets}, nil
		}
	}

	if msg, err := b.checkTradable(ctx, resolved); err != nil || msg != "" {
		return &models.ListingResult{Error: msg}, err
	}

	superseded, msg, err := b.checkNotListed(ctx, resolved)
	if err != nil || msg != "" {
		return &models.ListingResult{Error: msg}, err
	}

	inputs := make([]makerInput, len(resolved))
	for i, r := range resolved {
		utxo, err := b.store.CreateUtxo(ctx, store.CreateUtxoParams{
			Outpoint:     r.Outpoint,
			Value:        r.PrevOut.Value,
			Address:      req.MakerOrdinalAddress,
			Inscriptions: r.Info.Inscriptions,
			Runes:        r.Info.Runes,
			RareSats:     r.Ranges,
		})
		if err != nil {
			return nil, err
		}
		inputs[i] = makerInput{UtxoId: utxo.Id, OutPoint: r.OutPoint, PrevOut: r.PrevOut, Price: r.Price}
	}

	if len(superseded) > 0 {
		err := b.store.UpdateOrderStatus(ctx, superseded,
			[]models.OrderStatus{models.OrderStatusPendingMakerConfirmation}, models.OrderStatusCanceled)
		if errors.Is(err, store.ErrConcurrentModification) {
			return &models.ListingResult{Error: store.ErrAlreadyListed.Error()}, nil
		}
		if err != nil {
			return nil, err
		}
		zap.L().Info("Unsigned listings superseded", zap.Int64s("order_ids", superseded))
	}

	return b.createListing(ctx, req, marketplace, inputs)
}

func (b *Builder) validateRequest(req ListingRequest) string {
	if len(req.Items) == 0 {
		return msgNoItems
	}
	if b.market.MaxBatchSize > 0 && len(req.Items) > b.market.MaxBatchSize {
		return fmt.Sprintf("a listing can contain at most %d utxos", b.market.MaxBatchSize)
	}
	switch req.ListingType {
	case "", models.ListingTypeListing, models.ListingTypeLaunchpad, models.ListingTypeAuction:
	default:
		return fmt.Sprintf("unknown listing type %q", req.ListingType)
	}

	seen := make(map[string]bool, len(req.Items))
	for _, item := range req.Items {
		if item.Price <= 0 {
			return msgInvalidPrice
		}
		if seen[item.Outpoint] {
			return msgDuplicateUtxo
		}
		seen[item.Outpoint] = true
	}
	return ""
}

// createListing stores the orders of a maker PSBT built over inputs.
func (b *Builder) createListing(ctx context.Context, req ListingRequest, marketplace *models.Marketplace, inputs []makerInput) (*models.ListingResult, error) {
	paymentScript, err := txbuilder.PayToAddress(req.MakerPaymentAddress, b.params)
	if err != nil {
		return &models.ListingResult{Error: fmt.Sprintf("invalid payment address: %v", err)}, nil
	}

	paymentId, err := b.store.GetOrInsertAddress(ctx, req.MakerPaymentAddress, req.MakerPaymentPublicKey)
	if err != nil {
		return nil, err
	}
	ordinalId, err := b.store.GetOrInsertAddress(ctx, req.MakerOrdinalAddress, req.MakerOrdinalPublicKey)
	if err != nil {
		return nil, err
	}
	platformFeeId, err := b.store.GetOrInsertAddress(ctx, b.market.PlatformFeeAddress, "")
	if err != nil {
		return nil, err
	}
	marketplaceFeeId, err := b.store.GetOrInsertAddress(ctx, marketplace.FeeAddress, "")
	if err != nil {
		return nil, err
	}

	listingType := req.ListingType
	if listingType == "" {
		listingType = models.ListingTypeListing
	}
	batchId := req.BatchId
	if batchId == "" && listingType == models.ListingTypeLaunchpad {
		batchId = uuid.New().String()
	}

	orders := make([]store.CreateOrderParams, len(inputs))
	for i, in := range inputs {
		orders[i] = store.CreateOrderParams{
			UtxoId:                  in.UtxoId,
			Price:                   in.Price,
			ListingType:             listingType,
			MakerPaymentAddressId:   paymentId,
			MakerOrdinalAddressId:   ordinalId,
			PlatformMakerFeeBips:    b.market.PlatformMakerFeeBips,
			PlatformTakerFeeBips:    b.market.PlatformTakerFeeBips,
			MarketplaceMakerFeeBips: marketplace.MakerFeeBips,
			MarketplaceTakerFeeBips: marketplace.TakerFeeBips,
			PlatformFeeAddressId:    platformFeeId,
			MarketplaceFeeAddressId: marketplaceFeeId,
			IndexInMakerPsbt:        i,
			MakerOutputValue: fees.MakerOutputValue(in.PrevOut.Value, in.Price,
				b.market.PlatformMakerFeeBips, marketplace.MakerFeeBips),
			BatchId:       batchId,
			MarketplaceId: marketplace.Id,
		}
	}

	encoded, err := b.buildMakerPsbt(inputs, orders, paymentScript, req.MakerOrdinalPublicKey)
	if err != nil {
		return nil, err
	}

	psbtId := uuid.New().String()
	orderIds, err := b.store.CreateListing(ctx, store.CreateListingParams{
		Psbt: models.PsbtRecord{
			Id:           psbtId,
			UnsignedPsbt: encoded,
			BatchId:      batchId,
		},
		Orders: orders,
	})
	if errors.Is(err, store.ErrAlreadyListed) {
		return &models.ListingResult{Error: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Maker psbt created",
		zap.String("psbt_id", psbtId),
		zap.Int64s("order_ids", orderIds),
		zap.String("marketplace_id", marketplace.Id),
		zap.String("listing_type", string(listingType)))
	return &models.ListingResult{Psbt: encoded, PsbtId: psbtId, OrderIds: orderIds}, nil
}

// buildMakerPsbt lays out input i against payout output i so a signature
// over SINGLE|ANYONECANPAY survives any inputs a taker appends.
func (b *Builder) buildMakerPsbt(inputs []makerInput, orders []store.CreateOrderParams, paymentScript []byte, ordinalPubKeyHex string) (string, error) {
	tx := wire.NewMsgTx(txbuilder.TxVersion)
	for i, in := range inputs {
		tx.AddTxIn(wire.NewTxIn(in.OutPoint, nil, nil))
		tx.AddTxOut(wire.NewTxOut(orders[i].MakerOutputValue, paymentScript))
	}

	packet, err := txbuilder.NewPacket(tx)
	if err != nil {
		return "", err
	}
	for i, in := range inputs {
		if err := txbuilder.DecorateInput(packet, i, txbuilder.InputSource{
			PrevOut:      in.PrevOut,
			PublicKeyHex: ordinalPubKeyHex,
			SighashType:  MakerSighash,
		}, b.params); err != nil {
			return "", err
		}
	}
	return txbuilder.EncodePsbt(packet)
}
