// Package purchase builds taker PSBTs that complete one or more signed
// listings with a buyer's padding and payment outputs.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	msgNotEnoughPadding = "Taker address does not have enough padding utxos"
	msgOrderConfirmed   = "order already confirmed"
	msgHigherFeeRate    = "please enter a higher fee rate for this transaction"
	msgNotTradable      = "utxo contains inscriptions which are not tradable"
	msgOrderUnavailable = "order is no longer available"
	msgNoOrders         = "at least one order is required"
	msgDuplicateOrder   = "order requested twice"
)

// ErrUtxoValueNotFound means a listed output could not be resolved on chain.
var ErrUtxoValueNotFound = errors.New("utxo value not found")

type Builder struct {
	store   store.MarketStore
	gateway chain.Gateway
	funding *funding.Source
	market  *models.MarketplaceConfig
	params  *chaincfg.Params
}

func NewBuilder(marketStore store.MarketStore, gateway chain.Gateway, market *models.MarketplaceConfig, params *chaincfg.Params) *Builder {
	return &Builder{
		store:   marketStore,
		gateway: gateway,
		funding: funding.NewSource(gateway, marketStore),
		market:  market,
		params:  params,
	}
}

// PurchaseRequest asks for a taker PSBT over a set of orders
type PurchaseRequest struct {
	OrderIds              []int64
	TakerPaymentAddress   string
	TakerPaymentPublicKey string
	TakerOrdinalAddress   string
	TakerOrdinalPublicKey string
	MarketplaceId         string
	FeeRate               decimal.Decimal
	ListingType           models.ListingType
}

// CreateTakerPsbt assembles a purchase of the requested orders paid from the
// taker's payment address, records the attempt and locks the orders in
// pending_taker_confirmation.
func (b *Builder) CreateTakerPsbt(ctx context.Context, req PurchaseRequest) (*models.PurchaseResult, error) {
	if msg := b.validateRequest(req); msg != "" {
		return &models.PurchaseResult{Error: msg}, nil
	}
	listingType := req.ListingType
	if listingType == "" {
		listingType = models.ListingTypeListing
	}

	orders, err := b.store.GetActiveOrBroadcastOrders(ctx, req.OrderIds, req.MarketplaceId, listingType)
	if err != nil {
		return nil, err
	}
	if msg := missingOrders(req.OrderIds, orders); msg != "" {
		return &models.PurchaseResult{Error: msg}, nil
	}

	blocked, err := b.store.GetNonTradableCollectionsByOrderIds(ctx, req.OrderIds)
	if err != nil {
		return nil, err
	}
	if len(blocked) > 0 {
		zap.L().Info("Purchase rejected, non-tradable collection",
			zap.Int64s("order_ids", req.OrderIds),
			zap.String("slug", blocked[0].Slug))
		return &models.PurchaseResult{Error: msgNotTradable}, nil
	}

	feeRate, err := b.resolveFeeRate(ctx, req.FeeRate)
	if err != nil {
		return nil, err
	}
	if msg, err := b.checkFeeBumps(ctx, orders, feeRate); err != nil || msg != "" {
		return &models.PurchaseResult{Error: msg}, err
	}

	buyerScript, err := txbuilder.PayToAddress(req.TakerOrdinalAddress, b.params)
	if err != nil {
		return &models.PurchaseResult{Error: fmt.Sprintf("invalid ordinal address: %v", err)}, nil
	}
	paymentScript, err := txbuilder.PayToAddress(req.TakerPaymentAddress, b.params)
	if err != nil {
		return &models.PurchaseResult{Error: fmt.Sprintf("invalid payment address: %v", err)}, nil
	}

	if err := b.checkListedOutputs(ctx, orders); err != nil {
		return nil, err
	}
	legs, err := LoadMakerLegs(ctx, b.store, orders)
	if err != nil {
		return nil, err
	}

	cardinal, err := b.funding.Cardinal(ctx, req.TakerPaymentAddress)
	if err != nil {
		return nil, err
	}
	padding, payment := funding.Split(cardinal, fees.DustLimit, b.market.MaxDummyUtxoValue)
	check := funding.PaddingCheck(padding, RequiredPadding(len(orders)))
	if !check.PaddingOutputsExist {
		zap.L().Info("Taker lacks padding",
			zap.String("address", req.TakerPaymentAddress),
			zap.Int("required", check.RequiredDummyOutputs),
			zap.Int("missing", check.AdditionalOutputsNeeded))
		return &models.PurchaseResult{
			Error:                   msgNotEnoughPadding,
			RequiredDummyOutputs:    check.RequiredDummyOutputs,
			AdditionalOutputsNeeded: check.AdditionalOutputsNeeded,
		}, nil
	}

	discount, err := b.trioDiscount(ctx, req.TakerOrdinalAddress)
	if err != nil {
		return nil, err
	}
	entries, feeOutputs, err := b.collectFees(orders, discount)
	if err != nil {
		return nil, err
	}

	layout := &TradeLayout{
		Legs:          legs,
		BuyerScript:   buyerScript,
		PaddingScript: paymentScript,
		FeeOutputs:    feeOutputs,
	}
	for _, u := range check.Selected {
		in, err := b.fundingInput(ctx, u, paymentScript, req.TakerPaymentPublicKey)
		if err != nil {
			return nil, err
		}
		layout.Padding = append(layout.Padding, in)
	}
	for i := 0; i < RequiredPadding(len(orders)); i++ {
		layout.NewPadding = append(layout.NewPadding, wire.NewTxOut(b.market.DummyUtxoValue, paymentScript))
	}

	fixed, _ := layout.FixedInputs()
	sel, err := txbuilder.SelectCoins(payment, txbuilder.CoinRequest{
		Target:       layout.Target(),
		Fixed:        fixed,
		ScriptPubKey: paymentScript,
		Outputs:      layout.Outputs(),
		ChangeScript: paymentScript,
		FeeRate:      feeRate,
	})
	var short *txbuilder.InsufficientFundsError
	if errors.As(err, &short) {
		zap.L().Info("Taker lacks funds",
			zap.String("address", req.TakerPaymentAddress),
			zap.Int64("available", short.Available),
			zap.Int64("needed", short.Needed))
		return &models.PurchaseResult{
			Error:     funding.ShortfallMessage(short.Available, short.Needed),
			Available: short.Available,
			Needed:    short.Needed,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	for _, u := range sel.Inputs {
		in, err := b.fundingInput(ctx, u, paymentScript, req.TakerPaymentPublicKey)
		if err != nil {
			return nil, err
		}
		layout.Payment = append(layout.Payment, in)
	}
	if sel.Change > 0 {
		layout.Change = wire.NewTxOut(sel.Change, paymentScript)
	}

	packet, inputIndices, err := layout.Build(b.params)
	if err != nil {
		return nil, err
	}
	encoded, err := txbuilder.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	ordinalId, err := b.store.GetOrInsertAddress(ctx, req.TakerOrdinalAddress, req.TakerOrdinalPublicKey)
	if err != nil {
		return nil, err
	}
	paymentId, err := b.store.GetOrInsertAddress(ctx, req.TakerPaymentAddress, req.TakerPaymentPublicKey)
	if err != nil {
		return nil, err
	}

	expected := make(map[int64]models.OrderStatus, len(orders))
	for _, o := range orders {
		expected[o.Id] = o.Status
	}
	err = b.store.EnterInitiatedState(ctx, store.EnterInitiatedStateParams{
		Entries:               entries,
		ExpectedStatuses:      expected,
		FeeRate:               feeRate,
		TakerPaymentAddressId: paymentId,
		TakerOrdinalAddressId: ordinalId,
	})
	switch {
	case errors.Is(err, store.ErrFeeRateTooLow):
		return &models.PurchaseResult{Error: msgHigherFeeRate}, nil
	case errors.Is(err, store.ErrOrderConfirmed):
		return &models.PurchaseResult{Error: msgOrderConfirmed}, nil
	case errors.Is(err, store.ErrConcurrentModification):
		zap.L().Info("Purchase lost a race", zap.Int64s("order_ids", req.OrderIds), zap.Error(err))
		return &models.PurchaseResult{Error: msgOrderUnavailable}, nil
	case err != nil:
		return nil, err
	}

	zap.L().Info("Taker psbt created",
		zap.Int64s("order_ids", req.OrderIds),
		zap.String("taker", req.TakerPaymentAddress),
		zap.Int64("miner_fee", sel.Fee),
		zap.String("fee_rate", feeRate.String()))
	return &models.PurchaseResult{
		Psbt:         encoded,
		InputIndices: inputIndices,
		MinerFee:     sel.Fee,
		FeeRate:      feeRate,
	}, nil
}

func (b *Builder) validateRequest(req PurchaseRequest) string {
	if len(req.OrderIds) == 0 {
		return msgNoOrders
	}
	if b.market.MaxBatchSize > 0 && len(req.OrderIds) > b.market.MaxBatchSize {
		return fmt.Sprintf("a purchase can contain at most %d orders", b.market.MaxBatchSize)
	}
	seen := make(map[int64]bool, len(req.OrderIds))
	for _, id := range req.OrderIds {
		if seen[id] {
			return msgDuplicateOrder
		}
		seen[id] = true
	}
	return ""
}

// missingOrders names every requested id the store did not return.
func missingOrders(requested []int64, orders []models.Order) string {
	found := make(map[int64]bool, len(orders))
	for _, o := range orders {
		found[o.Id] = true
	}
	var missing []string
	for _, id := range requested {
		if !found[id] {
			missing = append(missing, fmt.Sprint(id))
		}
	}
	switch len(missing) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("Order ID %s is not found", missing[0])
	default:
		return fmt.Sprintf("Order IDs %s are not found", strings.Join(missing, ", "))
	}
}

func (b *Builder) resolveFeeRate(ctx context.Context, requested decimal.Decimal) (decimal.Decimal, error) {
	if requested.IsPositive() {
		return requested, nil
	}
	estimates, err := b.gateway.GetFeeEstimates(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unable to fetch fee estimates: %w", err)
	}
	return chain.NextBlockFeeRate(estimates), nil
}

// checkFeeBumps rejects a new attempt on a broadcast order unless it pays
// more than every pending attempt. The store repeats the check atomically.
func (b *Builder) checkFeeBumps(ctx context.Context, orders []models.Order, feeRate decimal.Decimal) (string, error) {
	var broadcast []int64
	for _, o := range orders {
		if o.Status == models.OrderStatusBroadcast {
			broadcast = append(broadcast, o.Id)
		}
	}
	if len(broadcast) == 0 {
		return "", nil
	}

	history, err := b.store.GetTradeHistoryByOrderIds(ctx, broadcast)
	if err != nil {
		return "", err
	}
	latest := make(map[int64]models.TradeStatus, len(broadcast))
	highest := make(map[int64]decimal.Decimal, len(broadcast))
	for _, h := range history {
		latest[h.OrderId] = h.Status
		if h.Status == models.TradeStatusConfirmed {
			continue
		}
		if h.FeeRate.GreaterThan(highest[h.OrderId]) {
			highest[h.OrderId] = h.FeeRate
		}
	}
	for _, id := range broadcast {
		if latest[id] == models.TradeStatusConfirmed {
			return msgOrderConfirmed, nil
		}
		if !feeRate.GreaterThan(highest[id]) {
			zap.L().Info("Fee bump too low",
				zap.Int64("order_id", id),
				zap.String("fee_rate", feeRate.String()),
				zap.String("highest", highest[id].String()))
			return msgHigherFeeRate, nil
		}
	}
	return "", nil
}

// checkListedOutputs makes sure every listed output still resolves to the
// value it was listed with.
func (b *Builder) checkListedOutputs(ctx context.Context, orders []models.Order) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, o := range orders {
		g.Go(func() error {
			info, err := b.gateway.ResolveOutput(gctx, o.Outpoint)
			if errors.Is(err, chain.ErrNotFound) {
				return fmt.Errorf("%s: %w", o.Outpoint, ErrUtxoValueNotFound)
			}
			if err != nil {
				return fmt.Errorf("unable to resolve %s: %w", o.Outpoint, err)
			}
			if info.Value != o.UtxoValue {
				return fmt.Errorf("%s resolved to %d sats, listed with %d: %w",
					o.Outpoint, info.Value, o.UtxoValue, ErrUtxoValueNotFound)
			}
			return nil
		})
	}
	return g.Wait()
}

// trioDiscount reports whether the buyer holds enough of the trio token to
// skip the marketplace taker fee.
func (b *Builder) trioDiscount(ctx context.Context, ordinalAddress string) (bool, error) {
	if b.market.TrioTicker == "" || b.market.TrioMinimumBalance <= 0 {
		return false, nil
	}
	balance, err := b.gateway.GetTokenBalance(ctx, ordinalAddress, b.market.TrioTicker)
	if err != nil {
		return false, fmt.Errorf("unable to fetch %s balance: %w", b.market.TrioTicker, err)
	}
	return balance.GreaterThanOrEqual(decimal.NewFromInt(b.market.TrioMinimumBalance)), nil
}

// collectFees computes what each order owes the platform and its marketplace
// and folds the amounts into one output per fee address.
func (b *Builder) collectFees(orders []models.Order, discount bool) ([]models.TradeFeeEntry, []*wire.TxOut, error) {
	entries := make([]models.TradeFeeEntry, len(orders))
	var addresses []string
	totals := make(map[string]int64)
	add := func(address string, sats int64) {
		if sats <= 0 {
			return
		}
		if _, ok := totals[address]; !ok {
			addresses = append(addresses, address)
		}
		totals[address] += sats
	}

	for i, o := range orders {
		marketplaceTakerBips := o.MarketplaceTakerFeeBips
		if discount {
			marketplaceTakerBips = 0
		}
		entries[i] = models.TradeFeeEntry{
			OrderId:                 o.Id,
			MarketplaceTakerFeeBips: marketplaceTakerBips,
			MarketplaceFeeSats: fees.CollectedFee(o.Price,
				o.MarketplaceMakerFeeBips, marketplaceTakerBips, b.market.MinimumFeeAmount),
			PlatformTakerFeeBips: o.PlatformTakerFeeBips,
			PlatformFeeSats: fees.CollectedFee(o.Price,
				o.PlatformMakerFeeBips, o.PlatformTakerFeeBips, b.market.MinimumFeeAmount),
		}
		add(o.PlatformFeeAddress, entries[i].PlatformFeeSats)
		add(o.MarketplaceFeeAddress, entries[i].MarketplaceFeeSats)
	}

	outputs := make([]*wire.TxOut, 0, len(addresses))
	for _, address := range addresses {
		script, err := txbuilder.PayToAddress(address, b.params)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid fee address %s: %w", address, err)
		}
		outputs = append(outputs, wire.NewTxOut(totals[address], script))
	}
	return entries, outputs, nil
}

func (b *Builder) fundingInput(ctx context.Context, utxo models.AddressUtxo, pkScript []byte, publicKeyHex string) (FundingInput, error) {
	op, err := txbuilder.ParseOutpoint(utxo.Outpoint())
	if err != nil {
		return FundingInput{}, err
	}
	src, err := b.funding.InputSource(ctx, utxo, pkScript, publicKeyHex)
	if err != nil {
		return FundingInput{}, err
	}
	return FundingInput{OutPoint: op, Source: src}, nil
}
