package auction

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/purchase"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	msgAuctionClosed     = "auction is closed"
	msgNoWallet          = "No wallet found"
	msgNotEnoughPadding  = "Escrow wallet does not have enough padding outputs"
	msgInsufficientFunds = "Insufficient funds"
	msgOutputsHeld       = "escrow outputs are held by another bid"
	msgBidNotFound       = "bid not found"
	msgBidNotPending     = "bid is not pending"
	msgBidMismatch       = "signed psbt does not match the bid"
	msgBidUnsigned       = "bid psbt is missing the bidder signature"
	msgBidSigned         = "Bid signed"
)

// BidRequest places a bid funded from the escrow wallet of UserPublicKeyHex.
type BidRequest struct {
	AuctionId            int64
	BidAmount            int64
	UserPublicKeyHex     string
	BidderOrdinalAddress string
	FeeRate              decimal.Decimal
}

// PlaceBid builds the settlement PSBT a bid would broadcast if it wins and
// locks the escrow outputs funding it. The bidder signs every escrow input
// and hands the PSBT back through SubmitBid.
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (*models.BidResult, error) {
	auction, msg, err := s.loadAuction(ctx, req.AuctionId)
	if err != nil || msg != "" {
		return &models.BidResult{Error: msg}, err
	}
	if auction.Status != models.AuctionStatusActive || !s.now().Before(auction.EndTime) {
		return &models.BidResult{Error: msgAuctionClosed}, nil
	}

	order, err := s.store.GetOrder(ctx, auction.OrderId)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusActive {
		return &models.BidResult{Error: msgOrderInactive}, nil
	}
	if req.BidAmount < order.Price {
		return &models.BidResult{Error: fmt.Sprintf("bid must be at least %d sats", order.Price)}, nil
	}

	wallet, err := s.store.GetMultiSigWallet(ctx, req.UserPublicKeyHex)
	if errors.Is(err, store.ErrNotFound) {
		return &models.BidResult{Error: msgNoWallet}, nil
	}
	if err != nil {
		return nil, err
	}
	multisig, err := s.escrow.WalletMultisig(wallet)
	if err != nil {
		return nil, err
	}

	buyerScript, err := txbuilder.PayToAddress(req.BidderOrdinalAddress, s.params)
	if err != nil {
		return &models.BidResult{Error: fmt.Sprintf("invalid ordinal address: %v", err)}, nil
	}
	legs, err := purchase.LoadMakerLegs(ctx, s.store, []models.Order{*order})
	if err != nil {
		return nil, err
	}

	feeRate := req.FeeRate
	if !feeRate.IsPositive() {
		estimates, err := s.gateway.GetFeeEstimates(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch fee estimates: %w", err)
		}
		feeRate = chain.NextBlockFeeRate(estimates)
	}

	utxos, err := s.escrow.GetWalletUtxos(ctx, wallet)
	if err != nil {
		return nil, err
	}
	padding, payment := funding.Split(utxos.ConfirmedAvailable(), fees.DustLimit, s.market.MaxDummyUtxoValue)
	check := funding.PaddingCheck(padding, purchase.RequiredPadding(1))
	if !check.PaddingOutputsExist {
		return &models.BidResult{Error: msgNotEnoughPadding}, nil
	}

	_, feeOutputs, err := s.bidFees(order, req.BidAmount, legs[0].Payout.PkScript)
	if err != nil {
		return nil, err
	}

	layout := &purchase.TradeLayout{
		Legs:          legs,
		BuyerScript:   buyerScript,
		PaddingScript: multisig.PkScript,
		FeeOutputs:    feeOutputs,
	}
	for _, u := range check.Selected {
		in, err := escrowInput(u, multisig.InputSource(u.Value))
		if err != nil {
			return nil, err
		}
		layout.Padding = append(layout.Padding, in)
	}
	for i := 0; i < purchase.RequiredPadding(1); i++ {
		layout.NewPadding = append(layout.NewPadding, wire.NewTxOut(s.market.DummyUtxoValue, multisig.PkScript))
	}

	fixed, _ := layout.FixedInputs()
	sel, err := txbuilder.SelectCoins(payment, txbuilder.CoinRequest{
		Target:       layout.Target(),
		Fixed:        fixed,
		ScriptPubKey: multisig.PkScript,
		Outputs:      layout.Outputs(),
		ChangeScript: multisig.PkScript,
		FeeRate:      feeRate,
	})
	var short *txbuilder.InsufficientFundsError
	if errors.As(err, &short) {
		zap.L().Info("Bid rejected, escrow balance too low",
			zap.Int64("auction_id", req.AuctionId),
			zap.Int64("wallet_id", wallet.Id),
			zap.Int64("available", short.Available),
			zap.Int64("needed", short.Needed))
		return &models.BidResult{Error: msgInsufficientFunds}, nil
	}
	if err != nil {
		return nil, err
	}
	for _, u := range sel.Inputs {
		in, err := escrowInput(u, multisig.InputSource(u.Value))
		if err != nil {
			return nil, err
		}
		layout.Payment = append(layout.Payment, in)
	}
	if sel.Change > 0 {
		layout.Change = wire.NewTxOut(sel.Change, multisig.PkScript)
	}

	packet, inputIndices, err := layout.Build(s.params)
	if err != nil {
		return nil, err
	}
	encoded, err := txbuilder.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	var (
		reserved     []string
		reservedSats int64
	)
	for _, u := range append(append([]models.AddressUtxo(nil), check.Selected...), sel.Inputs...) {
		reserved = append(reserved, u.Outpoint())
		reservedSats += u.Value
	}

	bidId, err := s.store.CreateBid(ctx, store.CreateBidParams{
		AuctionId:            req.AuctionId,
		MultiSigWalletId:     wallet.Id,
		BidAmount:            req.BidAmount,
		BidderOrdinalAddress: req.BidderOrdinalAddress,
		ReservedAmount:       reservedSats,
		AvailableBalance:     utxos.ConfirmedTotal(),
		ReservedOutpoints:    reserved,
		UnsignedPsbt:         encoded,
	})
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return &models.BidResult{Error: msgInsufficientFunds}, nil
	case errors.Is(err, store.ErrConcurrentModification):
		return &models.BidResult{Error: msgOutputsHeld}, nil
	case err != nil:
		return nil, err
	}

	zap.L().Info("Bid placed",
		zap.Int64("auction_id", req.AuctionId),
		zap.Int64("bid_id", bidId),
		zap.Int64("amount", req.BidAmount),
		zap.Int64("reserved", reservedSats),
		zap.Int64("miner_fee", sel.Fee))
	return &models.BidResult{BidId: bidId, Psbt: encoded, InputIndices: inputIndices}, nil
}

// SubmitBid stores the bidder-signed PSBT of a pending bid, which makes the
// bid eligible to win.
func (s *Service) SubmitBid(ctx context.Context, auctionId, bidId int64, signedPsbt string) (*models.MessageResult, error) {
	bids, err := s.store.GetAuctionBids(ctx, auctionId)
	if err != nil {
		return nil, err
	}
	var bid *models.Bid
	for i := range bids {
		if bids[i].Id == bidId {
			bid = &bids[i]
		}
	}
	if bid == nil {
		return &models.MessageResult{Error: msgBidNotFound}, nil
	}
	if bid.Status != models.BidStatusPending {
		return &models.MessageResult{Error: msgBidNotPending}, nil
	}

	signed, err := txbuilder.DecodePsbt(signedPsbt)
	if err != nil {
		return &models.MessageResult{Error: err.Error()}, nil
	}
	unsigned, err := txbuilder.DecodePsbt(bid.UnsignedPsbt)
	if err != nil {
		return nil, fmt.Errorf("stored psbt of bid %d is corrupt: %w", bid.Id, err)
	}
	if signed.UnsignedTx.TxHash() != unsigned.UnsignedTx.TxHash() {
		return &models.MessageResult{Error: msgBidMismatch}, nil
	}
	for i, in := range signed.Inputs {
		if len(in.WitnessScript) > 0 && len(in.PartialSigs) == 0 {
			zap.L().Info("Bid submitted without signature",
				zap.Int64("bid_id", bid.Id),
				zap.Int("input", i))
			return &models.MessageResult{Error: msgBidUnsigned}, nil
		}
	}

	err = s.store.SetBidSignedPsbt(ctx, bid.Id, signedPsbt)
	if errors.Is(err, store.ErrConcurrentModification) {
		return &models.MessageResult{Error: msgBidNotPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.MessageResult{Message: msgBidSigned}, nil
}

// bidFees prices a bid. Fees are charged on the whole bid amount. The part
// of the bid above the listed price reaches the maker through an extra
// output after maker fees; when that is dust it goes to the platform.
func (s *Service) bidFees(order *models.Order, amount int64, makerScript []byte) (models.TradeFeeEntry, []*wire.TxOut, error) {
	entry := models.TradeFeeEntry{
		OrderId:                 order.Id,
		MarketplaceTakerFeeBips: order.MarketplaceTakerFeeBips,
		MarketplaceFeeSats: fees.CollectedFee(amount,
			order.MarketplaceMakerFeeBips, order.MarketplaceTakerFeeBips, s.market.MinimumFeeAmount),
		PlatformTakerFeeBips: order.PlatformTakerFeeBips,
		PlatformFeeSats: fees.CollectedFee(amount,
			order.PlatformMakerFeeBips, order.PlatformTakerFeeBips, s.market.MinimumFeeAmount),
	}

	var outputs []*wire.TxOut
	extra := amount - order.Price
	bonus := extra - fees.BipsFee(extra, order.PlatformMakerFeeBips, order.MarketplaceMakerFeeBips)
	switch {
	case bonus >= fees.DustLimit:
		outputs = append(outputs, wire.NewTxOut(bonus, makerScript))
	case bonus > 0:
		entry.PlatformFeeSats += bonus
	}

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
	add(order.PlatformFeeAddress, entry.PlatformFeeSats)
	add(order.MarketplaceFeeAddress, entry.MarketplaceFeeSats)

	for _, address := range addresses {
		script, err := txbuilder.PayToAddress(address, s.params)
		if err != nil {
			return entry, nil, fmt.Errorf("invalid fee address %s: %w", address, err)
		}
		outputs = append(outputs, wire.NewTxOut(totals[address], script))
	}
	return entry, outputs, nil
}

func escrowInput(u models.AddressUtxo, src txbuilder.InputSource) (purchase.FundingInput, error) {
	op, err := txbuilder.ParseOutpoint(u.Outpoint())
	if err != nil {
		return purchase.FundingInput{}, err
	}
	return purchase.FundingInput{OutPoint: op, Source: src}, nil
}
