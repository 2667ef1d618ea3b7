package auction

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"ordinals-market-engine/internal/chain/chaintest"
	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/escrow"
	"ordinals-market-engine/internal/listing"
	"ordinals-market-engine/internal/markettest"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSeed = "000102030405060708090a0b0c0d0e0f"

type recordingWatcher struct {
	outpoints []string
}

func (w *recordingWatcher) Watch(outpoints ...string) {
	w.outpoints = append(w.outpoints, outpoints...)
}

type testEnv struct {
	db       *database.Service
	gateway  *chaintest.Gateway
	escrow   *escrow.Service
	auctions *Service
	listings *listing.Builder
	watcher  *recordingWatcher
	listed   *markettest.Listing
	now      time.Time
}

// newTestEnv lists one output for auction at 50 sats.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := markettest.NewStore(t)
	gateway := chaintest.New()
	keys, err := escrow.NewKeyRing(testSeed, markettest.Params)
	require.NoError(t, err)

	market := markettest.Market()
	merger := settlement.NewMerger(db, gateway, markettest.Params, nil)
	e := &testEnv{
		db:       db,
		gateway:  gateway,
		escrow:   escrow.NewService(db, gateway, keys),
		listings: listing.NewBuilder(db, gateway, merger, market, markettest.Params),
		watcher:  &recordingWatcher{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	e.auctions = NewService(db, gateway, e.escrow, market, markettest.Params, e.watcher)
	e.auctions.now = func() time.Time { return e.now }
	e.listed = markettest.ListSigned(t, e.listings, gateway, 0x31, 50, models.ListingTypeAuction)
	return e
}

func (e *testEnv) openAuction(t *testing.T, reserve int64) int64 {
	t.Helper()
	result, err := e.auctions.CreateAuction(context.Background(), e.listed.OrderId, &reserve, e.now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, result.Error)
	return result.AuctionId
}

type bidder struct {
	key       *btcec.PrivateKey
	pubKeyHex string
	wallet    *models.EscrowWallet
	ordinal   *markettest.Key
}

// newBidder creates an escrow wallet funded with the given confirmed outputs.
func (e *testEnv) newBidder(t *testing.T, seed byte, values ...int64) *bidder {
	t.Helper()
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	pubKeyHex := hex.EncodeToString(key.PubKey().SerializeCompressed())
	wallet, err := e.escrow.GetOrCreateWallet(context.Background(), pubKeyHex, fmt.Sprintf("tb1q-bidder-%d", seed))
	require.NoError(t, err)

	for i, value := range values {
		e.gateway.AddUtxo(wallet.MultisigAddress, models.AddressUtxo{
			TxId:   fmt.Sprintf("%062x%02x", seed, i),
			Value:  value,
			Status: models.UtxoStatus{Confirmed: true, BlockHeight: markettest.ConfirmedHeight},
		})
	}
	return &bidder{key: key, pubKeyHex: pubKeyHex, wallet: wallet, ordinal: markettest.TaprootKey(t, seed+0x10)}
}

// sign adds the bidder's signature to every escrow input of a bid.
func (b *bidder) sign(t *testing.T, encoded string) string {
	t.Helper()
	packet, err := txbuilder.DecodePsbt(encoded)
	require.NoError(t, err)

	fetcher, err := txbuilder.PrevOutFetcher(packet)
	require.NoError(t, err)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)
	updater, err := psbt.NewUpdater(packet)
	require.NoError(t, err)

	for i, in := range packet.Inputs {
		if len(in.WitnessScript) == 0 {
			continue
		}
		sig, err := txscript.RawTxInWitnessSignature(packet.UnsignedTx, sigHashes, i,
			in.WitnessUtxo.Value, in.WitnessScript, txscript.SigHashAll, b.key)
		require.NoError(t, err)
		_, err = updater.Sign(i, sig, b.key.PubKey().SerializeCompressed(), nil, nil)
		require.NoError(t, err)
	}

	signed, err := txbuilder.EncodePsbt(packet)
	require.NoError(t, err)
	return signed
}

func (e *testEnv) request(b *bidder, auctionId, amount int64) BidRequest {
	return BidRequest{
		AuctionId:            auctionId,
		BidAmount:            amount,
		UserPublicKeyHex:     b.pubKeyHex,
		BidderOrdinalAddress: b.ordinal.Address,
		FeeRate:              decimal.NewFromInt(5),
	}
}

// bid places and signs a bid.
func (e *testEnv) bid(t *testing.T, b *bidder, auctionId, amount int64) int64 {
	t.Helper()
	ctx := context.Background()
	placed, err := e.auctions.PlaceBid(ctx, e.request(b, auctionId, amount))
	require.NoError(t, err)
	require.Empty(t, placed.Error)

	submitted, err := e.auctions.SubmitBid(ctx, auctionId, placed.BidId, b.sign(t, placed.Psbt))
	require.NoError(t, err)
	require.Empty(t, submitted.Error)
	return placed.BidId
}

func (e *testEnv) bidStatuses(t *testing.T, auctionId int64) map[int64]models.BidStatus {
	t.Helper()
	bids, err := e.db.GetAuctionBids(context.Background(), auctionId)
	require.NoError(t, err)
	statuses := make(map[int64]models.BidStatus, len(bids))
	for _, b := range bids {
		statuses[b.Id] = b.Status
	}
	return statuses
}

func (e *testEnv) reservedBalance(t *testing.T, b *bidder) int64 {
	t.Helper()
	wallet, err := e.db.GetMultiSigWalletById(context.Background(), b.wallet.Id)
	require.NoError(t, err)
	return wallet.ReservedBalance
}

func TestWinningBid(t *testing.T) {
	reserve := int64(100)
	bids := []models.Bid{
		{Id: 1, BidAmount: 500, Status: models.BidStatusActive},
		{Id: 2, BidAmount: 700, Status: models.BidStatusActive},
		{Id: 3, BidAmount: 300, Status: models.BidStatusActive},
		{Id: 4, BidAmount: 900, Status: models.BidStatusPending},
		{Id: 5, BidAmount: 950, Status: models.BidStatusDeclined},
	}
	require.Equal(t, int64(2), WinningBid(bids, &reserve).Id)

	low := []models.Bid{{Id: 1, BidAmount: 90, Status: models.BidStatusActive}}
	require.Nil(t, WinningBid(low, &reserve))
	require.Equal(t, int64(1), WinningBid(low, nil).Id)

	tied := []models.Bid{
		{Id: 8, BidAmount: 700, Status: models.BidStatusActive},
		{Id: 7, BidAmount: 700, Status: models.BidStatusActive},
	}
	require.Equal(t, int64(7), WinningBid(tied, &reserve).Id)
	require.Nil(t, WinningBid(nil, &reserve))
}

func TestCreateAuction(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	end := e.now.Add(time.Hour)

	reserve := int64(100)
	result, err := e.auctions.CreateAuction(ctx, e.listed.OrderId, &reserve, end)
	require.NoError(t, err)
	require.Empty(t, result.Error)

	auction, err := e.db.GetAuction(ctx, result.AuctionId)
	require.NoError(t, err)
	require.Equal(t, e.listed.OrderId, auction.OrderId)
	require.Equal(t, models.AuctionStatusActive, auction.Status)
	require.Equal(t, int64(100), *auction.ReservePrice)

	result, err = e.auctions.CreateAuction(ctx, 999, nil, end)
	require.NoError(t, err)
	require.Equal(t, msgOrderNotFound, result.Error)

	result, err = e.auctions.CreateAuction(ctx, e.listed.OrderId, nil, e.now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, msgEndTimePassed, result.Error)

	zero := int64(0)
	result, err = e.auctions.CreateAuction(ctx, e.listed.OrderId, &zero, end)
	require.NoError(t, err)
	require.Equal(t, msgInvalidReserve, result.Error)

	plain := markettest.ListSigned(t, e.listings, e.gateway, 0x32, 5000, models.ListingTypeListing)
	result, err = e.auctions.CreateAuction(ctx, plain.OrderId, nil, end)
	require.NoError(t, err)
	require.Equal(t, msgNotAuction, result.Error)
}

func TestPlaceBid_Layout(t *testing.T) {
	e := newTestEnv(t)
	auctionId := e.openAuction(t, 100)
	alice := e.newBidder(t, 0x51, 600, 600, 100000)

	placed, err := e.auctions.PlaceBid(context.Background(), e.request(alice, auctionId, 700))
	require.NoError(t, err)
	require.Empty(t, placed.Error)
	require.Equal(t, []int{0, 1, 3}, placed.InputIndices)

	packet, err := txbuilder.DecodePsbt(placed.Psbt)
	require.NoError(t, err)
	outs := packet.UnsignedTx.TxOut
	require.Len(t, outs, 9)
	require.Equal(t, int64(1200), outs[0].Value)
	require.Equal(t, int64(546), outs[1].Value)
	require.Equal(t, alice.ordinal.PkScript, outs[1].PkScript)
	// the signed listing payout, then the rest of the bid after maker fees
	require.Equal(t, int64(592), outs[2].Value)
	require.Equal(t, int64(650-64), outs[3].Value)
	require.Equal(t, outs[2].PkScript, outs[3].PkScript)
	require.Equal(t, int64(546), outs[4].Value)
	require.Equal(t, int64(546), outs[5].Value)
	require.Equal(t, int64(546), outs[6].Value)
	require.Equal(t, int64(546), outs[7].Value)

	multisig, err := e.escrow.WalletMultisig(alice.wallet)
	require.NoError(t, err)
	require.Equal(t, multisig.PkScript, outs[0].PkScript)
	require.Equal(t, multisig.PkScript, outs[8].PkScript)

	utxos, err := e.escrow.GetWalletUtxos(context.Background(), alice.wallet)
	require.NoError(t, err)
	require.Len(t, utxos.Reserved, 3)
	require.Empty(t, utxos.Available)
	require.Equal(t, int64(101200), e.reservedBalance(t, alice))
}

func TestPlaceBid_SmallBonusGoesToPlatform(t *testing.T) {
	e := newTestEnv(t)
	auctionId := e.openAuction(t, 100)
	alice := e.newBidder(t, 0x51, 600, 600, 100000)

	placed, err := e.auctions.PlaceBid(context.Background(), e.request(alice, auctionId, 300))
	require.NoError(t, err)
	require.Empty(t, placed.Error)

	packet, err := txbuilder.DecodePsbt(placed.Psbt)
	require.NoError(t, err)
	outs := packet.UnsignedTx.TxOut
	require.Len(t, outs, 8)
	// 250 above the price, 24 of it maker fees
	require.Equal(t, int64(546+226), outs[3].Value)
	require.Equal(t, int64(546), outs[4].Value)
}

func TestPlaceBid_Rejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)

	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	result, err := e.auctions.PlaceBid(ctx, e.request(alice, auctionId, 40))
	require.NoError(t, err)
	require.Equal(t, "bid must be at least 50 sats", result.Error)

	result, err = e.auctions.PlaceBid(ctx, e.request(alice, 999, 500))
	require.NoError(t, err)
	require.Equal(t, msgAuctionNotFound, result.Error)

	stranger := &bidder{pubKeyHex: "02" + hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32)), ordinal: alice.ordinal}
	result, err = e.auctions.PlaceBid(ctx, e.request(stranger, auctionId, 500))
	require.NoError(t, err)
	require.Equal(t, msgNoWallet, result.Error)

	unpadded := e.newBidder(t, 0x52, 100000)
	result, err = e.auctions.PlaceBid(ctx, e.request(unpadded, auctionId, 500))
	require.NoError(t, err)
	require.Equal(t, msgNotEnoughPadding, result.Error)

	poor := e.newBidder(t, 0x53, 600, 600, 1500)
	result, err = e.auctions.PlaceBid(ctx, e.request(poor, auctionId, 500))
	require.NoError(t, err)
	require.Equal(t, msgInsufficientFunds, result.Error)
	require.Zero(t, e.reservedBalance(t, poor))

	e.now = e.now.Add(2 * time.Hour)
	result, err = e.auctions.PlaceBid(ctx, e.request(alice, auctionId, 500))
	require.NoError(t, err)
	require.Equal(t, msgAuctionClosed, result.Error)
}

func TestPlaceBid_ReservedOutputsNotReused(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)
	alice := e.newBidder(t, 0x51, 600, 600, 100000, 100000)

	e.bid(t, alice, auctionId, 500)

	result, err := e.auctions.PlaceBid(ctx, e.request(alice, auctionId, 600))
	require.NoError(t, err)
	require.Equal(t, msgNotEnoughPadding, result.Error)
}

func TestSubmitBid(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)
	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	bob := e.newBidder(t, 0x52, 600, 600, 100000)

	first, err := e.auctions.PlaceBid(ctx, e.request(alice, auctionId, 500))
	require.NoError(t, err)
	second, err := e.auctions.PlaceBid(ctx, e.request(bob, auctionId, 600))
	require.NoError(t, err)

	result, err := e.auctions.SubmitBid(ctx, auctionId, first.BidId, first.Psbt)
	require.NoError(t, err)
	require.Equal(t, msgBidUnsigned, result.Error)

	result, err = e.auctions.SubmitBid(ctx, auctionId, first.BidId, bob.sign(t, second.Psbt))
	require.NoError(t, err)
	require.Equal(t, msgBidMismatch, result.Error)

	result, err = e.auctions.SubmitBid(ctx, auctionId, 999, first.Psbt)
	require.NoError(t, err)
	require.Equal(t, msgBidNotFound, result.Error)

	signed := alice.sign(t, first.Psbt)
	result, err = e.auctions.SubmitBid(ctx, auctionId, first.BidId, signed)
	require.NoError(t, err)
	require.Equal(t, msgBidSigned, result.Message)
	require.Equal(t, models.BidStatusActive, e.bidStatuses(t, auctionId)[first.BidId])

	result, err = e.auctions.SubmitBid(ctx, auctionId, first.BidId, signed)
	require.NoError(t, err)
	require.Equal(t, msgBidNotPending, result.Error)
}

func TestFinalizeAuction_HighestBidWins(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)

	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	bob := e.newBidder(t, 0x52, 600, 600, 100000)
	carol := e.newBidder(t, 0x53, 600, 600, 100000)
	first := e.bid(t, alice, auctionId, 500)
	winning := e.bid(t, bob, auctionId, 700)
	third := e.bid(t, carol, auctionId, 300)

	details, err := e.auctions.GetAuctionDetails(ctx, auctionId)
	require.NoError(t, err)
	require.Len(t, details.Bids, 3)
	require.Equal(t, winning, details.WinningBid.Id)
	require.Equal(t, int64(700), details.WinningBid.BidAmount)

	result, err := e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, msgNotEnded, result.Error)
	require.Empty(t, e.gateway.PostedTxs())

	e.now = e.now.Add(time.Hour)
	result, err = e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, models.AuctionStatusSettled, result.Status)
	require.Equal(t, winning, result.WinningBidId)

	posted := e.gateway.PostedTxs()
	require.Len(t, posted, 1)
	require.Equal(t, posted[0].TxHash().String(), result.TxId)
	require.Equal(t, bob.ordinal.PkScript, posted[0].TxOut[1].PkScript)

	bids, err := e.db.GetAuctionBids(ctx, auctionId)
	require.NoError(t, err)
	packet, err := txbuilder.DecodePsbt(bids[1].SignedPsbt)
	require.NoError(t, err)
	fetcher, err := txbuilder.PrevOutFetcher(packet)
	require.NoError(t, err)
	sigHashes := txscript.NewTxSigHashes(posted[0], fetcher)
	for i, txIn := range posted[0].TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		vm, err := txscript.NewEngine(prevOut.PkScript, posted[0], i,
			txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}

	require.Equal(t, map[int64]models.BidStatus{
		first:   models.BidStatusDeclined,
		winning: models.BidStatusWon,
		third:   models.BidStatusDeclined,
	}, e.bidStatuses(t, auctionId))
	for _, b := range []*bidder{alice, bob, carol} {
		require.Zero(t, e.reservedBalance(t, b))
	}

	auction, err := e.db.GetAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusSettled, auction.Status)

	order, err := e.db.GetOrder(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusBroadcast, order.Status)
	history, err := e.db.GetTradeHistory(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.TradeStatusMempool, history[0].Status)
	require.Equal(t, result.TxId, history[0].TransactionId)
	require.Equal(t, []string{e.listed.Outpoint}, e.watcher.outpoints)

	result, err = e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, "auction is already settled", result.Error)
}

func TestFinalizeAuction_ReserveNotMet(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)

	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	bidId := e.bid(t, alice, auctionId, 90)
	require.Positive(t, e.reservedBalance(t, alice))

	e.now = e.now.Add(2 * time.Hour)
	result, err := e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusEnded, result.Status)
	require.Equal(t, msgNoWinner, result.Message)
	require.Zero(t, result.WinningBidId)
	require.Empty(t, e.gateway.PostedTxs())

	require.Equal(t, models.BidStatusDeclined, e.bidStatuses(t, auctionId)[bidId])
	require.Zero(t, e.reservedBalance(t, alice))
	utxos, err := e.escrow.GetWalletUtxos(ctx, alice.wallet)
	require.NoError(t, err)
	require.Empty(t, utxos.Reserved)

	order, err := e.db.GetOrder(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCanceled, order.Status)

	auction, err := e.db.GetAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusEnded, auction.Status)
}

func TestFinalizeAuction_UnsignedBidsCannotWin(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)

	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	bob := e.newBidder(t, 0x52, 600, 600, 100000)
	signed := e.bid(t, alice, auctionId, 200)
	unsigned, err := e.auctions.PlaceBid(ctx, e.request(bob, auctionId, 900))
	require.NoError(t, err)
	require.Empty(t, unsigned.Error)

	e.now = e.now.Add(time.Hour)
	result, err := e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, signed, result.WinningBidId)
	require.Equal(t, models.BidStatusDeclined, e.bidStatuses(t, auctionId)[unsigned.BidId])
	require.Zero(t, e.reservedBalance(t, bob))
}

func TestFinalizeAuction_BroadcastRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	auctionId := e.openAuction(t, 100)
	alice := e.newBidder(t, 0x51, 600, 600, 100000)
	bidId := e.bid(t, alice, auctionId, 500)

	e.gateway.PostErr = fmt.Errorf("bad-txns-inputs-missingorspent")
	e.now = e.now.Add(time.Hour)
	_, err := e.auctions.FinalizeAuction(ctx, auctionId)
	require.ErrorContains(t, err, "unable to broadcast bid")

	require.Equal(t, models.BidStatusActive, e.bidStatuses(t, auctionId)[bidId])
	auction, err := e.db.GetAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Equal(t, models.AuctionStatusActive, auction.Status)
	require.Empty(t, e.watcher.outpoints)

	order, err := e.db.GetOrder(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusActive, order.Status)
	history, err := e.db.GetTradeHistory(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Empty(t, history)

	e.gateway.PostErr = nil
	result, err := e.auctions.FinalizeAuction(ctx, auctionId)
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, models.AuctionStatusSettled, result.Status)
	require.Equal(t, bidId, result.WinningBidId)
	require.Len(t, e.gateway.PostedTxs(), 1)

	history, err = e.db.GetTradeHistory(ctx, e.listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.TradeStatusMempool, history[0].Status)
	require.Equal(t, []string{e.listed.Outpoint}, e.watcher.outpoints)
}
