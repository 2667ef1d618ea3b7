package purchase

import (
	"context"
	"fmt"
	"testing"

	"ordinals-market-engine/internal/chain/chaintest"
	"ordinals-market-engine/internal/listing"
	"ordinals-market-engine/internal/markettest"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/settlement"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testPrice = 10000

type testEnv struct {
	builder *Builder
	listing *listing.Builder
	gateway *chaintest.Gateway
	store   store.MarketStore
	market  *models.MarketplaceConfig
	buyer   *markettest.Key
	ordinal *markettest.Key
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := markettest.NewStore(t)
	gateway := chaintest.New()
	market := markettest.Market()
	merger := settlement.NewMerger(db, gateway, markettest.Params, nil)
	return &testEnv{
		builder: NewBuilder(db, gateway, market, markettest.Params),
		listing: listing.NewBuilder(db, gateway, merger, market, markettest.Params),
		gateway: gateway,
		store:   db,
		market:  market,
		buyer:   markettest.SegwitKey(t, 0x22),
		ordinal: markettest.TaprootKey(t, 0x23),
	}
}

func (e *testEnv) request(orderIds ...int64) PurchaseRequest {
	return PurchaseRequest{
		OrderIds:              orderIds,
		TakerPaymentAddress:   e.buyer.Address,
		TakerPaymentPublicKey: e.buyer.PubKeyHex,
		TakerOrdinalAddress:   e.ordinal.Address,
		TakerOrdinalPublicKey: e.ordinal.PubKeyHex,
		MarketplaceId:         markettest.MarketplaceId,
		FeeRate:               decimal.NewFromInt(5),
	}
}

// fundBuyer gives the buyer padding outputs of 600 sats and one payment output.
func (e *testEnv) fundBuyer(padding int, payment int64) []string {
	var outpoints []string
	for i := 0; i < padding; i++ {
		outpoints = append(outpoints, e.buyer.Fund(e.gateway, 600, uint32(i+1)))
	}
	if payment > 0 {
		outpoints = append(outpoints, e.buyer.Fund(e.gateway, payment, 100))
	}
	return outpoints
}

func sumOutputs(tx *wire.MsgTx) int64 {
	var total int64
	for _, out := range tx.TxOut {
		total += out.Value
	}
	return total
}

func sumInputs(t *testing.T, packet *psbt.Packet) int64 {
	var total int64
	for i := range packet.Inputs {
		prevOut, err := txbuilder.PrevOutput(packet, i)
		require.NoError(t, err)
		total += prevOut.Value
	}
	return total
}

func TestCreateTakerPsbt_SingleOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)

	result, err := e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId))
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, []int{0, 1, 3}, result.InputIndices)
	require.True(t, decimal.NewFromInt(5).Equal(result.FeeRate))

	packet, err := txbuilder.DecodePsbt(result.Psbt)
	require.NoError(t, err)
	tx := packet.UnsignedTx
	require.Len(t, tx.TxIn, 4)
	require.Equal(t, listed.Outpoint, tx.TxIn[2].PreviousOutPoint.String())

	platformScript, err := txbuilder.PayToAddress(markettest.PlatformFeeAddress, markettest.Params)
	require.NoError(t, err)
	marketplaceScript, err := txbuilder.PayToAddress(markettest.MarketplaceFeeAddress, markettest.Params)
	require.NoError(t, err)

	require.Len(t, tx.TxOut, 8)
	require.Equal(t, int64(1200), tx.TxOut[0].Value)
	require.Equal(t, e.buyer.PkScript, tx.TxOut[0].PkScript)
	require.Equal(t, int64(546), tx.TxOut[1].Value)
	require.Equal(t, e.ordinal.PkScript, tx.TxOut[1].PkScript)
	require.Equal(t, int64(546+testPrice-998), tx.TxOut[2].Value)
	require.Equal(t, wire.NewTxOut(998, platformScript), tx.TxOut[3])
	require.Equal(t, wire.NewTxOut(998, marketplaceScript), tx.TxOut[4])
	require.Equal(t, int64(546), tx.TxOut[5].Value)
	require.Equal(t, int64(546), tx.TxOut[6].Value)
	require.Equal(t, e.buyer.PkScript, tx.TxOut[7].PkScript)
	require.Equal(t, result.MinerFee, sumInputs(t, packet)-sumOutputs(tx))

	order, err := e.store.GetOrder(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPendingTakerConfirmation, order.Status)

	history, err := e.store.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.TradeStatusInitiated, history[0].Status)
	require.Equal(t, int64(998), history[0].PlatformFeeSats)
	require.Equal(t, int64(998), history[0].MarketplaceFeeSats)
	require.Equal(t, int64(499), history[0].MarketplaceTakerFeeBips)
}

func TestCreateTakerPsbt_MakerSignatureSurvives(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)

	result, err := e.builder.CreateTakerPsbt(context.Background(), e.request(listed.OrderId))
	require.NoError(t, err)
	require.Empty(t, result.Error)

	packet, err := txbuilder.DecodePsbt(result.Psbt)
	require.NoError(t, err)
	fetcher, err := txbuilder.PrevOutFetcher(packet)
	require.NoError(t, err)

	tx := packet.UnsignedTx.Copy()
	tx.TxIn[2].Witness = wire.TxWitness{packet.Inputs[2].TaprootKeySpendSig}
	prevOut := fetcher.FetchPrevOutput(tx.TxIn[2].PreviousOutPoint)
	vm, err := txscript.NewEngine(prevOut.PkScript, tx, 2, txscript.StandardVerifyFlags,
		nil, txscript.NewTxSigHashes(tx, fetcher), prevOut.Value, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestCreateTakerPsbt_TwoOrders(t *testing.T) {
	e := newTestEnv(t)
	first := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	second := markettest.ListSigned(t, e.listing, e.gateway, 0x32, 20000, "")
	e.fundBuyer(3, 200000)

	result, err := e.builder.CreateTakerPsbt(context.Background(), e.request(first.OrderId, second.OrderId))
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.Equal(t, []int{0, 1, 2, 5}, result.InputIndices)

	packet, err := txbuilder.DecodePsbt(result.Psbt)
	require.NoError(t, err)
	tx := packet.UnsignedTx
	require.Equal(t, first.Outpoint, tx.TxIn[3].PreviousOutPoint.String())
	require.Equal(t, second.Outpoint, tx.TxIn[4].PreviousOutPoint.String())
	require.Equal(t, int64(1800), tx.TxOut[0].Value)
	require.Equal(t, e.ordinal.PkScript, tx.TxOut[1].PkScript)
	require.Equal(t, e.ordinal.PkScript, tx.TxOut[2].PkScript)
	require.Equal(t, int64(546+testPrice-998), tx.TxOut[3].Value)
	require.Equal(t, int64(546+20000-1996), tx.TxOut[4].Value)

	// fee outputs are folded per address
	require.Equal(t, int64(998+1996), tx.TxOut[5].Value)
	require.Equal(t, int64(998+1996), tx.TxOut[6].Value)
	require.Len(t, tx.TxOut, 7+3+1)
}

func TestCreateTakerPsbt_NotEnoughPadding(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(1, 100000)

	result, err := e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId))
	require.NoError(t, err)
	require.Equal(t, "Taker address does not have enough padding utxos", result.Error)
	require.Equal(t, 2, result.RequiredDummyOutputs)
	require.Equal(t, 1, result.AdditionalOutputsNeeded)

	order, err := e.store.GetOrder(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusActive, order.Status)
	history, err := e.store.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestCreateTakerPsbt_SkipsInscribedPadding(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	outpoints := e.fundBuyer(3, 100000)
	e.gateway.Outputs[outpoints[0]].Inscriptions = []string{outpoints[0][:64] + "i0"}

	result, err := e.builder.CreateTakerPsbt(context.Background(), e.request(listed.OrderId))
	require.NoError(t, err)
	require.Empty(t, result.Error)

	packet, err := txbuilder.DecodePsbt(result.Psbt)
	require.NoError(t, err)
	for _, txIn := range packet.UnsignedTx.TxIn {
		require.NotEqual(t, outpoints[0], txIn.PreviousOutPoint.String())
	}
	require.Equal(t, outpoints[1], packet.UnsignedTx.TxIn[0].PreviousOutPoint.String())
	require.Equal(t, outpoints[2], packet.UnsignedTx.TxIn[1].PreviousOutPoint.String())

	// runes disqualify padding just the same
	e2 := newTestEnv(t)
	listed = markettest.ListSigned(t, e2.listing, e2.gateway, 0x31, testPrice, "")
	outpoints = e2.fundBuyer(2, 100000)
	e2.gateway.Outputs[outpoints[1]].Runes = models.RuneBalances{{Name: "UNCOMMONGOODS", Amount: "1"}}

	result, err = e2.builder.CreateTakerPsbt(context.Background(), e2.request(listed.OrderId))
	require.NoError(t, err)
	require.Equal(t, msgNotEnoughPadding, result.Error)
	require.Equal(t, 1, result.AdditionalOutputsNeeded)
}

func TestCreateTakerPsbt_UnconfirmedPaddingIgnored(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(1, 100000)
	e.gateway.AddUtxo(e.buyer.Address, models.AddressUtxo{
		TxId:  "aa" + listed.Outpoint[2:64],
		Value: 600,
	})

	result, err := e.builder.CreateTakerPsbt(context.Background(), e.request(listed.OrderId))
	require.NoError(t, err)
	require.Equal(t, msgNotEnoughPadding, result.Error)
}

func TestCreateTakerPsbt_MissingOrders(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")

	result, err := e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId, 99))
	require.NoError(t, err)
	require.Equal(t, "Order ID 99 is not found", result.Error)

	result, err = e.builder.CreateTakerPsbt(ctx, e.request(98, 99))
	require.NoError(t, err)
	require.Equal(t, "Order IDs 98, 99 are not found", result.Error)

	req := e.request(listed.OrderId)
	req.MarketplaceId = "elsewhere"
	result, err = e.builder.CreateTakerPsbt(ctx, req)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("Order ID %d is not found", listed.OrderId), result.Error)

	result, err = e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId, listed.OrderId))
	require.NoError(t, err)
	require.Equal(t, msgDuplicateOrder, result.Error)
}

func TestCreateTakerPsbt_NotTradable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	require.NoError(t, e.store.UpsertCollection(ctx, models.CollectionSetting{Slug: "frozen", Tradable: false}))
	require.NoError(t, e.store.AddCollectionItems(ctx, "frozen", []string{listed.Outpoint[:64] + "i0"}))

	result, err := e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId))
	require.NoError(t, err)
	require.Equal(t, msgNotTradable, result.Error)
}

func TestCreateTakerPsbt_InsufficientFunds(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 5000)

	result, err := e.builder.CreateTakerPsbt(context.Background(), e.request(listed.OrderId))
	require.NoError(t, err)
	require.Contains(t, result.Error, "Not enough cardinal spendable funds")
	require.Equal(t, int64(5000), result.Available)
	require.Greater(t, result.Needed, int64(testPrice))
}

func TestCreateTakerPsbt_ListedOutputGone(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)
	delete(e.gateway.Outputs, listed.Outpoint)

	_, err := e.builder.CreateTakerPsbt(context.Background(), e.request(listed.OrderId))
	require.ErrorIs(t, err, ErrUtxoValueNotFound)
}

func TestCreateTakerPsbt_TrioDiscount(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.market.TrioTicker = "trio"
	e.market.TrioMinimumBalance = 500
	e.gateway.TokenBalances[e.ordinal.Address+"/trio"] = decimal.NewFromInt(500)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)

	result, err := e.builder.CreateTakerPsbt(ctx, e.request(listed.OrderId))
	require.NoError(t, err)
	require.Empty(t, result.Error)

	history, err := e.store.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, int64(0), history[0].MarketplaceTakerFeeBips)
	require.Equal(t, int64(546), history[0].MarketplaceFeeSats)
	require.Equal(t, int64(998), history[0].PlatformFeeSats)
}

func TestCreateTakerPsbt_DefaultFeeRate(t *testing.T) {
	e := newTestEnv(t)
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)

	req := e.request(listed.OrderId)
	req.FeeRate = decimal.Zero
	result, err := e.builder.CreateTakerPsbt(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.True(t, decimal.NewFromInt(10).Equal(result.FeeRate))
}

// broadcastOrder purchases an order and records the broadcast at feeRate.
func broadcastOrder(t *testing.T, e *testEnv, feeRate int64) *markettest.Listing {
	t.Helper()
	ctx := context.Background()
	listed := markettest.ListSigned(t, e.listing, e.gateway, 0x31, testPrice, "")
	e.fundBuyer(2, 100000)

	req := e.request(listed.OrderId)
	req.FeeRate = decimal.NewFromInt(feeRate)
	result, err := e.builder.CreateTakerPsbt(ctx, req)
	require.NoError(t, err)
	require.Empty(t, result.Error)
	require.NoError(t, e.store.RecordBroadcast(ctx, store.RecordBroadcastParams{
		OrderIds:      []int64{listed.OrderId},
		TransactionId: "1e2f" + listed.Outpoint[4:64],
		FeeRate:       decimal.NewFromInt(feeRate),
	}))
	return listed
}

func TestCreateTakerPsbt_FeeBump(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	listed := broadcastOrder(t, e, 10)

	req := e.request(listed.OrderId)
	req.FeeRate = decimal.NewFromInt(10)
	result, err := e.builder.CreateTakerPsbt(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "please enter a higher fee rate for this transaction", result.Error)

	req.FeeRate = decimal.RequireFromString("10.5")
	result, err = e.builder.CreateTakerPsbt(ctx, req)
	require.NoError(t, err)
	require.Empty(t, result.Error)

	history, err := e.store.GetTradeHistory(ctx, listed.OrderId)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.TradeStatusInitiated, history[1].Status)
}

// confirmedHistoryStore reports the newest attempt of every order as confirmed.
type confirmedHistoryStore struct {
	store.MarketStore
}

func (s *confirmedHistoryStore) GetTradeHistoryByOrderIds(ctx context.Context, orderIds []int64) ([]models.TradeHistory, error) {
	history, err := s.MarketStore.GetTradeHistoryByOrderIds(ctx, orderIds)
	if err != nil {
		return nil, err
	}
	for _, id := range orderIds {
		history = append(history, models.TradeHistory{OrderId: id, Status: models.TradeStatusConfirmed})
	}
	return history, nil
}

func TestCreateTakerPsbt_OrderAlreadyConfirmed(t *testing.T) {
	e := newTestEnv(t)
	listed := broadcastOrder(t, e, 10)
	e.builder.store = &confirmedHistoryStore{MarketStore: e.store}

	req := e.request(listed.OrderId)
	req.FeeRate = decimal.NewFromInt(50)
	result, err := e.builder.CreateTakerPsbt(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "order already confirmed", result.Error)
}

func TestTradeLayout_RequiresPadding(t *testing.T) {
	layout := &TradeLayout{Legs: make([]MakerLeg, 2), Padding: make([]FundingInput, 2)}
	_, _, err := layout.Build(markettest.Params)
	require.Error(t, err)
}

func TestLoadMakerLegs_UnsignedListing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	maker := markettest.TaprootKey(t, 0x31)
	outpoint := maker.Inscribe(e.gateway, 7)
	created, err := e.listing.CreateMakerPsbt(ctx, listing.ListingRequest{
		Items:                 []listing.ListingItem{{Outpoint: outpoint, Price: testPrice}},
		MakerPaymentAddress:   e.buyer.Address,
		MakerOrdinalAddress:   maker.Address,
		MakerOrdinalPublicKey: maker.PubKeyHex,
		MarketplaceId:         markettest.MarketplaceId,
	})
	require.NoError(t, err)
	require.Empty(t, created.Error)

	orders, err := e.store.GetOrders(ctx, created.OrderIds)
	require.NoError(t, err)
	_, err = LoadMakerLegs(ctx, e.store, orders)
	require.ErrorContains(t, err, "not signed")
}
