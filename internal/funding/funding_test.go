package funding_test

import (
	"context"
	"testing"

	"ordinals-market-engine/internal/chain/chaintest"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/markettest"
	"ordinals-market-engine/internal/models"

	"github.com/stretchr/testify/require"
)

func utxo(vout uint32, value int64) models.AddressUtxo {
	return models.AddressUtxo{
		TxId:   "aa00000000000000000000000000000000000000000000000000000000000000",
		Vout:   vout,
		Value:  value,
		Status: models.UtxoStatus{Confirmed: true},
	}
}

func TestSplit(t *testing.T) {
	padding, payment := funding.Split([]models.AddressUtxo{
		utxo(0, 5000), utxo(1, 600), utxo(2, 300), utxo(3, 90000), utxo(4, 1000), utxo(5, 1001),
	}, 546, 1000)

	require.Equal(t, []uint32{1, 4}, vouts(padding))
	require.Equal(t, []uint32{3, 0, 5, 2}, vouts(payment))
}

func TestPaddingCheck(t *testing.T) {
	check := funding.PaddingCheck([]models.AddressUtxo{utxo(0, 600)}, 3)
	require.False(t, check.PaddingOutputsExist)
	require.Equal(t, 3, check.RequiredDummyOutputs)
	require.Equal(t, 2, check.AdditionalOutputsNeeded)
	require.Empty(t, check.Selected)

	check = funding.PaddingCheck([]models.AddressUtxo{utxo(0, 600), utxo(1, 546), utxo(2, 700)}, 2)
	require.True(t, check.PaddingOutputsExist)
	require.Zero(t, check.AdditionalOutputsNeeded)
	require.Equal(t, []uint32{0, 1}, vouts(check.Selected))
}

func TestCardinal_ExcludesAssetsAndRareSats(t *testing.T) {
	g := chaintest.New()
	key := markettest.SegwitKey(t, 0x41)
	source := funding.NewSource(g, markettest.NewStore(t))

	plain := key.Fund(g, 10000, 1)
	key.Inscribe(g, 2)
	rare := key.Fund(g, 20000, 3)
	g.SpecialRanges = []models.SatRange{{Outpoint: rare, Size: 1, Satributes: []string{"uncommon"}}}
	g.AddressUtxos[key.Address] = append(g.AddressUtxos[key.Address], models.AddressUtxo{
		TxId:  "bb00000000000000000000000000000000000000000000000000000000000000",
		Value: 30000,
	})

	cardinal, err := source.Cardinal(context.Background(), key.Address)
	require.NoError(t, err)
	require.Len(t, cardinal, 1)
	require.Equal(t, plain, cardinal[0].Outpoint())
}

func TestCardinal_EmptyAddress(t *testing.T) {
	source := funding.NewSource(chaintest.New(), markettest.NewStore(t))
	cardinal, err := source.Cardinal(context.Background(), markettest.SegwitKey(t, 0x42).Address)
	require.NoError(t, err)
	require.Empty(t, cardinal)
}

func TestCheckPadding(t *testing.T) {
	g := chaintest.New()
	key := markettest.SegwitKey(t, 0x43)
	source := funding.NewSource(g, markettest.NewStore(t))
	key.Fund(g, 600, 1)
	key.Fund(g, 50000, 2)

	check, err := source.CheckPadding(context.Background(), key.Address, 2, 546, 1000)
	require.NoError(t, err)
	require.False(t, check.PaddingOutputsExist)
	require.Equal(t, 1, check.AdditionalOutputsNeeded)

	key.Fund(g, 700, 3)
	check, err = source.CheckPadding(context.Background(), key.Address, 2, 546, 1000)
	require.NoError(t, err)
	require.True(t, check.PaddingOutputsExist)
	require.Len(t, check.Selected, 2)
}

func TestInputSource_SegwitSkipsPrevTx(t *testing.T) {
	g := chaintest.New()
	key := markettest.SegwitKey(t, 0x44)
	source := funding.NewSource(g, markettest.NewStore(t))

	src, err := source.InputSource(context.Background(), utxo(0, 5000), key.PkScript, key.PubKeyHex)
	require.NoError(t, err)
	require.Nil(t, src.PrevTx)
	require.Equal(t, int64(5000), src.PrevOut.Value)
	require.Equal(t, key.PubKeyHex, src.PublicKeyHex)
}

func TestShortfallMessage(t *testing.T) {
	require.Contains(t, funding.ShortfallMessage(1000, 250000), "Not enough cardinal spendable funds")
}

func vouts(utxos []models.AddressUtxo) []uint32 {
	var out []uint32
	for _, u := range utxos {
		out = append(out, u.Vout)
	}
	return out
}
