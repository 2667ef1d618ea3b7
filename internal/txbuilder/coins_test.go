package txbuilder

import (
	"bytes"
	"testing"

	"ordinals-market-engine/internal/models"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func multisigScript(t *testing.T) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessScriptHash(bytes.Repeat([]byte{0x42}, 32), &chaincfg.TestNet3Params)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func p2shScript(t *testing.T) []byte {
	t.Helper()
	addr, err := btcutil.NewAddressScriptHashFromHash(bytes.Repeat([]byte{0x07}, 20), &chaincfg.TestNet3Params)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return script
}

func confirmedUtxo(txId string, value int64, height int64) models.AddressUtxo {
	return models.AddressUtxo{
		TxId:   txId,
		Value:  value,
		Status: models.UtxoStatus{Confirmed: true, BlockHeight: height},
	}
}

func TestSelectCoins_WithChange(t *testing.T) {
	escrow := multisigScript(t)
	sel, err := SelectCoins([]models.AddressUtxo{confirmedUtxo(testTxId, 100000, 1)}, CoinRequest{
		Target:       50000,
		ScriptPubKey: escrow,
		Outputs:      []*wire.TxOut{wire.NewTxOut(50000, p2shScript(t))},
		ChangeScript: escrow,
		FeeRate:      decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 1)
	require.Equal(t, int64(915), sel.Fee)
	require.Equal(t, int64(49085), sel.Change)
	require.Equal(t, []string{testTxId + ":0"}, sel.Outpoints())
}

func TestSelectCoins_DustChangeGoesToMiner(t *testing.T) {
	escrow := multisigScript(t)
	sel, err := SelectCoins([]models.AddressUtxo{confirmedUtxo(testTxId, 100000, 1)}, CoinRequest{
		Target:       99500,
		ScriptPubKey: escrow,
		Outputs:      []*wire.TxOut{wire.NewTxOut(99500, p2shScript(t))},
		ChangeScript: escrow,
		FeeRate:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Zero(t, sel.Change)
	require.Equal(t, int64(500), sel.Fee)
}

func TestSelectCoins_Insufficient(t *testing.T) {
	escrow := multisigScript(t)
	_, err := SelectCoins([]models.AddressUtxo{confirmedUtxo(testTxId, 100000, 1)}, CoinRequest{
		Target:       99500,
		ScriptPubKey: escrow,
		Outputs:      []*wire.TxOut{wire.NewTxOut(99500, p2shScript(t))},
		ChangeScript: escrow,
		FeeRate:      decimal.NewFromInt(5),
	})
	var short *InsufficientFundsError
	require.ErrorAs(t, err, &short)
	require.Equal(t, int64(100000), short.Available)
	require.Equal(t, int64(99500+700), short.Needed)
}

func TestSelectCoins_AddsInputsInOrder(t *testing.T) {
	escrow := multisigScript(t)
	candidates := []models.AddressUtxo{
		confirmedUtxo(testTxId, 3000, 1),
		confirmedUtxo(testTxId, 1000, 2),
		confirmedUtxo(testTxId, 4500, 3),
	}
	candidates[1].Vout = 1
	candidates[2].Vout = 2

	sel, err := SelectCoins(candidates, CoinRequest{
		Target:       5000,
		ScriptPubKey: escrow,
		Outputs:      []*wire.TxOut{wire.NewTxOut(5000, p2shScript(t))},
		ChangeScript: escrow,
		FeeRate:      decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Len(t, sel.Inputs, 3)
	require.Equal(t, int64(8500), sel.Total)
	require.Equal(t, sel.Total-5000-sel.Fee, sel.Change)
}

func TestSweepCoins(t *testing.T) {
	escrow := multisigScript(t)
	sel, value, err := SweepCoins([]models.AddressUtxo{confirmedUtxo(testTxId, 100000, 1)}, escrow, p2shScript(t), decimal.NewFromInt(5))
	require.NoError(t, err)
	require.Equal(t, int64(700), sel.Fee)
	require.Equal(t, int64(99300), value)

	_, _, err = SweepCoins(nil, escrow, p2shScript(t), decimal.NewFromInt(5))
	var short *InsufficientFundsError
	require.ErrorAs(t, err, &short)
}
