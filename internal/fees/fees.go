// Package fees holds the basis-point, dust and virtual size arithmetic shared
// by every PSBT builder.
//
// Rounding: fee amounts are floor(price * bips / 10000), computed once over the
// summed bips of one side of the trade. Miner fees are rounded up to the next
// whole satoshi.
package fees

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/shopspring/decimal"
)

const (
	// BipsDenominator converts basis points to a fraction.
	BipsDenominator = 10000

	// DustLimit is the smallest output the marketplace ever creates.
	DustLimit int64 = 546

	// MaxAccountIndex is the largest hardened BIP32 account index.
	MaxAccountIndex = 1<<31 - 1

	// P2WSH 2-of-2 multisig spend: outpoint, empty sigScript, sequence.
	redeemP2WSHMultisigInputSize = 32 + 4 + 1 + 4

	// Witness item count, empty CHECKMULTISIG dummy, two signatures and
	// the 71 byte witness script, each with its length prefix.
	redeemP2WSHMultisigWitnessWeight = 1 + 1 + 1 + 73 + 1 + 73 + 1 + 71
)

// BipsFee returns floor(amount * sum(bips) / 10000).
func BipsFee(amount int64, bips ...int64) int64 {
	var total int64
	for _, b := range bips {
		total += b
	}
	if amount <= 0 || total <= 0 {
		return 0
	}
	return amount * total / BipsDenominator
}

// MakerOutputValue is the seller payout: the listed output's own value plus
// the price, minus the maker side platform and marketplace fees.
func MakerOutputValue(utxoValue, price, platformMakerBips, marketplaceMakerBips int64) int64 {
	return utxoValue + price - BipsFee(price, platformMakerBips, marketplaceMakerBips)
}

// CollectedFee is the amount paid to a fee address for one order. A category
// with any non-zero bips is raised to the minimum so the fee output is never dust.
func CollectedFee(price, makerBips, takerBips, minimum int64) int64 {
	if makerBips+takerBips <= 0 {
		return 0
	}
	fee := BipsFee(price, makerBips, takerBips)
	if fee < minimum {
		return minimum
	}
	return fee
}

// MinerFee converts a virtual size and a sat/vB rate to satoshis, rounding up.
func MinerFee(vsize int, feeRate decimal.Decimal) int64 {
	return feeRate.Mul(decimal.NewFromInt(int64(vsize))).Ceil().IntPart()
}

// FeeRate is the realized rate of a transaction in sat/vB, two decimals.
func FeeRate(fee, vsize int64) decimal.Decimal {
	if vsize <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(fee).Div(decimal.NewFromInt(vsize)).Round(2)
}

// InputCounts tallies inputs by the script type they spend.
type InputCounts struct {
	P2PKH          int
	P2TR           int
	P2WPKH         int
	NestedP2WPKH   int
	P2WSHMultisig2 int
}

// Add merges two tallies.
func (c InputCounts) Add(other InputCounts) InputCounts {
	return InputCounts{
		P2PKH:          c.P2PKH + other.P2PKH,
		P2TR:           c.P2TR + other.P2TR,
		P2WPKH:         c.P2WPKH + other.P2WPKH,
		NestedP2WPKH:   c.NestedP2WPKH + other.NestedP2WPKH,
		P2WSHMultisig2: c.P2WSHMultisig2 + other.P2WSHMultisig2,
	}
}

// EstimateVirtualSize is a worst case vsize for a signed transaction with the
// given inputs and outputs, plus a change output if changeScriptSize > 0.
func EstimateVirtualSize(counts InputCounts, txOuts []*wire.TxOut, changeScriptSize int) int {
	vsize := txsizes.EstimateVirtualSize(
		counts.P2PKH, counts.P2TR, counts.P2WPKH, counts.NestedP2WPKH,
		txOuts, changeScriptSize,
	)
	if counts.P2WSHMultisig2 == 0 {
		return vsize
	}

	witnessWeight := counts.P2WSHMultisig2 * redeemP2WSHMultisigWitnessWeight
	if counts.P2TR+counts.P2WPKH+counts.NestedP2WPKH == 0 {
		// segwit marker, flag and the witness count are not yet accounted for
		witnessWeight += 2 + wire.VarIntSerializeSize(uint64(counts.P2WSHMultisig2))
	}
	return vsize + counts.P2WSHMultisig2*redeemP2WSHMultisigInputSize + (witnessWeight+3)/4
}

// IsDustChange reports whether a change output of this value should be
// dropped and left to the miner instead.
func IsDustChange(value int64, pkScript []byte) bool {
	if value < DustLimit {
		return true
	}
	return txrules.IsDustOutput(wire.NewTxOut(value, pkScript), txrules.DefaultRelayFeePerKb)
}

// CheckPaymentOutput applies the relay policy to an outgoing payment.
func CheckPaymentOutput(out *wire.TxOut) error {
	return txrules.CheckOutput(out, txrules.DefaultRelayFeePerKb)
}

// FormatBTC renders satoshis as a BTC amount for logs and consoles.
func FormatBTC(sats int64) string {
	return btcutil.Amount(sats).String()
}
