package purchase

import (
	"context"
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// MakerLeg is a maker's signed input and the payout it is bound to.
type MakerLeg struct {
	Order    models.Order
	OutPoint *wire.OutPoint
	Input    psbt.PInput
	Payout   *wire.TxOut
}

// Value is the value of the listed output.
func (l MakerLeg) Value() int64 {
	return l.Input.WitnessUtxo.Value
}

// FundingInput is a buyer output spent by a trade.
type FundingInput struct {
	OutPoint *wire.OutPoint
	Source   txbuilder.InputSource
}

// TradeLayout describes a purchase of n listed outputs:
//
//	inputs:  n+1 padding, n maker inputs, payment inputs
//	outputs: merged padding, n buyer outputs, n maker payouts, fees, new padding, change
//
// Maker input i and its payout share index n+1+i, which keeps every
// SINGLE|ANYONECANPAY signature valid, and the padding in front keeps the
// listed sats landing in the buyer outputs.
type TradeLayout struct {
	Padding     []FundingInput
	Legs        []MakerLeg
	BuyerScript []byte
	// PaddingScript receives the merged padding output.
	PaddingScript []byte
	FeeOutputs    []*wire.TxOut
	NewPadding    []*wire.TxOut
	Payment       []FundingInput
	Change        *wire.TxOut
}

// RequiredPadding is the number of padding inputs a purchase of orderCount
// listings needs.
func RequiredPadding(orderCount int) int {
	return orderCount + 1
}

// Outputs lists every output except change, in transaction order.
func (l *TradeLayout) Outputs() []*wire.TxOut {
	var merged int64
	for _, p := range l.Padding {
		merged += p.Source.PrevOut.Value
	}
	outputs := []*wire.TxOut{wire.NewTxOut(merged, l.PaddingScript)}
	for _, leg := range l.Legs {
		outputs = append(outputs, wire.NewTxOut(leg.Value(), l.BuyerScript))
	}
	for _, leg := range l.Legs {
		outputs = append(outputs, leg.Payout)
	}
	outputs = append(outputs, l.FeeOutputs...)
	outputs = append(outputs, l.NewPadding...)
	return outputs
}

// FixedInputs tallies the padding and maker inputs, which are in the
// transaction before any payment input is selected.
func (l *TradeLayout) FixedInputs() (fees.InputCounts, int64) {
	var counts fees.InputCounts
	var value int64
	for _, p := range l.Padding {
		txbuilder.CountInput(&counts, p.Source.PrevOut.PkScript)
		value += p.Source.PrevOut.Value
	}
	for _, leg := range l.Legs {
		txbuilder.CountInput(&counts, leg.Input.WitnessUtxo.PkScript)
		value += leg.Value()
	}
	return counts, value
}

// Target is what payment inputs must bring in before the miner fee.
func (l *TradeLayout) Target() int64 {
	_, fixed := l.FixedInputs()
	var total int64
	for _, out := range l.Outputs() {
		total += out.Value
	}
	return total - fixed
}

// Build assembles the trade PSBT and returns the input indices the buyer
// signs.
func (l *TradeLayout) Build(params *chaincfg.Params) (*psbt.Packet, []int, error) {
	n := len(l.Legs)
	if len(l.Padding) != RequiredPadding(n) {
		return nil, nil, fmt.Errorf("trade of %d listings needs %d padding inputs, got %d", n, RequiredPadding(n), len(l.Padding))
	}

	tx := wire.NewMsgTx(txbuilder.TxVersion)
	for _, p := range l.Padding {
		tx.AddTxIn(wire.NewTxIn(p.OutPoint, nil, nil))
	}
	for _, leg := range l.Legs {
		tx.AddTxIn(wire.NewTxIn(leg.OutPoint, nil, nil))
	}
	for _, p := range l.Payment {
		tx.AddTxIn(wire.NewTxIn(p.OutPoint, nil, nil))
	}
	for _, out := range l.Outputs() {
		tx.AddTxOut(out)
	}
	if l.Change != nil {
		tx.AddTxOut(l.Change)
	}

	packet, err := txbuilder.NewPacket(tx)
	if err != nil {
		return nil, nil, err
	}

	var buyerIndices []int
	decorate := func(index int, src txbuilder.InputSource) error {
		buyerIndices = append(buyerIndices, index)
		return txbuilder.DecorateInput(packet, index, src, params)
	}
	for i, p := range l.Padding {
		if err := decorate(i, p.Source); err != nil {
			return nil, nil, err
		}
	}
	for i, leg := range l.Legs {
		packet.Inputs[len(l.Padding)+i] = leg.Input
	}
	for i, p := range l.Payment {
		if err := decorate(len(l.Padding)+n+i, p.Source); err != nil {
			return nil, nil, err
		}
	}
	return packet, buyerIndices, nil
}

// LoadMakerLegs pulls each order's signed input and payout out of its maker
// PSBT.
func LoadMakerLegs(ctx context.Context, marketStore store.MarketStore, orders []models.Order) ([]MakerLeg, error) {
	packets := make(map[string]*psbt.Packet)
	legs := make([]MakerLeg, len(orders))
	for i, o := range orders {
		packet, ok := packets[o.PsbtId]
		if !ok {
			record, err := marketStore.GetPsbt(ctx, o.PsbtId)
			if err != nil {
				return nil, err
			}
			if !record.IsSigned {
				return nil, fmt.Errorf("maker psbt %s of order %d is not signed", o.PsbtId, o.Id)
			}
			packet, err = txbuilder.DecodePsbt(record.SignedPsbt)
			if err != nil {
				return nil, fmt.Errorf("maker psbt %s is corrupt: %w", o.PsbtId, err)
			}
			packets[o.PsbtId] = packet
		}

		index := o.IndexInMakerPsbt
		if index >= len(packet.Inputs) || index >= len(packet.UnsignedTx.TxOut) {
			return nil, fmt.Errorf("order %d points past its maker psbt", o.Id)
		}
		in := packet.Inputs[index]
		if in.WitnessUtxo == nil || len(in.TaprootKeySpendSig) == 0 {
			return nil, fmt.Errorf("maker input of order %d is not signed", o.Id)
		}
		outPoint := packet.UnsignedTx.TxIn[index].PreviousOutPoint
		if outPoint.String() != o.Outpoint {
			return nil, fmt.Errorf("maker psbt of order %d spends %s, expected %s", o.Id, outPoint, o.Outpoint)
		}
		legs[i] = MakerLeg{
			Order:    o,
			OutPoint: &outPoint,
			Input:    in,
			Payout:   packet.UnsignedTx.TxOut[index],
		}
	}
	return legs, nil
}
