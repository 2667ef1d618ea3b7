package purchase

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/funding"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxPaddingOutputs bounds a single padding split.
const maxPaddingOutputs = 20

// CheckPaddingUtxos reports whether address already holds required padding
// outputs.
func (b *Builder) CheckPaddingUtxos(ctx context.Context, address string, required int) (*models.PaddingCheck, error) {
	if required <= 0 {
		return nil, fmt.Errorf("required padding outputs must be positive, got %d", required)
	}
	return b.funding.CheckPadding(ctx, address, required, fees.DustLimit, b.market.MaxDummyUtxoValue)
}

// CreatePaddingPsbt splits payment outputs of address into count padding
// outputs, returning change to the same address.
func (b *Builder) CreatePaddingPsbt(ctx context.Context, address, publicKeyHex string, count int, feeRate decimal.Decimal) (*models.TransferResult, error) {
	if count <= 0 || count > maxPaddingOutputs {
		return &models.TransferResult{Error: fmt.Sprintf("padding output count must be between 1 and %d", maxPaddingOutputs)}, nil
	}
	paymentScript, err := txbuilder.PayToAddress(address, b.params)
	if err != nil {
		return &models.TransferResult{Error: fmt.Sprintf("invalid payment address: %v", err)}, nil
	}
	feeRate, err = b.resolveFeeRate(ctx, feeRate)
	if err != nil {
		return nil, err
	}

	cardinal, err := b.funding.Cardinal(ctx, address)
	if err != nil {
		return nil, err
	}
	_, payment := funding.Split(cardinal, fees.DustLimit, b.market.MaxDummyUtxoValue)

	outputs := make([]*wire.TxOut, count)
	for i := range outputs {
		outputs[i] = wire.NewTxOut(b.market.DummyUtxoValue, paymentScript)
	}
	sel, err := txbuilder.SelectCoins(payment, txbuilder.CoinRequest{
		Target:       int64(count) * b.market.DummyUtxoValue,
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
	inputs := make([]FundingInput, len(sel.Inputs))
	indices := make([]int, len(sel.Inputs))
	for i, u := range sel.Inputs {
		in, err := b.fundingInput(ctx, u, paymentScript, publicKeyHex)
		if err != nil {
			return nil, err
		}
		inputs[i] = in
		indices[i] = i
		tx.AddTxIn(wire.NewTxIn(in.OutPoint, nil, nil))
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	packet, err := txbuilder.NewPacket(tx)
	if err != nil {
		return nil, err
	}
	for i, in := range inputs {
		if err := txbuilder.DecorateInput(packet, i, in.Source, b.params); err != nil {
			return nil, err
		}
	}
	encoded, err := txbuilder.EncodePsbt(packet)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Padding psbt created",
		zap.String("address", address),
		zap.Int("outputs", count),
		zap.Int64("fee", sel.Fee))
	return &models.TransferResult{Psbt: encoded, PaymentInputIndices: indices, Fee: sel.Fee}, nil
}
