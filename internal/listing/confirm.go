package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

var (
	errSighash         = errors.New("maker signature must use SINGLE|ANYONECANPAY")
	errPrevOutMismatch = errors.New("prevout does not match the listed output")
)

// ConfirmMakerPsbt checks the maker's signatures over a stored listing and
// activates its orders.
func (b *Builder) ConfirmMakerPsbt(ctx context.Context, psbtId, signedPsbt string) (*models.MessageResult, error) {
	record, err := b.store.GetPsbt(ctx, psbtId)
	if errors.Is(err, store.ErrNotFound) {
		return &models.MessageResult{Error: msgListingNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	unsigned, err := txbuilder.DecodePsbt(record.UnsignedPsbt)
	if err != nil {
		return nil, fmt.Errorf("stored psbt %s is corrupt: %w", psbtId, err)
	}
	signed, err := txbuilder.DecodePsbt(signedPsbt)
	if err != nil {
		return &models.MessageResult{Error: err.Error()}, nil
	}
	if signed.UnsignedTx.TxHash() != unsigned.UnsignedTx.TxHash() {
		return &models.MessageResult{Error: "signed psbt does not match the listing"}, nil
	}

	for i := range signed.Inputs {
		// signatures are only checked against the outputs being listed
		stored := unsigned.Inputs[i].WitnessUtxo
		if stored == nil {
			return nil, fmt.Errorf("stored psbt %s has no prevout for input %d", psbtId, i)
		}
		if got := signed.Inputs[i].WitnessUtxo; got != nil && !samePrevOut(got, stored) {
			zap.L().Warn("Maker prevout mismatch", zap.String("psbt_id", psbtId), zap.Int("input", i))
			return &models.MessageResult{Error: fmt.Sprintf("input %d: %v", i, errPrevOutMismatch)}, nil
		}
		signed.Inputs[i].WitnessUtxo = stored
		if err := normalizeMakerSig(&signed.Inputs[i]); err != nil {
			return &models.MessageResult{Error: fmt.Sprintf("input %d: %v", i, err)}, nil
		}
	}
	if err := verifyMakerSigs(signed); err != nil {
		zap.L().Warn("Maker signature rejected", zap.String("psbt_id", psbtId), zap.Error(err))
		return &models.MessageResult{Error: err.Error()}, nil
	}

	encoded, err := txbuilder.EncodePsbt(signed)
	if err != nil {
		return nil, err
	}
	_, err = b.store.ConfirmListing(ctx, psbtId, encoded)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConcurrentModification) {
		return &models.MessageResult{Error: msgListingNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.MessageResult{Message: msgConfirmed}, nil
}

func samePrevOut(a, b *wire.TxOut) bool {
	return a.Value == b.Value && bytes.Equal(a.PkScript, b.PkScript)
}

// normalizeMakerSig keeps the key spend signature unfinalized whichever way
// the wallet returned it, so it can later be merged into a taker PSBT.
func normalizeMakerSig(in *psbt.PInput) error {
	if len(in.TaprootKeySpendSig) == 0 && len(in.FinalScriptWitness) > 0 {
		witness, err := parseWitness(in.FinalScriptWitness)
		if err != nil {
			return err
		}
		if len(witness) != 1 {
			return fmt.Errorf("expected a key path spend, got %d witness items", len(witness))
		}
		in.TaprootKeySpendSig = witness[0]
		in.FinalScriptWitness = nil
	}
	if len(in.TaprootKeySpendSig) == 0 {
		return errors.New("missing maker signature")
	}
	sig := in.TaprootKeySpendSig
	if len(sig) != 65 || txscript.SigHashType(sig[64]) != MakerSighash {
		return errSighash
	}
	return nil
}

// verifyMakerSigs runs every maker input through the script engine.
func verifyMakerSigs(packet *psbt.Packet) error {
	fetcher, err := txbuilder.PrevOutFetcher(packet)
	if err != nil {
		return err
	}
	tx := packet.UnsignedTx.Copy()
	for i, in := range packet.Inputs {
		tx.TxIn[i].Witness = wire.TxWitness{in.TaprootKeySpendSig}
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
		if err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("invalid signature on input %d: %w", i, err)
		}
	}
	return nil
}

func parseWitness(serialized []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(serialized)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid witness: %w", err)
	}
	witness := make(wire.TxWitness, 0, count)
	for i := uint64(0); i < count; i++ {
		item, err := wire.ReadVarBytes(r, 0, txscript.MaxScriptSize, "witness item")
		if err != nil {
			return nil, fmt.Errorf("invalid witness: %w", err)
		}
		witness = append(witness, item)
	}
	return witness, nil
}
