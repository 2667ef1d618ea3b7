package txbuilder

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TxVersion is the version of every transaction the engine builds.
const TxVersion int32 = 2

var (
	ErrInvalidPsbt    = errors.New("invalid psbt")
	ErrMissingPrevOut = errors.New("missing previous output")
)

// DecodePsbt accepts a PSBT in base64 or hex.
func DecodePsbt(encoded string) (*psbt.Packet, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPsbt)
	}

	if raw, err := hex.DecodeString(encoded); err == nil {
		packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPsbt, err)
		}
		return packet, nil
	}

	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return nil, fmt.Errorf("%w: neither hex nor base64", ErrInvalidPsbt)
	}
	packet, err := psbt.NewFromRawBytes(strings.NewReader(encoded), true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPsbt, err)
	}
	return packet, nil
}

// EncodePsbt serializes a packet to base64.
func EncodePsbt(packet *psbt.Packet) (string, error) {
	encoded, err := packet.B64Encode()
	if err != nil {
		return "", fmt.Errorf("unable to encode psbt: %w", err)
	}
	return encoded, nil
}

// NewPacket wraps an unsigned transaction. Inputs are left undecorated.
func NewPacket(tx *wire.MsgTx) (*psbt.Packet, error) {
	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create psbt: %w", err)
	}
	return packet, nil
}

// InputSource describes the output an input spends and who controls it
type InputSource struct {
	PrevOut       *wire.TxOut
	PrevTx        *wire.MsgTx
	PublicKeyHex  string
	WitnessScript []byte
	SighashType   txscript.SigHashType
}

// DecorateInput fills the signing metadata of one input so wallets can sign
// it without further lookups.
func DecorateInput(packet *psbt.Packet, index int, src InputSource, params *chaincfg.Params) error {
	if index < 0 || index >= len(packet.Inputs) {
		return fmt.Errorf("input index %d out of range", index)
	}
	if src.PrevOut == nil {
		return fmt.Errorf("%w: input %d", ErrMissingPrevOut, index)
	}

	in := &packet.Inputs[index]
	if src.SighashType != 0 {
		in.SighashType = src.SighashType
	}

	switch ClassifyScript(src.PrevOut.PkScript) {
	case ScriptP2TR:
		in.WitnessUtxo = src.PrevOut
		if src.PublicKeyHex != "" {
			internalKey, err := XOnlyPubKey(src.PublicKeyHex)
			if err != nil {
				return err
			}
			in.TaprootInternalKey = internalKey
		}
	case ScriptP2WPKH:
		in.WitnessUtxo = src.PrevOut
	case ScriptP2WSH:
		in.WitnessUtxo = src.PrevOut
		if len(src.WitnessScript) > 0 {
			in.WitnessScript = src.WitnessScript
		}
	case ScriptP2SH:
		in.WitnessUtxo = src.PrevOut
		if src.PublicKeyHex != "" {
			redeemScript, err := NestedWitnessProgram(src.PublicKeyHex, params)
			if err != nil {
				return err
			}
			in.RedeemScript = redeemScript
		}
	case ScriptP2PKH:
		if src.PrevTx == nil {
			return fmt.Errorf("%w: legacy input %d needs the full previous transaction", ErrMissingPrevOut, index)
		}
		in.NonWitnessUtxo = src.PrevTx
	default:
		return fmt.Errorf("unsupported script type for input %d", index)
	}
	return nil
}

// PrevOutput returns the output spent by an input from its PSBT metadata.
func PrevOutput(packet *psbt.Packet, index int) (*wire.TxOut, error) {
	in := packet.Inputs[index]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo != nil {
		vout := packet.UnsignedTx.TxIn[index].PreviousOutPoint.Index
		if int(vout) < len(in.NonWitnessUtxo.TxOut) {
			return in.NonWitnessUtxo.TxOut[vout], nil
		}
	}
	return nil, fmt.Errorf("%w: input %d", ErrMissingPrevOut, index)
}

// PrevOutFetcher collects every spent output of a packet for sighash computation.
func PrevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut, err := PrevOutput(packet, i)
		if err != nil {
			return nil, err
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}
	return fetcher, nil
}

// FinalizeAndExtract finalizes every input and returns the network
// transaction with its hex serialization.
func FinalizeAndExtract(packet *psbt.Packet) (*wire.MsgTx, string, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, "", fmt.Errorf("unable to finalize psbt: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, "", fmt.Errorf("unable to extract transaction: %w", err)
	}
	txHex, err := TxToHex(tx)
	if err != nil {
		return nil, "", err
	}
	return tx, txHex, nil
}

// TxToHex serializes a transaction in consensus format.
func TxToHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("unable to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// TxFromHex parses a consensus serialized transaction.
func TxFromHex(txHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	tx := wire.NewMsgTx(TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}
