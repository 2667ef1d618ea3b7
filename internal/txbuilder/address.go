package txbuilder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"ordinals-market-engine/internal/fees"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	ErrInvalidOutpoint  = errors.New("invalid outpoint")
	ErrInvalidPublicKey = errors.New("invalid public key")
)

// ScriptKind is the spend type of an output script
type ScriptKind int

const (
	ScriptUnknown ScriptKind = iota
	ScriptP2PKH
	ScriptP2SH
	ScriptP2WPKH
	ScriptP2WSH
	ScriptP2TR
)

func (k ScriptKind) String() string {
	switch k {
	case ScriptP2PKH:
		return "p2pkh"
	case ScriptP2SH:
		return "p2sh"
	case ScriptP2WPKH:
		return "p2wpkh"
	case ScriptP2WSH:
		return "p2wsh"
	case ScriptP2TR:
		return "p2tr"
	default:
		return "unknown"
	}
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "main", "bitcoin", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3", "test":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network: %s", network)
	}
}

// ParseOutpoint parses the "txid:vout" form.
func ParseOutpoint(outpoint string) (*wire.OutPoint, error) {
	parts := strings.Split(outpoint, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOutpoint, outpoint)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutpoint, outpoint, err)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOutpoint, outpoint, err)
	}
	return wire.NewOutPoint(hash, uint32(vout)), nil
}

// PayToAddress returns the output script paying to a bitcoin address.
func PayToAddress(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not for %s", address, params.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// ClassifyScript returns the spend type of an output script.
func ClassifyScript(pkScript []byte) ScriptKind {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return ScriptP2PKH
	case txscript.ScriptHashTy:
		return ScriptP2SH
	case txscript.WitnessV0PubKeyHashTy:
		return ScriptP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		return ScriptP2WSH
	case txscript.WitnessV1TaprootTy:
		return ScriptP2TR
	default:
		return ScriptUnknown
	}
}

// CountInput adds one input spending pkScript to a size tally. P2SH is
// assumed to wrap P2WPKH and P2WSH a 2-of-2 multisig.
func CountInput(counts *fees.InputCounts, pkScript []byte) {
	switch ClassifyScript(pkScript) {
	case ScriptP2PKH:
		counts.P2PKH++
	case ScriptP2SH:
		counts.NestedP2WPKH++
	case ScriptP2WPKH:
		counts.P2WPKH++
	case ScriptP2WSH:
		counts.P2WSHMultisig2++
	default:
		counts.P2TR++
	}
}

// ParsePublicKey accepts a 33 byte compressed key or a 32 byte x-only key.
func ParsePublicKey(pubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var key *btcec.PublicKey
	switch len(raw) {
	case schnorr.PubKeyBytesLen:
		key, err = schnorr.ParsePubKey(raw)
	case btcec.PubKeyBytesLenCompressed:
		key, err = btcec.ParsePubKey(raw)
	default:
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidPublicKey, len(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return key, nil
}

// XOnlyPubKey returns the 32 byte taproot internal key for a public key.
func XOnlyPubKey(pubKeyHex string) ([]byte, error) {
	key, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return nil, err
	}
	return schnorr.SerializePubKey(key), nil
}

// NestedWitnessProgram returns the P2WPKH redeem script of a P2SH-P2WPKH
// address owned by the key.
func NestedWitnessProgram(pubKeyHex string, params *chaincfg.Params) ([]byte, error) {
	key, err := ParsePublicKey(pubKeyHex)
	if err != nil {
		return nil, err
	}
	witness, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(key.SerializeCompressed()), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(witness)
}

// ScriptAddress renders an output script as an address, or "" when it has none.
func ScriptAddress(pkScript []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}
