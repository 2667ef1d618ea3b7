package escrow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const purposeNativeSegwit = 84

var (
	ErrInvalidUserPublicKey = errors.New("Invalid user public key")
	ErrInvalidAccountIndex  = fmt.Errorf("Account index must be between 0 and %d", fees.MaxAccountIndex)
	ErrInvalidSeed          = errors.New("invalid escrow seed")
)

// Multisig is a derived 2-of-2 escrow address and what is needed to spend it
type Multisig struct {
	Address         string
	PkScript        []byte
	WitnessScript   []byte
	DerivationPath  string
	ServerPublicKey string
}

// InputSource describes an escrow output of the given value for PSBT decoration.
func (m *Multisig) InputSource(value int64) txbuilder.InputSource {
	return txbuilder.InputSource{
		PrevOut:       wire.NewTxOut(value, m.PkScript),
		WitnessScript: m.WitnessScript,
	}
}

// KeyRing derives the server's escrow keys from one master seed.
type KeyRing struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params
}

func NewKeyRing(seedHex string, params *chaincfg.Params) (*KeyRing, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return &KeyRing{master: master, params: params}, nil
}

func (k *KeyRing) Params() *chaincfg.Params {
	return k.params
}

// coinType is 0 on mainnet and 1 on every test network.
func (k *KeyRing) coinType() uint32 {
	if k.params.Net == chaincfg.MainNetParams.Net {
		return 0
	}
	return 1
}

// DerivationPath renders m/84'/coin'/account'/0/index.
func (k *KeyRing) DerivationPath(accountIndex int64, addressIndex uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", purposeNativeSegwit, k.coinType(), accountIndex, addressIndex)
}

// ServerKey derives the server's private key for an escrow wallet.
func (k *KeyRing) ServerKey(accountIndex int64, addressIndex uint32) (*btcec.PrivateKey, error) {
	if accountIndex < 0 || accountIndex > fees.MaxAccountIndex {
		return nil, ErrInvalidAccountIndex
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + purposeNativeSegwit,
		hdkeychain.HardenedKeyStart + k.coinType(),
		hdkeychain.HardenedKeyStart + uint32(accountIndex),
		0,
		addressIndex,
	}

	key := k.master
	for _, child := range path {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("unable to derive %s: %w", k.DerivationPath(accountIndex, addressIndex), err)
		}
	}
	return key.ECPrivKey()
}

// CreateMultisig builds the 2-of-2 P2WSH escrow shared by the server key at
// the given indexes and the user's compressed public key.
func (k *KeyRing) CreateMultisig(accountIndex int64, userPubKeyHex string, addressIndex uint32) (*Multisig, error) {
	if accountIndex < 0 || accountIndex > fees.MaxAccountIndex {
		return nil, ErrInvalidAccountIndex
	}

	userKey, err := parseUserKey(userPubKeyHex)
	if err != nil {
		return nil, err
	}

	serverKey, err := k.ServerKey(accountIndex, addressIndex)
	if err != nil {
		return nil, err
	}
	serverPub := serverKey.PubKey().SerializeCompressed()

	witnessScript, err := multisigScript(serverPub, userKey.SerializeCompressed())
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(witnessScript)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], k.params)
	if err != nil {
		return nil, fmt.Errorf("unable to encode escrow address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}

	return &Multisig{
		Address:         address.EncodeAddress(),
		PkScript:        pkScript,
		WitnessScript:   witnessScript,
		DerivationPath:  k.DerivationPath(accountIndex, addressIndex),
		ServerPublicKey: hex.EncodeToString(serverPub),
	}, nil
}

func parseUserKey(userPubKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(userPubKeyHex)
	if err != nil || len(raw) != btcec.PubKeyBytesLenCompressed {
		return nil, ErrInvalidUserPublicKey
	}
	key, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, ErrInvalidUserPublicKey
	}
	return key, nil
}

// multisigScript is OP_2 <key> <key> OP_2 OP_CHECKMULTISIG with the keys in
// lexicographic order.
func multisigScript(a, b []byte) ([]byte, error) {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_2).
		AddData(a).
		AddData(b).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
}
