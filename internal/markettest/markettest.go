// Package markettest builds funded keys, stores and signatures for tests of
// the trading packages.
package markettest

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"ordinals-market-engine/internal/chain/chaintest"
	"ordinals-market-engine/internal/database"
	"ordinals-market-engine/internal/listing"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	MarketplaceId         = "6e210197-3d24-40da-b6a3-07f7bfdf6d32"
	PlatformFeeAddress    = "2MxUuoWH8uv3ta6ic2eETpaGmpwS3DsXErx"
	MarketplaceFeeAddress = "2N4scbGwMzoqg6wg8zY1T84sbsoybZRZaBi"
	ConfirmedHeight       = 2500000
)

// Params is the network every fixture lives on.
var Params = &chaincfg.TestNet3Params

// Market is the fee policy used across tests: 499 bips per side and category.
func Market() *models.MarketplaceConfig {
	return &models.MarketplaceConfig{
		MinimumFeeAmount:     546,
		PlatformMakerFeeBips: 499,
		PlatformTakerFeeBips: 499,
		PlatformFeeAddress:   PlatformFeeAddress,
		DummyUtxoValue:       546,
		MaxDummyUtxoValue:    1000,
		MaxBatchSize:         5,
	}
}

// NewStore opens an in-memory database seeded with the test marketplace.
func NewStore(t *testing.T) *database.Service {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.UpsertMarketplace(context.Background(), models.Marketplace{
		Id:           MarketplaceId,
		Name:         "test",
		MakerFeeBips: 499,
		TakerFeeBips: 499,
		FeeAddress:   MarketplaceFeeAddress,
	}))
	return db
}

// Key is a test wallet key with its receiving script.
type Key struct {
	Priv      *btcec.PrivateKey
	PkScript  []byte
	Address   string
	PubKeyHex string
	taproot   bool
}

// TaprootKey derives a BIP86 key path wallet from a one byte seed.
func TaprootKey(t *testing.T, seed byte) *Key {
	t.Helper()
	priv := privKey(seed)
	outputKey := txscript.ComputeTaprootKeyNoScript(priv.PubKey())
	pkScript, err := txscript.PayToTaprootScript(outputKey)
	require.NoError(t, err)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), Params)
	require.NoError(t, err)
	return &Key{
		Priv:      priv,
		PkScript:  pkScript,
		Address:   addr.EncodeAddress(),
		PubKeyHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
		taproot:   true,
	}
}

// SegwitKey derives a P2WPKH wallet from a one byte seed.
func SegwitKey(t *testing.T, seed byte) *Key {
	t.Helper()
	priv := privKey(seed)
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), Params)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	return &Key{
		Priv:      priv,
		PkScript:  pkScript,
		Address:   addr.EncodeAddress(),
		PubKeyHex: hex.EncodeToString(pub),
	}
}

func privKey(seed byte) *btcec.PrivateKey {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = seed
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv
}

// Fund creates a transaction paying value to the key, registers it with the
// gateway and returns the funded outpoint. nonce keeps funding txids apart.
func (k *Key) Fund(g *chaintest.Gateway, value int64, nonce uint32) string {
	funding := wire.NewMsgTx(txbuilder.TxVersion)
	funding.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0xf0, byte(nonce >> 8), byte(nonce)}, nonce), nil, nil))
	funding.AddTxOut(wire.NewTxOut(value, k.PkScript))
	txId := g.AddRawTx(funding)
	g.AddUtxo(k.Address, models.AddressUtxo{
		TxId:   txId,
		Value:  value,
		Status: models.UtxoStatus{Confirmed: true, BlockHeight: ConfirmedHeight},
	})
	return txId + ":0"
}

// Inscribe funds a 546 sat output carrying one inscription.
func (k *Key) Inscribe(g *chaintest.Gateway, nonce uint32) string {
	outpoint := k.Fund(g, 546, nonce)
	g.Outputs[outpoint].Inscriptions = []string{outpoint[:64] + "i0"}
	return outpoint
}

// Sign adds the key's signature to every input of packet spending its script.
func (k *Key) Sign(t *testing.T, packet *psbt.Packet, hashType txscript.SigHashType) {
	t.Helper()
	fetcher, err := txbuilder.PrevOutFetcher(packet)
	require.NoError(t, err)
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if string(prevOut.PkScript) != string(k.PkScript) {
			continue
		}
		if k.taproot {
			sig, err := txscript.RawTxInTaprootSignature(packet.UnsignedTx, sigHashes, i,
				prevOut.Value, prevOut.PkScript, []byte{}, hashType, k.Priv)
			require.NoError(t, err)
			packet.Inputs[i].TaprootKeySpendSig = sig
			continue
		}
		sig, err := txscript.RawTxInWitnessSignature(packet.UnsignedTx, sigHashes, i,
			prevOut.Value, prevOut.PkScript, hashType, k.Priv)
		require.NoError(t, err)
		packet.Inputs[i].PartialSigs = append(packet.Inputs[i].PartialSigs, &psbt.PartialSig{
			PubKey:    k.Priv.PubKey().SerializeCompressed(),
			Signature: sig,
		})
	}
}

// SignEncoded decodes, signs and re-encodes a PSBT.
func (k *Key) SignEncoded(t *testing.T, encoded string, hashType txscript.SigHashType) string {
	t.Helper()
	packet, err := txbuilder.DecodePsbt(encoded)
	require.NoError(t, err)
	k.Sign(t, packet, hashType)
	signed, err := txbuilder.EncodePsbt(packet)
	require.NoError(t, err)
	return signed
}

// Listing is an active order whose maker PSBT is signed.
type Listing struct {
	OrderId  int64
	Outpoint string
	Maker    *Key
}

// ListSigned inscribes an output for a fresh maker key, lists it at price,
// signs the maker PSBT and confirms it.
func ListSigned(t *testing.T, builder *listing.Builder, g *chaintest.Gateway, seed byte, price int64, listingType models.ListingType) *Listing {
	t.Helper()
	ctx := context.Background()
	maker := TaprootKey(t, seed)
	payout := SegwitKey(t, seed+0x40)
	outpoint := maker.Inscribe(g, uint32(seed)<<8)

	result, err := builder.CreateMakerPsbt(ctx, listing.ListingRequest{
		Items:                 []listing.ListingItem{{Outpoint: outpoint, Price: price}},
		MakerPaymentAddress:   payout.Address,
		MakerPaymentPublicKey: payout.PubKeyHex,
		MakerOrdinalAddress:   maker.Address,
		MakerOrdinalPublicKey: maker.PubKeyHex,
		MarketplaceId:         MarketplaceId,
		ListingType:           listingType,
	})
	require.NoError(t, err)
	require.Empty(t, result.Error)

	signed := maker.SignEncoded(t, result.Psbt, listing.MakerSighash)
	confirmed, err := builder.ConfirmMakerPsbt(ctx, result.PsbtId, signed)
	require.NoError(t, err)
	require.Empty(t, confirmed.Error)

	return &Listing{OrderId: result.OrderIds[0], Outpoint: outpoint, Maker: maker}
}
