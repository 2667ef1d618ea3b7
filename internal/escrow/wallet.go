package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
)

const (
	msgNoWallet          = "No wallet found"
	msgInsufficientFunds = "Insufficient funds"
)

var ErrInsufficientFunds = errors.New(msgInsufficientFunds)

// Service manages 2-of-2 escrow wallets shared between users and the server.
type Service struct {
	store   store.MarketStore
	gateway chain.Gateway
	keys    *KeyRing
}

func NewService(marketStore store.MarketStore, gateway chain.Gateway, keys *KeyRing) *Service {
	return &Service{
		store:   marketStore,
		gateway: gateway,
		keys:    keys,
	}
}

// GetOrCreateWallet returns the user's escrow wallet, deriving and storing a
// new one on first use.
func (s *Service) GetOrCreateWallet(ctx context.Context, userPubKeyHex, userAddress string) (*models.EscrowWallet, error) {
	if _, err := parseUserKey(userPubKeyHex); err != nil {
		return nil, err
	}

	wallet, err := s.store.GetMultiSigWallet(ctx, userPubKeyHex)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	accountIndex, addressIndex, err := s.store.ReserveMultiSigWallet(ctx, userPubKeyHex, userAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to reserve wallet: %w", err)
	}

	multisig, err := s.keys.CreateMultisig(int64(accountIndex), userPubKeyHex, addressIndex)
	if err != nil {
		return nil, err
	}

	wallet, err = s.store.SetMultiSigWallet(ctx, store.SetMultiSigWalletParams{
		UserPublicKeyHex: userPubKeyHex,
		UserAddress:      userAddress,
		AccountIndex:     accountIndex,
		AddressIndex:     addressIndex,
		DerivationPath:   multisig.DerivationPath,
		MultisigAddress:  multisig.Address,
		WitnessScript:    hex.EncodeToString(multisig.WitnessScript),
		ServerPublicKey:  multisig.ServerPublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to store wallet: %w", err)
	}

	zap.L().Info("Escrow wallet created",
		zap.Int64("wallet_id", wallet.Id),
		zap.String("address", wallet.MultisigAddress),
		zap.String("path", wallet.DerivationPath))
	return wallet, nil
}

// WalletUtxos splits a wallet's on-chain outputs by whether an in-flight bid
// holds them.
type WalletUtxos struct {
	Reserved  []models.AddressUtxo
	Available []models.AddressUtxo
}

// ConfirmedAvailable returns the spendable outputs in confirmation order.
func (w WalletUtxos) ConfirmedAvailable() []models.AddressUtxo {
	var confirmed []models.AddressUtxo
	for _, u := range w.Available {
		if u.Status.Confirmed {
			confirmed = append(confirmed, u)
		}
	}
	sort.SliceStable(confirmed, func(i, j int) bool {
		return confirmed[i].Status.BlockHeight < confirmed[j].Status.BlockHeight
	})
	return confirmed
}

// Balance sums the confirmed available outputs.
func (w WalletUtxos) Balance() int64 {
	var total int64
	for _, u := range w.ConfirmedAvailable() {
		total += u.Value
	}
	return total
}

// ConfirmedTotal sums every confirmed output, reserved or not. Bid
// reservations are checked against it.
func (w WalletUtxos) ConfirmedTotal() int64 {
	var total int64
	for _, u := range append(append([]models.AddressUtxo(nil), w.Reserved...), w.Available...) {
		if u.Status.Confirmed {
			total += u.Value
		}
	}
	return total
}

func (s *Service) GetWalletUtxos(ctx context.Context, wallet *models.EscrowWallet) (*WalletUtxos, error) {
	utxos, err := s.gateway.GetAddressUtxos(ctx, wallet.MultisigAddress)
	if err != nil {
		return nil, err
	}
	reserved, err := s.store.GetReservedOutpoints(ctx, wallet.Id)
	if err != nil {
		return nil, err
	}

	result := &WalletUtxos{}
	for _, u := range utxos {
		if _, ok := reserved[u.Outpoint()]; ok {
			result.Reserved = append(result.Reserved, u)
		} else {
			result.Available = append(result.Available, u)
		}
	}
	return result, nil
}

// lookupWallet resolves a user's wallet, returning nil when none exists.
func (s *Service) lookupWallet(ctx context.Context, userPubKeyHex string) (*models.EscrowWallet, error) {
	wallet, err := s.store.GetMultiSigWallet(ctx, userPubKeyHex)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// WalletMultisig rebuilds the spending data of a stored wallet.
func (s *Service) WalletMultisig(wallet *models.EscrowWallet) (*Multisig, error) {
	multisig, err := s.keys.CreateMultisig(int64(wallet.AccountIndex), wallet.UserPublicKeyHex, wallet.AddressIndex)
	if err != nil {
		return nil, err
	}
	if multisig.Address != wallet.MultisigAddress {
		return nil, fmt.Errorf("wallet %d address %s does not match derived %s", wallet.Id, wallet.MultisigAddress, multisig.Address)
	}
	return multisig, nil
}
