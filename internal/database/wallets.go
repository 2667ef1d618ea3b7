package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
)

// ReserveMultiSigWallet allocates derivation indexes for a user. A user that
// already holds a reservation gets the same indexes back.
func (s *Service) ReserveMultiSigWallet(ctx context.Context, userPublicKeyHex, userAddress string) (uint32, uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryReserveWallet, userPublicKeyHex, userAddress); err != nil {
		return 0, 0, fmt.Errorf("unable to reserve wallet indexes: %w", err)
	}

	var accountIndex, addressIndex uint32
	if err := tx.QueryRowContext(ctx, queryGetReservedWalletIndexes, userPublicKeyHex, userAddress).Scan(&accountIndex, &addressIndex); err != nil {
		return 0, 0, fmt.Errorf("unable to read reserved indexes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("unable to commit reservation: %w", err)
	}

	zap.L().Debug("Escrow wallet indexes reserved",
		zap.String("user_public_key", userPublicKeyHex),
		zap.Uint32("account_index", accountIndex),
		zap.Uint32("address_index", addressIndex))
	return accountIndex, addressIndex, nil
}

// SetMultiSigWallet stores the derived multisig address on a reserved row.
func (s *Service) SetMultiSigWallet(ctx context.Context, params store.SetMultiSigWalletParams) (*models.EscrowWallet, error) {
	result, err := s.db.ExecContext(ctx, querySetWallet,
		params.DerivationPath, params.MultisigAddress, params.WitnessScript, params.ServerPublicKey,
		params.UserPublicKeyHex, params.UserAddress, params.AccountIndex, params.AddressIndex)
	if err != nil {
		return nil, fmt.Errorf("unable to store wallet: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("no reservation for account %d: %w", params.AccountIndex, store.ErrNotFound)
	}

	wallet, err := scanWallet(s.db.QueryRowContext(ctx,
		querySelectWallet+" WHERE user_public_key_hex = ? AND user_address = ?",
		params.UserPublicKeyHex, params.UserAddress))
	if err != nil {
		return nil, fmt.Errorf("unable to read stored wallet: %w", err)
	}

	zap.L().Info("Escrow wallet stored",
		zap.Int64("wallet_id", wallet.Id),
		zap.String("address", wallet.MultisigAddress),
		zap.String("path", wallet.DerivationPath))
	return wallet, nil
}

// GetMultiSigWallet returns the first completed wallet of a user.
func (s *Service) GetMultiSigWallet(ctx context.Context, userPublicKeyHex string) (*models.EscrowWallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx,
		querySelectWallet+" WHERE user_public_key_hex = ? AND wallet_address != '' ORDER BY id LIMIT 1",
		userPublicKeyHex))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet for %s: %w", userPublicKeyHex, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query wallet: %w", err)
	}
	return wallet, nil
}

func (s *Service) GetMultiSigWalletById(ctx context.Context, walletId int64) (*models.EscrowWallet, error) {
	wallet, err := scanWallet(s.db.QueryRowContext(ctx, querySelectWallet+" WHERE id = ?", walletId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %d: %w", walletId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query wallet: %w", err)
	}
	return wallet, nil
}

// GetReservedOutpoints maps each outpoint locked by a bid to that bid's id.
func (s *Service) GetReservedOutpoints(ctx context.Context, walletId int64) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, queryGetReservedOutpoints, walletId)
	if err != nil {
		return nil, fmt.Errorf("unable to query reserved outpoints: %w", err)
	}
	defer closeRows(rows)

	reserved := make(map[string]int64)
	for rows.Next() {
		var outpoint string
		var bidId int64
		if err := rows.Scan(&outpoint, &bidId); err != nil {
			return nil, fmt.Errorf("unable to scan reserved outpoint: %w", err)
		}
		reserved[outpoint] = bidId
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reserved outpoints: %w", err)
	}
	return reserved, nil
}

func scanWallet(row rowScanner) (*models.EscrowWallet, error) {
	var w models.EscrowWallet
	if err := row.Scan(&w.Id, &w.AccountIndex, &w.AddressIndex, &w.UserPublicKeyHex, &w.UserAddress,
		&w.DerivationPath, &w.MultisigAddress, &w.WitnessScript, &w.ServerPublicKey,
		&w.ReservedBalance, &w.CreatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
