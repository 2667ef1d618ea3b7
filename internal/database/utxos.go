package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"

	"go.uber.org/zap"
)

// CreateUtxo records an output, its owner and its attached assets. Calling it
// again for a known outpoint only adds assets that are not stored yet.
func (s *Service) CreateUtxo(ctx context.Context, params store.CreateUtxoParams) (*models.Utxo, error) {
	if params.Outpoint == "" {
		return nil, fmt.Errorf("outpoint cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	addressId, err := getOrInsertAddressTx(ctx, tx, params.Address, "")
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, queryInsertUtxo, params.Outpoint, params.Value, addressId); err != nil {
		return nil, fmt.Errorf("unable to insert utxo %s: %w", params.Outpoint, err)
	}

	utxo, err := scanUtxo(tx.QueryRowContext(ctx, queryGetUtxoByOutpoint, params.Outpoint))
	if err != nil {
		return nil, fmt.Errorf("unable to read utxo %s: %w", params.Outpoint, err)
	}

	for _, inscriptionId := range params.Inscriptions {
		if _, err := tx.ExecContext(ctx, queryInsertUtxoAsset,
			utxo.Id, models.AssetKindInscription, inscriptionId, "", "", 0, 0, ""); err != nil {
			return nil, fmt.Errorf("unable to attach inscription %s: %w", inscriptionId, err)
		}
	}
	for _, rb := range params.Runes {
		if _, err := tx.ExecContext(ctx, queryInsertUtxoAsset,
			utxo.Id, models.AssetKindRune, "", rb.Name, rb.Amount, 0, 0, ""); err != nil {
			return nil, fmt.Errorf("unable to attach rune %s: %w", rb.Name, err)
		}
	}
	for _, r := range params.RareSats {
		if _, err := tx.ExecContext(ctx, queryInsertUtxoAsset,
			utxo.Id, models.AssetKindRareSat, "", "", "", r.Start, r.End(), strings.Join(r.Satributes, ",")); err != nil {
			return nil, fmt.Errorf("unable to attach sat range %d: %w", r.Start, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit utxo: %w", err)
	}

	zap.L().Debug("Utxo stored",
		zap.String("outpoint", utxo.Outpoint),
		zap.Int64("value", utxo.Value),
		zap.Int("inscriptions", len(params.Inscriptions)),
		zap.Int("runes", len(params.Runes)),
		zap.Int("rare_sats", len(params.RareSats)))
	return utxo, nil
}

// CloneUtxo records toOutpoint as the new home of everything attached to
// fromOutpoint. Used when a listed output is moved back to its owner.
func (s *Service) CloneUtxo(ctx context.Context, fromOutpoint, toOutpoint string) (*models.Utxo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	source, err := scanUtxo(tx.QueryRowContext(ctx, queryGetUtxoByOutpoint, fromOutpoint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("utxo %s: %w", fromOutpoint, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read utxo %s: %w", fromOutpoint, err)
	}

	if _, err := tx.ExecContext(ctx, queryInsertUtxo, toOutpoint, source.Value, source.AddressId); err != nil {
		return nil, fmt.Errorf("unable to insert utxo %s: %w", toOutpoint, err)
	}

	clone, err := scanUtxo(tx.QueryRowContext(ctx, queryGetUtxoByOutpoint, toOutpoint))
	if err != nil {
		return nil, fmt.Errorf("unable to read utxo %s: %w", toOutpoint, err)
	}

	if _, err := tx.ExecContext(ctx, queryCloneUtxoAssets, clone.Id, source.Id); err != nil {
		return nil, fmt.Errorf("unable to copy assets to %s: %w", toOutpoint, err)
	}
	if _, err := tx.ExecContext(ctx, queryMarkUtxoSpent, source.Id); err != nil {
		return nil, fmt.Errorf("unable to mark %s spent: %w", fromOutpoint, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("unable to commit cloned utxo: %w", err)
	}

	zap.L().Info("Utxo cloned", zap.String("from", fromOutpoint), zap.String("to", toOutpoint))
	return clone, nil
}

// GetUtxoWithOrder returns the stored utxo and its open order, if any.
func (s *Service) GetUtxoWithOrder(ctx context.Context, outpoint string) (*models.Utxo, *models.Order, error) {
	utxo, err := scanUtxo(s.db.QueryRowContext(ctx, queryGetUtxoByOutpoint, outpoint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("utxo %s: %w", outpoint, store.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("unable to read utxo %s: %w", outpoint, err)
	}

	var orderId int64
	var status string
	err = s.db.QueryRowContext(ctx, queryGetOpenOrderForUtxo, utxo.Id).Scan(&orderId, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return utxo, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("unable to query open order: %w", err)
	}

	order, err := s.GetOrder(ctx, orderId)
	if err != nil {
		return nil, nil, err
	}
	return utxo, order, nil
}

func (s *Service) GetUtxoAssets(ctx context.Context, utxoId int64) ([]models.AttachedAsset, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUtxoAssets, utxoId)
	if err != nil {
		return nil, fmt.Errorf("unable to query utxo assets: %w", err)
	}
	defer closeRows(rows)

	var assets []models.AttachedAsset
	for rows.Next() {
		var a models.AttachedAsset
		if err := rows.Scan(&a.Id, &a.UtxoId, &a.Kind, &a.InscriptionId, &a.RuneName, &a.RuneAmount,
			&a.RangeStart, &a.RangeEnd, &a.Satributes); err != nil {
			return nil, fmt.Errorf("unable to scan utxo asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating utxo assets: %w", err)
	}
	return assets, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUtxo(row rowScanner) (*models.Utxo, error) {
	var u models.Utxo
	if err := row.Scan(&u.Id, &u.Outpoint, &u.Value, &u.AddressId, &u.IsSpent, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
