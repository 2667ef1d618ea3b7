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

// GetOrInsertAddress returns the id of an address, creating it on first use.
// A non-empty public key overwrites the stored one.
func (s *Service) GetOrInsertAddress(ctx context.Context, address, publicKey string) (int64, error) {
	if address == "" {
		return 0, fmt.Errorf("address cannot be empty")
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, queryGetOrInsertAddress, address, publicKey).Scan(&id); err != nil {
		zap.L().Error("Failed to upsert address", zap.String("address", address), zap.Error(err))
		return 0, fmt.Errorf("unable to upsert address: %w", err)
	}
	return id, nil
}

func getOrInsertAddressTx(ctx context.Context, tx *sql.Tx, address, publicKey string) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, queryGetOrInsertAddress, address, publicKey).Scan(&id); err != nil {
		return 0, fmt.Errorf("unable to upsert address %s: %w", address, err)
	}
	return id, nil
}

func (s *Service) GetMarketplace(ctx context.Context, marketplaceId string) (*models.Marketplace, error) {
	var m models.Marketplace
	err := s.db.QueryRowContext(ctx, queryGetMarketplace, marketplaceId).Scan(
		&m.Id, &m.Name, &m.MakerFeeBips, &m.TakerFeeBips, &m.FeeAddress,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("marketplace %s: %w", marketplaceId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to query marketplace: %w", err)
	}
	return &m, nil
}

func (s *Service) UpsertMarketplace(ctx context.Context, marketplace models.Marketplace) error {
	if marketplace.Id == "" {
		return fmt.Errorf("marketplace id cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, queryUpsertMarketplace,
		marketplace.Id, marketplace.Name, marketplace.MakerFeeBips, marketplace.TakerFeeBips, marketplace.FeeAddress)
	if err != nil {
		return fmt.Errorf("unable to upsert marketplace %s: %w", marketplace.Id, err)
	}

	zap.L().Info("Marketplace stored",
		zap.String("id", marketplace.Id),
		zap.Int64("maker_fee_bips", marketplace.MakerFeeBips),
		zap.Int64("taker_fee_bips", marketplace.TakerFeeBips))
	return nil
}

func (s *Service) UpsertCollection(ctx context.Context, setting models.CollectionSetting) error {
	if setting.Slug == "" {
		return fmt.Errorf("collection slug cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx, queryUpsertCollection, setting.Slug, setting.Name, setting.Tradable); err != nil {
		return fmt.Errorf("unable to upsert collection %s: %w", setting.Slug, err)
	}
	return nil
}

func (s *Service) AddCollectionItems(ctx context.Context, slug string, inscriptionIds []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range inscriptionIds {
		if _, err := tx.ExecContext(ctx, queryInsertCollectionItem, slug, id); err != nil {
			return fmt.Errorf("unable to add %s to collection %s: %w", id, slug, err)
		}
	}
	return tx.Commit()
}

func (s *Service) GetNonTradableCollections(ctx context.Context, inscriptionIds []string) ([]models.NonTradableCollection, error) {
	if len(inscriptionIds) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(inscriptionIds))
	for i, id := range inscriptionIds {
		args[i] = id
	}
	return s.queryNonTradable(ctx, fmt.Sprintf(queryNonTradableByInscriptions, placeholders(len(args))), args)
}

func (s *Service) GetNonTradableCollectionsByOrderIds(ctx context.Context, orderIds []int64) ([]models.NonTradableCollection, error) {
	if len(orderIds) == 0 {
		return nil, nil
	}
	return s.queryNonTradable(ctx, fmt.Sprintf(queryNonTradableByOrders, placeholders(len(orderIds))), int64Args(orderIds))
}

func (s *Service) queryNonTradable(ctx context.Context, query string, args []interface{}) ([]models.NonTradableCollection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query collections: %w", err)
	}
	defer closeRows(rows)

	var result []models.NonTradableCollection
	for rows.Next() {
		var c models.NonTradableCollection
		if err := rows.Scan(&c.Slug, &c.InscriptionId); err != nil {
			return nil, fmt.Errorf("unable to scan collection row: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collection rows: %w", err)
	}
	return result, nil
}
