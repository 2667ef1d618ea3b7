package listing

import (
	"context"
	"errors"
	"fmt"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const resolveConcurrency = 4

// resolvedItem is a listing item with everything the indexers know about it
type resolvedItem struct {
	ListingItem
	OutPoint *wire.OutPoint
	PrevOut  *wire.TxOut
	Info     *models.OutputInfo
	Ranges   []models.SatRange
}

func (r resolvedItem) hasAssets() bool {
	return r.Info.HasAssets() || len(r.Ranges) > 0
}

// resolveItems looks every item up on the indexer and the explorer and checks
// it belongs to ordinalAddress.
func (b *Builder) resolveItems(ctx context.Context, items []ListingItem, ordinalAddress string) ([]resolvedItem, error) {
	resolved := make([]resolvedItem, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, item := range items {
		g.Go(func() error {
			op, err := txbuilder.ParseOutpoint(item.Outpoint)
			if err != nil {
				return err
			}

			info, err := b.gateway.ResolveOutput(gctx, item.Outpoint)
			if errors.Is(err, chain.ErrNotFound) {
				return fmt.Errorf("%s: %w", item.Outpoint, ErrUtxoNotFound)
			}
			if err != nil {
				return fmt.Errorf("unable to resolve %s: %w", item.Outpoint, err)
			}
			if info.Address != ordinalAddress {
				zap.L().Error("Listed utxo is not owned by the maker",
					zap.String("outpoint", item.Outpoint),
					zap.String("owner", info.Address),
					zap.String("declared", ordinalAddress))
				return fmt.Errorf("%s: %w", item.Outpoint, ErrUtxoAddressMismatch)
			}

			prevOut, err := b.fetchPrevOut(gctx, op)
			if err != nil {
				return err
			}

			resolved[i] = resolvedItem{ListingItem: item, OutPoint: op, PrevOut: prevOut, Info: info}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outpoints := make([]string, len(items))
	for i, item := range items {
		outpoints[i] = item.Outpoint
	}
	ranges, err := b.gateway.FindSpecialRanges(ctx, outpoints)
	if err != nil {
		return nil, fmt.Errorf("unable to scan for rare sats: %w", err)
	}
	byOutpoint := make(map[string][]models.SatRange, len(ranges))
	for _, r := range ranges {
		byOutpoint[r.Outpoint] = append(byOutpoint[r.Outpoint], r)
	}
	for i := range resolved {
		resolved[i].Ranges = byOutpoint[resolved[i].Outpoint]
	}
	return resolved, nil
}

// fetchPrevOut reads the spent output from the raw funding transaction.
func (b *Builder) fetchPrevOut(ctx context.Context, op *wire.OutPoint) (*wire.TxOut, error) {
	raw, err := b.gateway.GetRawTransaction(ctx, op.Hash.String())
	if errors.Is(err, chain.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, ErrUtxoNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to fetch transaction %s: %w", op.Hash, err)
	}
	tx, err := txbuilder.TxFromHex(raw)
	if err != nil {
		return nil, err
	}
	if int(op.Index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("%s: %w", op, ErrUtxoNotFound)
	}
	return tx.TxOut[op.Index], nil
}

// checkTradable returns a rejection message when any inscription belongs to
// a collection that may not be traded.
func (b *Builder) checkTradable(ctx context.Context, items []resolvedItem) (string, error) {
	var inscriptionIds []string
	for _, r := range items {
		inscriptionIds = append(inscriptionIds, r.Info.Inscriptions...)
	}
	if len(inscriptionIds) == 0 {
		return "", nil
	}
	blocked, err := b.store.GetNonTradableCollections(ctx, inscriptionIds)
	if err != nil {
		return "", err
	}
	if len(blocked) > 0 {
		zap.L().Info("Listing rejected, collection not tradable",
			zap.String("collection", blocked[0].Slug),
			zap.String("inscription_id", blocked[0].InscriptionId))
		return msgNotTradable, nil
	}
	return "", nil
}

// checkNotListed rejects outputs that already back an order. Orders the maker
// never signed are returned so the new listing can replace them.
func (b *Builder) checkNotListed(ctx context.Context, items []resolvedItem) ([]int64, string, error) {
	var superseded []int64
	for _, r := range items {
		_, order, err := b.store.GetUtxoWithOrder(ctx, r.Outpoint)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if order == nil {
			continue
		}
		if order.Status != models.OrderStatusPendingMakerConfirmation {
			zap.L().Info("Listing rejected, utxo already listed",
				zap.String("outpoint", r.Outpoint),
				zap.Int64("order_id", order.Id))
			return nil, store.ErrAlreadyListed.Error(), nil
		}
		superseded = append(superseded, order.Id)
	}
	return superseded, "", nil
}
