// Package funding finds the asset-free outputs a wallet can spend on fees,
// payments and padding.
package funding

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/store"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// resolveConcurrency bounds parallel indexer lookups per address.
const resolveConcurrency = 8

type Source struct {
	gateway chain.Gateway
	store   store.MarketStore
}

func NewSource(gateway chain.Gateway, marketStore store.MarketStore) *Source {
	return &Source{gateway: gateway, store: marketStore}
}

// Cardinal returns the confirmed outputs of address that carry no
// inscription, rune balance or rare sat range and are not listed for sale.
func (s *Source) Cardinal(ctx context.Context, address string) ([]models.AddressUtxo, error) {
	utxos, err := s.gateway.GetAddressUtxos(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch utxos of %s: %w", address, err)
	}

	var confirmed []models.AddressUtxo
	for _, u := range utxos {
		if u.Status.Confirmed {
			confirmed = append(confirmed, u)
		}
	}
	if len(confirmed) == 0 {
		return nil, nil
	}

	keep := make([]bool, len(confirmed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)
	for i, u := range confirmed {
		g.Go(func() error {
			info, err := s.gateway.ResolveOutput(gctx, u.Outpoint())
			if err != nil {
				return fmt.Errorf("unable to resolve %s: %w", u.Outpoint(), err)
			}
			if info.HasAssets() {
				return nil
			}
			_, order, err := s.store.GetUtxoWithOrder(gctx, u.Outpoint())
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			keep[i] = order == nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]string, 0, len(confirmed))
	for i, u := range confirmed {
		if keep[i] {
			candidates = append(candidates, u.Outpoint())
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ranges, err := s.gateway.FindSpecialRanges(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("unable to scan for rare sats: %w", err)
	}
	rare := make(map[string]bool, len(ranges))
	for _, r := range ranges {
		rare[r.Outpoint] = true
	}

	var cardinal []models.AddressUtxo
	for i, u := range confirmed {
		if keep[i] && !rare[u.Outpoint()] {
			cardinal = append(cardinal, u)
		}
	}

	zap.L().Debug("Cardinal utxos resolved",
		zap.String("address", address),
		zap.Int("confirmed", len(confirmed)),
		zap.Int("cardinal", len(cardinal)))
	return cardinal, nil
}

// Split separates padding-sized outputs from payment outputs. Payment
// outputs are returned largest first.
func Split(utxos []models.AddressUtxo, minPadding, maxPadding int64) (padding, payment []models.AddressUtxo) {
	for _, u := range utxos {
		if u.Value >= minPadding && u.Value <= maxPadding {
			padding = append(padding, u)
		} else {
			payment = append(payment, u)
		}
	}
	sort.SliceStable(payment, func(i, j int) bool {
		return payment[i].Value > payment[j].Value
	})
	return padding, payment
}

// CheckPadding reports whether address holds required padding outputs and
// returns the ones that would be used.
func (s *Source) CheckPadding(ctx context.Context, address string, required int, minPadding, maxPadding int64) (*models.PaddingCheck, error) {
	cardinal, err := s.Cardinal(ctx, address)
	if err != nil {
		return nil, err
	}
	padding, _ := Split(cardinal, minPadding, maxPadding)
	return PaddingCheck(padding, required), nil
}

// PaddingCheck evaluates a set of padding candidates against a requirement.
func PaddingCheck(padding []models.AddressUtxo, required int) *models.PaddingCheck {
	check := &models.PaddingCheck{
		PaddingOutputsExist:  len(padding) >= required,
		RequiredDummyOutputs: required,
	}
	if check.PaddingOutputsExist {
		check.Selected = padding[:required]
	} else {
		check.AdditionalOutputsNeeded = required - len(padding)
	}
	return check
}

// InputSource describes a wallet output for PSBT decoration. Legacy outputs
// need their full previous transaction, which is fetched from the gateway.
func (s *Source) InputSource(ctx context.Context, utxo models.AddressUtxo, pkScript []byte, publicKeyHex string) (txbuilder.InputSource, error) {
	src := txbuilder.InputSource{
		PrevOut:      wire.NewTxOut(utxo.Value, pkScript),
		PublicKeyHex: publicKeyHex,
	}
	if txbuilder.ClassifyScript(pkScript) != txbuilder.ScriptP2PKH {
		return src, nil
	}
	raw, err := s.gateway.GetRawTransaction(ctx, utxo.TxId)
	if err != nil {
		return src, fmt.Errorf("unable to fetch previous transaction %s: %w", utxo.TxId, err)
	}
	prevTx, err := txbuilder.TxFromHex(raw)
	if err != nil {
		return src, err
	}
	src.PrevTx = prevTx
	return src, nil
}

// ShortfallMessage is the user facing text for a failed coin selection.
func ShortfallMessage(available, needed int64) string {
	return fmt.Sprintf("Not enough cardinal spendable funds. Address has: %s. Needed: %s",
		fees.FormatBTC(available), fees.FormatBTC(needed))
}
