// Package chaintest provides an in-memory chain.Gateway for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"ordinals-market-engine/internal/chain"
	"ordinals-market-engine/internal/models"
	"ordinals-market-engine/internal/txbuilder"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

var _ chain.Gateway = (*Gateway)(nil)

// Gateway serves canned chain data and records broadcasts.
type Gateway struct {
	mu sync.Mutex

	Outputs       map[string]*models.OutputInfo
	RawTxs        map[string]string
	Transactions  map[string]*models.TransactionInfo
	AddressUtxos  map[string][]models.AddressUtxo
	FeeEstimates  map[string]float64
	SpecialRanges []models.SatRange
	TokenBalances map[string]decimal.Decimal

	PostErr error
	// PostTxId, when set, is reported as the txid of every broadcast.
	PostTxId string
	Posted   []string
}

func New() *Gateway {
	return &Gateway{
		Outputs:       make(map[string]*models.OutputInfo),
		RawTxs:        make(map[string]string),
		Transactions:  make(map[string]*models.TransactionInfo),
		AddressUtxos:  make(map[string][]models.AddressUtxo),
		FeeEstimates:  map[string]float64{"1": 10, "6": 5},
		TokenBalances: make(map[string]decimal.Decimal),
	}
}

// AddOutput registers an asset-free output of address.
func (g *Gateway) AddOutput(outpoint, address string, value int64) *models.OutputInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := &models.OutputInfo{Address: address, Value: value, Indexed: true}
	g.Outputs[outpoint] = info
	return info
}

// AddUtxo adds a confirmed output to the address listing and the indexer.
func (g *Gateway) AddUtxo(address string, utxo models.AddressUtxo) {
	g.AddOutput(utxo.Outpoint(), address, utxo.Value)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AddressUtxos[address] = append(g.AddressUtxos[address], utxo)
}

// AddRawTx stores a transaction so its outputs can be looked up by txid.
func (g *Gateway) AddRawTx(tx *wire.MsgTx) string {
	txHex, err := txbuilder.TxToHex(tx)
	if err != nil {
		panic(err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	txId := tx.TxHash().String()
	g.RawTxs[txId] = txHex
	return txId
}

func (g *Gateway) ResolveOutput(_ context.Context, outpoint string) (*models.OutputInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.Outputs[outpoint]
	if !ok {
		return nil, fmt.Errorf("output %s: %w", outpoint, chain.ErrNotFound)
	}
	copied := *info
	return &copied, nil
}

func (g *Gateway) GetRawTransaction(_ context.Context, txId string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	raw, ok := g.RawTxs[txId]
	if !ok {
		return "", fmt.Errorf("transaction %s: %w", txId, chain.ErrNotFound)
	}
	return raw, nil
}

func (g *Gateway) PostTransaction(_ context.Context, txHex string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PostErr != nil {
		return "", g.PostErr
	}
	tx, err := txbuilder.TxFromHex(txHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}
	g.Posted = append(g.Posted, txHex)
	txId := tx.TxHash().String()
	if g.PostTxId != "" {
		txId = g.PostTxId
	}
	g.RawTxs[txId] = txHex
	return txId, nil
}

func (g *Gateway) GetTransaction(_ context.Context, txId string) (*models.TransactionInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.Transactions[txId]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", txId, chain.ErrNotFound)
	}
	copied := *info
	return &copied, nil
}

func (g *Gateway) GetAddressUtxos(_ context.Context, address string) ([]models.AddressUtxo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.AddressUtxo(nil), g.AddressUtxos[address]...), nil
}

func (g *Gateway) GetFeeEstimates(_ context.Context) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	estimates := make(map[string]float64, len(g.FeeEstimates))
	for k, v := range g.FeeEstimates {
		estimates[k] = v
	}
	return estimates, nil
}

func (g *Gateway) FindSpecialRanges(_ context.Context, outpoints []string) ([]models.SatRange, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	wanted := make(map[string]bool, len(outpoints))
	for _, op := range outpoints {
		wanted[op] = true
	}
	var ranges []models.SatRange
	for _, r := range g.SpecialRanges {
		if wanted[r.Outpoint] {
			ranges = append(ranges, r)
		}
	}
	return ranges, nil
}

func (g *Gateway) GetTokenBalance(_ context.Context, address, ticker string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.TokenBalances[address+"/"+ticker], nil
}

// PostedTxs decodes every broadcast transaction.
func (g *Gateway) PostedTxs() []*wire.MsgTx {
	g.mu.Lock()
	defer g.mu.Unlock()
	txs := make([]*wire.MsgTx, 0, len(g.Posted))
	for _, raw := range g.Posted {
		tx, err := txbuilder.TxFromHex(raw)
		if err != nil {
			panic(err)
		}
		txs = append(txs, tx)
	}
	return txs
}
