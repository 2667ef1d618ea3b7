package chain

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"ordinals-market-engine/internal/models"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("not found on chain")
	ErrRejected  = errors.New("transaction rejected")
	ErrBadStatus = errors.New("unexpected response status")
)

// Gateway is the read/broadcast surface of the explorer, the ord indexer,
// the sat scanner and the token balance indexer.
type Gateway interface {
	ResolveOutput(ctx context.Context, outpoint string) (*models.OutputInfo, error)
	GetRawTransaction(ctx context.Context, txId string) (string, error)
	PostTransaction(ctx context.Context, txHex string) (string, error)
	GetTransaction(ctx context.Context, txId string) (*models.TransactionInfo, error)
	GetAddressUtxos(ctx context.Context, address string) ([]models.AddressUtxo, error)
	GetFeeEstimates(ctx context.Context) (map[string]float64, error)
	FindSpecialRanges(ctx context.Context, outpoints []string) ([]models.SatRange, error)
	GetTokenBalance(ctx context.Context, address, ticker string) (decimal.Decimal, error)
}

// NextBlockFeeRate picks the estimate for the lowest confirmation target.
func NextBlockFeeRate(estimates map[string]float64) decimal.Decimal {
	targets := make([]int, 0, len(estimates))
	for k := range estimates {
		if n, err := strconv.Atoi(k); err == nil {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return decimal.Zero
	}
	sort.Ints(targets)
	return decimal.NewFromFloat(estimates[strconv.Itoa(targets[0])]).Round(2)
}
