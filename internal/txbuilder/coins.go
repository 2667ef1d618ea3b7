package txbuilder

import (
	"fmt"

	"ordinals-market-engine/internal/fees"
	"ordinals-market-engine/internal/models"

	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
)

// InsufficientFundsError reports how far a coin selection fell short.
type InsufficientFundsError struct {
	Available int64
	Needed    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %d sats, needed %d sats", e.Available, e.Needed)
}

// CoinRequest describes what a selection has to pay for.
type CoinRequest struct {
	// Target is the value the selected inputs must bring in, before miner fee.
	Target int64
	// Fixed counts inputs already in the transaction.
	Fixed fees.InputCounts
	// ScriptPubKey is the script every candidate pays to.
	ScriptPubKey []byte
	Outputs      []*wire.TxOut
	// ChangeScript receives change. Nil means leftovers go to the miner.
	ChangeScript []byte
	FeeRate      decimal.Decimal
}

// Selection is the result of a coin selection.
type Selection struct {
	Inputs []models.AddressUtxo
	Total  int64
	Fee    int64
	// Change is zero when no change output should be added.
	Change int64
}

// Outpoints lists the selected inputs as txid:vout.
func (s *Selection) Outpoints() []string {
	outpoints := make([]string, len(s.Inputs))
	for i, u := range s.Inputs {
		outpoints[i] = u.Outpoint()
	}
	return outpoints
}

// SelectCoins adds candidates in order until they cover the target and the
// miner fee of the resulting transaction. A change output is only planned
// when it would not be dust.
func SelectCoins(candidates []models.AddressUtxo, req CoinRequest) (*Selection, error) {
	counts := req.Fixed
	sel := &Selection{}

	var noChangeFee int64
	for _, u := range candidates {
		sel.Inputs = append(sel.Inputs, u)
		sel.Total += u.Value
		CountInput(&counts, req.ScriptPubKey)

		noChangeFee = fees.MinerFee(fees.EstimateVirtualSize(counts, req.Outputs, 0), req.FeeRate)
		if sel.Total < req.Target+noChangeFee {
			continue
		}

		if len(req.ChangeScript) > 0 {
			changeFee := fees.MinerFee(fees.EstimateVirtualSize(counts, req.Outputs, len(req.ChangeScript)), req.FeeRate)
			change := sel.Total - req.Target - changeFee
			if change > 0 && !fees.IsDustChange(change, req.ChangeScript) {
				sel.Fee = changeFee
				sel.Change = change
				return sel, nil
			}
		}
		sel.Fee = sel.Total - req.Target
		return sel, nil
	}

	if len(candidates) == 0 {
		CountInput(&counts, req.ScriptPubKey)
		noChangeFee = fees.MinerFee(fees.EstimateVirtualSize(counts, req.Outputs, 0), req.FeeRate)
	}
	return nil, &InsufficientFundsError{Available: sel.Total, Needed: req.Target + noChangeFee}
}

// SweepCoins spends every candidate into a single output paying payScript,
// returning the selection and the output value after the miner fee.
func SweepCoins(candidates []models.AddressUtxo, scriptPubKey, payScript []byte, feeRate decimal.Decimal) (*Selection, int64, error) {
	var counts fees.InputCounts
	sel := &Selection{Inputs: candidates}
	for _, u := range candidates {
		sel.Total += u.Value
		CountInput(&counts, scriptPubKey)
	}

	out := wire.NewTxOut(0, payScript)
	sel.Fee = fees.MinerFee(fees.EstimateVirtualSize(counts, []*wire.TxOut{out}, 0), feeRate)
	value := sel.Total - sel.Fee
	if len(candidates) == 0 || value < fees.DustLimit {
		return nil, 0, &InsufficientFundsError{Available: sel.Total, Needed: sel.Fee + fees.DustLimit}
	}
	return sel, value, nil
}
