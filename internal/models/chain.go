package models

import (
	"encoding/json"
	"fmt"
)

// UtxoStatus is the confirmation status reported by the explorer
type UtxoStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	BlockTime   int64  `json:"block_time"`
}

// AddressUtxo is an unspent output of an address as reported by the explorer
type AddressUtxo struct {
	TxId   string     `json:"txid"`
	Vout   uint32     `json:"vout"`
	Value  int64      `json:"value"`
	Status UtxoStatus `json:"status"`
}

// Outpoint returns the "txid:vout" form
func (u AddressUtxo) Outpoint() string {
	return fmt.Sprintf("%s:%d", u.TxId, u.Vout)
}

// TransactionInfo is the subset of explorer transaction data the engine uses
type TransactionInfo struct {
	TxId   string     `json:"txid"`
	Fee    int64      `json:"fee"`
	Weight int64      `json:"weight"`
	Size   int64      `json:"size"`
	Status UtxoStatus `json:"status"`
}

// OutputInfo is what the ord indexer knows about an output
type OutputInfo struct {
	Address      string       `json:"address"`
	Value        int64        `json:"value"`
	Indexed      bool         `json:"indexed"`
	Spent        bool         `json:"spent"`
	Inscriptions []string     `json:"inscriptions"`
	Runes        RuneBalances `json:"runes"`
	SatRanges    [][2]int64   `json:"sat_ranges"`
	ScriptPubKey string       `json:"script_pubkey"`
	Transaction  string       `json:"transaction"`
}

// HasAssets reports whether the output carries inscriptions or runes
func (o *OutputInfo) HasAssets() bool {
	return len(o.Inscriptions) > 0 || len(o.Runes) > 0
}

// RuneBalance is one rune entry on an output
type RuneBalance struct {
	Name         string `json:"name"`
	Amount       string `json:"amount"`
	Divisibility int    `json:"divisibility"`
	Symbol       string `json:"symbol"`
}

type runeDetail struct {
	Amount       json.Number `json:"amount"`
	Divisibility int         `json:"divisibility"`
	Symbol       string      `json:"symbol"`
}

// RuneBalances decodes the ord "runes" field, which is either an object keyed
// by rune name, a list of [name, detail] pairs, or a single flattened pair.
type RuneBalances []RuneBalance

func (r *RuneBalances) UnmarshalJSON(data []byte) error {
	*r = nil
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] == '{' {
		var byName map[string]runeDetail
		if err := json.Unmarshal(data, &byName); err != nil {
			return fmt.Errorf("invalid runes object: %w", err)
		}
		for name, d := range byName {
			*r = append(*r, RuneBalance{Name: name, Amount: d.Amount.String(), Divisibility: d.Divisibility, Symbol: d.Symbol})
		}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("invalid runes list: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	// flattened single pair: ["NAME", {...}]
	var name string
	if err := json.Unmarshal(items[0], &name); err == nil {
		if len(items) != 2 {
			return fmt.Errorf("invalid rune pair of length %d", len(items))
		}
		balance, err := decodeRunePair(name, items[1])
		if err != nil {
			return err
		}
		*r = append(*r, balance)
		return nil
	}

	for _, item := range items {
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf("invalid rune pair: %s", string(item))
		}
		if err := json.Unmarshal(pair[0], &name); err != nil {
			return fmt.Errorf("invalid rune name: %w", err)
		}
		balance, err := decodeRunePair(name, pair[1])
		if err != nil {
			return err
		}
		*r = append(*r, balance)
	}
	return nil
}

func decodeRunePair(name string, raw json.RawMessage) (RuneBalance, error) {
	var d runeDetail
	if err := json.Unmarshal(raw, &d); err != nil {
		return RuneBalance{}, fmt.Errorf("invalid rune detail for %s: %w", name, err)
	}
	return RuneBalance{Name: name, Amount: d.Amount.String(), Divisibility: d.Divisibility, Symbol: d.Symbol}, nil
}

// SatRange is a rare sat range found by the sat scanner
type SatRange struct {
	Start      int64    `json:"start"`
	Outpoint   string   `json:"output"`
	Size       int64    `json:"size"`
	Offset     int64    `json:"offset"`
	Satributes []string `json:"satributes"`
}

// End is the first sat after the range
func (r SatRange) End() int64 {
	return r.Start + r.Size
}
