package scan

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
)

// Unspent is one unspent output matched by a scan.
type Unspent struct {
	TxID   string
	Vout   uint32
	Amount btcutil.Amount
	Height uint32
}

// Result is a normalized scantxoutset result.
type Result struct {
	TotalAmount btcutil.Amount
	Unspents    []Unspent
	Height      int64
	BestBlock   string
}

// Sum returns the total of the unspents, which the node guarantees equals
// TotalAmount.
func (r *Result) Sum() btcutil.Amount {
	var sum btcutil.Amount
	for _, u := range r.Unspents {
		sum += u.Amount
	}
	return sum
}

// The persisted form keeps the node's field names and coin-denominated
// amounts, so caches written by older deployments still load.
type resultJSON struct {
	Success     bool          `json:"success"`
	Height      int64         `json:"height,omitempty"`
	BestBlock   string        `json:"bestblock,omitempty"`
	Unspents    []unspentJSON `json:"unspents"`
	TotalAmount float64       `json:"total_amount"`
}

type unspentJSON struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"vout"`
	Amount float64 `json:"amount"`
	Height int64   `json:"height"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success:     true,
		Height:      r.Height,
		BestBlock:   r.BestBlock,
		Unspents:    make([]unspentJSON, len(r.Unspents)),
		TotalAmount: r.TotalAmount.ToBTC(),
	}
	for i, u := range r.Unspents {
		out.Unspents[i] = unspentJSON{
			TxID:   u.TxID,
			Vout:   u.Vout,
			Amount: u.Amount.ToBTC(),
			Height: int64(u.Height),
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Decoded results pass the same
// checks as a fresh scan.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw bitcoind.ScanTxOutSetResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	res, err := normalize(&raw)
	if err != nil {
		return err
	}
	*r = *res
	return nil
}
