package indexer

import "encoding/json"

// Stats are the funded/spent counters of one side (chain or mempool) of an
// address.
type Stats struct {
	FundedTxoCount int64 `json:"funded_txo_count"`
	FundedTxoSum   int64 `json:"funded_txo_sum"`
	SpentTxoCount  int64 `json:"spent_txo_count"`
	SpentTxoSum    int64 `json:"spent_txo_sum"`
	TxCount        int64 `json:"tx_count"`
}

// AddressInfo is the response of GET /address/{address}.
type AddressInfo struct {
	Address    string `json:"address,omitempty"`
	ChainStats Stats  `json:"chain_stats"`

	// MempoolStats is nil when the indexer did not report it.
	MempoolStats *Stats `json:"mempool_stats,omitempty"`

	// Scripthash is set by the proxy to the raw legacy script when scan
	// data was merged in.
	Scripthash string `json:"scripthash,omitempty"`

	// Extra holds fields this type does not model, so they survive a
	// decode/encode round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

var addressInfoFields = []string{"address", "chain_stats", "mempool_stats", "scripthash"}

type plainAddressInfo AddressInfo

// UnmarshalJSON implements json.Unmarshaler.
func (a *AddressInfo) UnmarshalJSON(data []byte) error {
	var p plainAddressInfo
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, f := range addressInfoFields {
		delete(all, f)
	}
	*a = AddressInfo(p)
	a.Extra = nil
	if len(all) > 0 {
		a.Extra = all
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (a AddressInfo) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(plainAddressInfo(a))
	if err != nil || len(a.Extra) == 0 {
		return base, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(base, &all); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}

// Status is the confirmation status of a transaction or output.
type Status struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint32 `json:"block_height"`
	BlockHash   string `json:"block_hash,omitempty"`
	BlockTime   int64  `json:"block_time,omitempty"`
}

// UTXO is one element of GET /address/{address}/utxo.
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status Status `json:"status"`
}

// Vin is a transaction input in Esplora naming.
type Vin struct {
	TxID         string   `json:"txid"`
	Vout         uint32   `json:"vout"`
	Coinbase     string   `json:"coinbase,omitempty"`
	ScriptSig    string   `json:"scriptsig"`
	ScriptSigAsm string   `json:"scriptsig_asm"`
	Witness      []string `json:"witness,omitempty"`
	IsCoinbase   bool     `json:"is_coinbase"`
	Sequence     uint32   `json:"sequence"`
}

// Vout is a transaction output in Esplora naming. Value is in satoshis.
type Vout struct {
	ScriptPubKey        string `json:"scriptpubkey"`
	ScriptPubKeyAsm     string `json:"scriptpubkey_asm"`
	ScriptPubKeyType    string `json:"scriptpubkey_type"`
	ScriptPubKeyAddress string `json:"scriptpubkey_address,omitempty"`
	Value               int64  `json:"value"`
}

// Tx is one element of GET /address/{address}/txs.
type Tx struct {
	TxID     string `json:"txid"`
	Version  int32  `json:"version"`
	Locktime uint32 `json:"locktime"`
	Vin      []Vin  `json:"vin"`
	Vout     []Vout `json:"vout"`
	Status   Status `json:"status"`
	Fee      int64  `json:"fee"`
}

// Outpoint identifies an output.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}
