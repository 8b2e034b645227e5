// Package genesis synthesizes the records of the chain's first block reward.
//
// The genesis coinbase output was never added to the UTXO set, so neither
// the indexer nor a node scan can report it. The proxy adds it by hand.
package genesis

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"

	"github.com/bitever-labs/p2pkproxy/internal/indexer"
)

const (
	// Address receives the genesis reward.
	Address = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"

	// TxID is the genesis coinbase transaction.
	TxID = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"

	// BlockHash is the hash of block 0.
	BlockHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

	// Reward is the genesis block subsidy in satoshis.
	Reward int64 = 5_000_000_000

	// OutputScript is the genesis output's P2PK script.
	OutputScript = "4104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac"

	// CoinbaseScript is the genesis coinbase input script.
	CoinbaseScript = "04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73"

	coinbaseSequence = 0xffffffff
	nullTxID         = "0000000000000000000000000000000000000000000000000000000000000000"
)

// IsGenesisAddress reports whether address is the genesis reward address.
func IsGenesisAddress(address string) bool {
	return address == Address
}

// IsGenesisTxID reports whether txid is the genesis coinbase.
func IsGenesisTxID(txid string) bool {
	return txid == TxID
}

// AugmentStats adds the genesis output to confirmed stats. The reward was
// never spent, so the spent counters are left alone.
func AugmentStats(s indexer.Stats) indexer.Stats {
	s.FundedTxoSum += Reward
	s.FundedTxoCount++
	s.TxCount++
	return s
}

func status() indexer.Status {
	return indexer.Status{
		Confirmed:   true,
		BlockHeight: 0,
		BlockHash:   BlockHash,
	}
}

// SyntheticUTXO returns the genesis output as a UTXO list entry.
func SyntheticUTXO() indexer.UTXO {
	return indexer.UTXO{
		TxID:   TxID,
		Vout:   0,
		Value:  Reward,
		Status: status(),
	}
}

// SyntheticTransaction returns the genesis coinbase as a transaction list
// entry. script is the output script to report; when empty, OutputScript
// is used.
func SyntheticTransaction(script string) indexer.Tx {
	if script == "" {
		script = OutputScript
	}
	return indexer.Tx{
		TxID:     TxID,
		Version:  1,
		Locktime: 0,
		Vin: []indexer.Vin{{
			TxID:         nullTxID,
			Vout:         coinbaseSequence,
			Coinbase:     CoinbaseScript,
			ScriptSig:    CoinbaseScript,
			ScriptSigAsm: disasm(CoinbaseScript),
			IsCoinbase:   true,
			Sequence:     coinbaseSequence,
		}},
		Vout: []indexer.Vout{{
			ScriptPubKey:        script,
			ScriptPubKeyAsm:     disasm(script),
			ScriptPubKeyType:    "p2pk",
			ScriptPubKeyAddress: Address,
			Value:               Reward,
		}},
		Status: status(),
		Fee:    0,
	}
}

func disasm(scriptHex string) string {
	raw, err := hex.DecodeString(scriptHex)
	if err != nil {
		return ""
	}
	asm, _ := txscript.DisasmString(raw)
	return asm
}
