package genesis

import (
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	"github.com/bitever-labs/p2pkproxy/pkg/p2pk"
)

func TestConstantsMatchMainnetGenesis(t *testing.T) {
	params := &chaincfg.MainNetParams
	coinbase := params.GenesisBlock.Transactions[0]

	assert.Equal(t, params.GenesisHash.String(), BlockHash)
	assert.Equal(t, coinbase.TxHash().String(), TxID)
	assert.Equal(t, hex.EncodeToString(coinbase.TxIn[0].SignatureScript), CoinbaseScript)
	assert.Equal(t, uint32(coinbaseSequence), coinbase.TxIn[0].Sequence)
	assert.Equal(t, hex.EncodeToString(coinbase.TxOut[0].PkScript), OutputScript)
	assert.Equal(t, Reward, coinbase.TxOut[0].Value)
}

func TestAddressDerivesFromGenesisKey(t *testing.T) {
	script, err := p2pk.ParseHex(OutputScript)
	require.NoError(t, err)
	addr, err := p2pk.AddressFromScript(script, &chaincfg.MainNetParams)
	require.NoError(t, err)
	assert.Equal(t, Address, addr)
}

func TestIsGenesis(t *testing.T) {
	assert.True(t, IsGenesisAddress(Address))
	assert.False(t, IsGenesisAddress("12c6DSiU4Rq3P4ZxziKxzrL5LmMBrzjrJX"))
	assert.True(t, IsGenesisTxID(TxID))
	assert.False(t, IsGenesisTxID(BlockHash))
}

func TestAugmentStats(t *testing.T) {
	in := indexer.Stats{FundedTxoCount: 3, FundedTxoSum: 100, SpentTxoCount: 1, SpentTxoSum: 40, TxCount: 4}
	out := AugmentStats(in)

	assert.Equal(t, indexer.Stats{
		FundedTxoCount: 4,
		FundedTxoSum:   100 + 5_000_000_000,
		SpentTxoCount:  1,
		SpentTxoSum:    40,
		TxCount:        5,
	}, out)
	assert.Equal(t, int64(100), in.FundedTxoSum, "input is not modified")
}

func TestSyntheticUTXO(t *testing.T) {
	data, err := json.Marshal(SyntheticUTXO())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"txid": "`+TxID+`",
		"vout": 0,
		"value": 5000000000,
		"status": {"confirmed": true, "block_height": 0, "block_hash": "`+BlockHash+`"}
	}`, string(data))
}

func TestSyntheticTransaction(t *testing.T) {
	tx := SyntheticTransaction("")
	assert.Equal(t, TxID, tx.TxID)
	assert.Equal(t, int32(1), tx.Version)
	assert.Equal(t, int64(0), tx.Fee)
	require.Len(t, tx.Vin, 1)
	assert.True(t, tx.Vin[0].IsCoinbase)
	assert.Equal(t, CoinbaseScript, tx.Vin[0].Coinbase)
	assert.Equal(t, uint32(4294967295), tx.Vin[0].Sequence)
	require.Len(t, tx.Vout, 1)
	assert.Equal(t, OutputScript, tx.Vout[0].ScriptPubKey)
	assert.Equal(t, "p2pk", tx.Vout[0].ScriptPubKeyType)
	assert.Equal(t, Address, tx.Vout[0].ScriptPubKeyAddress)
	assert.Equal(t, Reward, tx.Vout[0].Value)
	assert.Contains(t, tx.Vout[0].ScriptPubKeyAsm, "OP_CHECKSIG")
	assert.Equal(t, indexer.Status{Confirmed: true, BlockHeight: 0, BlockHash: BlockHash}, tx.Status)

	// The registry's script wins when present.
	assert.Equal(t, "41ab", SyntheticTransaction("41ab").Vout[0].ScriptPubKey)
}
