package proxy

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/sync/errgroup"

	"github.com/bitever-labs/p2pkproxy/internal/bitcoind"
	"github.com/bitever-labs/p2pkproxy/internal/indexer"
	"github.com/bitever-labs/p2pkproxy/internal/metrics"
	"github.com/bitever-labs/p2pkproxy/pkg/p2pk"
)

const (
	coinbaseVout = 0xffffffff
	nullTxID     = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Node script type names mapped to the indexer's.
var scriptTypes = map[string]string{
	"pubkey":                "p2pk",
	"pubkeyhash":            "p2pkh",
	"scripthash":            "p2sh",
	"witness_v0_keyhash":    "v0_p2wpkh",
	"witness_v0_scripthash": "v0_p2wsh",
	"witness_v1_taproot":    "v1_p2tr",
	"nulldata":              "op_return",
	"multisig":              "multisig",
}

// resolveTxs looks up txids on the node in parallel and returns the ones
// that resolved, in input order.
func (p *Proxy) resolveTxs(ctx context.Context, txids []string) []indexer.Tx {
	if len(txids) == 0 {
		return nil
	}

	results := make([]*indexer.Tx, len(txids))
	var g errgroup.Group
	g.SetLimit(p.txConcurrency)
	for i, txid := range txids {
		g.Go(func() error {
			tx, err := p.resolveTx(ctx, txid)
			if err != nil {
				metrics.TxLookups.WithLabelValues("error").Inc()
				p.logger.Warn().Err(err).Str("txid", txid).Msg("Skipping unresolvable transaction")
				return nil
			}
			metrics.TxLookups.WithLabelValues("ok").Inc()
			results[i] = tx
			return nil
		})
	}
	g.Wait()

	out := make([]indexer.Tx, 0, len(results))
	for _, tx := range results {
		if tx != nil {
			out = append(out, *tx)
		}
	}
	return out
}

func (p *Proxy) resolveTx(ctx context.Context, txid string) (*indexer.Tx, error) {
	raw, err := p.node.GetRawTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}
	tx, err := p.convertTx(raw)
	if err != nil {
		return nil, err
	}

	height := raw.BlockHeight
	if height <= 0 && raw.BlockHash != "" {
		if h, err := p.node.GetBlockHeight(ctx, raw.BlockHash); err == nil {
			height = h
		} else {
			p.logger.Debug().Err(err).Str("block", raw.BlockHash).Msg("Could not resolve block height")
		}
	}
	if height > 0 {
		tx.Status.BlockHeight = uint32(height)
	}
	return tx, nil
}

// convertTx turns a verbose node transaction into the indexer's shape with
// satoshi values. Fee is not computed.
func (p *Proxy) convertTx(raw *bitcoind.RawTransaction) (*indexer.Tx, error) {
	tx := &indexer.Tx{
		TxID:     raw.Txid,
		Version:  int32(raw.Version),
		Locktime: raw.LockTime,
		Vin:      make([]indexer.Vin, 0, len(raw.Vin)),
		Vout:     make([]indexer.Vout, 0, len(raw.Vout)),
		Status: indexer.Status{
			Confirmed: true,
			BlockHash: raw.BlockHash,
			BlockTime: raw.Blocktime,
		},
	}

	for _, in := range raw.Vin {
		if in.Coinbase != "" {
			tx.Vin = append(tx.Vin, indexer.Vin{
				TxID:       nullTxID,
				Vout:       coinbaseVout,
				Coinbase:   in.Coinbase,
				ScriptSig:  in.Coinbase,
				IsCoinbase: true,
				Sequence:   in.Sequence,
			})
			continue
		}
		vin := indexer.Vin{
			TxID:     in.Txid,
			Vout:     in.Vout,
			Witness:  in.Witness,
			Sequence: in.Sequence,
		}
		if in.ScriptSig != nil {
			vin.ScriptSig = in.ScriptSig.Hex
			vin.ScriptSigAsm = in.ScriptSig.Asm
		}
		tx.Vin = append(tx.Vin, vin)
	}

	for _, out := range raw.Vout {
		value, err := btcutil.NewAmount(out.Value)
		if err != nil || value < 0 {
			return nil, fmt.Errorf("tx %s vout %d: bad value %v", raw.Txid, out.N, out.Value)
		}
		spk := out.ScriptPubKey
		typ, ok := scriptTypes[spk.Type]
		if !ok {
			typ = "unknown"
		}
		tx.Vout = append(tx.Vout, indexer.Vout{
			ScriptPubKey:        spk.Hex,
			ScriptPubKeyAsm:     spk.Asm,
			ScriptPubKeyType:    typ,
			ScriptPubKeyAddress: p.outputAddress(spk.Hex),
			Value:               int64(value),
		})
	}
	return tx, nil
}

// outputAddress derives the address paid by a script, or "" when it has
// no single address.
func (p *Proxy) outputAddress(scriptHex string) string {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return ""
	}
	if p2pk.IsP2PK(script) {
		addr, err := p2pk.AddressFromScript(script, p.params)
		if err != nil {
			return ""
		}
		return addr
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, p.params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	// Compressed-key P2PK is reported in key hash form as well.
	if pk, ok := addrs[0].(*btcutil.AddressPubKey); ok {
		return pk.AddressPubKeyHash().EncodeAddress()
	}
	return addrs[0].EncodeAddress()
}
