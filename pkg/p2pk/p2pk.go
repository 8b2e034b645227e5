// Package p2pk handles the legacy pay-to-pubkey output shape: a 65-byte
// uncompressed public key push followed by OP_CHECKSIG.
package p2pk

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // hash160 is defined over RIPEMD-160.
)

const (
	// PubKeySize is the length of an uncompressed secp256k1 public key.
	PubKeySize = 65

	// ScriptSize is the length of a P2PK output script with an uncompressed key.
	ScriptSize = PubKeySize + 2

	opData65     = 0x41
	opCheckSig   = 0xac
	uncompressed = 0x04
)

var (
	// ErrNotP2PK is returned when a script does not have the P2PK shape.
	ErrNotP2PK = errors.New("not an uncompressed p2pk script")

	// ErrInvalidPubKey is returned when the embedded key is not a curve point.
	ErrInvalidPubKey = errors.New("invalid public key")
)

// IsP2PK reports whether script is exactly <0x41> <65-byte 0x04 key> <0xac>.
func IsP2PK(script []byte) bool {
	return len(script) == ScriptSize &&
		script[0] == opData65 &&
		script[1] == uncompressed &&
		script[ScriptSize-1] == opCheckSig
}

// ParseHex decodes a hex script and checks its shape.
func ParseHex(scriptHex string) ([]byte, error) {
	script, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, fmt.Errorf("decode script hex: %w", err)
	}
	if !IsP2PK(script) {
		return nil, ErrNotP2PK
	}
	return script, nil
}

// PubKey returns the public key embedded in a P2PK script.
func PubKey(script []byte) ([]byte, error) {
	if !IsP2PK(script) {
		return nil, ErrNotP2PK
	}
	return script[1 : ScriptSize-1], nil
}

// Verify checks that the embedded key is a valid secp256k1 point.
func Verify(script []byte) error {
	pub, err := PubKey(script)
	if err != nil {
		return err
	}
	if _, err := secp256k1.ParsePubKey(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	return nil
}

// Hash160 computes RIPEMD160(SHA256(data)).
func Hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	h.Write(sum[:])
	return h.Sum(nil)
}

// Address derives the base58check pubkey-hash address of a public key.
func Address(pubKey []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(Hash160(pubKey), params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// AddressFromScript derives the address a P2PK script is indexed under.
func AddressFromScript(script []byte, params *chaincfg.Params) (string, error) {
	pub, err := PubKey(script)
	if err != nil {
		return "", err
	}
	return Address(pub, params)
}

// Descriptor returns the scantxoutset descriptor matching script exactly.
func Descriptor(scriptHex string) string {
	return "raw(" + scriptHex + ")"
}
