// Package txassembly builds and patches the wire-format transaction: it
// serializes a transaction template into the exact byte sequence that must
// be signed, and splices finished signatures into their fixed-position
// slots without disturbing any surrounding byte.
package txassembly

import (
	"bytes"
	"crypto/ed25519"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
)

const (
	// PublicKeySize is a 32-byte account key.
	PublicKeySize = 32
	// BlockhashSize is the 32-byte recent-blockhash freshness token.
	BlockhashSize = 32
	// SignatureSize is one fixed-width signature slot.
	SignatureSize = 64
)

// PublicKey is a 32-byte account key.
type PublicKey [PublicKeySize]byte

// Blockhash is the short-lived network state reference embedded in a
// message; it expires after a window of slots, forcing re-signing on retry.
type Blockhash [BlockhashSize]byte

// PublicKeyFromBase58 parses a base58-encoded account key.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	var pk PublicKey
	raw := base58.Decode(s)
	if len(raw) != PublicKeySize {
		return pk, errors.Errorf("txassembly: invalid public key %q: %d bytes", s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// PublicKeyFromEd25519 converts a standard-library public key.
func PublicKeyFromEd25519(pub ed25519.PublicKey) (PublicKey, error) {
	var pk PublicKey
	if len(pub) != PublicKeySize {
		return pk, errors.Errorf("txassembly: invalid ed25519 public key: %d bytes", len(pub))
	}
	copy(pk[:], pub)
	return pk, nil
}

// String returns the base58 form.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// Equal reports byte equality.
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk[:], other[:])
}

// BlockhashFromBase58 parses a base58-encoded blockhash.
func BlockhashFromBase58(s string) (Blockhash, error) {
	var bh Blockhash
	raw := base58.Decode(s)
	if len(raw) != BlockhashSize {
		return bh, errors.Errorf("txassembly: invalid blockhash %q: %d bytes", s, len(raw))
	}
	copy(bh[:], raw)
	return bh, nil
}

// String returns the base58 form.
func (bh Blockhash) String() string {
	return base58.Encode(bh[:])
}

// AccountMeta describes how an instruction touches one account.
type AccountMeta struct {
	PublicKey  PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single program invocation before compilation into a
// message's account table.
type Instruction struct {
	ProgramID PublicKey
	Accounts  []AccountMeta
	Data      []byte
}
