package txassembly

import (
	"bytes"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidSignerIndex reports a splice targeting a slot beyond the
	// transaction's declared signer count.
	ErrInvalidSignerIndex = errors.New("txassembly: signer index exceeds declared signer count")

	// ErrBadSignatureLength reports a signature that is not exactly one
	// slot wide.
	ErrBadSignatureLength = errors.New("txassembly: signature must be 64 bytes")

	// ErrNoInstructions reports an attempt to compile an empty template.
	ErrNoInstructions = errors.New("txassembly: template has no instructions")

	// ErrTemplateTooLarge reports a serialized transaction exceeding the
	// network packet size limit.
	ErrTemplateTooLarge = errors.New("txassembly: serialized transaction too large")
)

// MaxTransactionSize is the network's packet size limit for one transaction.
const MaxTransactionSize = 1232

// messageHeader mirrors the three-byte header at the front of the signable
// message.
type messageHeader struct {
	numRequiredSignatures uint8
	numReadonlySigned     uint8
	numReadonlyUnsigned   uint8
}

// compiledInstruction references accounts by index into the template's
// account table instead of by key.
type compiledInstruction struct {
	programIDIndex uint8
	accountIndexes []uint8
	data           []byte
}

// Template is a transaction under assembly: a compiled account table, the
// recent blockhash, and the instruction set. It holds byte buffers only,
// never key material. Templates are not safe for concurrent mutation.
type Template struct {
	header       messageHeader
	accountKeys  []PublicKey
	blockhash    Blockhash
	instructions []compiledInstruction
}

// NewTemplate compiles instructions into a transaction template. The fee
// payer occupies the first account slot and therefore signature slot zero.
// Account ordering follows the wire format's requirements: writable signers
// first (payer leading), then readonly signers, writable non-signers, and
// readonly non-signers.
func NewTemplate(payer PublicKey, instructions []Instruction, blockhash Blockhash) (*Template, error) {
	if len(instructions) == 0 {
		return nil, ErrNoInstructions
	}

	type accountFlags struct {
		signer   bool
		writable bool
	}
	flags := map[PublicKey]*accountFlags{
		payer: {signer: true, writable: true},
	}
	order := []PublicKey{payer}

	note := func(key PublicKey, signer, writable bool) {
		f, seen := flags[key]
		if !seen {
			f = &accountFlags{}
			flags[key] = f
			order = append(order, key)
		}
		f.signer = f.signer || signer
		f.writable = f.writable || writable
	}

	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			note(acc.PublicKey, acc.IsSigner, acc.IsWritable)
		}
		note(ix.ProgramID, false, false)
	}

	// Stable partition into the four wire-order classes, payer pinned first.
	var writableSigners, readonlySigners, writableOthers, readonlyOthers []PublicKey
	for _, key := range order {
		f := flags[key]
		switch {
		case key.Equal(payer):
			// Always the head of writableSigners.
		case f.signer && f.writable:
			writableSigners = append(writableSigners, key)
		case f.signer:
			readonlySigners = append(readonlySigners, key)
		case f.writable:
			writableOthers = append(writableOthers, key)
		default:
			readonlyOthers = append(readonlyOthers, key)
		}
	}

	accountKeys := make([]PublicKey, 0, len(order))
	accountKeys = append(accountKeys, payer)
	accountKeys = append(accountKeys, writableSigners...)
	accountKeys = append(accountKeys, readonlySigners...)
	accountKeys = append(accountKeys, writableOthers...)
	accountKeys = append(accountKeys, readonlyOthers...)
	if len(accountKeys) > 0xFF {
		return nil, errors.Errorf("txassembly: too many accounts: %d", len(accountKeys))
	}

	index := make(map[PublicKey]uint8, len(accountKeys))
	for i, key := range accountKeys {
		index[key] = uint8(i)
	}

	compiled := make([]compiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		ci := compiledInstruction{
			programIDIndex: index[ix.ProgramID],
			data:           bytes.Clone(ix.Data),
		}
		for _, acc := range ix.Accounts {
			ci.accountIndexes = append(ci.accountIndexes, index[acc.PublicKey])
		}
		compiled = append(compiled, ci)
	}

	return &Template{
		header: messageHeader{
			numRequiredSignatures: uint8(1 + len(writableSigners) + len(readonlySigners)),
			numReadonlySigned:     uint8(len(readonlySigners)),
			numReadonlyUnsigned:   uint8(len(readonlyOthers)),
		},
		accountKeys:  accountKeys,
		blockhash:    blockhash,
		instructions: compiled,
	}, nil
}

// SignerCount returns the number of declared signature slots.
func (t *Template) SignerCount() int {
	return int(t.header.numRequiredSignatures)
}

// FeePayer returns the account in signature slot zero.
func (t *Template) FeePayer() PublicKey {
	return t.accountKeys[0]
}

// RecentBlockhash returns the freshness token currently embedded.
func (t *Template) RecentBlockhash() Blockhash {
	return t.blockhash
}

// SetRecentBlockhash replaces the freshness token; used before resubmission
// when the previous blockhash has expired. Changing it changes the signable
// bytes, so callers must re-sign afterwards.
func (t *Template) SetRecentBlockhash(bh Blockhash) {
	t.blockhash = bh
}

// BuildSignableMessage serializes the header, account table, blockhash and
// instruction set into the exact byte sequence covered by signatures.
// Signature slots are not part of this sequence.
func (t *Template) BuildSignableMessage() ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, t.header.numRequiredSignatures, t.header.numReadonlySigned, t.header.numReadonlyUnsigned)

	var err error
	if buf, err = appendCompactU16(buf, len(t.accountKeys)); err != nil {
		return nil, err
	}
	for _, key := range t.accountKeys {
		buf = append(buf, key[:]...)
	}

	buf = append(buf, t.blockhash[:]...)

	if buf, err = appendCompactU16(buf, len(t.instructions)); err != nil {
		return nil, err
	}
	for _, ix := range t.instructions {
		buf = append(buf, ix.programIDIndex)
		if buf, err = appendCompactU16(buf, len(ix.accountIndexes)); err != nil {
			return nil, err
		}
		buf = append(buf, ix.accountIndexes...)
		if buf, err = appendCompactU16(buf, len(ix.data)); err != nil {
			return nil, err
		}
		buf = append(buf, ix.data...)
	}
	return buf, nil
}

// BuildUnsignedTransaction serializes the full transaction envelope with
// zeroed signature slots: a compact signature count, one 64-byte slot per
// declared signer, then the signable message.
func (t *Template) BuildUnsignedTransaction() ([]byte, error) {
	msg, err := t.BuildSignableMessage()
	if err != nil {
		return nil, err
	}

	sigCount := t.SignerCount()
	buf := make([]byte, 0, compactU16Size(sigCount)+sigCount*SignatureSize+len(msg))
	if buf, err = appendCompactU16(buf, sigCount); err != nil {
		return nil, err
	}
	buf = append(buf, make([]byte, sigCount*SignatureSize)...)
	buf = append(buf, msg...)

	if len(buf) > MaxTransactionSize {
		return nil, errors.Wrapf(ErrTemplateTooLarge, "%d bytes (max %d)", len(buf), MaxTransactionSize)
	}
	return buf, nil
}

// SpliceSignature writes sig into signature slot signerIndex of a serialized
// transaction and returns the patched copy. Every byte outside the target
// 64-byte slot is preserved exactly, which is what lets one signature be
// added to a multi-signer transaction without corrupting the others.
func SpliceSignature(tx []byte, sig []byte, signerIndex int) ([]byte, error) {
	if len(sig) != SignatureSize {
		return nil, errors.Wrapf(ErrBadSignatureLength, "got %d", len(sig))
	}

	sigCount, prefixLen, err := decodeCompactU16(tx)
	if err != nil {
		return nil, err
	}
	if signerIndex < 0 || signerIndex >= sigCount {
		return nil, errors.Wrapf(ErrInvalidSignerIndex, "index %d, declared %d", signerIndex, sigCount)
	}
	if len(tx) < prefixLen+sigCount*SignatureSize {
		return nil, errors.Errorf("txassembly: transaction truncated: %d bytes, need %d for %d signature slots",
			len(tx), prefixLen+sigCount*SignatureSize, sigCount)
	}

	out := bytes.Clone(tx)
	offset := prefixLen + signerIndex*SignatureSize
	copy(out[offset:offset+SignatureSize], sig)
	return out, nil
}

// ExtractMessage returns the signable message portion of a serialized
// transaction, i.e. everything after the signature slots.
func ExtractMessage(tx []byte) ([]byte, error) {
	sigCount, prefixLen, err := decodeCompactU16(tx)
	if err != nil {
		return nil, err
	}
	start := prefixLen + sigCount*SignatureSize
	if len(tx) < start {
		return nil, errors.Errorf("txassembly: transaction truncated at %d bytes", len(tx))
	}
	return bytes.Clone(tx[start:]), nil
}
