package txassembly

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Well-known program and account addresses.
var (
	// SystemProgramID owns lamport transfers and account creation.
	SystemProgramID = mustPublicKey("11111111111111111111111111111111")

	// SlotGuardProgramID is the on-chain program that rejects a transaction
	// once the cluster passes a maximum slot, bounding how long a signed
	// transaction stays broadcastable.
	SlotGuardProgramID = mustPublicKey("23MzuyVH6EKGbUHq7GjBY6ydSCVoZQYDmzeKVdDBKWNQ")

	// ClockSysvarID is the slot clock account the guard program reads.
	ClockSysvarID = mustPublicKey("SysvarC1ock11111111111111111111111111111111")

	// Tip destinations for priority inclusion.
	tipAccounts = []PublicKey{
		mustPublicKey("juLesoSmdTcRtzjCzYzRoHrnF8GhVu6KCV7uxq7nJGp"),
		mustPublicKey("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"),
	}
)

const (
	// systemTransferIndex is the system program's instruction tag for a
	// lamport transfer.
	systemTransferIndex uint32 = 2

	// DefaultSlotWindow is how many slots past the current one a guarded
	// transaction stays valid. At ~400ms per slot this is roughly ten
	// seconds.
	DefaultSlotWindow uint64 = 24

	// TipLamports is the amount sent to each tip account.
	TipLamports uint64 = 100_000
)

// ErrSlotOverflow reports a slot guard whose deadline would wrap uint64.
var ErrSlotOverflow = errors.New("txassembly: slot guard deadline overflows")

func mustPublicKey(s string) PublicKey {
	pk, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// SystemTransfer builds a lamport transfer from one account to another. The
// source account signs.
func SystemTransfer(from, to PublicKey, lamports uint64) Instruction {
	data := make([]byte, 0, 12)
	data = binary.LittleEndian.AppendUint32(data, systemTransferIndex)
	data = binary.LittleEndian.AppendUint64(data, lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: from, IsSigner: true, IsWritable: true},
			{PublicKey: to, IsSigner: false, IsWritable: true},
		},
		Data: data,
	}
}

// SlotGuard builds the guard instruction with an explicit maximum slot.
func SlotGuard(maxSlot uint64) Instruction {
	return Instruction{
		ProgramID: SlotGuardProgramID,
		Accounts: []AccountMeta{
			{PublicKey: ClockSysvarID, IsSigner: false, IsWritable: false},
		},
		Data: binary.LittleEndian.AppendUint64(nil, maxSlot),
	}
}

// SlotGuardFromCurrent builds the guard instruction window slots past
// currentSlot. A window of zero uses DefaultSlotWindow.
func SlotGuardFromCurrent(currentSlot, window uint64) (Instruction, error) {
	if window == 0 {
		window = DefaultSlotWindow
	}
	if currentSlot > math.MaxUint64-window {
		return Instruction{}, errors.Wrapf(ErrSlotOverflow, "slot %d window %d", currentSlot, window)
	}
	return SlotGuard(currentSlot + window), nil
}

// TipInstructions builds the priority tip transfers paid by from.
func TipInstructions(from PublicKey) []Instruction {
	out := make([]Instruction, 0, len(tipAccounts))
	for _, tip := range tipAccounts {
		out = append(out, SystemTransfer(from, tip, TipLamports))
	}
	return out
}

// TransferOptions tunes NewTransferTemplate.
type TransferOptions struct {
	// CurrentSlot, when nonzero, adds a slot guard instruction bounding
	// the transaction's validity to SlotWindow slots past it.
	CurrentSlot uint64
	// SlotWindow overrides DefaultSlotWindow when nonzero.
	SlotWindow uint64
	// Tips adds the priority tip transfers paid by the sender.
	Tips bool
}

// NewTransferTemplate assembles a single-signer lamport transfer, optionally
// guarded and tipped, ready for signing.
func NewTransferTemplate(from, to PublicKey, lamports uint64, blockhash Blockhash, opts TransferOptions) (*Template, error) {
	instructions := []Instruction{SystemTransfer(from, to, lamports)}
	if opts.CurrentSlot != 0 {
		guard, err := SlotGuardFromCurrent(opts.CurrentSlot, opts.SlotWindow)
		if err != nil {
			return nil, err
		}
		instructions = append(instructions, guard)
	}
	if opts.Tips {
		instructions = append(instructions, TipInstructions(from)...)
	}
	return NewTemplate(from, instructions, blockhash)
}
