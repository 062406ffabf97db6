package txassembly

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seedByte byte) PublicKey {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, ed25519.SeedSize)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	pk, err := PublicKeyFromEd25519(pub)
	require.NoError(t, err)
	return pk
}

func testBlockhash(t *testing.T, fill byte) Blockhash {
	t.Helper()
	var bh Blockhash
	for i := range bh {
		bh[i] = fill
	}
	return bh
}

func TestNewTemplate_TransferLayout(t *testing.T) {
	from := testKey(t, 1)
	to := testKey(t, 2)
	bh := testBlockhash(t, 0xbb)

	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, to, 5000)}, bh)
	require.NoError(t, err)

	assert.Equal(t, 1, tpl.SignerCount())
	assert.True(t, tpl.FeePayer().Equal(from))
	assert.Equal(t, bh, tpl.RecentBlockhash())

	// Accounts: payer, destination, system program.
	require.Len(t, tpl.accountKeys, 3)
	assert.True(t, tpl.accountKeys[0].Equal(from))
	assert.True(t, tpl.accountKeys[1].Equal(to))
	assert.True(t, tpl.accountKeys[2].Equal(SystemProgramID))

	assert.Equal(t, uint8(1), tpl.header.numRequiredSignatures)
	assert.Equal(t, uint8(0), tpl.header.numReadonlySigned)
	assert.Equal(t, uint8(1), tpl.header.numReadonlyUnsigned)
}

func TestNewTemplate_DeduplicatesAndOrders(t *testing.T) {
	payer := testKey(t, 1)
	other := testKey(t, 2)
	readonly := testKey(t, 3)
	bh := testBlockhash(t, 1)

	// The payer appears again as an instruction account; it must keep
	// slot zero and appear once.
	ix := Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: readonly, IsSigner: false, IsWritable: false},
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: other, IsSigner: false, IsWritable: true},
			{PublicKey: readonly, IsSigner: false, IsWritable: false},
		},
		Data: []byte{1},
	}
	tpl, err := NewTemplate(payer, []Instruction{ix}, bh)
	require.NoError(t, err)

	require.Len(t, tpl.accountKeys, 4)
	assert.True(t, tpl.accountKeys[0].Equal(payer))
	assert.True(t, tpl.accountKeys[1].Equal(other))
	// Readonly non-signers trail; program IDs are readonly non-signers too.
	assert.Equal(t, uint8(2), tpl.header.numReadonlyUnsigned)
}

func TestNewTemplate_NoInstructions(t *testing.T) {
	_, err := NewTemplate(testKey(t, 1), nil, testBlockhash(t, 0))
	assert.ErrorIs(t, err, ErrNoInstructions)
}

func TestBuildSignableMessage_Layout(t *testing.T) {
	from := testKey(t, 1)
	to := testKey(t, 2)
	bh := testBlockhash(t, 0xcc)

	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, to, 42)}, bh)
	require.NoError(t, err)

	msg, err := tpl.BuildSignableMessage()
	require.NoError(t, err)

	// Header.
	require.Greater(t, len(msg), 3+1+3*PublicKeySize+BlockhashSize)
	assert.Equal(t, byte(1), msg[0])
	assert.Equal(t, byte(0), msg[1])
	assert.Equal(t, byte(1), msg[2])

	// Account table: compact count then raw keys.
	assert.Equal(t, byte(3), msg[3])
	assert.Equal(t, from[:], msg[4:4+PublicKeySize])
	assert.Equal(t, to[:], msg[4+PublicKeySize:4+2*PublicKeySize])

	// Blockhash sits right after the account table.
	bhStart := 4 + 3*PublicKeySize
	assert.Equal(t, bh[:], msg[bhStart:bhStart+BlockhashSize])

	// One instruction: program index 2, two accounts (0, 1), 12 data bytes.
	ixStart := bhStart + BlockhashSize
	expected := []byte{1, 2, 2, 0, 1, 12}
	assert.Equal(t, expected, msg[ixStart:ixStart+len(expected)])
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(msg[ixStart+len(expected)+4:]))
}

func TestBuildUnsignedTransaction_ZeroSlots(t *testing.T) {
	from := testKey(t, 1)
	to := testKey(t, 2)

	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, to, 1)}, testBlockhash(t, 7))
	require.NoError(t, err)

	tx, err := tpl.BuildUnsignedTransaction()
	require.NoError(t, err)

	assert.Equal(t, byte(1), tx[0])
	assert.Equal(t, make([]byte, SignatureSize), tx[1:1+SignatureSize])

	msg, err := tpl.BuildSignableMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, tx[1+SignatureSize:])

	extracted, err := ExtractMessage(tx)
	require.NoError(t, err)
	assert.Equal(t, msg, extracted)
}

func TestSetRecentBlockhash_ChangesSignableBytes(t *testing.T) {
	from := testKey(t, 1)
	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, testKey(t, 2), 1)}, testBlockhash(t, 1))
	require.NoError(t, err)

	before, err := tpl.BuildSignableMessage()
	require.NoError(t, err)

	tpl.SetRecentBlockhash(testBlockhash(t, 2))
	after, err := tpl.BuildSignableMessage()
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
	assert.Equal(t, len(before), len(after))
}

func TestSpliceSignature_Locality(t *testing.T) {
	from := testKey(t, 1)
	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, testKey(t, 2), 9)}, testBlockhash(t, 9))
	require.NoError(t, err)

	tx, err := tpl.BuildUnsignedTransaction()
	require.NoError(t, err)
	original := bytes.Clone(tx)

	sig := bytes.Repeat([]byte{0xee}, SignatureSize)
	patched, err := SpliceSignature(tx, sig, 0)
	require.NoError(t, err)

	// Input untouched.
	assert.Equal(t, original, tx)

	// Exactly the slot bytes changed, nothing else.
	assert.Equal(t, len(tx), len(patched))
	assert.Equal(t, tx[:1], patched[:1])
	assert.Equal(t, sig, patched[1:1+SignatureSize])
	assert.Equal(t, tx[1+SignatureSize:], patched[1+SignatureSize:])
}

func TestSpliceSignature_SecondSlot(t *testing.T) {
	payer := testKey(t, 1)
	cosigner := testKey(t, 2)
	ix := Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: cosigner, IsSigner: true, IsWritable: true},
		},
		Data: []byte{0},
	}
	tpl, err := NewTemplate(payer, []Instruction{ix}, testBlockhash(t, 3))
	require.NoError(t, err)
	require.Equal(t, 2, tpl.SignerCount())

	tx, err := tpl.BuildUnsignedTransaction()
	require.NoError(t, err)

	sig := bytes.Repeat([]byte{0x11}, SignatureSize)
	patched, err := SpliceSignature(tx, sig, 1)
	require.NoError(t, err)

	slot1 := 1 + SignatureSize
	assert.Equal(t, make([]byte, SignatureSize), patched[1:slot1])
	assert.Equal(t, sig, patched[slot1:slot1+SignatureSize])
	assert.Equal(t, tx[slot1+SignatureSize:], patched[slot1+SignatureSize:])
}

func TestSpliceSignature_Errors(t *testing.T) {
	from := testKey(t, 1)
	tpl, err := NewTemplate(from, []Instruction{SystemTransfer(from, testKey(t, 2), 1)}, testBlockhash(t, 1))
	require.NoError(t, err)
	tx, err := tpl.BuildUnsignedTransaction()
	require.NoError(t, err)

	sig := make([]byte, SignatureSize)

	_, err = SpliceSignature(tx, sig, 1)
	assert.ErrorIs(t, err, ErrInvalidSignerIndex)

	_, err = SpliceSignature(tx, sig, -1)
	assert.ErrorIs(t, err, ErrInvalidSignerIndex)

	_, err = SpliceSignature(tx, sig[:63], 0)
	assert.ErrorIs(t, err, ErrBadSignatureLength)

	_, err = SpliceSignature(tx[:30], sig, 0)
	assert.Error(t, err)
}

func TestSlotGuard_Encoding(t *testing.T) {
	ix := SlotGuard(123456789)
	assert.True(t, ix.ProgramID.Equal(SlotGuardProgramID))
	require.Len(t, ix.Accounts, 1)
	assert.True(t, ix.Accounts[0].PublicKey.Equal(ClockSysvarID))
	assert.False(t, ix.Accounts[0].IsSigner)
	assert.False(t, ix.Accounts[0].IsWritable)
	require.Len(t, ix.Data, 8)
	assert.Equal(t, uint64(123456789), binary.LittleEndian.Uint64(ix.Data))
}

func TestSlotGuardFromCurrent(t *testing.T) {
	ix, err := SlotGuardFromCurrent(1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000+DefaultSlotWindow), binary.LittleEndian.Uint64(ix.Data))

	ix, err = SlotGuardFromCurrent(1000, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1005), binary.LittleEndian.Uint64(ix.Data))

	_, err = SlotGuardFromCurrent(math.MaxUint64-3, 0)
	assert.ErrorIs(t, err, ErrSlotOverflow)
}

func TestTipInstructions(t *testing.T) {
	from := testKey(t, 1)
	tips := TipInstructions(from)
	require.Len(t, tips, 2)
	for _, ix := range tips {
		assert.True(t, ix.ProgramID.Equal(SystemProgramID))
		require.Len(t, ix.Accounts, 2)
		assert.True(t, ix.Accounts[0].PublicKey.Equal(from))
		assert.Equal(t, TipLamports, binary.LittleEndian.Uint64(ix.Data[4:]))
	}
	assert.False(t, tips[0].Accounts[1].PublicKey.Equal(tips[1].Accounts[1].PublicKey))
}

func TestNewTransferTemplate_GuardedAndTipped(t *testing.T) {
	from := testKey(t, 1)
	to := testKey(t, 2)

	tpl, err := NewTransferTemplate(from, to, 777, testBlockhash(t, 4), TransferOptions{
		CurrentSlot: 5000,
		Tips:        true,
	})
	require.NoError(t, err)

	// Transfer, guard, two tips.
	assert.Len(t, tpl.instructions, 4)
	assert.Equal(t, 1, tpl.SignerCount())

	tx, err := tpl.BuildUnsignedTransaction()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(tx), MaxTransactionSize)
}
