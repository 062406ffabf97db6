// Package frame implements the binary framing used on the wire between the
// wallet and a hardware signer. A frame is laid out as
//
//	[preamble:2][length:2 BE][opcode:1][payload:length][crc32:4 BE]
//
// where the checksum covers every byte preceding it. Encoding and decoding
// are pure functions with no I/O; the Decoder type supports incremental
// decoding across partial reads.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Opcode identifies the message type carried by a frame.
type Opcode byte

const (
	OpGetPublicKey    Opcode = 0x01
	OpSignMessage     Opcode = 0x02
	OpSignTransaction Opcode = 0x03
	OpAck             Opcode = 0x10
	OpNack            Opcode = 0x11
	OpError           Opcode = 0x12
)

// String returns a human-readable opcode name for logging.
func (o Opcode) String() string {
	switch o {
	case OpGetPublicKey:
		return "GetPublicKey"
	case OpSignMessage:
		return "SignMessage"
	case OpSignTransaction:
		return "SignTransaction"
	case OpAck:
		return "Ack"
	case OpNack:
		return "Nack"
	case OpError:
		return "Error"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", byte(o))
	}
}

func validOpcode(b byte) bool {
	switch Opcode(b) {
	case OpGetPublicKey, OpSignMessage, OpSignTransaction, OpAck, OpNack, OpError:
		return true
	default:
		return false
	}
}

const (
	// headerSize is preamble (2) + length (2) + opcode (1).
	headerSize   = 5
	checksumSize = 4

	// MaxPayloadSize bounds a single frame payload. Large enough for a full
	// serialized transaction, small enough to reject runaway length fields
	// before buffering.
	MaxPayloadSize = 4096
)

// preamble marks the start of every frame. The device protocol is internal
// to the wallet/device pair; these bytes were chosen to be unlikely in
// line noise.
var preamble = []byte{0xA5, 0x5A}

var (
	ErrTruncated        = errors.New("frame: truncated, need more bytes")
	ErrChecksumMismatch = errors.New("frame: checksum mismatch")
	ErrUnknownOpcode    = errors.New("frame: unknown opcode")
	ErrBadPreamble      = errors.New("frame: bad preamble")
	ErrPayloadTooLarge  = errors.New("frame: payload too large")
)

// Frame is a single decoded message. Frames are immutable once constructed.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// New constructs a frame, copying the payload so later mutation of the
// caller's buffer cannot change it.
func New(op Opcode, payload []byte) *Frame {
	return &Frame{Opcode: op, Payload: bytes.Clone(payload)}
}

// EncodedSize returns the total wire size of a frame carrying payloadLen bytes.
func EncodedSize(payloadLen int) int {
	return headerSize + payloadLen + checksumSize
}

// Encode serializes an opcode and payload into a wire frame.
func Encode(op Opcode, payload []byte) ([]byte, error) {
	if !validOpcode(byte(op)) {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, byte(op))
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, 0, EncodedSize(len(payload)))
	buf = append(buf, preamble...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, byte(op))
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf, nil
}

// Decode parses a single frame from the front of data. It returns the frame
// and the number of bytes consumed. ErrTruncated means data holds a valid
// prefix of a frame and the caller should supply more bytes.
func Decode(data []byte) (*Frame, int, error) {
	if len(data) < len(preamble) {
		return nil, 0, ErrTruncated
	}
	if !bytes.HasPrefix(data, preamble) {
		return nil, 0, ErrBadPreamble
	}
	if len(data) < headerSize {
		return nil, 0, ErrTruncated
	}

	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if payloadLen > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: declared %d bytes (max %d)", ErrPayloadTooLarge, payloadLen, MaxPayloadSize)
	}

	total := EncodedSize(payloadLen)
	if len(data) < total {
		return nil, 0, ErrTruncated
	}

	body := data[:headerSize+payloadLen]
	want := binary.BigEndian.Uint32(data[headerSize+payloadLen : total])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, 0, fmt.Errorf("%w: computed 0x%08x, frame carries 0x%08x", ErrChecksumMismatch, got, want)
	}

	op := data[4]
	if !validOpcode(op) {
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, op)
	}

	return &Frame{
		Opcode:  Opcode(op),
		Payload: bytes.Clone(data[headerSize : headerSize+payloadLen]),
	}, total, nil
}

// Decoder accumulates bytes from partial reads and yields complete frames.
// It is not safe for concurrent use; each transport session owns one.
type Decoder struct {
	buf []byte
}

// Feed appends bytes received from the wire.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes. Used when a session is torn down so a
// stray late response cannot be misread as answering the next request.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next returns the next complete frame, or (nil, nil) when more bytes are
// needed. Bytes ahead of a valid preamble are skipped; a frame that fails
// its checksum or carries an unknown opcode is consumed and its error
// returned, leaving the decoder usable for subsequent frames.
func (d *Decoder) Next() (*Frame, error) {
	for {
		// Align to the next preamble, discarding garbage.
		idx := bytes.Index(d.buf, preamble)
		if idx < 0 {
			// Keep a trailing byte in case it is the first preamble byte of
			// a frame split across reads.
			if len(d.buf) > 0 && d.buf[len(d.buf)-1] == preamble[0] {
				d.buf = d.buf[len(d.buf)-1:]
			} else {
				d.buf = nil
			}
			return nil, nil
		}
		d.buf = d.buf[idx:]

		f, n, err := Decode(d.buf)
		switch {
		case err == nil:
			d.buf = d.buf[n:]
			return f, nil
		case errors.Is(err, ErrTruncated):
			return nil, nil
		case errors.Is(err, ErrBadPreamble):
			d.buf = d.buf[1:]
		default:
			// Corrupt frame: skip past this preamble so the stream can
			// resynchronize, then surface the error.
			d.buf = d.buf[len(preamble):]
			return nil, err
		}
	}
}
