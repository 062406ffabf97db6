package txassembly

import "github.com/pkg/errors"

// Compact length prefixes ("short vec"): a little-endian base-128 varint
// capped at three bytes, encoding values up to 0xFFFF. This is the count
// encoding used for every array in the transaction wire format, including
// the signature count prefix ahead of the fixed-width signature slots.

const maxCompactU16 = 0xFFFF

var errCompactOverflow = errors.New("txassembly: compact-u16 value out of range")

// appendCompactU16 appends the compact encoding of v to buf.
func appendCompactU16(buf []byte, v int) ([]byte, error) {
	if v < 0 || v > maxCompactU16 {
		return nil, errors.Wrapf(errCompactOverflow, "%d", v)
	}
	for {
		if v < 0x80 {
			return append(buf, byte(v)), nil
		}
		buf = append(buf, byte(v&0x7f)|0x80)
		v >>= 7
	}
}

// decodeCompactU16 reads a compact length from the front of data, returning
// the value and the number of prefix bytes.
func decodeCompactU16(data []byte) (int, int, error) {
	var value, shift int
	for i := 0; i < 3; i++ {
		if i >= len(data) {
			return 0, 0, errors.New("txassembly: truncated compact-u16")
		}
		b := data[i]
		value |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			if value > maxCompactU16 {
				return 0, 0, errCompactOverflow
			}
			return value, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.New("txassembly: malformed compact-u16")
}

// compactU16Size returns how many bytes the compact encoding of v occupies.
func compactU16Size(v int) int {
	switch {
	case v < 0x80:
		return 1
	case v < 0x4000:
		return 2
	default:
		return 3
	}
}
