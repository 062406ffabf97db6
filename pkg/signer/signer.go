// Package signer provides a uniform signing interface over in-memory
// ed25519 keypairs and serial-attached hardware devices. Callers choose a
// backend at construction time and use the same operations regardless of
// where the private key lives.
package signer

import (
	"context"
	"crypto/ed25519"

	"github.com/pkg/errors"

	"github.com/hogyzen12/unruggable-app/pkg/keys"
	"github.com/hogyzen12/unruggable-app/pkg/txassembly"
)

// Kind identifies which backend holds the private key.
type Kind int

const (
	// Software keys live in process memory.
	Software Kind = iota
	// Hardware keys never leave the attached device.
	Hardware
)

func (k Kind) String() string {
	switch k {
	case Software:
		return "software"
	case Hardware:
		return "hardware"
	default:
		return "unknown"
	}
}

var errNoBackend = errors.New("signer: no backend configured")

// Signer is a tagged union over the two backends. The zero value is not
// usable; construct with NewSoftware or NewHardware.
type Signer struct {
	kind     Kind
	keypair  *keys.Keypair
	hardware *HardwareSigner
}

// NewSoftware wraps an in-memory keypair.
func NewSoftware(kp *keys.Keypair) *Signer {
	return &Signer{kind: Software, keypair: kp}
}

// NewHardware wraps a device-backed signer.
func NewHardware(h *HardwareSigner) *Signer {
	return &Signer{kind: Hardware, hardware: h}
}

// Kind reports which backend this signer uses.
func (s *Signer) Kind() Kind {
	return s.kind
}

// ResourceID names the underlying signing resource. Requests against the
// same resource must not run concurrently; callers key their serialization
// on this value. Software signers are identified by address, hardware
// signers by the serial port carrying the device.
func (s *Signer) ResourceID() string {
	switch s.kind {
	case Software:
		return "key:" + s.keypair.Address()
	case Hardware:
		return "device:" + s.hardware.PortID()
	default:
		return ""
	}
}

// PublicKey returns the signer's ed25519 public key. For hardware this may
// round-trip to the device on first use.
func (s *Signer) PublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	switch s.kind {
	case Software:
		return s.keypair.PublicKey(), nil
	case Hardware:
		return s.hardware.PublicKey(ctx)
	default:
		return nil, errNoBackend
	}
}

// Address returns the base58 form of the public key.
func (s *Signer) Address(ctx context.Context) (string, error) {
	pub, err := s.PublicKey(ctx)
	if err != nil {
		return "", err
	}
	pk, err := txassembly.PublicKeyFromEd25519(pub)
	if err != nil {
		return "", err
	}
	return pk.String(), nil
}

// SignMessage signs arbitrary bytes and returns the 64-byte signature.
func (s *Signer) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	switch s.kind {
	case Software:
		return s.keypair.Sign(msg)
	case Hardware:
		return s.hardware.SignMessage(ctx, msg)
	default:
		return nil, errNoBackend
	}
}

// SignTransaction signs a serialized unsigned transaction and returns the
// 64-byte signature over its message. The caller splices the signature into
// the transaction's signature slot.
func (s *Signer) SignTransaction(ctx context.Context, unsigned []byte) ([]byte, error) {
	switch s.kind {
	case Software:
		msg, err := txassembly.ExtractMessage(unsigned)
		if err != nil {
			return nil, err
		}
		return s.keypair.Sign(msg)
	case Hardware:
		return s.hardware.SignTransaction(ctx, unsigned)
	default:
		return nil, errNoBackend
	}
}
