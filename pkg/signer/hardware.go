package signer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/devicetransport"
	"github.com/hogyzen12/unruggable-app/pkg/frame"
)

var (
	// ErrUserRejected means the user declined the operation on the device.
	ErrUserRejected = errors.New("signer: rejected on device")

	// ErrBadSignatureLength means the device returned a signature of the
	// wrong size.
	ErrBadSignatureLength = errors.New("signer: device returned malformed signature")

	// ErrBadPublicKeyLength means the device returned a public key of the
	// wrong size.
	ErrBadPublicKeyLength = errors.New("signer: device returned malformed public key")
)

// DeviceError carries a failure reason reported by the device itself, as
// opposed to a transport failure reaching it.
type DeviceError struct {
	Op     frame.Opcode
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("signer: device error during %s: %s", e.Op, e.Reason)
}

// TransportError wraps a failure in the serial link underneath a device
// operation.
type TransportError struct {
	Op  frame.Opcode
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signer: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const (
	// DefaultSignTimeout bounds a signing exchange. Signing waits on a
	// human pressing a button, so this is generous.
	DefaultSignTimeout = 60 * time.Second

	// DefaultQueryTimeout bounds exchanges that need no user interaction.
	DefaultQueryTimeout = 5 * time.Second
)

// HardwareConfig tunes a HardwareSigner.
type HardwareConfig struct {
	SignTimeout  time.Duration
	QueryTimeout time.Duration
	Logger       *zap.Logger
}

func (c *HardwareConfig) applyDefaults() {
	if c.SignTimeout <= 0 {
		c.SignTimeout = DefaultSignTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// HardwareSigner signs via a serial-attached device. The private key never
// crosses the wire; requests carry the bytes to sign and responses carry
// the signature. Safe for concurrent use; the underlying session rejects
// overlapping exchanges and this type serializes its own calls.
type HardwareSigner struct {
	session *devicetransport.Session
	cfg     HardwareConfig
	logger  *zap.Logger

	mu     sync.Mutex
	pubkey ed25519.PublicKey
}

// NewHardwareSigner wraps an open device session.
func NewHardwareSigner(session *devicetransport.Session, cfg HardwareConfig) *HardwareSigner {
	cfg.applyDefaults()
	return &HardwareSigner{
		session: session,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// PortID names the serial port carrying the device.
func (h *HardwareSigner) PortID() string {
	return h.session.PortID()
}

// Close releases the underlying session.
func (h *HardwareSigner) Close() error {
	return h.session.Close()
}

// PublicKey fetches the device's public key, caching it after the first
// successful exchange.
func (h *HardwareSigner) PublicKey(ctx context.Context) (ed25519.PublicKey, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pubkey != nil {
		out := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(out, h.pubkey)
		return out, nil
	}

	payload, err := h.exchange(ctx, frame.OpGetPublicKey, nil, h.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) != ed25519.PublicKeySize {
		return nil, errors.Wrapf(ErrBadPublicKeyLength, "got %d bytes", len(payload))
	}

	h.pubkey = ed25519.PublicKey(payload)
	out := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(out, h.pubkey)
	return out, nil
}

// SignMessage asks the device to sign arbitrary bytes. Blocks until the
// user confirms or rejects on the device, or the timeout passes.
func (h *HardwareSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return h.sign(ctx, frame.OpSignMessage, msg)
}

// SignTransaction asks the device to sign a serialized unsigned transaction.
// The device parses and displays the transaction before signing its message
// bytes.
func (h *HardwareSigner) SignTransaction(ctx context.Context, unsigned []byte) ([]byte, error) {
	return h.sign(ctx, frame.OpSignTransaction, unsigned)
}

func (h *HardwareSigner) sign(ctx context.Context, op frame.Opcode, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sig, err := h.exchange(ctx, op, payload, h.cfg.SignTimeout)
	if err != nil {
		return nil, err
	}
	if len(sig) != ed25519.SignatureSize {
		return nil, errors.Wrapf(ErrBadSignatureLength, "got %d bytes", len(sig))
	}
	return sig, nil
}

// exchange runs one request/response and maps the device's reply opcodes:
// Ack carries the result, Nack means the user declined, Error carries a
// device-reported reason. Callers hold h.mu.
func (h *HardwareSigner) exchange(ctx context.Context, op frame.Opcode, payload []byte, timeout time.Duration) ([]byte, error) {
	h.logger.Debug("device exchange",
		zap.String("port", h.session.PortID()),
		zap.String("op", op.String()),
		zap.Int("payload_bytes", len(payload)))

	resp, err := h.session.Exchange(ctx, frame.New(op, payload), timeout)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	switch resp.Opcode {
	case frame.OpAck:
		return resp.Payload, nil
	case frame.OpNack:
		h.logger.Info("operation rejected on device",
			zap.String("port", h.session.PortID()),
			zap.String("op", op.String()))
		return nil, ErrUserRejected
	case frame.OpError:
		return nil, &DeviceError{Op: op, Reason: string(resp.Payload)}
	default:
		return nil, &DeviceError{Op: op, Reason: fmt.Sprintf("unexpected reply opcode %s", resp.Opcode)}
	}
}
