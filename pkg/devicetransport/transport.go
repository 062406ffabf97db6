// Package devicetransport owns the physical communication channel to a
// hardware signer. A Session wraps one open port and enforces the device
// protocol's strict request/response discipline: at most one frame is in
// flight at a time, reads and writes are bounded by timeouts, and an I/O
// failure tears the session down so a stray late response can never be
// misread as answering a later request.
package devicetransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/frame"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAwaitingResponse
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingResponse:
		return "awaiting_response"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrTimeout reports that a read or write exceeded its deadline. The
	// session remains connected; the caller may retry or abandon.
	ErrTimeout = errors.New("devicetransport: timeout")

	// ErrBusy reports a send attempted while a response to an earlier frame
	// is still outstanding. Nothing is written to the wire.
	ErrBusy = errors.New("devicetransport: request already in flight")

	// ErrClosed reports an operation on a disconnected session.
	ErrClosed = errors.New("devicetransport: session closed")

	// ErrNotFound reports that no hardware signer was found on any port.
	ErrNotFound = errors.New("devicetransport: no device found")
)

// Port abstracts the byte stream to the device. The serial implementation
// lives in serial.go; tests use an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds how long a single Read may block. A Read that
	// expires returns (0, nil).
	SetReadTimeout(d time.Duration) error
}

// Config carries per-session transport settings.
type Config struct {
	// BaudRate for serial ports. Defaults to 115200, the rate the device
	// firmware runs at.
	BaudRate int

	// ReadTimeout bounds a single RecvFrame call when the caller passes no
	// explicit timeout. Defaults to 5s.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single SendFrame call. Defaults to 5s.
	WriteTimeout time.Duration

	// PollInterval is the granularity of the receive loop's port reads.
	// Shorter polls notice cancellation sooner at the cost of more syscalls.
	PollInterval time.Duration

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 115200
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is one open channel to a hardware signer. All methods are safe for
// concurrent use; concurrent requests are rejected with ErrBusy rather than
// interleaved, because the device cannot service pipelined frames.
type Session struct {
	mu     sync.Mutex
	state  State
	port   Port
	dec    frame.Decoder
	cfg    Config
	portID string
	logger *zap.Logger

	// A cancelled receive leaves the device free to answer later. Until
	// that response is consumed (or its deadline passes), the next send
	// must drain it so it is not misread as answering the new request.
	abandoned       bool
	abandonDeadline time.Time
}

// NewSession wraps an already-open port. Used directly by tests; Open goes
// through newConnectingSession so the dial is observable as a state.
func NewSession(port Port, portID string, cfg Config) *Session {
	s := newConnectingSession(portID, cfg)
	s.attach(port)
	return s
}

// newConnectingSession creates a session whose port is still being opened.
// Operations fail with ErrClosed until attach binds the port.
func newConnectingSession(portID string, cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		state:  StateConnecting,
		cfg:    cfg,
		portID: portID,
		logger: cfg.Logger,
	}
}

// attach binds the opened port and moves the session to Connected.
func (s *Session) attach(port Port) {
	s.mu.Lock()
	s.port = port
	s.state = StateConnected
	s.mu.Unlock()
}

// PortID returns the identifier of the underlying port, e.g. "/dev/ttyUSB0".
func (s *Session) PortID() string {
	return s.portID
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SendFrame writes one encoded frame to the device and transitions the
// session to AwaitingResponse. A second send before RecvFrame resolves
// fails fast with ErrBusy without touching the wire.
func (s *Session) SendFrame(ctx context.Context, f *frame.Frame) error {
	s.mu.Lock()
	switch s.state {
	case StateAwaitingResponse:
		s.mu.Unlock()
		return ErrBusy
	case StateDisconnected, StateConnecting:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = StateAwaitingResponse
	port := s.port
	s.mu.Unlock()

	if err := s.drainAbandoned(ctx); err != nil {
		return err
	}

	encoded, err := frame.Encode(f.Opcode, f.Payload)
	if err != nil {
		s.setState(StateConnected)
		return fmt.Errorf("encode frame: %w", err)
	}

	if err := ctx.Err(); err != nil {
		s.setState(StateConnected)
		return err
	}

	// Serial ports expose no write deadline, so the frame goes out in small
	// chunks with the deadline checked between them. A stalled port then
	// overruns the timeout by at most one chunk, not one frame.
	const writeChunk = 64
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	for written := 0; written < len(encoded); {
		if time.Now().After(deadline) {
			s.setState(StateConnected)
			return fmt.Errorf("%w: write stalled after %d/%d bytes", ErrTimeout, written, len(encoded))
		}
		end := written + writeChunk
		if end > len(encoded) {
			end = len(encoded)
		}
		n, err := port.Write(encoded[written:end])
		if err != nil {
			s.teardown(err)
			return fmt.Errorf("write frame: %w", err)
		}
		written += n
	}

	s.logger.Debug("frame sent",
		zap.String("port", s.portID),
		zap.String("opcode", f.Opcode.String()),
		zap.Int("payload_bytes", len(f.Payload)),
	)
	return nil
}

// RecvFrame reads the response to the in-flight request. On success or
// timeout the session returns to Connected; on I/O error it disconnects.
// A timeout of zero uses the configured ReadTimeout.
func (s *Session) RecvFrame(ctx context.Context, timeout time.Duration) (*frame.Frame, error) {
	s.mu.Lock()
	if s.state == StateDisconnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	port := s.port
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = s.cfg.ReadTimeout
	}
	deadline := time.Now().Add(timeout)

	if err := port.SetReadTimeout(s.cfg.PollInterval); err != nil {
		s.teardown(err)
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	buf := make([]byte, 512)
	for {
		// The decoder may already hold a complete frame from a previous read.
		s.mu.Lock()
		f, err := s.dec.Next()
		s.mu.Unlock()
		if err != nil {
			// Corrupt frame on the wire. The request/response pairing is
			// intact (we consumed a full frame), so stay connected.
			s.setState(StateConnected)
			return nil, err
		}
		if f != nil {
			s.setState(StateConnected)
			s.logger.Debug("frame received",
				zap.String("port", s.portID),
				zap.String("opcode", f.Opcode.String()),
				zap.Int("payload_bytes", len(f.Payload)),
			)
			return f, nil
		}

		if err := ctx.Err(); err != nil {
			// The caller gave up but the device may still answer. Keep any
			// partial bytes buffered and mark the response outstanding; the
			// next SendFrame drains it before writing.
			s.mu.Lock()
			if s.state != StateDisconnected {
				s.state = StateConnected
				s.abandoned = true
				s.abandonDeadline = deadline
			}
			s.mu.Unlock()
			return nil, err
		}
		if time.Now().After(deadline) {
			s.setState(StateConnected)
			return nil, ErrTimeout
		}

		n, err := port.Read(buf)
		if err != nil {
			s.teardown(err)
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if n > 0 {
			s.mu.Lock()
			s.dec.Feed(buf[:n])
			s.mu.Unlock()
		}
	}
}

// Exchange sends a request frame and waits for its response. This is the
// request/response primitive the hardware signer is built on.
func (s *Session) Exchange(ctx context.Context, req *frame.Frame, timeout time.Duration) (*frame.Frame, error) {
	if err := s.SendFrame(ctx, req); err != nil {
		return nil, err
	}
	return s.RecvFrame(ctx, timeout)
}

// Close disconnects the session and releases the port. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return nil
	}
	s.state = StateDisconnected
	s.dec.Reset()
	if s.port == nil {
		return nil
	}
	if err := s.port.Close(); err != nil {
		return fmt.Errorf("close port: %w", err)
	}
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.state = st
	}
	s.mu.Unlock()
}

// drainAbandoned consumes the response to a request whose receive was
// cancelled, waiting up to that request's original deadline. Without this a
// late reply would sit in the port buffer and be returned as the answer to
// the next request.
func (s *Session) drainAbandoned(ctx context.Context) error {
	s.mu.Lock()
	if !s.abandoned {
		s.mu.Unlock()
		return nil
	}
	deadline := s.abandonDeadline
	port := s.port
	s.mu.Unlock()

	if err := port.SetReadTimeout(s.cfg.PollInterval); err != nil {
		s.teardown(err)
		return fmt.Errorf("set read timeout: %w", err)
	}

	buf := make([]byte, 512)
	for {
		s.mu.Lock()
		f, err := s.dec.Next()
		s.mu.Unlock()
		if f != nil || err != nil {
			// Stale response consumed, valid or not.
			break
		}

		if err := ctx.Err(); err != nil {
			s.setState(StateConnected)
			return err
		}
		if time.Now().After(deadline) {
			// The device never answered the abandoned request. Drop any
			// partial bytes so they cannot prefix the next response.
			s.mu.Lock()
			s.dec.Reset()
			s.mu.Unlock()
			break
		}

		n, rerr := port.Read(buf)
		if rerr != nil {
			s.teardown(rerr)
			return fmt.Errorf("drain stale response: %w", rerr)
		}
		if n > 0 {
			s.mu.Lock()
			s.dec.Feed(buf[:n])
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	s.abandoned = false
	s.mu.Unlock()

	s.logger.Debug("stale response drained", zap.String("port", s.portID))
	return nil
}

// teardown closes the session after an I/O failure.
func (s *Session) teardown(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.logger.Warn("session torn down",
		zap.String("port", s.portID),
		zap.Error(cause),
	)
	s.state = StateDisconnected
	s.dec.Reset()
	_ = s.port.Close()
}
