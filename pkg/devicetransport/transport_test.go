package devicetransport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/frame"
)

// fakePort is an in-memory Port. Writes are captured; reads drain a queue of
// pre-programmed response bytes, honouring the poll-style timeout contract
// (a read with nothing pending returns (0, nil) after the timeout).
type fakePort struct {
	mu          sync.Mutex
	written     []byte
	writeSizes  []int
	pending     []byte
	readTimeout time.Duration
	writeDelay  time.Duration
	closed      bool
	writeErr    error
	readErr     error
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.written = append(p.written, b...)
	p.writeSizes = append(p.writeSizes, len(b))
	d := p.writeDelay
	p.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.pending) == 0 {
		d := p.readTimeout
		p.mu.Unlock()
		time.Sleep(d)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.readTimeout = d
	p.mu.Unlock()
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) queueFrame(t *testing.T, op frame.Opcode, payload []byte) {
	t.Helper()
	encoded, err := frame.Encode(op, payload)
	require.NoError(t, err)
	p.mu.Lock()
	p.pending = append(p.pending, encoded...)
	p.mu.Unlock()
}

func (p *fakePort) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

func testConfig() Config {
	return Config{
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       zap.NewNop(),
	}
}

func TestSession_ExchangeHappyPath(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())
	require.Equal(t, StateConnected, sess.State())

	port.queueFrame(t, frame.OpAck, []byte("pubkey-bytes"))

	resp, err := sess.Exchange(context.Background(), frame.New(frame.OpGetPublicKey, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, frame.OpAck, resp.Opcode)
	assert.Equal(t, []byte("pubkey-bytes"), resp.Payload)
	assert.Equal(t, StateConnected, sess.State())

	// The request frame actually went out on the wire.
	f, n, err := frame.Decode(port.writtenBytes())
	require.NoError(t, err)
	assert.Equal(t, len(port.writtenBytes()), n)
	assert.Equal(t, frame.OpGetPublicKey, f.Opcode)
}

func TestSession_BusyRejection(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("m"))))
	require.Equal(t, StateAwaitingResponse, sess.State())
	sent := len(port.writtenBytes())

	err := sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("n")))
	require.ErrorIs(t, err, ErrBusy)

	// The rejected send wrote nothing.
	assert.Equal(t, sent, len(port.writtenBytes()))
}

func TestSession_RecvTimeoutLeavesConnected(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("m"))))

	_, err := sess.RecvFrame(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateConnected, sess.State())

	// The session is reusable: queue a response and exchange again.
	port.queueFrame(t, frame.OpAck, []byte("sig"))
	resp, err := sess.Exchange(context.Background(), frame.New(frame.OpSignMessage, []byte("m")), 0)
	require.NoError(t, err)
	assert.Equal(t, frame.OpAck, resp.Opcode)
}

func TestSession_ReadErrorDisconnects(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpGetPublicKey, nil)))
	port.mu.Lock()
	port.readErr = errors.New("device unplugged")
	port.mu.Unlock()

	_, err := sess.RecvFrame(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, sess.State())

	err = sess.SendFrame(context.Background(), frame.New(frame.OpGetPublicKey, nil))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSession_WriteErrorDisconnects(t *testing.T) {
	port := &fakePort{writeErr: errors.New("broken pipe")}
	sess := NewSession(port, "fake0", testConfig())

	err := sess.SendFrame(context.Background(), frame.New(frame.OpGetPublicKey, nil))
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestSession_CancelledRecvDrainsPartialResponse(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignTransaction, []byte("tx"))))

	// Half of the device's reply arrives, then the caller gives up.
	encoded, err := frame.Encode(frame.OpAck, []byte("stale-signature"))
	require.NoError(t, err)
	port.mu.Lock()
	port.pending = append(port.pending, encoded[:4]...)
	port.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sess.RecvFrame(ctx, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateConnected, sess.State())

	// The rest of the stale reply trickles in. The next exchange must
	// consume it and decode its own response, not the abandoned one.
	port.mu.Lock()
	port.pending = append(port.pending, encoded[4:]...)
	port.mu.Unlock()
	port.queueFrame(t, frame.OpAck, []byte("fresh"))

	resp, err := sess.Exchange(context.Background(), frame.New(frame.OpSignTransaction, []byte("tx2")), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), resp.Payload)
}

func TestSession_LateReplyAfterCancelNotMisattributed(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("first"))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.RecvFrame(ctx, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, sess.State())

	// The device answers the first request only after the caller gave up,
	// then answers the second. The second exchange must see its own reply.
	port.queueFrame(t, frame.OpAck, []byte("answer-to-first"))
	port.queueFrame(t, frame.OpAck, []byte("answer-to-second"))

	resp, err := sess.Exchange(context.Background(), frame.New(frame.OpSignMessage, []byte("second")), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("answer-to-second"), resp.Payload)
}

func TestSession_SendAfterSilentCancelWaitsOutDeadline(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("m"))))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sess.RecvFrame(ctx, 40*time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)

	// The device never answers. The next send waits out the abandoned
	// request's deadline, then the session is usable again.
	start := time.Now()
	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignMessage, []byte("m2"))))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	port.queueFrame(t, frame.OpAck, []byte("sig"))
	resp, err := sess.RecvFrame(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), resp.Payload)
}

func TestSession_ConnectingRejectsIO(t *testing.T) {
	sess := newConnectingSession("fake0", testConfig())
	require.Equal(t, StateConnecting, sess.State())

	err := sess.SendFrame(context.Background(), frame.New(frame.OpGetPublicKey, nil))
	require.ErrorIs(t, err, ErrClosed)
	_, err = sess.RecvFrame(context.Background(), 0)
	require.ErrorIs(t, err, ErrClosed)

	sess.attach(&fakePort{})
	assert.Equal(t, StateConnected, sess.State())
	require.NoError(t, sess.Close())
}

func TestSession_SendFrameChunksWrites(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	payload := make([]byte, 2048)
	require.NoError(t, sess.SendFrame(context.Background(), frame.New(frame.OpSignTransaction, payload)))

	// Every port write is small enough that the deadline check between
	// writes actually bounds a stalled port.
	port.mu.Lock()
	sizes := append([]int(nil), port.writeSizes...)
	port.mu.Unlock()
	require.NotEmpty(t, sizes)
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 64)
	}

	// The frame reassembles intact on the wire.
	f, n, err := frame.Decode(port.writtenBytes())
	require.NoError(t, err)
	assert.Equal(t, len(port.writtenBytes()), n)
	assert.Equal(t, payload, f.Payload)
}

func TestSession_SlowWriteHitsDeadlineMidFrame(t *testing.T) {
	port := &fakePort{writeDelay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.WriteTimeout = 30 * time.Millisecond
	sess := NewSession(port, "fake0", cfg)

	payload := make([]byte, 2048)
	err := sess.SendFrame(context.Background(), frame.New(frame.OpSignTransaction, payload))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateConnected, sess.State())
	assert.Less(t, len(port.writtenBytes()), len(payload))
}

func TestSession_CloseIdempotent(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.Equal(t, StateDisconnected, sess.State())

	_, err := sess.RecvFrame(context.Background(), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSession_CorruptResponseStaysConnected(t *testing.T) {
	port := &fakePort{}
	sess := NewSession(port, "fake0", testConfig())

	encoded, err := frame.Encode(frame.OpAck, []byte("sig"))
	require.NoError(t, err)
	encoded[6] ^= 0x10
	port.mu.Lock()
	port.pending = append(port.pending, encoded...)
	port.mu.Unlock()

	_, err = sess.Exchange(context.Background(), frame.New(frame.OpSignMessage, []byte("m")), 0)
	require.ErrorIs(t, err, frame.ErrChecksumMismatch)
	assert.Equal(t, StateConnected, sess.State())
}

func TestIsKnownDevice(t *testing.T) {
	assert.True(t, isKnownDevice("10C4", "EA60"))
	assert.True(t, isKnownDevice("10c4", "ea60"))
	assert.True(t, isKnownDevice("303A", "1001"))
	assert.False(t, isKnownDevice("dead", "beef"))
}
