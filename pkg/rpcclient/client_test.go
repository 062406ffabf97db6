package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rpcStub serves canned JSON-RPC responses keyed by method.
type rpcStub struct {
	t        *testing.T
	handlers map[string]func(params []json.RawMessage) (any, *rpcError)
	calls    atomic.Int64
}

func newStub(t *testing.T) *rpcStub {
	return &rpcStub{t: t, handlers: map[string]func([]json.RawMessage) (any, *rpcError){}}
}

func (s *rpcStub) handle(method string, fn func(params []json.RawMessage) (any, *rpcError)) {
	s.handlers[method] = fn
}

func (s *rpcStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	require.NoError(s.t, json.NewDecoder(r.Body).Decode(&req))

	fn, ok := s.handlers[req.Method]
	require.True(s.t, ok, "unexpected method %s", req.Method)

	result, rpcErr := fn(req.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	require.NoError(s.t, json.NewEncoder(w).Encode(resp))
}

func newTestClient(t *testing.T, stub *rpcStub) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	require.NoError(t, err)
	return c, srv
}

func TestNew_RequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSendTransaction_EncodesBase58(t *testing.T) {
	stub := newStub(t)
	tx := []byte{1, 2, 3, 4}
	stub.handle("sendTransaction", func(params []json.RawMessage) (any, *rpcError) {
		var encoded string
		require.NoError(t, json.Unmarshal(params[0], &encoded))
		assert.Equal(t, tx, base58.Decode(encoded))

		var opts map[string]any
		require.NoError(t, json.Unmarshal(params[1], &opts))
		assert.Equal(t, "base58", opts["encoding"])
		assert.Equal(t, "confirmed", opts["preflightCommitment"])
		return "5sig", nil
	})
	c, _ := newTestClient(t, stub)

	sig, err := c.SendTransaction(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, "5sig", sig)
}

func TestSendTransaction_PreflightRejection(t *testing.T) {
	stub := newStub(t)
	stub.handle("sendTransaction", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32002, Message: "Transaction simulation failed"}
	})
	c, _ := newTestClient(t, stub)

	_, err := c.SendTransaction(context.Background(), []byte{1})
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, -32002, rej.Code)
}

func TestCall_NodeUnhealthyIsTransient(t *testing.T) {
	stub := newStub(t)
	stub.handle("getSlot", func([]json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: -32005, Message: "Node is behind"}
	})
	c, _ := newTestClient(t, stub)

	_, err := c.GetSlot(context.Background())
	var tr *TransientError
	assert.ErrorAs(t, err, &tr)
}

func TestCall_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = c.GetSlot(context.Background())
	var tr *TransientError
	assert.ErrorAs(t, err, &tr)
}

func TestCall_ConnectionRefusedIsTransient(t *testing.T) {
	c, err := New(Config{Endpoint: "http://127.0.0.1:1", Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = c.GetSlot(context.Background())
	var tr *TransientError
	assert.ErrorAs(t, err, &tr)
}

func TestGetLatestBlockhash(t *testing.T) {
	stub := newStub(t)
	raw := make([]byte, 32)
	raw[0] = 0xab
	stub.handle("getLatestBlockhash", func([]json.RawMessage) (any, *rpcError) {
		return map[string]any{"value": map[string]any{
			"blockhash":            base58.Encode(raw),
			"lastValidBlockHeight": 12345,
		}}, nil
	})
	c, _ := newTestClient(t, stub)

	bh, err := c.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, raw, bh[:])
}

func TestGetSignatureStatuses(t *testing.T) {
	stub := newStub(t)
	stub.handle("getSignatureStatuses", func(params []json.RawMessage) (any, *rpcError) {
		var sigs []string
		require.NoError(t, json.Unmarshal(params[0], &sigs))
		assert.Equal(t, []string{"sigA", "sigB", "sigC"}, sigs)
		return map[string]any{"value": []any{
			map[string]any{"slot": 100, "confirmationStatus": "confirmed", "err": nil},
			nil,
			map[string]any{"slot": 101, "confirmationStatus": "processed", "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
		}}, nil
	})
	c, _ := newTestClient(t, stub)

	statuses, err := c.GetSignatureStatuses(context.Background(), []string{"sigA", "sigB", "sigC"})
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.True(t, statuses[0].Confirmed())
	assert.False(t, statuses[0].Failed())

	assert.Nil(t, statuses[1])
	assert.False(t, statuses[1].Confirmed())

	assert.True(t, statuses[2].Failed())
	assert.False(t, statuses[2].Confirmed())
}

func TestGetBalanceAndAccountExists(t *testing.T) {
	stub := newStub(t)
	stub.handle("getBalance", func(params []json.RawMessage) (any, *rpcError) {
		var addr string
		require.NoError(t, json.Unmarshal(params[0], &addr))
		assert.Equal(t, "someAddress", addr)
		return map[string]any{"value": 1_500_000}, nil
	})
	existing := true
	stub.handle("getAccountInfo", func([]json.RawMessage) (any, *rpcError) {
		if existing {
			return map[string]any{"value": map[string]any{"lamports": 1}}, nil
		}
		return map[string]any{"value": nil}, nil
	})
	c, _ := newTestClient(t, stub)

	bal, err := c.GetBalance(context.Background(), "someAddress")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), bal)

	ok, err := c.AccountExists(context.Background(), "someAddress")
	require.NoError(t, err)
	assert.True(t, ok)

	existing = false
	ok, err = c.AccountExists(context.Background(), "someAddress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	stub := newStub(t)
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL, RequestsPerSecond: 0.001, Logger: zap.NewNop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.GetSlot(ctx)
	var tr *TransientError
	assert.ErrorAs(t, err, &tr)
}
