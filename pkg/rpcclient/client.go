// Package rpcclient is a minimal JSON-RPC 2.0 client for the handful of
// node methods the wallet core needs. It classifies failures into rejections
// (the node evaluated the request and said no) and transient faults (the
// request may succeed if retried), which is the distinction the submission
// policy is built on.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hogyzen12/unruggable-app/pkg/txassembly"
)

// RejectedError means the node evaluated the request and refused it.
// Resubmitting the same bytes will not help.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rpcclient: rejected (code %d): %s", e.Code, e.Message)
}

// TransientError means the request did not get a definitive answer: network
// failure, server error, rate limiting, or a node that reports itself
// unhealthy. Retrying is reasonable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("rpcclient: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// nodeUnhealthyCode is the server's "node is behind" error, the one RPC
// error object worth retrying.
const nodeUnhealthyCode = -32005

// Commitment levels accepted by the node.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// Config carries client settings.
type Config struct {
	// Endpoint is the node's HTTP URL.
	Endpoint string

	// Commitment used for preflight and queries. Defaults to confirmed.
	Commitment string

	// RequestTimeout bounds a single HTTP round trip. Defaults to 30s.
	RequestTimeout time.Duration

	// RequestsPerSecond caps outbound request rate. Zero means no limit.
	RequestsPerSecond float64

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Commitment == "" {
		c.Commitment = CommitmentConfirmed
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.RequestTimeout}
	}
}

// Client talks JSON-RPC to a single node endpoint. Safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	nextID  atomic.Uint64
}

// New constructs a client. Config.Endpoint is required.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rpcclient: endpoint is required")
	}
	cfg.applyDefaults()

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		limiter: limiter,
		logger:  cfg.Logger,
	}, nil
}

// Endpoint returns the node URL this client talks to.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call runs one JSON-RPC round trip and decodes result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransientError{Err: err}
		}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, "rpcclient: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "rpcclient: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("rpc call", zap.String("method", method))

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &TransientError{Err: errors.Errorf("http status %d from %s", resp.StatusCode, method)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &TransientError{Err: errors.Wrap(err, "decode response")}
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == nodeUnhealthyCode {
			return &TransientError{Err: errors.Errorf("node unhealthy: %s", rpcResp.Error.Message)}
		}
		return &RejectedError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errors.Wrapf(err, "rpcclient: decode %s result", method)
		}
	}
	return nil
}

// SendTransaction broadcasts a fully signed transaction and returns its
// signature identifier. Preflight runs at the configured commitment.
func (c *Client) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	err := c.call(ctx, "sendTransaction", []any{
		base58.Encode(tx),
		map[string]any{
			"encoding":            "base58",
			"preflightCommitment": c.cfg.Commitment,
		},
	}, &sig)
	if err != nil {
		return "", err
	}
	c.logger.Info("transaction submitted", zap.String("signature", sig))
	return sig, nil
}

type blockhashResult struct {
	Value struct {
		Blockhash string `json:"blockhash"`
	} `json:"value"`
}

// GetLatestBlockhash fetches the current freshness token for transaction
// assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) (txassembly.Blockhash, error) {
	var res blockhashResult
	if err := c.call(ctx, "getLatestBlockhash", []any{
		map[string]any{"commitment": c.cfg.Commitment},
	}, &res); err != nil {
		return txassembly.Blockhash{}, err
	}
	return txassembly.BlockhashFromBase58(res.Value.Blockhash)
}

// GetSlot returns the node's current slot at the configured commitment.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.call(ctx, "getSlot", []any{
		map[string]any{"commitment": c.cfg.Commitment},
	}, &slot)
	return slot, err
}

// SignatureStatus is the node's view of one submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// Confirmed reports whether the transaction reached at least confirmed
// commitment without an execution error.
func (s *SignatureStatus) Confirmed() bool {
	if s == nil || s.Failed() {
		return false
	}
	return s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized
}

// Failed reports whether the transaction executed and errored.
func (s *SignatureStatus) Failed() bool {
	return s != nil && len(s.Err) > 0 && string(s.Err) != "null"
}

type statusResult struct {
	Value []*SignatureStatus `json:"value"`
}

// GetSignatureStatuses looks up submitted transactions by signature. A nil
// entry means the node does not know the signature yet.
func (c *Client) GetSignatureStatuses(ctx context.Context, sigs []string) ([]*SignatureStatus, error) {
	var res statusResult
	if err := c.call(ctx, "getSignatureStatuses", []any{sigs}, &res); err != nil {
		return nil, err
	}
	return res.Value, nil
}

type balanceResult struct {
	Value uint64 `json:"value"`
}

// GetBalance returns an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res balanceResult
	if err := c.call(ctx, "getBalance", []any{
		address,
		map[string]any{"commitment": c.cfg.Commitment},
	}, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

type accountInfoResult struct {
	Value json.RawMessage `json:"value"`
}

// AccountExists reports whether an account is present on chain.
func (c *Client) AccountExists(ctx context.Context, address string) (bool, error) {
	var res accountInfoResult
	if err := c.call(ctx, "getAccountInfo", []any{
		address,
		map[string]any{"commitment": c.cfg.Commitment, "encoding": "base64"},
	}, &res); err != nil {
		return false, err
	}
	return len(res.Value) > 0 && string(res.Value) != "null", nil
}
