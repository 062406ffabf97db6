// Package orchestrator coordinates signing requests end to end: it assigns
// correlation ids, serializes requests that target the same signing
// resource, drives the signer and submitter, and journals every request
// with its terminal outcome. It is the only layer that maps typed errors
// from below into caller-visible results.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/devicetransport"
	"github.com/hogyzen12/unruggable-app/pkg/journal"
	"github.com/hogyzen12/unruggable-app/pkg/keys"
	"github.com/hogyzen12/unruggable-app/pkg/signer"
	"github.com/hogyzen12/unruggable-app/pkg/submitter"
	"github.com/hogyzen12/unruggable-app/pkg/txassembly"
)

// Status is the caller-visible terminal state of a request.
type Status int

const (
	// StatusSigned means the request was authorized; for transactions this
	// also means the network accepted and confirmed it.
	StatusSigned Status = iota
	// StatusRejected means the user declined the request. Distinct from
	// failure so a UI can say "you declined" rather than "it broke".
	StatusRejected
	// StatusFailed means the request could not be completed.
	StatusFailed
	// StatusTimedOut means no definite answer arrived in time.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusSigned:
		return "signed"
	case StatusRejected:
		return "rejected"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the outcome of one orchestrated request.
type Result struct {
	// ID is the request's correlation id.
	ID     string
	Status Status

	// Signature is the raw ed25519 signature when the request was signed.
	Signature []byte

	// SignedTx is the fully signed transaction for transaction requests.
	SignedTx []byte

	// TxID is the network transaction id once submitted.
	TxID string

	// Reason describes rejections, failures and timeouts.
	Reason string
}

// Request describes one signing request.
type Request struct {
	// Origin names the surface that initiated the request.
	Origin string

	Signer *signer.Signer

	// Message holds the bytes to sign for SignMessage.
	Message []byte

	// Template holds the transaction under assembly for SignAndSubmit.
	Template *txassembly.Template

	// SignerIndex is this signer's signature slot. Zero for the fee payer.
	SignerIndex int
}

// ISubmitter is the broadcast policy the orchestrator hands signed
// transactions to.
type ISubmitter interface {
	Submit(ctx context.Context, sub *submitter.Submission) (submitter.Outcome, error)
}

// Orchestrator holds all coordination state explicitly; there are no
// package-level globals. Safe for concurrent use: requests targeting the
// same signing resource queue behind a per-resource mutex, independent
// resources proceed in parallel.
type Orchestrator struct {
	journal   journal.IJournal
	submitter ISubmitter
	logger    *zap.Logger

	mu        sync.Mutex
	resources map[string]*sync.Mutex
}

// New constructs an orchestrator over a journal and submitter.
func New(jnl journal.IJournal, sub ISubmitter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		journal:   jnl,
		submitter: sub,
		logger:    logger,
		resources: make(map[string]*sync.Mutex),
	}
}

// resourceLock returns the mutex guarding one signing resource.
func (o *Orchestrator) resourceLock(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.resources[key]
	if !ok {
		m = &sync.Mutex{}
		o.resources[key] = m
	}
	return m
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// SignMessage signs arbitrary bytes with the request's signer.
func (o *Orchestrator) SignMessage(ctx context.Context, req *Request) Result {
	id := uuid.New().String()
	res := Result{ID: id}

	o.record(&journal.Entry{
		ID:            id,
		Kind:          journal.KindMessage,
		Origin:        req.Origin,
		Resource:      req.Signer.ResourceID(),
		PayloadDigest: digest(req.Message),
		CreatedAt:     time.Now().UTC(),
	})

	lock := o.resourceLock(req.Signer.ResourceID())
	lock.Lock()
	defer lock.Unlock()

	sig, err := req.Signer.SignMessage(ctx, req.Message)
	if err != nil {
		res.Status, res.Reason = o.mapSignError(err)
		o.finish(id, &res)
		return res
	}

	res.Status = StatusSigned
	res.Signature = sig
	o.finish(id, &res)
	return res
}

// SignAndSubmit signs the request's transaction template and broadcasts it,
// returning once the network confirms, rejects, or the deadline passes.
func (o *Orchestrator) SignAndSubmit(ctx context.Context, req *Request) Result {
	id := uuid.New().String()
	res := Result{ID: id}

	// The template is read under the resource lock. The submitter holding
	// the lock for an earlier request may still be refreshing this same
	// template's blockhash.
	lock := o.resourceLock(req.Signer.ResourceID())
	lock.Lock()
	defer lock.Unlock()

	unsigned, err := req.Template.BuildUnsignedTransaction()
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		o.record(&journal.Entry{
			ID:        id,
			Kind:      journal.KindTransaction,
			Origin:    req.Origin,
			Resource:  req.Signer.ResourceID(),
			CreatedAt: time.Now().UTC(),
		})
		o.finish(id, &res)
		return res
	}

	o.record(&journal.Entry{
		ID:            id,
		Kind:          journal.KindTransaction,
		Origin:        req.Origin,
		Resource:      req.Signer.ResourceID(),
		PayloadDigest: digest(unsigned),
		CreatedAt:     time.Now().UTC(),
	})

	sig, err := req.Signer.SignTransaction(ctx, unsigned)
	if err != nil {
		res.Status, res.Reason = o.mapSignError(err)
		o.finish(id, &res)
		return res
	}

	signed, err := txassembly.SpliceSignature(unsigned, sig, req.SignerIndex)
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		o.finish(id, &res)
		return res
	}
	res.Signature = sig
	res.SignedTx = signed

	outcome, err := o.submitter.Submit(ctx, &submitter.Submission{
		Template:    req.Template,
		Signer:      req.Signer,
		SignerIndex: req.SignerIndex,
		SignedTx:    signed,
	})
	res.TxID = outcome.Signature
	switch outcome.Status {
	case submitter.StatusConfirmed:
		res.Status = StatusSigned
	case submitter.StatusTimedOut:
		res.Status = StatusTimedOut
		res.Reason = outcome.Reason
	default:
		res.Status = StatusFailed
		res.Reason = outcome.Reason
		if res.Reason == "" && err != nil {
			res.Reason = err.Error()
		}
	}
	o.finish(id, &res)
	return res
}

// mapSignError translates signer layer errors into a caller-visible status.
// User rejection is terminal and never retried; so is an unavailable key.
// A transport timeout means the device never answered.
func (o *Orchestrator) mapSignError(err error) (Status, string) {
	switch {
	case errors.Is(err, signer.ErrUserRejected):
		return StatusRejected, "declined on device"
	case errors.Is(err, keys.ErrKeyUnavailable):
		return StatusFailed, "signing key unavailable"
	case errors.Is(err, devicetransport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut, err.Error()
	default:
		return StatusFailed, err.Error()
	}
}

func (o *Orchestrator) record(entry *journal.Entry) {
	if err := o.journal.RecordRequest(entry); err != nil {
		o.logger.Error("failed to journal request",
			zap.String("id", entry.ID),
			zap.Error(err))
	}
}

// finish journals the terminal outcome and logs it.
func (o *Orchestrator) finish(id string, res *Result) {
	if err := o.journal.RecordOutcome(id, &journal.OutcomeRecord{
		Status:     res.Status.String(),
		Signature:  res.TxID,
		Reason:     res.Reason,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		o.logger.Error("failed to journal outcome",
			zap.String("id", id),
			zap.Error(err))
	}

	o.logger.Info("request finished",
		zap.String("id", id),
		zap.String("status", res.Status.String()),
		zap.String("tx_id", res.TxID))
}
