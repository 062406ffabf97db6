// Package submitter owns the broadcast policy: bounded retry with
// exponential backoff, blockhash refresh and re-sign when a submission
// fails transiently, and confirmation polling. A transaction handed to the
// submitter always ends in a definite outcome.
package submitter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/rpcclient"
	"github.com/hogyzen12/unruggable-app/pkg/txassembly"
)

// Status is the terminal state of a submission.
type Status int

const (
	// StatusConfirmed means the network executed the transaction.
	StatusConfirmed Status = iota
	// StatusFailed means the transaction was rejected or errored on chain.
	StatusFailed
	// StatusTimedOut means no definite answer arrived before the deadline.
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the result of a submission attempt.
type Outcome struct {
	Status Status
	// Signature is the network transaction id, set when the transaction
	// reached the network at least once.
	Signature string
	// Reason describes a failure in operator terms.
	Reason string
}

// ISigner re-signs a transaction after its blockhash is refreshed.
type ISigner interface {
	SignTransaction(ctx context.Context, unsigned []byte) ([]byte, error)
}

// IRPCClient is the node surface the submitter drives.
type IRPCClient interface {
	SendTransaction(ctx context.Context, tx []byte) (string, error)
	GetLatestBlockhash(ctx context.Context) (txassembly.Blockhash, error)
	GetSignatureStatuses(ctx context.Context, sigs []string) ([]*rpcclient.SignatureStatus, error)
}

// RetryConfig configures submission retry behavior.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiple float64
}

// DefaultRetryConfig provides default retry settings.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  500 * time.Millisecond,
	MaxBackoff:      8 * time.Second,
	BackoffMultiple: 2.0,
}

// Config carries submitter settings.
type Config struct {
	Retry RetryConfig

	// ConfirmTimeout bounds confirmation polling after a successful send.
	// Defaults to 45s.
	ConfirmTimeout time.Duration

	// ConfirmPollInterval is how often signature status is checked.
	// Defaults to 1s.
	ConfirmPollInterval time.Duration

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryConfig
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 45 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Submission is one signed transaction ready for broadcast. Template and
// Signer allow the submitter to refresh the blockhash and re-sign when the
// original bytes go stale.
type Submission struct {
	Template    *txassembly.Template
	Signer      ISigner
	SignerIndex int
	SignedTx    []byte
}

// Submitter broadcasts signed transactions with a bounded retry policy.
type Submitter struct {
	rpc    IRPCClient
	cfg    Config
	logger *zap.Logger
}

// New constructs a submitter over an RPC client.
func New(rpc IRPCClient, cfg Config) *Submitter {
	cfg.applyDefaults()
	return &Submitter{rpc: rpc, cfg: cfg, logger: cfg.Logger}
}

// Submit broadcasts the transaction and waits for confirmation. Rejections
// stop immediately; transient faults trigger a blockhash refresh, re-sign
// and resubmit up to MaxAttempts. The returned error carries the typed
// cause when the outcome is not Confirmed.
func (s *Submitter) Submit(ctx context.Context, sub *Submission) (Outcome, error) {
	sig, err := s.send(ctx, sub)
	if err != nil {
		var rejected *rpcclient.RejectedError
		if errors.As(err, &rejected) {
			return Outcome{Status: StatusFailed, Reason: rejected.Message}, err
		}
		return Outcome{Status: StatusFailed, Reason: err.Error()}, err
	}
	return s.Confirm(ctx, sig, s.cfg.ConfirmTimeout), nil
}

// send performs the bounded retry loop and returns the network signature of
// the accepted submission.
func (s *Submitter) send(ctx context.Context, sub *Submission) (string, error) {
	var lastErr error
	backoff := s.cfg.Retry.InitialBackoff
	for attempt := 0; attempt < s.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", errors.Wrap(ctx.Err(), "submitter: cancelled between attempts")
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * s.cfg.Retry.BackoffMultiple)
			if backoff > s.cfg.Retry.MaxBackoff {
				backoff = s.cfg.Retry.MaxBackoff
			}

			if err := s.refresh(ctx, sub); err != nil {
				lastErr = err
				continue
			}
		}

		sig, err := s.rpc.SendTransaction(ctx, sub.SignedTx)
		if err == nil {
			s.logger.Info("transaction accepted",
				zap.String("signature", sig),
				zap.Int("attempt", attempt+1))
			return sig, nil
		}

		var rejected *rpcclient.RejectedError
		if errors.As(err, &rejected) {
			s.logger.Warn("transaction rejected",
				zap.Int("code", rejected.Code),
				zap.String("reason", rejected.Message))
			return "", err
		}

		s.logger.Warn("transient submission failure",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		lastErr = err
	}
	return "", errors.Wrapf(lastErr, "submitter: gave up after %d attempts", s.cfg.Retry.MaxAttempts)
}

// refresh re-stamps the template with the current blockhash and re-signs if
// the signable bytes changed. A stale blockhash is the usual reason a
// resubmission would be pointless without this.
func (s *Submitter) refresh(ctx context.Context, sub *Submission) error {
	if sub.Template == nil || sub.Signer == nil {
		return nil
	}

	bh, err := s.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return errors.Wrap(err, "submitter: refresh blockhash")
	}
	if bh == sub.Template.RecentBlockhash() {
		return nil
	}

	sub.Template.SetRecentBlockhash(bh)
	unsigned, err := sub.Template.BuildUnsignedTransaction()
	if err != nil {
		return errors.Wrap(err, "submitter: rebuild transaction")
	}
	sig, err := sub.Signer.SignTransaction(ctx, unsigned)
	if err != nil {
		return errors.Wrap(err, "submitter: re-sign after refresh")
	}
	signed, err := txassembly.SpliceSignature(unsigned, sig, sub.SignerIndex)
	if err != nil {
		return errors.Wrap(err, "submitter: splice refreshed signature")
	}
	sub.SignedTx = signed

	s.logger.Info("blockhash refreshed and transaction re-signed",
		zap.String("blockhash", bh.String()))
	return nil
}

// Confirm polls signature status until the transaction confirms, fails, or
// maxWait passes.
func (s *Submitter) Confirm(ctx context.Context, sig string, maxWait time.Duration) Outcome {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(s.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		statuses, err := s.rpc.GetSignatureStatuses(ctx, []string{sig})
		if err != nil {
			s.logger.Warn("status poll failed", zap.String("signature", sig), zap.Error(err))
		} else if len(statuses) == 1 {
			st := statuses[0]
			if st.Failed() {
				return Outcome{
					Status:    StatusFailed,
					Signature: sig,
					Reason:    "transaction failed on chain: " + string(st.Err),
				}
			}
			if st.Confirmed() {
				return Outcome{Status: StatusConfirmed, Signature: sig}
			}
		}

		if time.Now().After(deadline) {
			return Outcome{
				Status:    StatusTimedOut,
				Signature: sig,
				Reason:    "confirmation deadline passed",
			}
		}
		select {
		case <-ctx.Done():
			return Outcome{Status: StatusTimedOut, Signature: sig, Reason: "cancelled while awaiting confirmation"}
		case <-ticker.C:
		}
	}
}
