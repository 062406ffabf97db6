package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestKind distinguishes what was authorized.
type RequestKind string

const (
	KindMessage     RequestKind = "message"
	KindTransaction RequestKind = "transaction"
)

// Entry is one signing request as first recorded, before its outcome is
// known.
type Entry struct {
	// ID is the request's correlation id.
	ID string `json:"id"`

	Kind RequestKind `json:"kind"`

	// Origin names the surface that initiated the request (cli, extension).
	Origin string `json:"origin"`

	// Resource is the signing resource key the request ran against.
	Resource string `json:"resource"`

	// Address is the base58 public key that authorized the request, when
	// known at entry time.
	Address string `json:"address,omitempty"`

	// PayloadDigest is a short hex digest of the signed bytes, enough to
	// correlate without storing the payload itself.
	PayloadDigest string `json:"payload_digest,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Outcome is nil until the request reaches a terminal state.
	Outcome *OutcomeRecord `json:"outcome,omitempty"`
}

// OutcomeRecord is the terminal state of a journaled request.
type OutcomeRecord struct {
	// Status is the terminal status name (signed, rejected, failed,
	// timed_out).
	Status string `json:"status"`

	// Signature is the network transaction id when one exists.
	Signature string `json:"signature,omitempty"`

	// Reason describes rejections and failures.
	Reason string `json:"reason,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// IJournal records every signing request and its terminal outcome, so that
// no transaction is ever silently dropped. All implementations must be
// thread-safe.
type IJournal interface {
	// RecordRequest persists a new entry. Fails if the id already exists.
	RecordRequest(entry *Entry) error

	// RecordOutcome attaches a terminal outcome to an existing entry.
	// Fails if the entry does not exist.
	RecordOutcome(id string, outcome *OutcomeRecord) error

	// Get retrieves an entry by id. Returns nil if it does not exist,
	// error only on storage failure.
	Get(id string) (*Entry, error)

	// List returns all entries sorted by creation time ascending.
	List() ([]*Entry, error)

	// Close cleanly shuts down the journal. Idempotent.
	Close() error

	// HealthCheck verifies the journal is operational.
	HealthCheck() error
}

// MarshalEntry serializes an entry for storage.
func MarshalEntry(entry *Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	return data, nil
}

// UnmarshalEntry deserializes a stored entry.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
	}
	return &entry, nil
}
