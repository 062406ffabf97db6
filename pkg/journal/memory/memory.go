// Package memory holds an in-memory journal for tests and ephemeral runs.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hogyzen12/unruggable-app/pkg/journal"
)

// MemoryJournal is an in-memory journal.IJournal. All data is lost when the
// process exits. Thread-safe; entries are deep-copied on the way in and out
// so callers cannot mutate stored state.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]*journal.Entry
	closed  bool
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		entries: make(map[string]*journal.Entry),
	}
}

func copyEntry(e *journal.Entry) *journal.Entry {
	out := *e
	if e.Outcome != nil {
		outcome := *e.Outcome
		out.Outcome = &outcome
	}
	return &out
}

// RecordRequest persists a new entry.
func (m *MemoryJournal) RecordRequest(entry *journal.Entry) error {
	if entry == nil {
		return fmt.Errorf("cannot record nil entry")
	}
	if entry.ID == "" {
		return fmt.Errorf("cannot record entry without id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("journal is closed")
	}
	if _, exists := m.entries[entry.ID]; exists {
		return fmt.Errorf("entry %s already recorded", entry.ID)
	}
	m.entries[entry.ID] = copyEntry(entry)
	return nil
}

// RecordOutcome attaches a terminal outcome to an existing entry.
func (m *MemoryJournal) RecordOutcome(id string, outcome *journal.OutcomeRecord) error {
	if outcome == nil {
		return fmt.Errorf("cannot record nil outcome")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("journal is closed")
	}
	entry, exists := m.entries[id]
	if !exists {
		return fmt.Errorf("no entry %s to record outcome for", id)
	}
	rec := *outcome
	entry.Outcome = &rec
	return nil
}

// Get retrieves an entry by id.
func (m *MemoryJournal) Get(id string) (*journal.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("journal is closed")
	}
	entry, exists := m.entries[id]
	if !exists {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// List returns all entries sorted by creation time ascending.
func (m *MemoryJournal) List() ([]*journal.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("journal is closed")
	}
	out := make([]*journal.Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, copyEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close shuts the journal. Idempotent.
func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck reports whether the journal is usable.
func (m *MemoryJournal) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("journal is closed")
	}
	return nil
}

var _ journal.IJournal = (*MemoryJournal)(nil)
