// Package badger holds a durable journal backed by Badger.
package badger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/hogyzen12/unruggable-app/pkg/journal"
)

// Key prefixes for namespacing
const (
	keyPrefixEntry       = "entry:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// BadgerJournal is a durable journal.IJournal using Badger with SyncWrites,
// so a recorded request survives a crash before its outcome lands.
type BadgerJournal struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerJournal opens (or creates) a journal at dataPath and starts a
// background garbage collection goroutine.
func NewBadgerJournal(dataPath string, logger *zap.Logger) (*BadgerJournal, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger journal at %s: %w", absPath, err)
	}

	j := &BadgerJournal{
		db:     db,
		logger: logger,
	}

	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.gcCancel = cancel
	j.gcWg.Add(1)
	go j.runGC(ctx)

	logger.Sugar().Infow("Badger journal initialized", "path", absPath)

	return j, nil
}

// initSchema sets or validates the schema version key.
func (j *BadgerJournal) initSchema() error {
	return j.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existing string
		err = item.Value(func(val []byte) error {
			existing = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}
		if existing != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existing, currentSchemaVersion)
		}
		return nil
	})
}

// runGC runs periodic value log garbage collection.
func (j *BadgerJournal) runGC(ctx context.Context) {
	defer j.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := j.db.RunValueLogGC(0.5)
			if err != nil && err != badgerdb.ErrNoRewrite {
				j.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func entryKey(id string) []byte {
	return []byte(keyPrefixEntry + id)
}

// RecordRequest persists a new entry.
func (j *BadgerJournal) RecordRequest(entry *journal.Entry) error {
	if entry == nil {
		return fmt.Errorf("cannot record nil entry")
	}
	if entry.ID == "" {
		return fmt.Errorf("cannot record entry without id")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	data, err := journal.MarshalEntry(entry)
	if err != nil {
		return err
	}

	return j.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(entryKey(entry.ID))
		if err == nil {
			return fmt.Errorf("entry %s already recorded", entry.ID)
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		return txn.Set(entryKey(entry.ID), data)
	})
}

// RecordOutcome attaches a terminal outcome to an existing entry.
func (j *BadgerJournal) RecordOutcome(id string, outcome *journal.OutcomeRecord) error {
	if outcome == nil {
		return fmt.Errorf("cannot record nil outcome")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	return j.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("no entry %s to record outcome for", id)
		}
		if err != nil {
			return err
		}

		var entry *journal.Entry
		err = item.Value(func(val []byte) error {
			entry, err = journal.UnmarshalEntry(val)
			return err
		})
		if err != nil {
			return err
		}

		rec := *outcome
		entry.Outcome = &rec
		data, err := journal.MarshalEntry(entry)
		if err != nil {
			return err
		}
		return txn.Set(entryKey(id), data)
	})
}

// Get retrieves an entry by id. Returns nil if it does not exist.
func (j *BadgerJournal) Get(id string) (*journal.Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}

	var data []byte
	err := j.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load journal entry: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return journal.UnmarshalEntry(data)
}

// List returns all entries sorted by creation time ascending.
func (j *BadgerJournal) List() ([]*journal.Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}

	var entries []*journal.Entry
	err := j.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefixEntry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry, err := journal.UnmarshalEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}

	sort.Slice(entries, func(i, k int) bool {
		return entries[i].CreatedAt.Before(entries[k].CreatedAt)
	})
	return entries, nil
}

// Close stops GC and closes the database. Idempotent.
func (j *BadgerJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	j.gcCancel()
	j.gcWg.Wait()

	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger journal: %w", err)
	}
	j.logger.Info("Badger journal closed")
	return nil
}

// HealthCheck verifies the database accepts reads.
func (j *BadgerJournal) HealthCheck() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	return j.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version key missing")
		}
		return err
	})
}

var _ journal.IJournal = (*BadgerJournal)(nil)
