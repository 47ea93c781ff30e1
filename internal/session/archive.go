package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Archive keeps snapshots of ended sessions.
// Implementations can be in-memory or on-disk; the Manager writes to it once
// per session, when the session ends.
type Archive interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (Snapshot, bool, error)
	ListIDs(ctx context.Context) ([]string, error)
	Close() error
}

// InMemoryArchive is an in-memory implementation of Archive.
type InMemoryArchive struct {
	mu       sync.RWMutex
	sessions map[string]Snapshot
}

// NewInMemoryArchive returns a new empty in-memory archive.
func NewInMemoryArchive() *InMemoryArchive {
	return &InMemoryArchive{
		sessions: make(map[string]Snapshot),
	}
}

// Save implements Archive.Save.
func (a *InMemoryArchive) Save(_ context.Context, snap Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[snap.ID] = snap
	return nil
}

// Load implements Archive.Load.
func (a *InMemoryArchive) Load(_ context.Context, id string) (Snapshot, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	snap, ok := a.sessions[id]
	return snap, ok, nil
}

// ListIDs implements Archive.ListIDs.
func (a *InMemoryArchive) ListIDs(_ context.Context) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Archive.Close.
func (a *InMemoryArchive) Close() error { return nil }

const archiveKeyPrefix = "sess:"

// BadgerArchive stores snapshots as JSON under "sess:<id>". Entries expire
// after the retention period when one is set.
type BadgerArchive struct {
	db        *badger.DB
	retention time.Duration
}

// OpenBadgerArchive opens an archive at path. An empty path keeps the data in
// memory only.
func OpenBadgerArchive(path string, retention time.Duration) (*BadgerArchive, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session archive: %w", err)
	}
	return &BadgerArchive{db: db, retention: retention}, nil
}

// Close implements Archive.Close.
func (a *BadgerArchive) Close() error { return a.db.Close() }

// Save implements Archive.Save.
func (a *BadgerArchive) Save(_ context.Context, snap Snapshot) error {
	buf, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	entry := badger.NewEntry([]byte(archiveKeyPrefix+snap.ID), buf)
	if a.retention > 0 {
		entry = entry.WithTTL(a.retention)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Load implements Archive.Load.
func (a *BadgerArchive) Load(_ context.Context, id string) (Snapshot, bool, error) {
	var out Snapshot
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(archiveKeyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return out, true, nil
}

// ListIDs implements Archive.ListIDs.
func (a *BadgerArchive) ListIDs(_ context.Context) ([]string, error) {
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(archiveKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(archiveKeyPrefix):]))
		}
		return nil
	})
	return ids, err
}
