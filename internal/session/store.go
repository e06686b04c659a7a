// Package session provides the session entanglement stores.
//
// Every implementation satisfies entanglement.RecordStore:
//   - memoryStore: in-process map, the default.
//   - boltStore: embedded key-value store (bbolt); records survive restarts.
//   - sqliteStore: SQLite table; records survive restarts and are queryable.
//   - boundedStore: S3-FIFO layer capping how many sessions a backing store holds.
//
// Records hold no PII, so retention is a memory and scale concern rather than
// a privacy one. Stale sessions are still removed: explicitly via Remove, or
// by a janitor calling Prune (see StartJanitor).
package session

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/logger"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
	BackendSQLite = "sqlite"
)

// Options selects and sizes a store.
type Options struct {
	Backend  string
	Path     string // file path for bbolt and sqlite
	Capacity int    // > 0 wraps the backend in an S3-FIFO bounded layer
	Logger   *logger.Logger
}

// Open builds the store described by opts.
func Open(opts Options) (entanglement.RecordStore, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	var (
		st  entanglement.RecordStore
		err error
	)
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		st = NewMemory()
	case BackendBolt:
		st, err = NewBolt(opts.Path)
	case BackendSQLite:
		st, err = NewSQLite(opts.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	log.Infof("open", "backend=%s path=%q capacity=%d", backendName(opts.Backend), opts.Path, opts.Capacity)

	if opts.Capacity > 0 {
		st = NewBounded(st, opts.Capacity)
	}
	return st, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendMemory
	}
	return strings.ToLower(b)
}

// --- memoryStore ---------------------------------------------------------

// memoryStore is a thread-safe in-memory RecordStore. Records are cloned on
// the way in and out so callers never share maps with the store.
type memoryStore struct {
	mu      sync.RWMutex
	records map[string]entanglement.Record
}

// NewMemory returns an empty in-memory store.
func NewMemory() entanglement.RecordStore {
	return &memoryStore{records: make(map[string]entanglement.Record)}
}

func (s *memoryStore) Get(sessionID string) (entanglement.Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[sessionID]
	s.mu.RUnlock()
	if !ok {
		return entanglement.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *memoryStore) Put(sessionID string, rec entanglement.Record) error {
	rec = rec.Clone()
	s.mu.Lock()
	s.records[sessionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Remove(sessionID string) error {
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) SessionIDs() ([]string, error) {
	s.mu.RLock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

func (s *memoryStore) Prune(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.Timestamp.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Close() error { return nil }
