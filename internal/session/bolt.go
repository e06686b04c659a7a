package session

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"pii-entanglement/internal/entanglement"
)

const boltBucket = "sessions"

// boltStore is a RecordStore backed by an embedded bbolt database. Each
// record is stored as JSON under its session ID.
type boltStore struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func NewBolt(path string) (entanglement.RecordStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bbolt store: path is required")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(sessionID string) (entanglement.Record, bool, error) {
	var (
		rec   entanglement.Record
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(boltBucket)).Get([]byte(sessionID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return entanglement.Record{}, false, fmt.Errorf("bbolt get %s: %w", sessionID, err)
	}
	return rec, found, nil
}

func (s *boltStore) Put(sessionID string, rec entanglement.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(sessionID), data)
	})
}

func (s *boltStore) Remove(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Delete([]byte(sessionID))
	})
}

// SessionIDs relies on bbolt's byte-ordered keys for sorting.
func (s *boltStore) SessionIDs() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if out == nil {
		out = []string{}
	}
	return out, err
}

func (s *boltStore) Prune(cutoff time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if rec.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Deleting inside ForEach is unsafe; collect first.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
