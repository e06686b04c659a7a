package session

// boundedStore wraps a RecordStore with an in-memory S3-FIFO layer that caps
// the number of sessions held, in memory and in the backing store.
//
// # Algorithm
//
// S3-FIFO ("Simple, Scalable, FIFO-based cache eviction", Yang et al., 2023)
// uses two FIFO queues and a bounded ghost set:
//
//   - S (small, ~10% of capacity): probationary queue. New sessions land here.
//   - M (main, ~90% of capacity): sessions read at least once while in S.
//   - G (ghost): ring of session IDs recently evicted from S, bounded to
//     2× sTarget. A session in G that is written again goes straight to M.
//
// One-shot sessions (a single upload, never compared again) therefore leave
// quickly, while sessions that keep uploading stay resident.
//
// # Eviction
//
//	S → evict oldest head:
//	  freq > 0 → promote to M tail (reset freq); if M is over target, evict M head.
//	  freq == 0 → drop from memory, add to G.
//	M → evict oldest head: drop from memory.
//
// Only Put deletes evicted sessions from the backing store. A read never
// mutates the backing store: when a re-warming Get evicts, the victims leave
// memory only and stay readable on disk.
//
// On restart the memory layer is cold: reads fall through to the backing
// store and re-warm. Sessions already on disk beyond capacity are only
// dropped once a later Put evicts them from memory or the janitor prunes them.
//
// # Concurrency
//
// mu guards the in-memory state. writeMu serialises every operation that
// mutates the backing store, so an eviction can never delete a record that a
// concurrent Put just wrote. Memory hits take only mu.
//
// # Sizing
//
//	sTarget  = max(1, capacity/10)
//	mTarget  = capacity − sTarget
//	ghostCap = max(4, 2 × sTarget)

import (
	"container/list"
	"sync"
	"time"

	"pii-entanglement/internal/entanglement"
)

type boundedEntry struct {
	rec  entanglement.Record
	freq uint8 // saturating in [0, 3]
	elem *list.Element
	inM  bool
}

type boundedStore struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*boundedEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing entanglement.RecordStore
}

// NewBounded caps backing at capacity sessions (minimum 2).
func NewBounded(backing entanglement.RecordStore, capacity int) entanglement.RecordStore {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	return &boundedStore{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*boundedEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

// Get serves memory hits directly and re-warms misses from the backing store.
func (c *boundedStore) Get(sessionID string) (entanglement.Record, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[sessionID]; ok {
		if e.freq < 3 {
			e.freq++
		}
		rec := e.rec.Clone()
		c.mu.Unlock()
		return rec, true, nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rec, ok, err := c.backing.Get(sessionID)
	if err != nil || !ok {
		return rec, ok, err
	}
	c.mu.Lock()
	c.insertLocked(sessionID, rec.Clone())
	c.mu.Unlock()
	return rec, true, nil
}

// Put writes through to the backing store, then updates memory.
func (c *boundedStore) Put(sessionID string, rec entanglement.Record) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.backing.Put(sessionID, rec); err != nil {
		return err
	}
	return c.insert(sessionID, rec)
}

func (c *boundedStore) Remove(sessionID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.removeFromMemory(sessionID)
	c.mu.Unlock()
	return c.backing.Remove(sessionID)
}

// SessionIDs reports the backing store's view, which is authoritative.
func (c *boundedStore) SessionIDs() ([]string, error) {
	return c.backing.SessionIDs()
}

func (c *boundedStore) Prune(cutoff time.Time) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.backing.Prune(cutoff)
	if err != nil {
		return n, err
	}
	c.mu.Lock()
	for id, e := range c.entries {
		if e.rec.Timestamp.Before(cutoff) {
			c.removeFromMemory(id)
		}
	}
	c.mu.Unlock()
	return n, nil
}

// Close closes the backing store. In-memory state is discarded.
func (c *boundedStore) Close() error {
	return c.backing.Close()
}

// Len returns the number of resident sessions.
func (c *boundedStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sQueue.Len() + c.mQueue.Len()
}

// insert updates memory and removes the sessions it evicted from the backing
// store. Must be called with writeMu held.
func (c *boundedStore) insert(key string, rec entanglement.Record) error {
	c.mu.Lock()
	evicted := c.insertLocked(key, rec.Clone())
	c.mu.Unlock()

	for _, k := range evicted {
		if err := c.backing.Remove(k); err != nil {
			return err
		}
	}
	return nil
}

// insertLocked performs the S3-FIFO insert/update and returns the session IDs
// evicted to make room. Must be called with mu held.
func (c *boundedStore) insertLocked(key string, rec entanglement.Record) []string {
	if e, ok := c.entries[key]; ok {
		e.rec = rec
		return nil
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &boundedEntry{rec: rec, elem: elem, inM: inM}

	var evicted []string
	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		evicted = append(evicted, c.evictOne()...)
	}
	return evicted
}

func (c *boundedStore) evictOne() []string {
	if c.sQueue.Len() > 0 {
		return c.evictFromS()
	}
	return c.evictFromM()
}

// evictFromS pops the oldest S entry and either promotes it to M or evicts it.
// Must be called with mu held.
func (c *boundedStore) evictFromS() []string {
	front := c.sQueue.Front()
	if front == nil {
		return nil
	}
	key := c.sQueue.Remove(front).(string)

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		if c.mQueue.Len() > c.capacity-c.sTarget {
			return c.evictFromM()
		}
		return nil
	}
	delete(c.entries, key)
	c.ghostAdd(key)
	return []string{key}
}

// evictFromM pops and evicts the oldest M entry. Must be called with mu held.
func (c *boundedStore) evictFromM() []string {
	front := c.mQueue.Front()
	if front == nil {
		return nil
	}
	key := c.mQueue.Remove(front).(string)
	delete(c.entries, key)
	return []string{key}
}

// removeFromMemory is a no-op for non-resident sessions. Must be called with
// mu held.
func (c *boundedStore) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *boundedStore) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

// ghostAdd inserts key into the ring, overwriting the oldest entry when full.
// Must be called with mu held.
func (c *boundedStore) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		delete(c.ghostSet, c.ghostBuf[c.ghostHead])
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	c.ghostBuf[(c.ghostHead+c.ghostCount)%c.ghostCap] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}
