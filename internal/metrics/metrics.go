// Package metrics provides lightweight, lock-minimal counters for the
// entanglement engine.
//
// Counters use sync/atomic so the hashing and compare paths incur no mutex
// contention. Latency statistics use a single mutex per dimension; they are
// updated at most once per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all runtime counters for one engine instance.
// The zero value is usable, but per-type counters only exist for the types
// passed to New.
type Metrics struct {
	// Hashing service
	DocumentsSummarized atomic.Int64
	MatchesHashed       atomic.Int64
	MatchesSkipped      atomic.Int64 // invalid input, dropped before hashing

	// Engine
	Comparisons           atomic.Int64
	EntanglementsDetected atomic.Int64 // comparisons with at least one shared ID
	RiskEscalations       atomic.Int64

	// Session store
	RecordsCommitted atomic.Int64
	RecordsRemoved   atomic.Int64
	RecordsPruned    atomic.Int64
	StoreErrors      atomic.Int64

	// Forensics
	ForensicReports atomic.Int64

	// Per-type hashed counters. Written only in New; concurrent reads are
	// safe without a lock.
	hashedByType map[string]*atomic.Int64

	summarizeMu   sync.Mutex
	summarizeStat latencyStats

	compareMu   sync.Mutex
	compareStat latencyStats

	forensicMu   sync.Mutex
	forensicStat latencyStats

	startTime time.Time
}

// New returns a Metrics with the start time recorded and one hashed counter
// per given PII type.
func New(piiTypes ...string) *Metrics {
	m := &Metrics{
		startTime:    time.Now(),
		hashedByType: make(map[string]*atomic.Int64, len(piiTypes)),
	}
	for _, t := range piiTypes {
		m.hashedByType[t] = new(atomic.Int64)
	}
	return m
}

// RecordHashed counts one successfully hashed match of the given type.
// Unknown types still count toward MatchesHashed.
func (m *Metrics) RecordHashed(piiType string) {
	m.MatchesHashed.Add(1)
	if c, ok := m.hashedByType[piiType]; ok {
		c.Add(1)
	}
}

// RecordSummarizeLatency records the duration of one Summarize call.
func (m *Metrics) RecordSummarizeLatency(d time.Duration) {
	m.summarizeMu.Lock()
	m.summarizeStat.record(ms(d))
	m.summarizeMu.Unlock()
}

// RecordCompareLatency records the duration of one Compare call.
func (m *Metrics) RecordCompareLatency(d time.Duration) {
	m.compareMu.Lock()
	m.compareStat.record(ms(d))
	m.compareMu.Unlock()
}

// RecordForensicLatency records the duration of one forensic report build.
func (m *Metrics) RecordForensicLatency(d time.Duration) {
	m.forensicMu.Lock()
	m.forensicStat.record(ms(d))
	m.forensicMu.Unlock()
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.summarizeMu.Lock()
	summarize := m.summarizeStat.snapshot()
	m.summarizeMu.Unlock()

	m.compareMu.Lock()
	compare := m.compareStat.snapshot()
	m.compareMu.Unlock()

	m.forensicMu.Lock()
	forensic := m.forensicStat.snapshot()
	m.forensicMu.Unlock()

	byType := make(map[string]int64, len(m.hashedByType))
	for t, c := range m.hashedByType {
		if n := c.Load(); n > 0 {
			byType[t] = n
		}
	}

	return Snapshot{
		Hashing: HashingSnapshot{
			Documents: m.DocumentsSummarized.Load(),
			Hashed:    m.MatchesHashed.Load(),
			Skipped:   m.MatchesSkipped.Load(),
			ByType:    byType,
		},
		Engine: EngineSnapshot{
			Comparisons:   m.Comparisons.Load(),
			Entanglements: m.EntanglementsDetected.Load(),
			Escalations:   m.RiskEscalations.Load(),
		},
		Store: StoreSnapshot{
			Committed: m.RecordsCommitted.Load(),
			Removed:   m.RecordsRemoved.Load(),
			Pruned:    m.RecordsPruned.Load(),
			Errors:    m.StoreErrors.Load(),
		},
		ForensicReports: m.ForensicReports.Load(),
		Latency: LatencyGroup{
			SummarizeMs: summarize,
			CompareMs:   compare,
			ForensicMs:  forensic,
		},
		UptimeSecs: uptime(m.startTime),
	}
}

func uptime(start time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	return time.Since(start).Seconds()
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Hashing         HashingSnapshot `json:"hashing"`
	Engine          EngineSnapshot  `json:"engine"`
	Store           StoreSnapshot   `json:"store"`
	ForensicReports int64           `json:"forensicReports"`
	Latency         LatencyGroup    `json:"latency"`
	UptimeSecs      float64         `json:"uptimeSecs"`
}

// HashingSnapshot holds hashing service counters.
type HashingSnapshot struct {
	Documents int64 `json:"documents"`
	Hashed    int64 `json:"hashed"`
	Skipped   int64 `json:"skipped"`

	// Only types with non-zero counts appear.
	ByType map[string]int64 `json:"byType,omitempty"`
}

// EngineSnapshot holds comparison counters.
type EngineSnapshot struct {
	Comparisons   int64 `json:"comparisons"`
	Entanglements int64 `json:"entanglements"`
	Escalations   int64 `json:"escalations"`
}

// StoreSnapshot holds session store counters.
type StoreSnapshot struct {
	Committed int64 `json:"committed"`
	Removed   int64 `json:"removed"`
	Pruned    int64 `json:"pruned"`
	Errors    int64 `json:"errors"`
}

// LatencyGroup groups the latency dimensions.
type LatencyGroup struct {
	SummarizeMs LatencySnapshot `json:"summarizeMs"`
	CompareMs   LatencySnapshot `json:"compareMs"`
	ForensicMs  LatencySnapshot `json:"forensicMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
