// Package forensics builds cross-session entanglement reports for operators.
//
// A report takes a batch of session IDs, loads each session's record, compares
// every unordered pair of sessions and aggregates the batch's risk profile.
// Reports are derived on demand and never stored.
package forensics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/metrics"
)

// ErrEmptyInput is returned by Build when no session IDs are supplied.
var ErrEmptyInput = errors.New("empty input")

// DefaultWorkers is the pairwise comparison pool size used when Options
// leaves Workers unset.
const DefaultWorkers = 4

// Pair is one pair of sessions sharing at least one entanglement ID.
type Pair struct {
	SessionPair [2]string              `json:"sessionPair"`
	SharedIDs   entanglement.IDSet     `json:"sharedIds"`
	Strength    float64                `json:"strength"`
	SharedTypes []entanglement.PIIType `json:"sharedTypes"`
}

// TypeCount is a PII type with its count summed across a batch.
type TypeCount struct {
	Type  entanglement.PIIType `json:"type"`
	Count int                  `json:"count"`
}

// RiskProfile aggregates the risk of every session included in a report.
type RiskProfile struct {
	AverageRiskScore         float64     `json:"averageRiskScore"`
	HighestRiskSession       string      `json:"highestRiskSession,omitempty"`
	HighestRiskScore         float64     `json:"highestRiskScore"`
	MostCommonPIITypes       []TypeCount `json:"mostCommonPiiTypes"`
	TotalUniqueEntanglements int         `json:"totalUniqueEntanglements"`
}

// Report is the result of one Build call.
type Report struct {
	ReportID                  string      `json:"reportId"`
	Timestamp                 time.Time   `json:"timestamp"`
	SessionCount              int         `json:"sessionCount"`
	CrossSessionEntanglements []Pair      `json:"crossSessionEntanglements"`
	AggregateRiskProfile      RiskProfile `json:"aggregateRiskProfile"`
	// Sessions requested but not included: no record, or the store failed.
	SkippedSessions []string `json:"skippedSessions"`
}

// Options tunes a Builder. Zero fields take defaults.
type Options struct {
	Workers int
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

// Builder produces forensic reports from a session store. It only reads the
// store and is safe for concurrent use.
type Builder struct {
	store   entanglement.RecordStore
	workers int
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBuilder returns a Builder reading from store.
func NewBuilder(store entanglement.RecordStore, opts Options) *Builder {
	b := &Builder{
		store:   store,
		workers: opts.Workers,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
	if b.workers <= 0 {
		b.workers = DefaultWorkers
	}
	if b.log == nil {
		b.log = logger.Nop()
	}
	if b.metrics == nil {
		b.metrics = metrics.New()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

type loaded struct {
	id  string
	rec entanglement.Record
}

// Build compares every pair of the given sessions. Unknown sessions are
// tolerated and listed in SkippedSessions; the only error is ErrEmptyInput.
func (b *Builder) Build(sessionIDs []string) (*Report, error) {
	if len(sessionIDs) == 0 {
		return nil, ErrEmptyInput
	}
	start := time.Now()
	defer func() { b.metrics.RecordForensicLatency(time.Since(start)) }()

	sessions, skipped := b.load(dedupe(sessionIDs))
	pairs := b.comparePairs(sessions)

	rep := &Report{
		ReportID:                  uuid.NewString(),
		Timestamp:                 b.now().UTC(),
		SessionCount:              len(sessions),
		CrossSessionEntanglements: pairs,
		AggregateRiskProfile:      profile(sessions),
		SkippedSessions:           skipped,
	}
	b.metrics.ForensicReports.Add(1)
	b.log.Infof("report", "id=%s sessions=%d skipped=%d entangled_pairs=%d unique_ids=%d",
		rep.ReportID, rep.SessionCount, len(skipped), len(pairs),
		rep.AggregateRiskProfile.TotalUniqueEntanglements)
	return rep, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (b *Builder) load(ids []string) ([]loaded, []string) {
	sessions := make([]loaded, 0, len(ids))
	skipped := []string{}
	for _, id := range ids {
		rec, ok, err := b.store.Get(id)
		if err != nil {
			b.metrics.StoreErrors.Add(1)
			b.log.Warnf("report", "session=%s load failed, skipping: %v", id, err)
			skipped = append(skipped, id)
			continue
		}
		if !ok {
			b.log.Debugf("report", "session=%s has no record", id)
			skipped = append(skipped, id)
			continue
		}
		sessions = append(sessions, loaded{id: id, rec: rec})
	}
	return sessions, skipped
}

// comparePairs checks every unordered pair on a bounded worker pool. Results
// keep (i, j) input order regardless of scheduling.
func (b *Builder) comparePairs(sessions []loaded) []Pair {
	n := len(sessions)
	total := n * (n - 1) / 2
	if total <= 0 {
		return []Pair{}
	}

	type job struct{ slot, i, j int }
	results := make([]*Pair, total)
	jobs := make(chan job)

	workers := b.workers
	if workers > total {
		workers = total
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jb := range jobs {
				results[jb.slot] = comparePair(sessions[jb.i], sessions[jb.j])
			}
		}()
	}

	slot := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			jobs <- job{slot: slot, i: i, j: j}
			slot++
		}
	}
	close(jobs)
	wg.Wait()

	out := []Pair{}
	for _, p := range results {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// comparePair returns nil when a and b share no entanglement IDs.
func comparePair(a, b loaded) *Pair {
	ov := entanglement.CheckEntanglement(a.rec.EntanglementIDs, b.rec.EntanglementIDs)
	if ov.SharedIDs.Len() == 0 {
		return nil
	}
	return &Pair{
		SessionPair: [2]string{a.id, b.id},
		SharedIDs:   ov.SharedIDs,
		Strength:    ov.Strength,
		SharedTypes: entanglement.SharedTypes(a.rec.PIITypeCounts, b.rec.PIITypeCounts),
	}
}

func profile(sessions []loaded) RiskProfile {
	p := RiskProfile{MostCommonPIITypes: []TypeCount{}}
	if len(sessions) == 0 {
		return p
	}

	union := make(entanglement.IDSet)
	counts := make(entanglement.TypeCounts)
	var sum float64
	var highest *loaded
	for i := range sessions {
		s := &sessions[i]
		sum += s.rec.RiskScore
		union.Union(s.rec.EntanglementIDs)
		for t, c := range s.rec.PIITypeCounts {
			counts[t] += c
		}
		if highest == nil || s.rec.RiskScore > highest.rec.RiskScore ||
			(s.rec.RiskScore == highest.rec.RiskScore && s.rec.Timestamp.Before(highest.rec.Timestamp)) {
			highest = s
		}
	}

	p.AverageRiskScore = sum / float64(len(sessions))
	p.HighestRiskSession = highest.id
	p.HighestRiskScore = highest.rec.RiskScore
	p.TotalUniqueEntanglements = union.Len()
	p.MostCommonPIITypes = rankTypes(counts)
	return p
}

// rankTypes orders types by descending count, then by severity order.
func rankTypes(counts entanglement.TypeCounts) []TypeCount {
	out := make([]TypeCount, 0, len(counts))
	for _, t := range entanglement.AllPIITypes {
		if c := counts[t]; c > 0 {
			out = append(out, TypeCount{Type: t, Count: c})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}
