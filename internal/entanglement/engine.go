package entanglement

import (
	"fmt"
	"time"

	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/metrics"
)

// Engine compares new documents against the last committed document of a
// session. Compare never writes; Commit is a separate, explicit step so a
// caller can drop a result without touching session state.
type Engine struct {
	svc   *Service
	store RecordStore
	log   *logger.Logger
	now   func() time.Time
}

// NewEngine wires a Service to a RecordStore.
func NewEngine(svc *Service, store RecordStore, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{svc: svc, store: store, log: log, now: time.Now}
}

// WithClock replaces the clock used to timestamp committed records.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Service returns the hashing service behind the engine.
func (e *Engine) Service() *Service { return e.svc }

// Store returns the session store behind the engine.
func (e *Engine) Store() RecordStore { return e.store }

func (e *Engine) metrics() *metrics.Metrics { return e.svc.metrics }

// Compare hashes matches and compares them with the session's stored record.
// The only error source is the store backend.
func (e *Engine) Compare(sessionID string, matches []Match) (Result, error) {
	if len(matches) == 0 {
		e.metrics().Comparisons.Add(1)
		return emptyResult(0), nil
	}
	return e.CompareSummary(sessionID, e.svc.Summarize(matches))
}

// CompareSummary is Compare on an already computed summary, so a caller that
// intends to Commit hashes the document only once.
func (e *Engine) CompareSummary(sessionID string, sum Summary) (Result, error) {
	start := time.Now()
	defer func() { e.metrics().RecordCompareLatency(time.Since(start)) }()
	e.metrics().Comparisons.Add(1)

	if sum.IDs.Len() == 0 {
		return emptyResult(sum.RiskScore), nil
	}

	prev, ok, err := e.store.Get(sessionID)
	if err != nil {
		e.metrics().StoreErrors.Add(1)
		return Result{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if !ok {
		e.log.Debugf("compare", "session=%s no prior record", sessionID)
		return emptyResult(sum.RiskScore), nil
	}

	return e.compareRecords(sessionID, prev, sum), nil
}

func (e *Engine) compareRecords(sessionID string, prev Record, sum Summary) Result {
	ov := CheckEntanglement(sum.IDs, prev.EntanglementIDs)
	res := Result{
		HasSharedPII:       ov.SharedIDs.Len() > 0,
		SharedIDs:          ov.SharedIDs,
		Strength:           ov.Strength,
		SharedTypes:        SharedTypes(sum.PIITypeCounts, prev.PIITypeCounts),
		RiskEscalation:     sum.RiskScore > prev.RiskScore,
		PreviousDocumentID: prev.DocumentID,
		RiskScore:          sum.RiskScore,
		PreviousRiskScore:  prev.RiskScore,
	}

	if res.HasSharedPII {
		e.metrics().EntanglementsDetected.Add(1)
		e.log.Infof("compare", "session=%s prev_doc=%s shared=%d strength=%.2f types=%v",
			sessionID, prev.DocumentID, res.SharedIDs.Len(), res.Strength, res.SharedTypes)
	}
	if res.RiskEscalation {
		e.metrics().RiskEscalations.Add(1)
		e.log.Infof("compare", "session=%s risk escalation %.1f -> %.1f",
			sessionID, prev.RiskScore, sum.RiskScore)
	}
	return res
}

func emptyResult(risk float64) Result {
	return Result{SharedIDs: make(IDSet), SharedTypes: []PIIType{}, RiskScore: risk}
}

// Commit stores the summary as the session's current record, replacing any
// previous one.
func (e *Engine) Commit(sessionID, documentID string, sum Summary, dm DetectorMetrics) (Record, error) {
	if sessionID == "" {
		return Record{}, fmt.Errorf("commit: empty session id")
	}
	rec := NewRecord(documentID, sum, dm, e.now())
	if err := e.store.Put(sessionID, rec); err != nil {
		e.metrics().StoreErrors.Add(1)
		return Record{}, fmt.Errorf("store session %s: %w", sessionID, err)
	}
	e.metrics().RecordsCommitted.Add(1)
	e.log.Debugf("commit", "session=%s doc=%s ids=%d fp=%s risk=%.1f",
		sessionID, documentID, rec.EntanglementIDs.Len(), rec.Fingerprint.Short(), rec.RiskScore)
	return rec, nil
}

// Forget removes the session's record.
func (e *Engine) Forget(sessionID string) error {
	if err := e.store.Remove(sessionID); err != nil {
		e.metrics().StoreErrors.Add(1)
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	e.metrics().RecordsRemoved.Add(1)
	return nil
}
