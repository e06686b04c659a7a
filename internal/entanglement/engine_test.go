package entanglement_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/hasher"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/session"
)

var (
	engineSecret = []byte("fedcba9876543210fedcba9876543210")
	engineTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newEngine(t *testing.T, store entanglement.RecordStore) *entanglement.Engine {
	t.Helper()
	h, err := hasher.New(engineSecret)
	require.NoError(t, err)
	svc, err := entanglement.NewService(h, entanglement.DefaultWeights(), entanglement.Options{})
	require.NoError(t, err)
	if store == nil {
		store = session.NewMemory()
	}
	return entanglement.NewEngine(svc, store, nil).WithClock(func() time.Time { return engineTime })
}

// commit summarises matches and stores them as the session's record.
func commit(t *testing.T, e *entanglement.Engine, sessionID, docID string, matches []entanglement.Match) entanglement.Record {
	t.Helper()
	rec, err := e.Commit(sessionID, docID, e.Service().Summarize(matches), entanglement.DetectorMetrics{})
	require.NoError(t, err)
	return rec
}

func ssnDoc() []entanglement.Match {
	return []entanglement.Match{
		{Text: "123-45-6789", Type: "ssn", Method: "regex", Confidence: 0.95},
	}
}

func TestCompare_NoPriorRecord(t *testing.T) {
	e := newEngine(t, nil)
	res, err := e.Compare("fresh", ssnDoc())
	require.NoError(t, err)

	assert.False(t, res.HasSharedPII)
	assert.Equal(t, 0.0, res.Strength)
	assert.Equal(t, 0, res.SharedIDs.Len())
	assert.Empty(t, res.SharedTypes)
	assert.False(t, res.RiskEscalation)
	assert.Greater(t, res.RiskScore, 0.0)
}

func TestCompare_SameSSNDifferentFormatting(t *testing.T) {
	e := newEngine(t, nil)
	commit(t, e, "s1", "doc-a", ssnDoc())

	res, err := e.Compare("s1", []entanglement.Match{
		{Text: "123 45 6789", Type: "SSN", Method: "ner", Confidence: 0.95},
	})
	require.NoError(t, err)

	assert.True(t, res.HasSharedPII)
	assert.Equal(t, 1, res.SharedIDs.Len())
	assert.Equal(t, 1.0, res.Strength)
	assert.Equal(t, []entanglement.PIIType{entanglement.PIISSN}, res.SharedTypes)
	assert.False(t, res.RiskEscalation, "equal score is not an escalation")
	assert.Equal(t, "doc-a", res.PreviousDocumentID)
}

func TestCompare_SelfEntanglement(t *testing.T) {
	e := newEngine(t, nil)
	matches := []entanglement.Match{
		{Text: "123-45-6789", Type: "ssn", Confidence: 0.9},
		{Text: "bob@corp.io", Type: "email", Confidence: 0.9},
		{Text: "Alice Smith", Type: "PERSON", Confidence: 0.7},
	}
	rec := commit(t, e, "s1", "doc-a", matches)

	res, err := e.Compare("s1", matches)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Strength)
	assert.Equal(t, rec.EntanglementIDs.Sorted(), res.SharedIDs.Sorted())
	assert.ElementsMatch(t,
		[]entanglement.PIIType{entanglement.PIISSN, entanglement.PIIEmail, entanglement.PIIName},
		res.SharedTypes)
	assert.False(t, res.RiskEscalation)
}

func TestCompare_DisjointDocuments(t *testing.T) {
	e := newEngine(t, nil)
	commit(t, e, "s1", "doc-a", ssnDoc())

	res, err := e.Compare("s1", []entanglement.Match{
		{Text: "987-65-4321", Type: "ssn", Confidence: 0.95},
	})
	require.NoError(t, err)
	assert.False(t, res.HasSharedPII)
	assert.Equal(t, 0.0, res.Strength)
	assert.Equal(t, []entanglement.PIIType{entanglement.PIISSN}, res.SharedTypes,
		"shared types compare type counts, not values")
}

func TestCompare_RiskEscalation(t *testing.T) {
	e := newEngine(t, nil)
	commit(t, e, "s1", "doc-a", []entanglement.Match{
		{Text: "bob@corp.io", Type: "email", Confidence: 0.9},
	})

	res, err := e.Compare("s1", []entanglement.Match{
		{Text: "bob@corp.io", Type: "email", Confidence: 0.9},
		{Text: "123-45-6789", Type: "ssn", Confidence: 0.95},
	})
	require.NoError(t, err)
	assert.True(t, res.RiskEscalation)
	assert.Greater(t, res.RiskScore, res.PreviousRiskScore)
	assert.Equal(t, 1.0, res.Strength, "divides by the smaller set")
	assert.Equal(t, int64(1), e.Service().Metrics().RiskEscalations.Load())
	assert.Equal(t, int64(1), e.Service().Metrics().EntanglementsDetected.Load())
}

func TestCompare_DoesNotPersist(t *testing.T) {
	store := session.NewMemory()
	e := newEngine(t, store)

	_, err := e.Compare("s1", ssnDoc())
	require.NoError(t, err)
	_, ok, err := store.Get("s1")
	require.NoError(t, err)
	assert.False(t, ok)

	commit(t, e, "s1", "doc-a", ssnDoc())
	_, err = e.Compare("s1", []entanglement.Match{{Text: "x@y.z", Type: "email", Confidence: 1}})
	require.NoError(t, err)
	rec, _, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "doc-a", rec.DocumentID)
}

func TestCompare_EmptyMatches(t *testing.T) {
	e := newEngine(t, nil)
	commit(t, e, "s1", "doc-a", ssnDoc())

	for _, matches := range [][]entanglement.Match{nil, {{Text: " ", Type: "ssn", Confidence: 1}}} {
		res, err := e.Compare("s1", matches)
		require.NoError(t, err)
		assert.False(t, res.HasSharedPII)
		assert.NotNil(t, res.SharedIDs)
		assert.NotNil(t, res.SharedTypes)
		assert.Equal(t, 0.0, res.RiskScore)
	}
}

func TestCommit_ReplacesRecord(t *testing.T) {
	store := session.NewMemory()
	e := newEngine(t, store)
	commit(t, e, "s1", "doc-a", ssnDoc())
	rec := commit(t, e, "s1", "doc-b", []entanglement.Match{{Text: "x@y.z", Type: "email", Confidence: 1}})

	assert.Equal(t, engineTime, rec.Timestamp)
	got, ok, err := store.Get("s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "doc-b", got.DocumentID)
	assert.Equal(t, entanglement.TypeCounts{entanglement.PIIEmail: 1}, got.PIITypeCounts)

	_, err = e.Commit("", "doc", entanglement.Summary{}, entanglement.DetectorMetrics{})
	assert.Error(t, err)
}

func TestForget(t *testing.T) {
	store := session.NewMemory()
	e := newEngine(t, store)
	commit(t, e, "s1", "doc-a", ssnDoc())

	require.NoError(t, e.Forget("s1"))
	res, err := e.Compare("s1", ssnDoc())
	require.NoError(t, err)
	assert.False(t, res.HasSharedPII)
	assert.Equal(t, int64(1), e.Service().Metrics().RecordsRemoved.Load())
}

type brokenStore struct{ entanglement.RecordStore }

var errDiskFull = errors.New("disk full")

func (brokenStore) Get(string) (entanglement.Record, bool, error) {
	return entanglement.Record{}, false, errDiskFull
}
func (brokenStore) Put(string, entanglement.Record) error { return errDiskFull }

func TestEngine_StoreErrorsWrapped(t *testing.T) {
	e := newEngine(t, brokenStore{session.NewMemory()})

	_, err := e.Compare("s1", ssnDoc())
	assert.True(t, errors.Is(err, errDiskFull))
	_, err = e.Commit("s1", "doc", e.Service().Summarize(ssnDoc()), entanglement.DetectorMetrics{})
	assert.True(t, errors.Is(err, errDiskFull))
	assert.Equal(t, int64(2), e.Service().Metrics().StoreErrors.Load())
}

func TestEngine_LogsEntanglement(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("engine", "info")
	log.SetOutput(&buf)

	h, err := hasher.New(engineSecret)
	require.NoError(t, err)
	svc, err := entanglement.NewService(h, entanglement.DefaultWeights(), entanglement.Options{Logger: log})
	require.NoError(t, err)
	e := entanglement.NewEngine(svc, session.NewMemory(), log)

	commit(t, e, "s1", "doc-a", ssnDoc())
	_, err = e.Compare("s1", ssnDoc())
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "session=s1")
	assert.NotContains(t, buf.String(), "123-45-6789", "raw PII never reaches the log")
}
