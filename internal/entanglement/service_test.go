package entanglement

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pii-entanglement/internal/hasher"
	"pii-entanglement/internal/metrics"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	testTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	h, err := hasher.New(testSecret)
	require.NoError(t, err)
	svc, err := NewService(h, DefaultWeights(), Options{})
	require.NoError(t, err)
	return svc
}

func sampleMatches() []Match {
	return []Match{
		{Text: "123-45-6789", Type: "ssn", Method: "regex", Confidence: 0.95},
		{Text: "bob@corp.io", Type: "email", Method: "regex", Confidence: 0.9},
		{Text: "(555) 867-5309", Type: "phone", Method: "regex", Confidence: 0.7},
		{Text: "Alice Smith", Type: "PERSON", Method: "ner", Confidence: 0.6},
	}
}

func TestParsePIIType(t *testing.T) {
	cases := map[string]PIIType{
		"ssn":         PIISSN,
		"SSN":         PIISSN,
		"creditCard":  PIICreditCard,
		"CREDIT_CARD": PIICreditCard,
		"PERSON":      PIIName,
		" email ":     PIIEmail,
		"bankaccount": PIIBankAccount,
	}
	for in, want := range cases {
		got, err := ParsePIIType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePIIType("favouriteColour")
	assert.True(t, errors.Is(err, hasher.ErrInvalidInput))
}

func TestEveryTypeHasClassAndWeight(t *testing.T) {
	weights := DefaultWeights()
	for _, typ := range AllPIITypes {
		assert.True(t, typ.Valid(), typ)
		_, ok := weights[typ]
		assert.True(t, ok, "default weight missing for %s", typ)
	}
	assert.Len(t, TypeNames(), len(AllPIITypes))
}

func TestValidateWeights(t *testing.T) {
	assert.NoError(t, ValidateWeights(DefaultWeights()))

	bad := []map[PIIType]float64{
		nil,
		{},
		{"shoeSize": 1},
		{PIISSN: -1},
		{PIISSN: math.NaN()},
		{PIISSN: math.Inf(1)},
	}
	for _, w := range bad {
		err := ValidateWeights(w)
		assert.True(t, errors.Is(err, hasher.ErrConfiguration), "weights %v: %v", w, err)
	}
}

func TestNewService_RequiresHasherAndWeights(t *testing.T) {
	_, err := NewService(nil, DefaultWeights(), Options{})
	assert.True(t, errors.Is(err, hasher.ErrConfiguration))

	h, err := hasher.New(testSecret)
	require.NoError(t, err)
	_, err = NewService(h, nil, Options{})
	assert.True(t, errors.Is(err, hasher.ErrConfiguration))
}

func TestSummarize_EmptyList(t *testing.T) {
	svc := newTestService(t)
	sum := svc.Summarize(nil)

	assert.Equal(t, 0, sum.IDs.Len())
	assert.Equal(t, 0.0, sum.RiskScore)
	assert.Empty(t, sum.PIITypeCounts)
	assert.Equal(t, 0, sum.Skipped)
	assert.Equal(t, 0, sum.Quality.TotalMatches)
}

func TestSummarize_CollapsesDuplicates(t *testing.T) {
	svc := newTestService(t)
	sum := svc.Summarize([]Match{
		{Text: "123-45-6789", Type: "ssn", Confidence: 0.9},
		{Text: "123 45 6789", Type: "ssn", Confidence: 0.9},
		{Text: "bob@corp.io", Type: "email", Confidence: 0.9},
	})

	assert.Equal(t, 2, sum.IDs.Len())
	assert.Equal(t, 2, sum.PIITypeCounts[PIISSN], "tallies count detector matches")
	assert.Equal(t, 1, sum.PIITypeCounts[PIIEmail])
	assert.Equal(t, 3, sum.Quality.TotalMatches)
	assert.Equal(t, 3, sum.Quality.HighConfidenceMatches)
}

func TestSummarize_SkipsInvalidMatches(t *testing.T) {
	m := metrics.New(TypeNames()...)
	h, err := hasher.New(testSecret)
	require.NoError(t, err)
	svc, err := NewService(h, DefaultWeights(), Options{Metrics: m})
	require.NoError(t, err)

	matches := sampleMatches()
	matches = append(matches,
		Match{Text: "  ", Type: "ssn", Confidence: 0.9},
		Match{Text: "blue", Type: "favouriteColour", Confidence: 0.9},
	)
	sum := svc.Summarize(matches)

	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 4, sum.IDs.Len())
	assert.Equal(t, 4, sum.Quality.TotalMatches)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Hashing.Skipped)
	assert.Equal(t, int64(4), snap.Hashing.Hashed)
	assert.Equal(t, int64(1), snap.Hashing.ByType["ssn"])
}

func TestSummarize_FingerprintOrderIndependent(t *testing.T) {
	svc := newTestService(t)
	matches := sampleMatches()
	want := svc.Summarize(matches).Fingerprint

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		perm := make([]Match, len(matches))
		for j, k := range r.Perm(len(matches)) {
			perm[j] = matches[k]
		}
		assert.Equal(t, want, svc.Summarize(perm).Fingerprint)
	}
}

func TestSummarize_RiskScore(t *testing.T) {
	svc := newTestService(t)

	// ssn: 10 × 2 × mean(0.9, 0.5)=0.7 → 14; email: 4 × 1 × 1.0 → 4
	sum := svc.Summarize([]Match{
		{Text: "123-45-6789", Type: "ssn", Confidence: 0.9},
		{Text: "987-65-4321", Type: "ssn", Confidence: 0.5},
		{Text: "bob@corp.io", Type: "email", Confidence: 1.7}, // clamped to 1
	})
	assert.InDelta(t, 18.0, sum.RiskScore, 1e-9)
}

func TestSummarize_RiskScoreClamped(t *testing.T) {
	svc := newTestService(t)
	matches := make([]Match, 30)
	for i := range matches {
		matches[i] = Match{Text: "123-45-6789", Type: "ssn", Confidence: 1}
	}
	assert.Equal(t, DefaultMaxRiskScore, svc.Summarize(matches).RiskScore)
}

func TestSummarize_ConfigurableWeights(t *testing.T) {
	h, err := hasher.New(testSecret)
	require.NoError(t, err)
	svc, err := NewService(h, map[PIIType]float64{PIIEmail: 50}, Options{MaxRiskScore: 1000})
	require.NoError(t, err)

	sum := svc.Summarize([]Match{
		{Text: "bob@corp.io", Type: "email", Confidence: 1},
		{Text: "123-45-6789", Type: "ssn", Confidence: 1}, // unweighted → 0
	})
	assert.InDelta(t, 50.0, sum.RiskScore, 1e-9)
	assert.InDelta(t, 100.0, svc.RiskScore(TypeCounts{PIIEmail: 2}, 1), 1e-9)
}

func TestCheckEntanglement(t *testing.T) {
	svc := newTestService(t)
	a := svc.Summarize(sampleMatches()).IDs
	b := svc.Summarize(sampleMatches()[:2]).IDs
	c := svc.Summarize([]Match{{Text: "x@y.z", Type: "email", Confidence: 1}}).IDs

	self := CheckEntanglement(a, a)
	assert.Equal(t, 1.0, self.Strength)
	assert.Equal(t, a.Sorted(), self.SharedIDs.Sorted())

	sub := CheckEntanglement(a, b)
	assert.Equal(t, 1.0, sub.Strength, "strength divides by the smaller set")
	assert.Equal(t, 2, sub.SharedIDs.Len())

	disjoint := CheckEntanglement(a, c)
	assert.Equal(t, 0.0, disjoint.Strength)
	assert.Equal(t, 0, disjoint.SharedIDs.Len())

	empty := CheckEntanglement(a, nil)
	assert.Equal(t, 0.0, empty.Strength)
	assert.NotNil(t, empty.SharedIDs)
}

func TestSharedTypes(t *testing.T) {
	a := TypeCounts{PIISSN: 1, PIIEmail: 2, PIIName: 0}
	b := TypeCounts{PIIEmail: 1, PIIName: 3, PIISSN: 4}
	assert.Equal(t, []PIIType{PIISSN, PIIEmail}, SharedTypes(a, b))
	assert.Empty(t, SharedTypes(a, nil))
}

func TestIDSet_JSON(t *testing.T) {
	svc := newTestService(t)
	ids := svc.Summarize(sampleMatches()).IDs

	data, err := json.Marshal(ids)
	require.NoError(t, err)

	var back IDSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ids.Sorted(), back.Sorted())

	data, err = json.Marshal(IDSet(nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	svc := newTestService(t)
	rec := NewRecord("doc-1", svc.Summarize(sampleMatches()), DetectorMetrics{FalsePositiveRisk: 0.1, CoverageConfidence: 0.8}, testTime)

	cp := rec.Clone()
	cp.PIITypeCounts[PIISSN] = 99
	for id := range cp.EntanglementIDs {
		delete(cp.EntanglementIDs, id)
	}
	assert.Equal(t, 1, rec.PIITypeCounts[PIISSN])
	assert.Equal(t, 4, rec.EntanglementIDs.Len())
	assert.Equal(t, 0.1, rec.DetectionQuality.FalsePositiveRisk)
	assert.Equal(t, 0.8, rec.DetectionQuality.CoverageConfidence)
}
