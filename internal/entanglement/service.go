package entanglement

import (
	"fmt"
	"math"
	"time"

	"pii-entanglement/internal/hasher"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/metrics"
)

// Default scoring parameters.
const (
	DefaultMaxRiskScore            = 100.0
	DefaultHighConfidenceThreshold = 0.8
)

// DefaultWeights is a sample severity table. Financial and government
// identifiers weigh the most. Deployments configure their own table.
func DefaultWeights() map[PIIType]float64 {
	return map[PIIType]float64{
		PIISSN:           10,
		PIIBankAccount:   9,
		PIICreditCard:    9,
		PIIPassport:      8,
		PIIDriverLicense: 7,
		PIIMedical:       7,
		PIIAPIKey:        6,
		PIIEmail:         4,
		PIIPhone:         4,
		PIIAddress:       4,
		PIIIPAddress:     3,
		PIIName:          2,
		PIIDate:          1,
	}
}

// ValidateWeights rejects an empty table, unknown types and negative or
// non-finite weights.
func ValidateWeights(weights map[PIIType]float64) error {
	if len(weights) == 0 {
		return fmt.Errorf("%w: risk weight table is empty", hasher.ErrConfiguration)
	}
	for t, w := range weights {
		if !t.Valid() {
			return fmt.Errorf("%w: risk weight for unknown pii type %q", hasher.ErrConfiguration, t)
		}
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: risk weight for %s must be a finite value >= 0, got %v",
				hasher.ErrConfiguration, t, w)
		}
	}
	return nil
}

// Options tunes a Service. Zero fields take defaults.
type Options struct {
	MaxRiskScore            float64
	HighConfidenceThreshold float64
	Logger                  *logger.Logger
	Metrics                 *metrics.Metrics
}

// Service hashes match lists into summaries. It is a pure function of its
// inputs plus the hasher's key, and safe for concurrent use.
type Service struct {
	hasher        *hasher.Hasher
	weights       map[PIIType]float64
	maxRisk       float64
	highThreshold float64
	log           *logger.Logger
	metrics       *metrics.Metrics
}

// NewService builds a Service. A nil hasher or an invalid weight table is a
// configuration error.
func NewService(h *hasher.Hasher, weights map[PIIType]float64, opts Options) (*Service, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: hasher is required", hasher.ErrConfiguration)
	}
	if err := ValidateWeights(weights); err != nil {
		return nil, err
	}
	s := &Service{
		hasher:        h,
		weights:       make(map[PIIType]float64, len(weights)),
		maxRisk:       opts.MaxRiskScore,
		highThreshold: opts.HighConfidenceThreshold,
		log:           opts.Logger,
		metrics:       opts.Metrics,
	}
	for t, w := range weights {
		s.weights[t] = w
	}
	if s.maxRisk <= 0 {
		s.maxRisk = DefaultMaxRiskScore
	}
	if s.highThreshold <= 0 {
		s.highThreshold = DefaultHighConfidenceThreshold
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(TypeNames()...)
	}
	return s, nil
}

// Metrics returns the counters this service reports into.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Summarize hashes every match and aggregates the result. Invalid matches
// (unknown type, nothing left after normalisation) are skipped; an empty or
// fully invalid list yields an empty summary with a zero risk score.
func (s *Service) Summarize(matches []Match) Summary {
	start := time.Now()
	defer func() { s.metrics.RecordSummarizeLatency(time.Since(start)) }()
	s.metrics.DocumentsSummarized.Add(1)

	sum := Summary{
		IDs:           make(IDSet, len(matches)),
		PIITypeCounts: make(TypeCounts),
	}
	confidence := make(map[PIIType]float64)

	for i := range matches {
		m := &matches[i]
		t, id, err := s.hashMatch(m)
		if err != nil {
			sum.Skipped++
			s.metrics.MatchesSkipped.Add(1)
			s.log.Debugf("summarize", "skip match #%d (method=%s): %v", i, m.Method, err)
			continue
		}
		s.metrics.RecordHashed(string(t))

		c := clampUnit(m.Confidence)
		sum.IDs.Add(id)
		sum.PIITypeCounts[t]++
		confidence[t] += c
		sum.Quality.TotalMatches++
		if c >= s.highThreshold {
			sum.Quality.HighConfidenceMatches++
		}
	}

	sum.Fingerprint = s.hasher.Fingerprint(sum.IDs.Sorted())
	sum.RiskScore = s.riskScore(sum.PIITypeCounts, confidence)
	return sum
}

func (s *Service) hashMatch(m *Match) (PIIType, hasher.ID, error) {
	t, err := ParsePIIType(m.Type)
	if err != nil {
		return "", hasher.ID{}, err
	}
	id, err := s.hasher.Hash(string(t), t.Class(), m.Text)
	if err != nil {
		return "", hasher.ID{}, err
	}
	return t, id, nil
}

// riskScore is Σ weight × count × mean confidence, clamped to [0, maxRisk].
// confidenceSums holds the per-type sum of clamped confidences.
func (s *Service) riskScore(counts TypeCounts, confidenceSums map[PIIType]float64) float64 {
	var score float64
	for t, n := range counts {
		if n == 0 {
			continue
		}
		mean := confidenceSums[t] / float64(n)
		score += s.weights[t] * float64(n) * mean
	}
	return math.Min(math.Max(score, 0), s.maxRisk)
}

// RiskScore scores a type tally where every match has the given confidence.
// Useful for previewing the weight table.
func (s *Service) RiskScore(counts TypeCounts, confidence float64) float64 {
	sums := make(map[PIIType]float64, len(counts))
	c := clampUnit(confidence)
	for t, n := range counts {
		sums[t] = c * float64(n)
	}
	return s.riskScore(counts, sums)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Overlap is the intersection of two ID sets and its strength.
type Overlap struct {
	SharedIDs IDSet
	Strength  float64
}

// CheckEntanglement intersects a and b. Strength is |shared| / min(|a|, |b|),
// and 0 when either set is empty.
func CheckEntanglement(a, b IDSet) Overlap {
	if a.Len() == 0 || b.Len() == 0 {
		return Overlap{SharedIDs: make(IDSet)}
	}
	shared := a.Intersect(b)
	denom := a.Len()
	if b.Len() < denom {
		denom = b.Len()
	}
	return Overlap{SharedIDs: shared, Strength: float64(shared.Len()) / float64(denom)}
}

// SharedTypes returns, in AllPIITypes order, the types counted (> 0) in both
// tallies.
func SharedTypes(a, b TypeCounts) []PIIType {
	out := []PIIType{}
	for _, t := range AllPIITypes {
		if a[t] > 0 && b[t] > 0 {
			out = append(out, t)
		}
	}
	return out
}
