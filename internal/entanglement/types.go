// Package entanglement hashes PII matches into entanglement IDs, scores
// documents, and compares a new document against the last document recorded
// for a session.
//
// Raw match text lives only for the duration of a Summarize call. Everything
// the package returns or stores is derived from keyed digests.
package entanglement

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"pii-entanglement/internal/hasher"
)

// PIIType classifies the kind of sensitive data a match holds. The set is
// closed; see ParsePIIType.
type PIIType string

// Supported PII types.
const (
	PIISSN           PIIType = "ssn"
	PIIBankAccount   PIIType = "bankAccount"
	PIICreditCard    PIIType = "creditCard"
	PIIPassport      PIIType = "passport"
	PIIDriverLicense PIIType = "driverLicense"
	PIIMedical       PIIType = "medical"
	PIIAPIKey        PIIType = "apiKey"
	PIIEmail         PIIType = "email"
	PIIPhone         PIIType = "phone"
	PIIAddress       PIIType = "address"
	PIIIPAddress     PIIType = "ipAddress"
	PIIName          PIIType = "name"
	PIIDate          PIIType = "date"
)

// AllPIITypes lists every supported type in descending default severity.
var AllPIITypes = []PIIType{
	PIISSN, PIIBankAccount, PIICreditCard, PIIPassport, PIIDriverLicense,
	PIIMedical, PIIAPIKey, PIIEmail, PIIPhone, PIIAddress, PIIIPAddress,
	PIIName, PIIDate,
}

var normClass = map[PIIType]hasher.Class{
	PIISSN:           hasher.ClassDigits,
	PIICreditCard:    hasher.ClassDigits,
	PIIPhone:         hasher.ClassDigits,
	PIIBankAccount:   hasher.ClassAlnum,
	PIIPassport:      hasher.ClassAlnum,
	PIIDriverLicense: hasher.ClassAlnum,
	PIIAPIKey:        hasher.ClassAlnum,
	PIIEmail:         hasher.ClassCompact,
	PIIIPAddress:     hasher.ClassCompact,
	PIIAddress:       hasher.ClassWords,
	PIIMedical:       hasher.ClassWords,
	PIIName:          hasher.ClassWords,
	PIIDate:          hasher.ClassWords,
}

// Labels emitted by the NER/regex detector, folded to upper case.
var detectorAliases = map[string]PIIType{
	"PERSON":         PIIName,
	"PER":            PIIName,
	"CREDIT_CARD":    PIICreditCard,
	"BANK_ACCOUNT":   PIIBankAccount,
	"ACCOUNT_NUMBER": PIIBankAccount,
	"DRIVER_LICENSE": PIIDriverLicense,
	"IP_ADDRESS":     PIIIPAddress,
	"API_KEY":        PIIAPIKey,
	"DOB":            PIIDate,
	"DATE_OF_BIRTH":  PIIDate,
}

// ParsePIIType maps a detector label onto the closed type set. It accepts the
// canonical names case-insensitively plus the detector's upper-case labels.
func ParsePIIType(s string) (PIIType, error) {
	s = strings.TrimSpace(s)
	for _, t := range AllPIITypes {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	if t, ok := detectorAliases[strings.ToUpper(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown pii type %q", hasher.ErrInvalidInput, s)
}

// Valid reports whether t is one of the supported types.
func (t PIIType) Valid() bool {
	_, ok := normClass[t]
	return ok
}

// Class returns the normalisation class used when hashing values of type t.
func (t PIIType) Class() hasher.Class { return normClass[t] }

// TypeNames returns AllPIITypes as strings.
func TypeNames() []string {
	out := make([]string, len(AllPIITypes))
	for i, t := range AllPIITypes {
		out[i] = string(t)
	}
	return out
}

// Match is one candidate PII value reported by the detector. It is consumed by
// Summarize and never stored.
type Match struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Method     string  `json:"method,omitempty"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// DetectorMetrics is quality metadata computed by the detector. The engine
// passes it through unchanged.
type DetectorMetrics struct {
	FalsePositiveRisk  float64 `json:"falsePositiveRisk"`
	CoverageConfidence float64 `json:"coverageConfidence"`
}

// DetectionQuality describes the match list a record was built from.
type DetectionQuality struct {
	TotalMatches          int     `json:"totalMatches"`
	HighConfidenceMatches int     `json:"highConfidenceMatches"`
	FalsePositiveRisk     float64 `json:"falsePositiveRisk"`
	CoverageConfidence    float64 `json:"coverageConfidence"`
}

// IDSet is a set of entanglement IDs. It encodes to JSON as a sorted array of
// hex strings.
type IDSet map[hasher.ID]struct{}

// NewIDSet returns a set holding ids.
func NewIDSet(ids ...hasher.ID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s IDSet) Add(id hasher.ID) { s[id] = struct{}{} }

// Contains reports whether id is in s.
func (s IDSet) Contains(id hasher.ID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of IDs.
func (s IDSet) Len() int { return len(s) }

// Sorted returns the IDs in ascending byte order.
func (s IDSet) Sorted() []hasher.ID {
	out := make([]hasher.ID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Intersect returns the IDs present in both s and other.
func (s IDSet) Intersect(other IDSet) IDSet {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(IDSet)
	for id := range small {
		if large.Contains(id) {
			out.Add(id)
		}
	}
	return out
}

// Union adds every ID from other to s.
func (s IDSet) Union(other IDSet) {
	for id := range other {
		s.Add(id)
	}
}

// Clone returns an independent copy.
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out.Add(id)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *IDSet) UnmarshalJSON(data []byte) error {
	var ids []hasher.ID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewIDSet(ids...)
	return nil
}

// TypeCounts tallies matches per PII type.
type TypeCounts map[PIIType]int

// Clone returns an independent copy.
func (c TypeCounts) Clone() TypeCounts {
	out := make(TypeCounts, len(c))
	for t, n := range c {
		out[t] = n
	}
	return out
}

// Summary is the PII-free digest of one document's matches.
type Summary struct {
	IDs           IDSet            `json:"entanglementIds"`
	Fingerprint   hasher.ID        `json:"fingerprint"`
	PIITypeCounts TypeCounts       `json:"piiTypeCounts"`
	RiskScore     float64          `json:"riskScore"`
	Quality       DetectionQuality `json:"detectionQuality"`
	Skipped       int              `json:"skipped"`
}

// Record is the correlation state kept for a session: the summary of its most
// recently committed document.
type Record struct {
	DocumentID       string           `json:"documentId"`
	EntanglementIDs  IDSet            `json:"entanglementIds"`
	Fingerprint      hasher.ID        `json:"fingerprint"`
	PIITypeCounts    TypeCounts       `json:"piiTypeCounts"`
	RiskScore        float64          `json:"riskScore"`
	DetectionQuality DetectionQuality `json:"detectionQuality"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Clone returns a deep copy so stores can hand out records without sharing
// their maps.
func (r Record) Clone() Record {
	r.EntanglementIDs = r.EntanglementIDs.Clone()
	r.PIITypeCounts = r.PIITypeCounts.Clone()
	return r
}

// NewRecord builds a record from a summary plus the detector's pass-through
// quality metrics.
func NewRecord(documentID string, s Summary, dm DetectorMetrics, at time.Time) Record {
	q := s.Quality
	q.FalsePositiveRisk = dm.FalsePositiveRisk
	q.CoverageConfidence = dm.CoverageConfidence
	return Record{
		DocumentID:       documentID,
		EntanglementIDs:  s.IDs.Clone(),
		Fingerprint:      s.Fingerprint,
		PIITypeCounts:    s.PIITypeCounts.Clone(),
		RiskScore:        s.RiskScore,
		DetectionQuality: q,
		Timestamp:        at.UTC(),
	}
}

// Result is the outcome of comparing a new document against a session's
// stored record.
type Result struct {
	HasSharedPII       bool      `json:"hasSharedPii"`
	SharedIDs          IDSet     `json:"sharedIds"`
	Strength           float64   `json:"strength"`
	SharedTypes        []PIIType `json:"sharedTypes"`
	RiskEscalation     bool      `json:"riskEscalation"`
	PreviousDocumentID string    `json:"previousDocumentId,omitempty"`
	RiskScore          float64   `json:"riskScore"`
	PreviousRiskScore  float64   `json:"previousRiskScore,omitempty"`
}

// RecordStore is the session store contract the engine and forensic builder
// depend on. Implementations live in package session. Implementations must
// be safe for concurrent use; Put is last-writer-wins with no merging.
type RecordStore interface {
	// Get returns the record for sessionID. A missing session is (zero, false, nil).
	Get(sessionID string) (Record, bool, error)
	// Put stores rec for sessionID, replacing any previous record.
	Put(sessionID string, rec Record) error
	// Remove deletes the record for sessionID. Removing an unknown session is not an error.
	Remove(sessionID string) error
	// SessionIDs returns all session IDs with a record, sorted.
	SessionIDs() ([]string, error)
	// Prune removes records whose Timestamp is before cutoff and reports how many went.
	Prune(cutoff time.Time) (int, error)
	// Close releases backend resources.
	Close() error
}
