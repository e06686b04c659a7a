// Package hasher turns (PII type, raw value) pairs into keyed, irreversible
// entanglement IDs.
//
// The MAC key is never the configured secret itself. Two sub-keys are derived
// from it with HKDF-SHA256 under fixed labels: one for entanglement IDs and
// one for document fingerprints. Rotating the secret invalidates every
// historical ID, which is accepted: rotation happens only by redeploying.
//
// MAC input layout (v1):
//
//	"v1" 0x00 <piiType> 0x00 <normalized value>
//
// The type is part of the input, so the same digits classified once as an
// SSN and once as a bank account produce unrelated IDs.
package hasher

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Errors returned by the hasher.
var (
	// ErrInvalidInput means a value normalised to nothing. Callers skip the
	// offending match; it is never fatal.
	ErrInvalidInput = errors.New("hasher: invalid input")

	// ErrConfiguration means the secret is missing or weak. It is fatal at
	// startup; there is no unkeyed fallback.
	ErrConfiguration = errors.New("hasher: configuration error")
)

// MinSecretSize is the minimum accepted secret length in bytes.
const MinSecretSize = 16

const (
	idLabel          = "pii-entanglement:entanglement-id:v1"
	fingerprintLabel = "pii-entanglement:fingerprint:v1"
	inputVersion     = "v1"
	derivedKeySize   = 32
)

// ID is an entanglement ID: HMAC-SHA256 over one normalised (type, value) pair.
type ID [sha256.Size]byte

// String returns the lower-case hex form.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex characters, safe for log lines.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id == ID{} }

// Compare orders IDs bytewise.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(id)))
	hex.Encode(out, id[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(id) {
		return fmt.Errorf("entanglement id: want %d hex chars, got %d", 2*len(id), len(text))
	}
	if _, err := hex.Decode(id[:], text); err != nil {
		return fmt.Errorf("entanglement id: %w", err)
	}
	return nil
}

// ParseID decodes the hex form produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// Hasher computes entanglement IDs and fingerprints. It is safe for
// concurrent use.
type Hasher struct {
	idPool *sync.Pool
	fpPool *sync.Pool
}

// New validates secret and derives the MAC sub-keys from it.
func New(secret []byte) (*Hasher, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	idKey, err := deriveKey(secret, idLabel)
	if err != nil {
		return nil, err
	}
	fpKey, err := deriveKey(secret, fingerprintLabel)
	if err != nil {
		return nil, err
	}
	return &Hasher{
		idPool: macPool(idKey),
		fpPool: macPool(fpKey),
	}, nil
}

// ValidateSecret rejects secrets that are short, all zero, or a single
// repeated byte.
func ValidateSecret(secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: hashing secret is not set", ErrConfiguration)
	}
	if len(secret) < MinSecretSize {
		return fmt.Errorf("%w: hashing secret is %d bytes, minimum %d",
			ErrConfiguration, len(secret), MinSecretSize)
	}
	if bytes.Count(secret, secret[:1]) == len(secret) {
		return fmt.Errorf("%w: hashing secret is a single repeated byte", ErrConfiguration)
	}
	return nil
}

func deriveKey(secret []byte, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(label))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive %s: %v", ErrConfiguration, label, err)
	}
	return key, nil
}

func macPool(key []byte) *sync.Pool {
	return &sync.Pool{
		New: func() any { return hmac.New(sha256.New, key) },
	}
}

// Hash normalises raw according to class and returns the entanglement ID for
// (piiType, normalised raw). ErrInvalidInput is returned when nothing is left
// after normalisation.
func (h *Hasher) Hash(piiType string, class Class, raw string) (ID, error) {
	if piiType == "" {
		return ID{}, fmt.Errorf("%w: empty pii type", ErrInvalidInput)
	}
	value, err := Normalize(class, raw)
	if err != nil {
		return ID{}, err
	}

	mac := h.idPool.Get().(hash.Hash)
	defer h.idPool.Put(mac)
	mac.Reset()
	mac.Write([]byte(inputVersion))
	mac.Write([]byte{0})
	mac.Write([]byte(piiType))
	mac.Write([]byte{0})
	mac.Write([]byte(value))

	var id ID
	mac.Sum(id[:0])
	return id, nil
}

// Fingerprint returns an order-independent digest over ids. Duplicates are
// ignored; the empty set has a fixed fingerprint.
func (h *Hasher) Fingerprint(ids []ID) ID {
	sorted := make([]ID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })

	mac := h.fpPool.Get().(hash.Hash)
	defer h.fpPool.Put(mac)
	mac.Reset()
	mac.Write([]byte(inputVersion))
	for i, id := range sorted {
		if i > 0 && id == sorted[i-1] {
			continue
		}
		mac.Write(id[:])
	}

	var fp ID
	mac.Sum(fp[:0])
	return fp
}
