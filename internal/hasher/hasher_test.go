package hasher

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New(testSecret)
	require.NoError(t, err)
	return h
}

func mustHash(t *testing.T, h *Hasher, piiType string, class Class, raw string) ID {
	t.Helper()
	id, err := h.Hash(piiType, class, raw)
	require.NoError(t, err)
	return id
}

func TestNew_RejectsWeakSecrets(t *testing.T) {
	cases := map[string][]byte{
		"nil":      nil,
		"short":    []byte("too-short"),
		"zeros":    make([]byte, 32),
		"repeated": bytes.Repeat([]byte{'a'}, 32),
	}
	for name, secret := range cases {
		t.Run(name, func(t *testing.T) {
			h, err := New(secret)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
		})
	}
}

func TestHash_Deterministic(t *testing.T) {
	h := newTestHasher(t)
	a := mustHash(t, h, "ssn", ClassDigits, "123-45-6789")
	b := mustHash(t, h, "ssn", ClassDigits, "123-45-6789")
	assert.Equal(t, a, b)

	// A second hasher built from the same secret stands in for a restart.
	h2 := newTestHasher(t)
	assert.Equal(t, a, mustHash(t, h2, "ssn", ClassDigits, "123-45-6789"))
}

func TestHash_TypeSeparation(t *testing.T) {
	h := newTestHasher(t)
	ssn := mustHash(t, h, "ssn", ClassDigits, "123456789")
	acct := mustHash(t, h, "bankAccount", ClassDigits, "123456789")
	assert.NotEqual(t, ssn, acct)
}

func TestHash_KeySeparation(t *testing.T) {
	h1 := newTestHasher(t)
	h2, err := New([]byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	assert.NotEqual(t,
		mustHash(t, h1, "email", ClassCompact, "a@b.io"),
		mustHash(t, h2, "email", ClassCompact, "a@b.io"))
}

func TestHash_NormalizationCollides(t *testing.T) {
	h := newTestHasher(t)
	cases := []struct {
		name  string
		typ   string
		class Class
		a, b  string
	}{
		{"trim and case", "name", ClassWords, " Value ", "value"},
		{"ssn separators", "ssn", ClassDigits, "123-45-6789", "123 45 6789"},
		{"fullwidth digits", "phone", ClassDigits, "５５５-８６７-５３０９", "5558675309"},
		{"email case", "email", ClassCompact, "Alice@Example.COM ", "alice@example.com"},
		{"address punctuation", "address", ClassWords, "12  Main St.", "12 main st"},
		{"account spacing", "bankAccount", ClassAlnum, "GB29 NWBK 6016", "gb29nwbk6016"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, mustHash(t, h, c.typ, c.class, c.a), mustHash(t, h, c.typ, c.class, c.b))
		})
	}
}

func TestHash_EmptyAfterNormalization(t *testing.T) {
	h := newTestHasher(t)
	for _, raw := range []string{"", "   ", "---", "\t\n"} {
		_, err := h.Hash("ssn", ClassDigits, raw)
		assert.True(t, errors.Is(err, ErrInvalidInput), "raw %q: got %v", raw, err)
	}
	_, err := h.Hash("", ClassWords, "value")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	h := newTestHasher(t)
	a := mustHash(t, h, "ssn", ClassDigits, "123-45-6789")
	b := mustHash(t, h, "email", ClassCompact, "bob@corp.io")
	c := mustHash(t, h, "phone", ClassDigits, "555-867-5309")

	fp := h.Fingerprint([]ID{a, b, c})
	assert.Equal(t, fp, h.Fingerprint([]ID{c, a, b}))
	assert.Equal(t, fp, h.Fingerprint([]ID{b, c, a, a, c}), "duplicates must not change the fingerprint")
	assert.NotEqual(t, fp, h.Fingerprint([]ID{a, b}))
}

func TestFingerprint_EmptySetIsStable(t *testing.T) {
	h := newTestHasher(t)
	assert.Equal(t, h.Fingerprint(nil), h.Fingerprint([]ID{}))
	assert.False(t, h.Fingerprint(nil).IsZero())
}

func TestID_TextRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	id := mustHash(t, h, "ssn", ClassDigits, "123-45-6789")

	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, `"`+id.String()+`"`, string(data))

	var back ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)

	_, err = ParseID("abc")
	assert.Error(t, err)
	assert.Len(t, id.Short(), 8)
}

func TestHash_ConcurrentUse(t *testing.T) {
	h := newTestHasher(t)
	want := mustHash(t, h, "ssn", ClassDigits, "123-45-6789")

	done := make(chan ID, 32)
	for i := 0; i < cap(done); i++ {
		go func() {
			id, _ := h.Hash("ssn", ClassDigits, "123-45-6789")
			done <- id
		}()
	}
	for i := 0; i < cap(done); i++ {
		assert.Equal(t, want, <-done)
	}
}
