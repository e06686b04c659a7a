package hasher

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Class selects how much of a raw value survives normalisation.
type Class int

const (
	// ClassWords keeps letters and digits, collapsing everything else to single
	// spaces. Used for free-text identifiers such as names and addresses.
	ClassWords Class = iota
	// ClassDigits keeps decimal digits only ("123-45-6789" == "123 45 6789").
	ClassDigits
	// ClassAlnum keeps letters and digits only.
	ClassAlnum
	// ClassCompact removes whitespace but keeps punctuation (emails, IPs).
	ClassCompact
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassWords:
		return "words"
	case ClassDigits:
		return "digits"
	case ClassAlnum:
		return "alnum"
	case ClassCompact:
		return "compact"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Normalize applies NFKC, case folding and trimming, then the class-specific
// filter. Fullwidth digits and ligatures therefore collide with their ASCII
// forms.
func Normalize(class Class, raw string) (string, error) {
	s := cases.Fold().String(norm.NFKC.String(raw))
	s = strings.TrimSpace(s)

	var out string
	switch class {
	case ClassDigits:
		out = keep(s, unicode.IsDigit)
	case ClassAlnum:
		out = keep(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) })
	case ClassCompact:
		out = keep(s, func(r rune) bool { return !unicode.IsSpace(r) })
	default:
		out = words(s)
	}
	if out == "" {
		return "", fmt.Errorf("%w: value is empty after %s normalisation", ErrInvalidInput, class)
	}
	return out, nil
}

func keep(s string, ok func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if ok(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func words(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
