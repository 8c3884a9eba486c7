package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Name folds accents and collapses whitespace. Case is preserved.
func Name(s string) string {
	return collapse(Fold(s))
}

// Fold removes combining marks after canonical decomposition, so "José"
// becomes "Jose".
func Fold(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// SplitName splits a normalized name at the first whitespace boundary.
// Multi-word first names and compound surnames are split wrongly; this is a
// known limitation.
func SplitName(full string) (first, last string) {
	first, last, _ = strings.Cut(full, " ")
	return first, last
}

// NameKey reduces a name to a lower-case token string without punctuation for
// equality checks.
func NameKey(s string) string {
	s = strings.ToLower(Fold(s))
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r), r == '-':
			return ' '
		default:
			return -1
		}
	}, s)
	return collapse(s)
}
