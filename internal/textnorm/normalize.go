// Package textnorm folds free text and catalog attributes into a comparable
// ASCII lower-case form.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Transliterate strips combining marks so accented letters fall back to their
// base letter ("camión" -> "camion", "año" -> "ano").
func Transliterate(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Fold transliterates, lower-cases and reduces s to space separated tokens of
// [a-z0-9.] characters. Dots only survive between digits ("1.6", "2.0").
func Fold(s string) string {
	s = strings.ToLower(Transliterate(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	out := tokens[:0]
	for _, tok := range tokens {
		tok = trimDots(tok)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return strings.Join(out, " ")
}

// trimDots removes dots that are not between two digits.
func trimDots(tok string) string {
	if !strings.Contains(tok, ".") {
		return tok
	}
	rs := []rune(tok)
	var b strings.Builder
	for i, r := range rs {
		if r != '.' {
			b.WriteRune(r)
			continue
		}
		if i > 0 && i < len(rs)-1 && unicode.IsDigit(rs[i-1]) && unicode.IsDigit(rs[i+1]) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
