package transcript

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// invisible reports runes that render as nothing: format characters
// (zero-width space and joiners, BOM, directional marks) plus the
// Mongolian vowel separator, which older unicode tables file as a space.
func invisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u180e':
		return true
	}
	return unicode.Is(unicode.Cf, r)
}

// Normalize strips invisible characters, collapses whitespace runs to a
// single space, trims, and composes to NFC. Normalize(Normalize(s)) ==
// Normalize(s).
func Normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if invisible(r) {
			return -1
		}
		return r
	}, s)
	// Composition runs last since stripping can bring a base and a
	// combining mark together.
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}
