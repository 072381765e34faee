// Package textproc implements the locale-tolerant text handling used by the
// extraction pipeline: normalization of recognized text, prioritized name
// matching, and insurer detection.
package textproc

import (
	"strings"
	"unicode"
)

// asciiFold maps Turkish letters to their closest ASCII equivalent. Both cases
// are listed explicitly because unicode.ToLower turns 'İ' into "i̇" (dotted i
// plus combining mark), which would break plain substring comparison.
var asciiFold = map[rune]rune{
	'ç': 'c', 'Ç': 'c',
	'ğ': 'g', 'Ğ': 'g',
	'ı': 'i', 'I': 'i', 'İ': 'i',
	'ö': 'o', 'Ö': 'o',
	'ş': 's', 'Ş': 's',
	'ü': 'u', 'Ü': 'u',
}

// Normalize lower-cases s, folds Turkish letters to ASCII, collapses runs of
// whitespace to single spaces and trims. It is total (empty in, empty out)
// and idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := asciiFold[r]; ok {
			b.WriteRune(folded)
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
