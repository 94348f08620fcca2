// Package fts implements the full-text helper contract from spec.md §6:
// breaking a search phrase into normalized terms, and extracting the
// indexable word list for an item's full-text field.
package fts

import (
	"strings"
	"unicode"

	"docengine/internal/keypath"
)

// diacriticFold maps common Latin diacritics to their base letter. This is
// an ASCII-range approximation (spec.md's "stripping diacritics" is
// satisfied exactly for the common Latin-1 case), kept as a plain table
// rather than a Unicode-normalization dependency: no normalization library
// is a direct dependency of any example in the retrieval pack (see
// DESIGN.md), so this stays stdlib.
var diacriticFold = map[rune]rune{
	'á': 'a', 'à': 'a', 'â': 'a', 'ä': 'a', 'ã': 'a', 'å': 'a',
	'é': 'e', 'è': 'e', 'ê': 'e', 'ë': 'e',
	'í': 'i', 'ì': 'i', 'î': 'i', 'ï': 'i',
	'ó': 'o', 'ò': 'o', 'ô': 'o', 'ö': 'o', 'õ': 'o',
	'ú': 'u', 'ù': 'u', 'û': 'u', 'ü': 'u',
	'ç': 'c', 'ñ': 'n', 'ý': 'y', 'ÿ': 'y',
}

// BreakAndNormalizeSearchPhrase lowercases, strips diacritics, splits on
// non-letter runes, and discards empty terms.
func BreakAndNormalizeSearchPhrase(phrase string) []string {
	folded := foldDiacritics(strings.ToLower(phrase))
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			terms = append(terms, cur.String())
			cur.Reset()
		}
	}
	for _, r := range folded {
		if unicode.IsLetter(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return terms
}

func foldDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if folded, ok := diacriticFold[r]; ok {
			r = folded
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetFullTextIndexWordsForItem extracts the normalized term list for item
// at the given single string keypath.
func GetFullTextIndexWordsForItem(item keypath.Item, path string) []string {
	v, ok := keypath.GetValue(item, path)
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return BreakAndNormalizeSearchPhrase(s)
}
