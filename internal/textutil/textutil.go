// Package textutil holds the tokenization shared by the judge's coverage
// checks and the build memory's similarity ranking.
package textutil

import (
	"strings"
	"unicode"
)

// stopwords are filtered from every token stream. The list is small on
// purpose: it only needs to strip glue words, not understand language.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"of": true, "to": true, "in": true, "on": true, "for": true, "with": true,
	"at": true, "by": true, "from": true, "as": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "it": true,
	"its": true, "this": true, "that": true, "these": true, "those": true,
	"i": true, "you": true, "we": true, "they": true, "he": true, "she": true,
	"my": true, "your": true, "our": true, "their": true, "will": true,
	"would": true, "should": true, "can": true, "could": true, "do": true,
	"does": true, "not": true, "no": true, "so": true, "if": true,
	"then": true, "when": true, "than": true, "all": true, "any": true,
	"each": true, "into": true, "about": true, "up": true, "out": true,
	"also": true, "have": true, "has": true, "had": true, "using": true,
	"use": true, "make": true, "makes": true, "like": true, "new": true,
}

// Tokenize lowercases text, splits on non-alphanumerics, and drops
// stopwords and single characters.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TokenSet tokenizes into a deduplicated set.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range Tokenize(text) {
		set[tok] = true
	}
	return set
}

// Keywords tokenizes several texts into one deduplicated, order-preserving
// keyword list.
func Keywords(texts ...string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, text := range texts {
		for _, tok := range Tokenize(text) {
			if seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

// Jaccard computes |a ∩ b| / |a ∪ b| over two keyword lists.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[k] = true
	}
	setB := make(map[string]bool, len(b))
	for _, k := range b {
		setB[k] = true
	}
	inter := 0
	for k := range setA {
		if setB[k] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
