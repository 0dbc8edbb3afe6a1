package searchindex

import (
	"strings"
	"unicode"
)

// stopWords is a fixed list of common English function words, applied
// uniformly regardless of the document's declared language. It is not
// derived from corpus token frequencies and does not change as the
// corpus grows; it trims high-frequency low-signal tokens that would
// otherwise dominate BM25 term frequency.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "if": {}, "of": {},
	"to": {}, "in": {}, "on": {}, "for": {}, "with": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "be": {}, "been": {}, "being": {}, "it": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "as": {}, "at": {}, "by": {}, "from": {}, "into": {},
	"not": {}, "no": {}, "so": {}, "than": {}, "then": {}, "there": {}, "their": {},
	"they": {}, "we": {}, "you": {}, "i": {}, "he": {}, "she": {}, "do": {}, "does": {},
	"did": {}, "has": {}, "have": {}, "had": {}, "will": {}, "would": {}, "can": {},
	"could": {}, "should": {}, "which": {}, "who": {}, "what": {}, "when": {}, "where": {},
	"why": {}, "how": {}, "all": {}, "any": {}, "each": {}, "other": {}, "some": {},
	"such": {}, "only": {}, "own": {}, "same": {}, "too": {}, "very": {}, "just": {},
}

// isCJK reports whether r is a Han ideograph or a Hiragana or Katakana
// character.
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r)
}

// tokenize case-folds ASCII runs into word tokens and splits CJK runs
// into overlapping bigrams, then drops stop-words.
func tokenize(text string) []string {
	var tokens []string
	var asciiRun []rune
	var cjkRun []rune

	flushASCII := func() {
		if len(asciiRun) == 0 {
			return
		}
		w := strings.ToLower(string(asciiRun))
		if _, stop := stopWords[w]; !stop {
			tokens = append(tokens, w)
		}
		asciiRun = asciiRun[:0]
	}
	flushCJK := func() {
		if len(cjkRun) < 2 {
			cjkRun = cjkRun[:0]
			return
		}
		for i := 0; i < len(cjkRun)-1; i++ {
			tokens = append(tokens, string(cjkRun[i:i+2]))
		}
		cjkRun = cjkRun[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushASCII()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			asciiRun = append(asciiRun, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()

	return tokens
}
