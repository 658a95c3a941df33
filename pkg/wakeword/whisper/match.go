package whisper

import (
	"strings"
	"unicode"

	"github.com/MrWong99/wakeline/pkg/wakeword"
	"github.com/antzucaro/matchr"
)

// Thresholds applied to Jaro-Winkler scores. A keyword's sensitivity s in
// [0,1] maps linearly onto [strictThreshold, looseThreshold]; phrases without
// any Double Metaphone overlap must additionally clear fuzzyFloor.
const (
	strictThreshold = 0.97
	looseThreshold  = 0.72
	fuzzyFloor      = 0.90
)

// thresholdFor returns the minimum Jaro-Winkler score for a keyword.
func thresholdFor(sensitivity float64) float64 {
	s := min(max(sensitivity, 0), 1)
	return strictThreshold - s*(strictThreshold-looseThreshold)
}

// matchKeyword looks for any keyword inside transcript. Every window of the
// transcript with as many tokens as the keyword phrase is compared; the
// keyword with the best passing score wins. ok is false when nothing clears
// its threshold.
func matchKeyword(transcript string, kws []wakeword.Keyword) (index int, score float64, ok bool) {
	tokens := tokenize(transcript)
	if len(tokens) == 0 {
		return 0, 0, false
	}
	inputCodes := make([]map[string]struct{}, len(tokens))
	for i, t := range tokens {
		inputCodes[i] = codesForTokens([]string{t})
	}

	best := -1.0
	for ki, kw := range kws {
		kwTokens := tokenize(kw.Phrase)
		if len(kwTokens) == 0 {
			continue
		}
		kwCodes := codesForTokens(kwTokens)
		threshold := thresholdFor(kw.Sensitivity)

		width := min(len(kwTokens), len(tokens))
		for start := 0; start+width <= len(tokens); start++ {
			window := tokens[start : start+width]
			phonetic := false
			for _, c := range inputCodes[start : start+width] {
				if codesOverlap(c, kwCodes) {
					phonetic = true
					break
				}
			}
			s := phraseScore(window, kwTokens)
			if s < threshold || (!phonetic && s < fuzzyFloor) {
				continue
			}
			if s > best {
				best, index, ok = s, ki, true
			}
		}
	}
	if !ok {
		return 0, 0, false
	}
	return index, best, true
}

// tokenize lower-cases s and splits it on anything that is not a letter, digit
// or apostrophe.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// phraseScore compares two token sequences using the better of the
// space-joined and concatenated Jaro-Winkler similarities, so that
// "hi taco" and "hitaco" both score well against "hi taco".
func phraseScore(input, phrase []string) float64 {
	score := matchr.JaroWinkler(strings.Join(input, " "), strings.Join(phrase, " "), false)
	if s := matchr.JaroWinkler(strings.Join(input, ""), strings.Join(phrase, ""), false); s > score {
		score = s
	}
	return score
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap reports whether the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
