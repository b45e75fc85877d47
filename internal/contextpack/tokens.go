package contextpack

import "unicode"

// Token cost per rune: CJK text runs about two runes per token, ASCII
// about four. The estimate is deliberately cheap; the builder only needs
// it to stay under a budget, not to match a real tokenizer.
const (
	cjkTokensPerRune   = 0.5
	asciiTokensPerRune = 0.25
)

// EstimateTokens approximates the token count of a string.
func EstimateTokens(s string) int {
	var total float64
	for _, r := range s {
		if isWide(r) {
			total += cjkTokensPerRune
		} else {
			total += asciiTokensPerRune
		}
	}
	return int(total + 0.999)
}

func isWide(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
