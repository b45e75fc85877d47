package index

import "strings"

// stopWords are terms too common to carry retrieval signal. English plus
// the handful of CJK function words that survive the 2-gram cut.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true,
	"into": true, "through": true, "during": true, "before": true, "after": true,
	"and": true, "but": true, "or": true, "nor": true, "so": true, "yet": true,
	"if": true, "then": true, "else": true, "when": true, "where": true,
	"why": true, "how": true, "all": true, "each": true, "every": true,
	"both": true, "few": true, "more": true, "most": true, "other": true,
	"some": true, "such": true, "not": true, "only": true,
	"own": true, "same": true, "than": true, "too": true, "very": true,
	"can": true, "just": true, "now": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "you": true, "he": true, "she": true,
	"we": true, "they": true, "my": true, "your": true, "his": true, "her": true,
	"our": true, "their": true, "me": true, "him": true, "us": true, "them": true,
	"what": true, "which": true, "who": true, "whom": true,
	"的了": true, "了一": true, "一个": true, "这是": true, "是一": true,
	"我们": true, "你们": true, "他们": true, "这个": true, "那个": true,
	"什么": true, "怎么": true, "可以": true, "没有": true, "就是": true,
}

// IsStopWord reports whether the (already lowercased) term is a stop word.
func IsStopWord(word string) bool {
	return stopWords[strings.ToLower(word)]
}
