package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"recall/internal/index"
)

// RuleExtractor is the zero-cost extraction path: keyword tokenization,
// pattern-matched entities and a regex table of relation templates. It is
// always available, so every LLM path fails open onto it.
type RuleExtractor struct {
	known map[string]string // lowercased known entity name -> type
}

// NewRuleExtractor builds the extractor with an optional dictionary of
// known entities (name -> type) that match regardless of casing rules.
func NewRuleExtractor(known map[string]string) *RuleExtractor {
	dict := make(map[string]string, len(known))
	for name, typ := range known {
		dict[strings.ToLower(name)] = typ
	}
	return &RuleExtractor{known: dict}
}

// Extract runs every rule over the content.
func (r *RuleExtractor) Extract(content string, turnTime time.Time) *Result {
	res := &Result{
		Keywords:  index.ExtractPhrases(content),
		EventDate: extractEventDate(content, turnTime),
	}
	res.Entities = r.extractEntities(content)
	res.Relations = extractRelations(content, res.Entities)
	return res
}

// extractEntities finds quoted spans, capitalized ASCII sequences and
// dictionary hits.
func (r *RuleExtractor) extractEntities(content string) []Entity {
	seen := make(map[string]struct{})
	var out []Entity

	add := func(name, typ string, conf float64) {
		name = strings.TrimSpace(name)
		if name == "" || len([]rune(name)) > 50 {
			return
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return
		}
		if dictType, ok := r.known[key]; ok {
			typ = dictType
			conf = 0.9
		}
		seen[key] = struct{}{}
		out = append(out, Entity{Name: name, Type: typ, Confidence: conf})
	}

	for _, m := range quotedPattern.FindAllStringSubmatch(content, -1) {
		for _, g := range m[1:] {
			if g != "" {
				add(g, "", 0.7)
			}
		}
	}
	for _, name := range capitalizedRuns(content) {
		add(name, "", 0.6)
	}
	// Dictionary names that appear verbatim but match neither rule above,
	// common for CJK names with no case signal.
	lower := strings.ToLower(content)
	for name, typ := range r.known {
		if strings.Contains(lower, name) {
			add(name, typ, 0.9)
		}
	}
	return out
}

// quotedPattern matches "..."、『...』、「...」 and 《...》 spans.
var quotedPattern = regexp.MustCompile(`"([^"]{1,50})"|「([^」]{1,50})」|『([^』]{1,50})』|《([^》]{1,50})》`)

// capitalizedRuns returns maximal runs of capitalized ASCII words, skipping
// a run that is only a sentence-initial word.
func capitalizedRuns(content string) []string {
	words := strings.Fields(content)
	var out []string
	var run []string
	var runStart int

	flush := func(end int) {
		if len(run) == 0 {
			return
		}
		// A single sentence-initial word is usually just capitalization.
		if len(run) == 1 && (runStart == 0 || endsSentence(words[runStart-1])) {
			run = nil
			return
		}
		out = append(out, strings.Join(run, " "))
		run = nil
	}

	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) })
		if isCapitalizedWord(trimmed) {
			if len(run) == 0 {
				runStart = i
			}
			run = append(run, trimmed)
			continue
		}
		flush(i)
	}
	flush(len(words))
	return out
}

func isCapitalizedWord(w string) bool {
	runes := []rune(w)
	if len(runes) < 2 || runes[0] > unicode.MaxASCII || !unicode.IsUpper(runes[0]) {
		return false
	}
	if index.IsStopWord(strings.ToLower(w)) {
		return false
	}
	for _, r := range runes[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func endsSentence(w string) bool {
	return strings.HasSuffix(w, ".") || strings.HasSuffix(w, "!") || strings.HasSuffix(w, "?") ||
		strings.HasSuffix(w, "。") || strings.HasSuffix(w, "！") || strings.HasSuffix(w, "？")
}

// =============================================================================
// RELATION TEMPLATES
// =============================================================================

type relationTemplate struct {
	pattern *regexp.Regexp
	relType string
	// srcIdx/tgtIdx select the capture groups for the endpoints.
	srcIdx, tgtIdx int
}

var relationTemplates = []relationTemplate{
	{regexp.MustCompile(`(\p{L}[\p{L}\d ]{0,30}?) (?:works at|is employed by|joined) (\p{L}[\p{L}\d ]{0,30})`), "WORKS_AT", 1, 2},
	{regexp.MustCompile(`(\p{L}[\p{L}\d ]{0,30}?) (?:lives in|moved to|is based in) (\p{L}[\p{L}\d ]{0,30})`), "LIVES_IN", 1, 2},
	{regexp.MustCompile(`(\p{L}[\p{L}\d ]{0,30}?) (?:owns|bought|purchased) (\p{L}[\p{L}\d ]{0,30})`), "OWNS", 1, 2},
	{regexp.MustCompile(`(\p{L}[\p{L}\d ]{0,30}?) (?:likes|loves|enjoys) (\p{L}[\p{L}\d ]{0,30})`), "LIKES", 1, 2},
	{regexp.MustCompile(`(\p{L}[\p{L}\d ]{0,30}?) (?:married|is married to) (\p{L}[\p{L}\d ]{0,30})`), "MARRIED_TO", 1, 2},
	{regexp.MustCompile(`([\p{Han}\w]{1,20})在([\p{Han}\w]{1,20})(?:工作|上班)`), "WORKS_AT", 1, 2},
	{regexp.MustCompile(`([\p{Han}\w]{1,20})(?:住在|搬到了?)([\p{Han}\w]{1,20})`), "LIVES_IN", 1, 2},
	{regexp.MustCompile(`([\p{Han}\w]{1,20})喜欢([\p{Han}\w]{1,20})`), "LIKES", 1, 2},
}

// extractRelations applies the template table and reports matched triples
// with the raw sentence fragment as the fact text.
func extractRelations(content string, _ []Entity) []Relation {
	var out []Relation
	seen := make(map[string]struct{})
	for _, tmpl := range relationTemplates {
		for _, m := range tmpl.pattern.FindAllStringSubmatch(content, -1) {
			src := strings.TrimSpace(m[tmpl.srcIdx])
			tgt := strings.TrimSpace(m[tmpl.tgtIdx])
			if src == "" || tgt == "" || strings.EqualFold(src, tgt) {
				continue
			}
			key := strings.ToLower(src) + "|" + tmpl.relType + "|" + strings.ToLower(tgt)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, Relation{
				SourceName: src,
				TargetName: tgt,
				Type:       tmpl.relType,
				Fact:       strings.TrimSpace(m[0]),
				Confidence: 0.6,
			})
		}
	}
	return out
}

// =============================================================================
// TEMPORAL EXPRESSIONS
// =============================================================================

var (
	absoluteDatePattern = regexp.MustCompile(`\d{4}年\d{1,2}月\d{1,2}日|\d{4}[-/]\d{1,2}[-/]\d{1,2}`)
	relativeDayPatterns = map[string]int{
		"前天":                   -2,
		"昨天":                   -1,
		"今天":                   0,
		"明天":                   1,
		"后天":                   2,
		"the day before yesterday": -2,
		"yesterday":                -1,
		"today":                    0,
		"tomorrow":                 1,
		"the day after tomorrow":   2,
	}
)

// extractEventDate pulls the first absolute date, or resolves a relative
// day expression against the turn time. Returns "" when nothing matches.
func extractEventDate(content string, turnTime time.Time) string {
	if m := absoluteDatePattern.FindString(content); m != "" {
		return index.NormalizeDate(m)
	}
	lower := strings.ToLower(content)
	best := ""
	bestLen := 0
	var bestOffset int
	for expr, offset := range relativeDayPatterns {
		if strings.Contains(lower, expr) && len(expr) > bestLen {
			best, bestLen, bestOffset = expr, len(expr), offset
		}
	}
	if best == "" {
		return ""
	}
	return turnTime.AddDate(0, 0, bestOffset).Format("2006-01-02")
}
