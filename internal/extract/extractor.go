// Package extract turns raw memory content into keywords, entities,
// relations and event dates. Three modes: rules (free, always on), llm
// (model-driven) and adaptive (rules first, model only for content that
// looks complex enough to deserve it).
package extract

import (
	"context"
	"strings"
	"time"
	"unicode"

	"recall/internal/llm"
	"recall/internal/logging"
)

// Extraction modes.
const (
	ModeRules    = "rules"
	ModeLLM      = "llm"
	ModeAdaptive = "adaptive"
)

// Entity is one extracted entity mention.
type Entity struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Aliases    []string `json:"aliases,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Relation is one extracted triple, endpoints by entity name.
type Relation struct {
	SourceName string  `json:"source"`
	TargetName string  `json:"target"`
	Type       string  `json:"type"`
	Fact       string  `json:"fact,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Result is everything extraction produced for one content string.
type Result struct {
	Keywords  []string   `json:"keywords"`
	Entities  []Entity   `json:"entities,omitempty"`
	Relations []Relation `json:"relations,omitempty"`
	EventDate string     `json:"event_date,omitempty"`
}

// BudgetGate answers whether an LLM call may be spent right now. The
// budget manager implements it; a nil gate always allows.
type BudgetGate interface {
	CanAfford(estimatedTokens int) bool
}

// Extractor dispatches between the rule and model paths.
type Extractor struct {
	mode  string
	rules *RuleExtractor
	model *LLMExtractor
	gate  BudgetGate

	// UsageHook receives token usage after each successful model call.
	UsageHook func(llm.Usage)
}

// New builds an extractor. client may be nil for rules-only operation;
// gate may be nil to skip budget checks.
func New(mode string, client *llm.Client, known map[string]string, gate BudgetGate) *Extractor {
	if mode == "" {
		mode = ModeAdaptive
	}
	return &Extractor{
		mode:  mode,
		rules: NewRuleExtractor(known),
		model: NewLLMExtractor(client),
		gate:  gate,
	}
}

// estimatedCallTokens is a rough per-extraction token cost used for the
// budget check before the real usage is known.
const estimatedCallTokens = 800

// Extract runs the configured mode. Model failures never fail the
// ingestion: the rule result stands on its own.
func (e *Extractor) Extract(ctx context.Context, content string, turnTime time.Time) *Result {
	ruleRes := e.rules.Extract(content, turnTime)

	useModel := false
	switch e.mode {
	case ModeRules:
	case ModeLLM:
		useModel = e.model.Available()
	case ModeAdaptive:
		useModel = e.model.Available() && complexityScore(content, ruleRes) >= adaptiveThreshold
	}
	if useModel && e.gate != nil && !e.gate.CanAfford(estimatedCallTokens) {
		logging.Extract("extraction budget exhausted, staying on rules")
		useModel = false
	}
	if !useModel {
		return ruleRes
	}

	modelRes, usage, err := e.model.Extract(ctx, content)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("llm extraction failed, keeping rule result: %v", err)
		return ruleRes
	}
	if e.UsageHook != nil {
		e.UsageHook(usage)
	}
	return merge(ruleRes, modelRes)
}

// adaptiveThreshold is the complexity score above which adaptive mode
// spends a model call.
const adaptiveThreshold = 3.0

// complexityScore estimates how much structure the rules likely missed:
// long content, many clauses, several entities and no matched relations
// all push toward the model.
func complexityScore(content string, ruleRes *Result) float64 {
	runes := []rune(content)
	score := float64(len(runes)) / 80.0
	for _, r := range runes {
		if r == ',' || r == '，' || r == ';' || r == '；' {
			score += 0.3
		}
	}
	score += 0.5 * float64(len(ruleRes.Entities))
	if len(ruleRes.Relations) == 0 && len(ruleRes.Entities) >= 2 {
		score += 1.5
	}
	return score
}

// merge layers the model result over the rule result. On an entity name
// collision the model wins (it carries types and aliases the rules lack);
// keywords union; the model's event date wins when present.
func merge(ruleRes, modelRes *Result) *Result {
	out := &Result{}

	kwSeen := make(map[string]struct{})
	for _, list := range [][]string{ruleRes.Keywords, modelRes.Keywords} {
		for _, kw := range list {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || !hasLetterOrDigit(kw) {
				continue
			}
			if _, dup := kwSeen[kw]; dup {
				continue
			}
			kwSeen[kw] = struct{}{}
			out.Keywords = append(out.Keywords, kw)
		}
	}

	entByName := make(map[string]int)
	for _, ent := range ruleRes.Entities {
		entByName[strings.ToLower(ent.Name)] = len(out.Entities)
		out.Entities = append(out.Entities, ent)
	}
	for _, ent := range modelRes.Entities {
		if i, dup := entByName[strings.ToLower(ent.Name)]; dup {
			out.Entities[i] = ent
			continue
		}
		entByName[strings.ToLower(ent.Name)] = len(out.Entities)
		out.Entities = append(out.Entities, ent)
	}

	relSeen := make(map[string]struct{})
	addRel := func(rel Relation) {
		key := strings.ToLower(rel.SourceName) + "|" + rel.Type + "|" + strings.ToLower(rel.TargetName)
		if _, dup := relSeen[key]; dup {
			return
		}
		relSeen[key] = struct{}{}
		out.Relations = append(out.Relations, rel)
	}
	for _, rel := range modelRes.Relations {
		addRel(rel)
	}
	for _, rel := range ruleRes.Relations {
		addRel(rel)
	}

	out.EventDate = modelRes.EventDate
	if out.EventDate == "" {
		out.EventDate = ruleRes.EventDate
	}
	return out
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
