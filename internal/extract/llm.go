package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"recall/internal/llm"
	"recall/internal/logging"
)

const extractionSystemPrompt = `You extract structured memory from conversation text.
Respond with ONLY a JSON object, no prose, no markdown fences, in this shape:
{
  "keywords": ["..."],
  "entities": [{"name": "...", "type": "PERSON|LOCATION|ORGANIZATION|ITEM|CONCEPT|EVENT|TIME|UNKNOWN", "aliases": ["..."], "confidence": 0.0}],
  "relations": [{"source": "...", "target": "...", "type": "SCREAMING_SNAKE_CASE", "fact": "...", "confidence": 0.0}],
  "event_date": "YYYY-MM-DD or empty string"
}
Entity names must appear in the input text. Relation endpoints must be
entity names from your entities list. Omit nothing you are confident
about; invent nothing you are not.`

// LLMExtractor asks the chat model for structured extraction and repairs
// mildly malformed JSON before giving up.
type LLMExtractor struct {
	client *llm.Client
}

// NewLLMExtractor wraps an llm client.
func NewLLMExtractor(client *llm.Client) *LLMExtractor {
	return &LLMExtractor{client: client}
}

// Available reports whether the underlying client can make calls.
func (e *LLMExtractor) Available() bool {
	return e.client.Enabled()
}

// llmResult is the wire shape the model is asked to return.
type llmResult struct {
	Keywords []string `json:"keywords"`
	Entities []struct {
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		Aliases    []string `json:"aliases"`
		Confidence float64  `json:"confidence"`
	} `json:"entities"`
	Relations []struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"type"`
		Fact       string  `json:"fact"`
		Confidence float64 `json:"confidence"`
	} `json:"relations"`
	EventDate string `json:"event_date"`
}

// Extract calls the model and parses its JSON reply. Returns the token
// usage alongside the result so the budget manager can account for it.
func (e *LLMExtractor) Extract(ctx context.Context, content string) (*Result, llm.Usage, error) {
	text, usage, err := e.client.CompleteWithSystem(ctx, extractionSystemPrompt, content)
	if err != nil {
		return nil, usage, err
	}

	payload, ok := recoverJSONObject(text)
	if !ok {
		return nil, usage, fmt.Errorf("llm reply contained no JSON object")
	}

	var parsed llmResult
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, usage, fmt.Errorf("llm reply unparseable: %w", err)
	}

	res := &Result{
		Keywords:  parsed.Keywords,
		EventDate: parsed.EventDate,
	}
	for _, ent := range parsed.Entities {
		name := strings.TrimSpace(ent.Name)
		if name == "" {
			continue
		}
		conf := ent.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.7
		}
		res.Entities = append(res.Entities, Entity{
			Name:       name,
			Type:       strings.ToUpper(strings.TrimSpace(ent.Type)),
			Aliases:    ent.Aliases,
			Confidence: conf,
		})
	}
	for _, rel := range parsed.Relations {
		src := strings.TrimSpace(rel.Source)
		tgt := strings.TrimSpace(rel.Target)
		typ := strings.ToUpper(strings.TrimSpace(rel.Type))
		if src == "" || tgt == "" || typ == "" {
			continue
		}
		conf := rel.Confidence
		if conf <= 0 || conf > 1 {
			conf = 0.7
		}
		res.Relations = append(res.Relations, Relation{
			SourceName: src,
			TargetName: tgt,
			Type:       typ,
			Fact:       rel.Fact,
			Confidence: conf,
		})
	}

	logging.ExtractDebug("llm extraction: %d keywords, %d entities, %d relations (%d tokens)",
		len(res.Keywords), len(res.Entities), len(res.Relations), usage.TotalTokens)
	return res, usage, nil
}

// recoverJSONObject pulls the first balanced top-level JSON object out of
// text, tolerating markdown fences and prose around it. A reply truncated
// mid-object is repaired by closing open strings, arrays and braces.
func recoverJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	var sb strings.Builder
	depth := 0
	inString := false
	escaped := false
	var stack []byte

	for i := start; i < len(text); i++ {
		c := text[i]
		sb.WriteByte(c)

		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			if c == '}' {
				depth--
				if depth == 0 {
					return sb.String(), true
				}
			}
		}
	}

	// Truncated reply: close what is open, dropping a dangling partial
	// token after the last complete value.
	repaired := sb.String()
	if inString {
		repaired += `"`
	}
	repaired = strings.TrimRight(repaired, " \t\n\r,")
	repaired = strings.TrimSuffix(repaired, ":")
	repaired = strings.TrimRight(repaired, " \t\n\r,")
	for i := len(stack) - 1; i >= 0; i-- {
		repaired += string(stack[i])
	}
	if !json.Valid([]byte(repaired)) {
		return "", false
	}
	return repaired, true
}
