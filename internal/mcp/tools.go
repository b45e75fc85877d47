package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"recall/internal/engine"
	"recall/internal/index"
	"recall/internal/retrieval"
	"recall/internal/types"
)

// Tool is one callable entry in tools/list.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`

	handler func(ctx context.Context, args json.RawMessage) (string, error)
}

// scopeArgs is shared by every tool that names a tenant.
type scopeArgs struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

func (a scopeArgs) scope() types.Scope {
	return types.Scope{UserID: a.UserID, CharacterID: a.CharacterID, SessionID: a.SessionID}.Normalize()
}

func scopeProperties() map[string]interface{} {
	return map[string]interface{}{
		"user_id":      map[string]interface{}{"type": "string", "description": "Tenant user id, defaults to \"default\""},
		"character_id": map[string]interface{}{"type": "string"},
		"session_id":   map[string]interface{}{"type": "string"},
	}
}

func objectSchema(required []string, props ...map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for _, p := range props {
		for k, v := range p {
			merged[k] = v
		}
	}
	schema := map[string]interface{}{"type": "object", "properties": merged}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func asJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeArgs(args json.RawMessage, dst interface{}) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, dst); err != nil {
		return fmt.Errorf("%w: %v", types.ErrValidation, err)
	}
	return nil
}

func (s *Server) toolTable() []Tool {
	return []Tool{
		{
			Name:        "recall_add",
			Description: "Store one memory. Entities, keywords and relations are extracted automatically.",
			InputSchema: objectSchema([]string{"content"}, scopeProperties(), map[string]interface{}{
				"content":  map[string]interface{}{"type": "string"},
				"source":   map[string]interface{}{"type": "string"},
				"tags":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"category": map[string]interface{}{"type": "string"},
			}),
			handler: s.toolAdd,
		},
		{
			Name:        "recall_add_batch",
			Description: "Store several memories in one call, preserving order.",
			InputSchema: objectSchema([]string{"memories"}, map[string]interface{}{
				"memories": map[string]interface{}{
					"type": "array",
					"items": objectSchema([]string{"content"}, scopeProperties(), map[string]interface{}{
						"content": map[string]interface{}{"type": "string"},
						"source":  map[string]interface{}{"type": "string"},
					}),
				},
			}),
			handler: s.toolAddBatch,
		},
		{
			Name:        "recall_search",
			Description: "Search memories with the full retrieval funnel and return ranked results.",
			InputSchema: objectSchema([]string{"query"}, scopeProperties(), map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"top_k": map[string]interface{}{"type": "integer"},
			}),
			handler: s.toolSearch,
		},
		{
			Name:        "recall_search_filtered",
			Description: "Search memories constrained by structured metadata (source, tags, category, event dates).",
			InputSchema: objectSchema(nil, scopeProperties(), map[string]interface{}{
				"query":            map[string]interface{}{"type": "string"},
				"top_k":            map[string]interface{}{"type": "integer"},
				"source":           map[string]interface{}{"type": "string"},
				"tags":             map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"category":         map[string]interface{}{"type": "string"},
				"content_type":     map[string]interface{}{"type": "string"},
				"event_date":       map[string]interface{}{"type": "string", "description": "Exact day, e.g. 2025-03-08"},
				"event_time_start": map[string]interface{}{"type": "string"},
				"event_time_end":   map[string]interface{}{"type": "string"},
			}),
			handler: s.toolSearchFiltered,
		},
		{
			Name:        "recall_context",
			Description: "Build a token-budgeted context block of relevant memories plus the recent conversation.",
			InputSchema: objectSchema([]string{"query"}, scopeProperties(), map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			}),
			handler: s.toolContext,
		},
		{
			Name:        "recall_list",
			Description: "List memories in a scope, newest first.",
			InputSchema: objectSchema(nil, scopeProperties(), map[string]interface{}{
				"limit": map[string]interface{}{"type": "integer"},
			}),
			handler: s.toolList,
		},
		{
			Name:        "recall_delete",
			Description: "Delete one memory by id.",
			InputSchema: objectSchema([]string{"id"}, scopeProperties(), map[string]interface{}{
				"id": map[string]interface{}{"type": "string"},
			}),
			handler: s.toolDelete,
		},
		{
			Name:        "recall_entities",
			Description: "List the most-mentioned entities, or one entity with its relations.",
			InputSchema: objectSchema(nil, map[string]interface{}{
				"name":  map[string]interface{}{"type": "string", "description": "Entity name or alias; omit to list the top entities"},
				"limit": map[string]interface{}{"type": "integer"},
			}),
			handler: s.toolEntities,
		},
		{
			Name:        "recall_graph_traverse",
			Description: "Walk the knowledge graph outward from an entity.",
			InputSchema: objectSchema([]string{"entity"}, map[string]interface{}{
				"entity":        map[string]interface{}{"type": "string"},
				"depth":         map[string]interface{}{"type": "integer"},
				"relation_type": map[string]interface{}{"type": "string"},
				"limit":         map[string]interface{}{"type": "integer"},
			}),
			handler: s.toolGraphTraverse,
		},
		{
			Name:        "recall_stats",
			Description: "Report store sizes, budget usage and maintenance status.",
			InputSchema: objectSchema(nil, map[string]interface{}{}),
			handler:     s.toolStats,
		},
	}
}

func (s *Server) toolAdd(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		Content  string   `json:"content"`
		Source   string   `json:"source"`
		Tags     []string `json:"tags"`
		Category string   `json:"category"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	res, err := s.engine.Add(ctx, engine.AddRequest{
		Scope:    a.scope(),
		Content:  a.Content,
		Source:   a.Source,
		Tags:     a.Tags,
		Category: a.Category,
	})
	if err != nil {
		return "", err
	}
	return asJSON(res)
}

func (s *Server) toolAddBatch(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Memories []struct {
			scopeArgs
			Content string `json:"content"`
			Source  string `json:"source"`
		} `json:"memories"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	reqs := make([]engine.AddRequest, len(a.Memories))
	for i, m := range a.Memories {
		reqs[i] = engine.AddRequest{Scope: m.scope(), Content: m.Content, Source: m.Source}
	}
	results, err := s.engine.AddBatch(ctx, reqs)
	if err != nil {
		return "", err
	}
	return asJSON(results)
}

func (s *Server) toolSearch(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	resp, err := s.engine.Search(ctx, retrieval.Request{Scope: a.scope(), Query: a.Query, Limit: a.TopK})
	if err != nil {
		return "", err
	}
	return asJSON(resp.Hits)
}

func (s *Server) toolSearchFiltered(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		Query          string   `json:"query"`
		TopK           int      `json:"top_k"`
		Source         string   `json:"source"`
		Tags           []string `json:"tags"`
		Category       string   `json:"category"`
		ContentType    string   `json:"content_type"`
		EventDate      string   `json:"event_date"`
		EventTimeStart string   `json:"event_time_start"`
		EventTimeEnd   string   `json:"event_time_end"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	resp, err := s.engine.Search(ctx, retrieval.Request{
		Scope: a.scope(),
		Query: a.Query,
		Limit: a.TopK,
		Filter: index.MetadataFilter{
			Source:         a.Source,
			Tags:           a.Tags,
			Category:       a.Category,
			ContentType:    a.ContentType,
			EventDate:      a.EventDate,
			EventTimeStart: a.EventTimeStart,
			EventTimeEnd:   a.EventTimeEnd,
		},
	})
	if err != nil {
		return "", err
	}
	return asJSON(resp.Hits)
}

func (s *Server) toolContext(ctx context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	res, err := s.engine.BuildContext(ctx, engine.ContextRequest{Scope: a.scope(), Query: a.Query})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (s *Server) toolList(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		Limit int `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Limit <= 0 {
		a.Limit = 20
	}
	return asJSON(s.engine.GetRecent(a.scope(), a.Limit))
}

func (s *Server) toolDelete(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		scopeArgs
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	if err := s.engine.Delete(a.scope(), a.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("deleted %s", a.ID), nil
}

func (s *Server) toolEntities(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Name  string `json:"name"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	if a.Name != "" {
		ent, relations, err := s.engine.EntityByName(a.Name)
		if err != nil {
			return "", err
		}
		return asJSON(map[string]interface{}{"entity": ent, "relations": relations})
	}
	if a.Limit <= 0 {
		a.Limit = 20
	}
	return asJSON(s.engine.TopEntities(a.Limit))
}

func (s *Server) toolGraphTraverse(_ context.Context, args json.RawMessage) (string, error) {
	var a struct {
		Entity       string `json:"entity"`
		Depth        int    `json:"depth"`
		RelationType string `json:"relation_type"`
		Limit        int    `json:"limit"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return "", err
	}
	entities, err := s.engine.Traverse(a.Entity, a.Depth, a.RelationType, a.Limit)
	if err != nil {
		return "", err
	}
	return asJSON(entities)
}

func (s *Server) toolStats(_ context.Context, _ json.RawMessage) (string, error) {
	return asJSON(s.engine.GetStats())
}
