package server

import (
	"fmt"
	"net/http"
	"strconv"

	"recall/internal/engine"
	"recall/internal/index"
	"recall/internal/retrieval"
	"recall/internal/types"
)

// scopeFields is embedded in every request body that names a tenant.
type scopeFields struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

func (f scopeFields) scope() types.Scope {
	return types.Scope{UserID: f.UserID, CharacterID: f.CharacterID, SessionID: f.SessionID}.Normalize()
}

func scopeFromQuery(r *http.Request) types.Scope {
	q := r.URL.Query()
	return types.Scope{
		UserID:      q.Get("user_id"),
		CharacterID: q.Get("character_id"),
		SessionID:   q.Get("session_id"),
	}.Normalize()
}

func intQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

type addBody struct {
	scopeFields
	Content     string                 `json:"content"`
	Source      string                 `json:"source"`
	Tags        []string               `json:"tags"`
	Category    string                 `json:"category"`
	ContentType string                 `json:"content_type"`
	EventTime   string                 `json:"event_time"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (b addBody) request() engine.AddRequest {
	return engine.AddRequest{
		Scope:       b.scope(),
		Content:     b.Content,
		Source:      b.Source,
		Tags:        b.Tags,
		Category:    b.Category,
		ContentType: b.ContentType,
		EventTime:   b.EventTime,
		Metadata:    types.MetadataFromAny(b.Metadata),
	}
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body addBody
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	res, err := s.engine.Add(r.Context(), body.request())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, res)
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Memories []addBody `json:"memories"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	if len(body.Memories) == 0 {
		fail(w, fmt.Errorf("%w: memories must not be empty", types.ErrValidation))
		return
	}
	reqs := make([]engine.AddRequest, len(body.Memories))
	for i, m := range body.Memories {
		reqs[i] = m.request()
	}
	results, err := s.engine.AddBatch(r.Context(), reqs)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, results)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sc := scopeFromQuery(r)
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)

	all := s.engine.GetAll(sc)
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	ok(w, map[string]interface{}{
		"items":  all[offset:end],
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.Get(scopeFromQuery(r), r.PathValue("id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, it)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		scopeFields
		Content  *string                `json:"content"`
		Tags     []string               `json:"tags"`
		Category *string                `json:"category"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	req := engine.UpdateRequest{
		Content:  body.Content,
		Tags:     body.Tags,
		Category: body.Category,
	}
	if body.Metadata != nil {
		req.Metadata = types.MetadataFromAny(body.Metadata)
	}
	it, err := s.engine.Update(r.Context(), body.scope(), r.PathValue("id"), req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, it)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(scopeFromQuery(r), r.PathValue("id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		fail(w, fmt.Errorf("%w: clearing a tenant requires confirm=true", types.ErrValidation))
		return
	}
	if err := s.engine.Clear(scopeFromQuery(r)); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

type searchBody struct {
	scopeFields
	Query       string   `json:"query"`
	TopK        int      `json:"top_k"`
	Source      string   `json:"source"`
	Tags        []string `json:"tags"`
	Category    string   `json:"category"`
	ContentType string   `json:"content_type"`
	Filters     struct {
		EventDate      string `json:"event_date"`
		EventTimeStart string `json:"event_time_start"`
		EventTimeEnd   string `json:"event_time_end"`
	} `json:"filters"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	resp, err := s.engine.Search(r.Context(), retrieval.Request{
		Scope: body.scope(),
		Query: body.Query,
		Limit: body.TopK,
		Filter: index.MetadataFilter{
			Source:         body.Source,
			Tags:           body.Tags,
			Category:       body.Category,
			ContentType:    body.ContentType,
			EventDate:      body.Filters.EventDate,
			EventTimeStart: body.Filters.EventTimeStart,
			EventTimeEnd:   body.Filters.EventTimeEnd,
		},
	})
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		scopeFields
		Query string `json:"query"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	res, err := s.engine.BuildContext(r.Context(), engine.ContextRequest{Scope: body.scope(), Query: body.Query})
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]interface{}{
		"context":      res.Text,
		"tokens_used":  res.TokensUsed,
		"memory_count": res.MemoryCount,
		"recent_count": res.RecentCount,
		"truncated":    res.Truncated,
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	ok(w, s.engine.TopEntities(intQuery(r, "limit", 20)))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	ent, relations, err := s.engine.EntityByName(r.PathValue("name"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]interface{}{"entity": ent, "relations": relations})
}

func (s *Server) handleGraphTraverse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Entity       string `json:"entity"`
		Depth        int    `json:"depth"`
		RelationType string `json:"relation_type"`
		Limit        int    `json:"limit"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	if body.Entity == "" {
		fail(w, fmt.Errorf("%w: entity is required", types.ErrValidation))
		return
	}
	entities, err := s.engine.Traverse(body.Entity, body.Depth, body.RelationType, body.Limit)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, entities)
}

func (s *Server) handleForeshadowPlant(w http.ResponseWriter, r *http.Request) {
	var body struct {
		scopeFields
		Content    string   `json:"content"`
		Keywords   []string `json:"keywords"`
		Entities   []string `json:"entities"`
		Importance float64  `json:"importance"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	f, err := s.engine.PlantForeshadow(body.scope(), body.Content, body.Keywords, body.Entities, body.Importance)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, f)
}

func (s *Server) handleForeshadowList(w http.ResponseWriter, r *http.Request) {
	ok(w, s.engine.Foreshadows(scopeFromQuery(r), r.URL.Query().Get("status")))
}

func (s *Server) handleForeshadowResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		scopeFields
		Resolution string `json:"resolution"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, err)
		return
	}
	f, err := s.engine.ResolveForeshadow(body.scope(), r.PathValue("id"), body.Resolution)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, f)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ok(w, s.engine.GetStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Message: err.Error()})
		return
	}
	ok(w, map[string]string{"status": "ok"})
}
