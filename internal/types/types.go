// Package types defines the core data model shared by every recall store:
// items, scopes, entities, relations, episodes and foreshadowing records.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SCOPE (tenant partition)
// =============================================================================

// DefaultScopeValue is the value used for any unset scope component.
const DefaultScopeValue = "default"

// Scope identifies a tenant partition: (user, character, session).
type Scope struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

// DefaultScope returns the fully-defaulted scope.
func DefaultScope() Scope {
	return Scope{UserID: DefaultScopeValue, CharacterID: DefaultScopeValue, SessionID: DefaultScopeValue}
}

// Normalize fills empty components with the default value.
func (s Scope) Normalize() Scope {
	if s.UserID == "" {
		s.UserID = DefaultScopeValue
	}
	if s.CharacterID == "" {
		s.CharacterID = DefaultScopeValue
	}
	if s.SessionID == "" {
		s.SessionID = DefaultScopeValue
	}
	return s
}

// Key returns a stable map key for the scope.
func (s Scope) Key() string {
	s = s.Normalize()
	return s.UserID + "\x00" + s.CharacterID + "\x00" + s.SessionID
}

// Path returns the on-disk relative path "user/character/session".
func (s Scope) Path() string {
	s = s.Normalize()
	return s.UserID + "/" + s.CharacterID + "/" + s.SessionID
}

// Equal reports whether two scopes identify the same tenant.
func (s Scope) Equal(other Scope) bool {
	return s.Normalize() == other.Normalize()
}

// =============================================================================
// ITEM (the unit of ingestion)
// =============================================================================

// Item is a single ingested memory. Content is immutable once appended to
// the volume log; updates are modeled as working-memory edits or new items.
type Item struct {
	ID          string    `json:"id"`
	Scope       Scope     `json:"scope"`
	Content     string    `json:"content"`
	TurnNumber  int64     `json:"turn_number"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Category    string    `json:"category,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	EventTime   string    `json:"event_time,omitempty"` // ISO date, optional
	Metadata    Metadata  `json:"metadata,omitempty"`
}

// HasTag reports whether the item carries the given tag.
func (it *Item) HasTag(tag string) bool {
	for _, t := range it.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// =============================================================================
// ENTITY
// =============================================================================

// Entity is a named thing mentioned by one or more items.
// Invariant: every name and alias resolves to exactly one entity id.
type Entity struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Aliases        []string          `json:"aliases,omitempty"`
	Type           string            `json:"type"`
	TurnReferences []string          `json:"turn_references,omitempty"` // item ids
	Confidence     float64           `json:"confidence"`
	Summary        string            `json:"summary,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// MentionCount returns how many items reference this entity.
func (e *Entity) MentionCount() int {
	return len(e.TurnReferences)
}

// HasAlias reports whether name matches the entity name or any alias,
// case-insensitively.
func (e *Entity) HasAlias(name string) bool {
	lower := strings.ToLower(name)
	if strings.ToLower(e.Name) == lower {
		return true
	}
	for _, a := range e.Aliases {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}

// EntityTypeUnknown is the placeholder type until extraction supplies one.
const EntityTypeUnknown = "UNKNOWN"

// =============================================================================
// RELATION (temporal fact)
// =============================================================================

// Relation is a typed, optionally time-scoped edge between two entities.
// The (source, type, target) triple is the identity key; duplicate inserts
// merge evidence instead of duplicating the edge.
type Relation struct {
	ID             string     `json:"id"`
	SourceEntityID string     `json:"source_entity_id"`
	TargetEntityID string     `json:"target_entity_id"`
	Type           string     `json:"relation_type"` // SCREAMING_SNAKE_CASE
	Fact           string     `json:"fact,omitempty"`
	ValidAt        *time.Time `json:"valid_at,omitempty"`
	InvalidAt      *time.Time `json:"invalid_at,omitempty"`
	Confidence     float64    `json:"confidence"`
	SourceText     string     `json:"source_text,omitempty"`
	Evidence       []string   `json:"evidence,omitempty"` // item ids
}

// TripleKey returns the identity key for duplicate merging.
func (r *Relation) TripleKey() string {
	return r.SourceEntityID + "|" + r.Type + "|" + r.TargetEntityID
}

// =============================================================================
// EPISODE
// =============================================================================

// Episode groups the facts extracted from one ingestion call.
type Episode struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	SourceType        string    `json:"source_type,omitempty"`
	SourceDescription string    `json:"source_description,omitempty"`
	MemoryIDs         []string  `json:"memory_ids,omitempty"`
	RelationIDs       []string  `json:"relation_ids,omitempty"`
	EntityEdges       []string  `json:"entity_edges,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// =============================================================================
// FORESHADOWING
// =============================================================================

// Foreshadowing status values.
const (
	ForeshadowUnresolved        = "UNRESOLVED"
	ForeshadowPossiblyTriggered = "POSSIBLY_TRIGGERED"
	ForeshadowResolved          = "RESOLVED"
)

// Foreshadowing is a user-planted hint with a deferred resolution.
type Foreshadowing struct {
	ID                string   `json:"id"`
	Content           string   `json:"content"`
	TriggerKeywords   []string `json:"trigger_keywords,omitempty"`
	RelatedEntities   []string `json:"related_entities,omitempty"`
	Status            string   `json:"status"`
	Importance        float64  `json:"importance"`
	CreatedTurn       int64    `json:"created_turn"`
	ResolutionTurn    *int64   `json:"resolution_turn,omitempty"`
	ResolutionContent string   `json:"resolution_content,omitempty"`
}

// =============================================================================
// ID GENERATION
// =============================================================================

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// NewItemID returns a fresh item id.
func NewItemID() string { return newID("mem") }

// NewEntityID returns a fresh entity id.
func NewEntityID() string { return newID("ent") }

// NewRelationID returns a fresh relation id.
func NewRelationID() string { return newID("rel") }

// NewEpisodeID returns a fresh episode id.
func NewEpisodeID() string { return newID("ep") }

// NewForeshadowID returns a fresh foreshadowing id.
func NewForeshadowID() string { return newID("fsh") }
