package engine

import (
	"fmt"

	"recall/internal/types"
)

// TopEntities returns the n most-mentioned entities.
func (e *Engine) TopEntities(n int) []*types.Entity {
	return e.entities.GetTop(n)
}

// EntityByName resolves a name or alias to its entity and the relations
// it participates in.
func (e *Engine) EntityByName(name string) (*types.Entity, []*types.Relation, error) {
	ent, ok := e.entities.GetByName(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: entity %q", types.ErrNotFound, name)
	}
	return ent, e.kg.RelationsOf(ent.ID), nil
}

// Traverse walks the knowledge graph from a named entity and returns the
// entities reached, in BFS order.
func (e *Engine) Traverse(startName string, depth int, relType string, limit int) ([]*types.Entity, error) {
	start, ok := e.entities.GetByName(startName)
	if !ok {
		return nil, fmt.Errorf("%w: entity %q", types.ErrNotFound, startName)
	}
	var out []*types.Entity
	for _, id := range e.kg.Neighbors(start.ID, depth, relType, limit) {
		if ent, ok := e.entities.GetByID(id); ok {
			out = append(out, ent)
		}
	}
	return out, nil
}
