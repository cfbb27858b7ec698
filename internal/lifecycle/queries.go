package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/arbor-ai/arbor/internal/db"
)

// Children returns the direct children of an agent, oldest first.
func (s *Service) Children(ctx context.Context, agentID uuid.UUID) ([]db.Agent, error) {
	agents := []db.Agent{}
	err := s.client.DB().SelectContext(ctx, &agents, `
		SELECT a.* FROM agents a
		JOIN hierarchies h ON h.child_id = a.id
		WHERE h.parent_id = $1
		ORDER BY a.created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load children: %w", err)
	}
	return agents, nil
}

// Descendants returns the transitive closure below an agent, ordered by
// depth then creation time. The queried agent itself is not included.
func (s *Service) Descendants(ctx context.Context, agentID uuid.UUID) ([]db.Agent, error) {
	agents := []db.Agent{}
	err := s.client.DB().SelectContext(ctx, &agents, `
		WITH RECURSIVE subtree AS (
			SELECT child_id FROM hierarchies WHERE parent_id = $1
			UNION ALL
			SELECT h.child_id FROM hierarchies h
			JOIN subtree s ON h.parent_id = s.child_id
		)
		SELECT a.* FROM agents a
		JOIN subtree s ON a.id = s.child_id
		ORDER BY a.depth, a.created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load descendants: %w", err)
	}
	return agents, nil
}

// Ancestors returns the chain from the agent's parent up to its root,
// nearest first.
func (s *Service) Ancestors(ctx context.Context, agentID uuid.UUID) ([]db.Agent, error) {
	agents := []db.Agent{}
	err := s.client.DB().SelectContext(ctx, &agents, `
		WITH RECURSIVE chain AS (
			SELECT parent_id FROM hierarchies WHERE child_id = $1
			UNION ALL
			SELECT h.parent_id FROM hierarchies h
			JOIN chain c ON h.child_id = c.parent_id
		)
		SELECT a.* FROM agents a
		JOIN chain c ON a.id = c.parent_id
		ORDER BY a.depth DESC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ancestors: %w", err)
	}
	return agents, nil
}

// Siblings returns agents sharing the same parent, excluding the agent
// itself. A root agent has no siblings.
func (s *Service) Siblings(ctx context.Context, agentID uuid.UUID) ([]db.Agent, error) {
	agents := []db.Agent{}
	err := s.client.DB().SelectContext(ctx, &agents, `
		SELECT a.* FROM agents a
		JOIN hierarchies h ON h.child_id = a.id
		WHERE h.parent_id = (SELECT parent_id FROM hierarchies WHERE child_id = $1)
		  AND a.id <> $1
		ORDER BY a.created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load siblings: %w", err)
	}
	return agents, nil
}

// Hierarchy returns the subtree rooted at agentID including the root,
// ordered by depth then creation time.
func (s *Service) Hierarchy(ctx context.Context, agentID uuid.UUID) ([]db.Agent, error) {
	agents := []db.Agent{}
	err := s.client.DB().SelectContext(ctx, &agents, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM agents WHERE id = $1
			UNION ALL
			SELECT h.child_id FROM hierarchies h
			JOIN subtree s ON h.parent_id = s.id
		)
		SELECT a.* FROM agents a
		JOIN subtree s ON a.id = s.id
		ORDER BY a.depth, a.created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load hierarchy: %w", err)
	}
	return agents, nil
}

// IsRoot reports whether the agent has no parent.
func (s *Service) IsRoot(ctx context.Context, agentID uuid.UUID) (bool, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}
	return agent.ParentID == nil, nil
}

// IsLeaf reports whether the agent has no children.
func (s *Service) IsLeaf(ctx context.Context, agentID uuid.UUID) (bool, error) {
	var count int
	err := s.client.DB().GetContext(ctx, &count, `
		SELECT COUNT(*) FROM hierarchies WHERE parent_id = $1
	`, agentID)
	if err != nil {
		return false, fmt.Errorf("failed to count children: %w", err)
	}
	return count == 0, nil
}
