package workflow

import (
	"github.com/google/uuid"

	"github.com/arbor-ai/arbor/internal/db"
)

// Validation error codes stored on the graph.
const (
	CodeEmptyGraph         = "EMPTY_GRAPH"
	CodeMissingDependency  = "MISSING_DEPENDENCY"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeNoStartingNodes    = "NO_STARTING_NODES"
)

// ValidationError is one structural defect found in a graph.
type ValidationError struct {
	Code    string `json:"code"`
	Details string `json:"details"`
}

// ValidationResult aggregates the outcome of a structural check.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
	// Order is a topological ordering of node ids, set only when Valid.
	Order []uuid.UUID
}

// dfs coloring
type color int

const (
	white color = iota // unvisited
	gray               // on the current path
	black              // fully explored
)

// validateNodes checks graph structure: non-emptiness, that every dependency
// references a sibling node, and acyclicity. Cycles are found by DFS with
// white/gray/black coloring; Kahn's algorithm then recomputes a topological
// order as an independent cross-check.
func validateNodes(nodes []db.WorkflowNode) ValidationResult {
	result := ValidationResult{Valid: true}

	if len(nodes) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeEmptyGraph,
			Details: "graph has no nodes",
		})
		return result
	}

	byID := make(map[uuid.UUID]*db.WorkflowNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}

	// Adjacency maps a node to the nodes that depend on it.
	deps := make(map[uuid.UUID][]uuid.UUID, len(nodes))
	for i := range nodes {
		node := &nodes[i]
		for _, raw := range node.Dependencies {
			depID, err := uuid.Parse(raw)
			if err != nil {
				result.Valid = false
				result.Errors = append(result.Errors, ValidationError{
					Code:    CodeMissingDependency,
					Details: "node " + node.ID.String() + " has malformed dependency id " + raw,
				})
				continue
			}
			if _, ok := byID[depID]; !ok {
				result.Valid = false
				result.Errors = append(result.Errors, ValidationError{
					Code:    CodeMissingDependency,
					Details: "node " + node.ID.String() + " depends on unknown node " + depID.String(),
				})
				continue
			}
			deps[node.ID] = append(deps[node.ID], depID)
		}
	}
	if !result.Valid {
		return result
	}

	if cycle := findCycle(byID, deps); len(cycle) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeCircularDependency,
			Details: "dependency cycle through node " + cycle[0].String(),
		})
		return result
	}

	order, ok := topologicalOrder(byID, deps)
	if !ok {
		// Unreachable when the DFS above passed, kept as a guard against
		// divergence between the two detectors.
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeCircularDependency,
			Details: "topological sort emitted fewer nodes than the graph contains",
		})
		return result
	}
	result.Order = order
	return result
}

// findCycle runs DFS over the dependency edges. A dependency edge leading to
// a gray node is a back-edge, so the path contains a cycle. Returns the nodes
// on the cycle, or nil.
func findCycle(byID map[uuid.UUID]*db.WorkflowNode, deps map[uuid.UUID][]uuid.UUID) []uuid.UUID {
	colors := make(map[uuid.UUID]color, len(byID))

	var path []uuid.UUID
	var visit func(id uuid.UUID) []uuid.UUID
	visit = func(id uuid.UUID) []uuid.UUID {
		colors[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch colors[dep] {
			case gray:
				// Trim the path down to the cycle itself.
				for i, p := range path {
					if p == dep {
						return append([]uuid.UUID{}, path[i:]...)
					}
				}
				return []uuid.UUID{dep}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		colors[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for id := range byID {
		if colors[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// topologicalOrder runs Kahn's algorithm. The emitted order is a linear
// extension of the dependency relation: every node appears after all of its
// dependencies. ok is false when the graph contains a cycle.
func topologicalOrder(byID map[uuid.UUID]*db.WorkflowNode, deps map[uuid.UUID][]uuid.UUID) ([]uuid.UUID, bool) {
	indegree := make(map[uuid.UUID]int, len(byID))
	dependents := make(map[uuid.UUID][]uuid.UUID, len(byID))
	for id := range byID {
		indegree[id] = len(deps[id])
		for _, dep := range deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]uuid.UUID, 0, len(byID))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]uuid.UUID, 0, len(byID))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order, len(order) == len(byID)
}

// startingNodes returns the nodes with no dependencies.
func startingNodes(nodes []db.WorkflowNode) []db.WorkflowNode {
	var starts []db.WorkflowNode
	for _, node := range nodes {
		if len(node.Dependencies) == 0 {
			starts = append(starts, node)
		}
	}
	return starts
}
