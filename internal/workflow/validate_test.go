package workflow

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/lib/pq"

	"github.com/arbor-ai/arbor/internal/db"
)

func node(id uuid.UUID, deps ...uuid.UUID) db.WorkflowNode {
	strs := make(pq.StringArray, 0, len(deps))
	for _, d := range deps {
		strs = append(strs, d.String())
	}
	return db.WorkflowNode{ID: id, Role: "worker", Task: "t", Dependencies: strs}
}

func hasCode(errs []ValidationError, code string) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidateEmptyGraph(t *testing.T) {
	result := validateNodes(nil)
	if result.Valid {
		t.Fatal("empty graph should be invalid")
	}
	if !hasCode(result.Errors, CodeEmptyGraph) {
		t.Errorf("expected %s, got %v", CodeEmptyGraph, result.Errors)
	}
}

func TestValidateMissingDependency(t *testing.T) {
	a := uuid.New()
	result := validateNodes([]db.WorkflowNode{node(a, uuid.New())})
	if result.Valid {
		t.Fatal("dangling dependency should be invalid")
	}
	if !hasCode(result.Errors, CodeMissingDependency) {
		t.Errorf("expected %s, got %v", CodeMissingDependency, result.Errors)
	}
}

func TestValidateMalformedDependency(t *testing.T) {
	n := db.WorkflowNode{ID: uuid.New(), Dependencies: pq.StringArray{"not-a-uuid"}}
	result := validateNodes([]db.WorkflowNode{n})
	if result.Valid {
		t.Fatal("malformed dependency should be invalid")
	}
	if !hasCode(result.Errors, CodeMissingDependency) {
		t.Errorf("expected %s, got %v", CodeMissingDependency, result.Errors)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	x, y, z := uuid.New(), uuid.New(), uuid.New()
	// x -> y -> z -> x
	result := validateNodes([]db.WorkflowNode{
		node(x, y),
		node(y, z),
		node(z, x),
	})
	if result.Valid {
		t.Fatal("cyclic graph should be invalid")
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != CodeCircularDependency {
		t.Errorf("expected exactly one %s error, got %v", CodeCircularDependency, result.Errors)
	}
}

func TestValidateSelfLoop(t *testing.T) {
	a := uuid.New()
	result := validateNodes([]db.WorkflowNode{node(a, a)})
	if result.Valid {
		t.Fatal("self-dependency should be invalid")
	}
	if !hasCode(result.Errors, CodeCircularDependency) {
		t.Errorf("expected %s, got %v", CodeCircularDependency, result.Errors)
	}
}

func TestValidateDiamond(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	nodes := []db.WorkflowNode{
		node(a),
		node(b, a),
		node(c, a),
		node(d, b, c),
	}
	result := validateNodes(nodes)
	if !result.Valid {
		t.Fatalf("diamond DAG should be valid, got %v", result.Errors)
	}
	if len(result.Order) != 4 {
		t.Fatalf("order has %d nodes, want 4", len(result.Order))
	}
	assertLinearExtension(t, nodes, result.Order)
}

func assertLinearExtension(t *testing.T, nodes []db.WorkflowNode, order []uuid.UUID) {
	t.Helper()
	pos := make(map[uuid.UUID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range nodes {
		for _, dep := range n.DependencyIDs() {
			if pos[dep] >= pos[n.ID] {
				t.Errorf("node %s appears before its dependency %s", n.ID, dep)
			}
		}
	}
}

func TestStartingNodes(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	starts := startingNodes([]db.WorkflowNode{node(a), node(b, a)})
	if len(starts) != 1 || starts[0].ID != a {
		t.Errorf("starting nodes = %v, want only %s", starts, a)
	}
}

// layered DAGs generated by only allowing edges from later layers to earlier
// ones are acyclic by construction.
func TestDAGValidationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	genEdges := gen.SliceOf(gopter.CombineGens(
		gen.IntRange(1, 11),
		gen.IntRange(0, 11),
	).Map(func(vals []interface{}) [2]int {
		return [2]int{vals[0].(int), vals[1].(int)}
	}))

	properties.Property("forward-only edges always validate with a linear extension", prop.ForAll(
		func(edges [][2]int) bool {
			const size = 12
			ids := make([]uuid.UUID, size)
			for i := range ids {
				ids[i] = uuid.New()
			}
			deps := make(map[int]map[int]struct{}, size)
			for _, e := range edges {
				from, to := e[0], e[1]
				if to >= from {
					to = from - 1
				}
				if deps[from] == nil {
					deps[from] = make(map[int]struct{})
				}
				deps[from][to] = struct{}{}
			}

			nodes := make([]db.WorkflowNode, size)
			for i := range nodes {
				var depIDs []uuid.UUID
				for j := range deps[i] {
					depIDs = append(depIDs, ids[j])
				}
				nodes[i] = node(ids[i], depIDs...)
			}

			result := validateNodes(nodes)
			if !result.Valid || len(result.Order) != size {
				return false
			}
			pos := make(map[uuid.UUID]int, size)
			for i, id := range result.Order {
				pos[id] = i
			}
			for _, n := range nodes {
				for _, dep := range n.DependencyIDs() {
					if pos[dep] >= pos[n.ID] {
						return false
					}
				}
			}
			return true
		},
		genEdges,
	))

	properties.Property("closing any ring of nodes is always rejected", prop.ForAll(
		func(size int) bool {
			ids := make([]uuid.UUID, size)
			for i := range ids {
				ids[i] = uuid.New()
			}
			nodes := make([]db.WorkflowNode, size)
			for i := range nodes {
				nodes[i] = node(ids[i], ids[(i+1)%size])
			}
			result := validateNodes(nodes)
			return !result.Valid && hasCode(result.Errors, CodeCircularDependency)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
