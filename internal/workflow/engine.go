// Package workflow drives DAG-shaped multi-agent executions. A graph holds
// agent templates (nodes) connected by must-complete-before dependencies;
// Execute spawns only the starting nodes and downstream nodes appear as
// their dependencies complete.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/events"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/metrics"
)

// NodeSpec describes one node of a graph at creation time. LocalID lets the
// caller express dependencies before database ids exist.
type NodeSpec struct {
	LocalID      string
	Role         string
	Task         string
	Budget       int64
	Dependencies []string
}

// Progress counts node states in a graph.
type Progress struct {
	Total     int `db:"total"`
	Pending   int `db:"pending"`
	Executing int `db:"executing"`
	Completed int `db:"completed"`
	Failed    int `db:"failed"`
	Skipped   int `db:"skipped"`
}

// Done reports whether no further node can make progress.
func (p Progress) Done() bool {
	return p.Pending == 0 && p.Executing == 0
}

// Engine validates and executes workflow graphs.
type Engine struct {
	client    *db.Client
	lifecycle *lifecycle.Service
	events    *events.Manager
	logger    *zap.Logger
}

// NewEngine creates a workflow engine. events may be nil.
func NewEngine(client *db.Client, lc *lifecycle.Service, evts *events.Manager, logger *zap.Logger) *Engine {
	return &Engine{client: client, lifecycle: lc, events: evts, logger: logger}
}

// CreateGraph persists a graph and its nodes, resolving LocalID dependency
// references into node ids. The graph starts in created/pending validation.
func (e *Engine) CreateGraph(ctx context.Context, name string, specs []NodeSpec) (*db.WorkflowGraph, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: graph name must not be empty", errdefs.ErrValidation)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: graph needs at least one node", errdefs.ErrValidation)
	}

	ids := make(map[string]uuid.UUID, len(specs))
	for _, spec := range specs {
		if spec.LocalID == "" {
			return nil, fmt.Errorf("%w: every node needs a local id", errdefs.ErrValidation)
		}
		if _, dup := ids[spec.LocalID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", errdefs.ErrValidation, spec.LocalID)
		}
		ids[spec.LocalID] = uuid.New()
	}

	now := time.Now().UTC()
	graph := &db.WorkflowGraph{
		ID:               uuid.New(),
		Name:             name,
		Status:           db.GraphCreated,
		ValidationStatus: db.ValidationPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := e.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO workflow_graphs (id, name, status, validation_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, graph.ID, graph.Name, graph.Status, graph.ValidationStatus, graph.CreatedAt, graph.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert graph: %w", err)
		}

		for _, spec := range specs {
			deps := make([]string, 0, len(spec.Dependencies))
			for _, ref := range spec.Dependencies {
				depID, ok := ids[ref]
				if !ok {
					return fmt.Errorf("%w: node %q depends on unknown node %q",
						errdefs.ErrValidation, spec.LocalID, ref)
				}
				deps = append(deps, depID.String())
			}
			_, err := tx.Exec(`
				INSERT INTO workflow_nodes (id, graph_id, role, task, budget, dependencies, execution_status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, ids[spec.LocalID], graph.ID, spec.Role, spec.Task, spec.Budget,
				pq.StringArray(deps), db.NodePending, now, now)
			if err != nil {
				return fmt.Errorf("failed to insert node %q: %w", spec.LocalID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Workflow graph created",
		zap.String("graph_id", graph.ID.String()),
		zap.String("name", name),
		zap.Int("nodes", len(specs)),
	)
	return graph, nil
}

// ValidateGraph runs the structural checks and persists the outcome on the
// graph row.
func (e *Engine) ValidateGraph(ctx context.Context, graphID uuid.UUID) (*ValidationResult, error) {
	nodes, err := e.Nodes(ctx, graphID)
	if err != nil {
		return nil, err
	}

	result := validateNodes(nodes)
	status := db.ValidationValidated
	var errsJSON db.JSONB
	if !result.Valid {
		status = db.ValidationInvalid
		list := make([]interface{}, 0, len(result.Errors))
		for _, verr := range result.Errors {
			list = append(list, map[string]interface{}{"code": verr.Code, "details": verr.Details})
		}
		errsJSON = db.JSONB{"errors": list}
	}

	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_graphs
		SET validation_status = $2, validation_errors = $3, validated_at = $4, updated_at = $4
		WHERE id = $1
	`, graphID, status, errsJSON, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to store validation result: %w", err)
	}
	return &result, nil
}

// Execute validates the graph, spawns agents for its starting nodes under
// parentAgent, and activates the graph. No downstream node is spawned here;
// they appear through OnNodeCompleted as dependencies finish. Returns the
// node -> agent mapping for the spawned set.
func (e *Engine) Execute(ctx context.Context, graphID, parentAgent uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	result, err := e.ValidateGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, fmt.Errorf("%w: graph %s failed validation: %s",
			errdefs.ErrWorkflowInvalid, graphID, summarize(result.Errors))
	}

	nodes, err := e.Nodes(ctx, graphID)
	if err != nil {
		return nil, err
	}
	starts := startingNodes(nodes)
	if len(starts) == 0 {
		return nil, fmt.Errorf("%w: graph %s: %s", errdefs.ErrWorkflowInvalid, graphID, CodeNoStartingNodes)
	}

	spawned := make(map[uuid.UUID]uuid.UUID, len(starts))
	for _, node := range starts {
		// A retried Execute finds some starting nodes already spawned;
		// only pending ones get an agent.
		if node.Status != db.NodePending {
			continue
		}
		agentID, err := e.spawnNode(ctx, &node, parentAgent, "")
		if err != nil {
			return nil, fmt.Errorf("failed to spawn starting node %s: %w", node.ID, err)
		}
		spawned[node.ID] = agentID
	}

	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = $2, updated_at = $3 WHERE id = $1
	`, graphID, db.GraphActive, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to activate graph: %w", err)
	}

	metrics.WorkflowsStarted.Inc()
	e.publish(events.Event{
		Topic: graphID.String(),
		Type:  events.TypeGraphStarted,
	})
	e.logger.Info("Workflow execution started",
		zap.String("graph_id", graphID.String()),
		zap.Int("starting_nodes", len(starts)),
	)
	return spawned, nil
}

// OnNodeCompleted records an agent completion against its workflow node and
// spawns every node whose dependencies are now all completed. Unknown agents
// are ignored. Calling it twice for the same agent is a no-op.
func (e *Engine) OnNodeCompleted(ctx context.Context, agentID uuid.UUID, result db.JSONB) error {
	node, err := e.nodeByAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return err
	}
	if node.Status == db.NodeCompleted {
		return nil
	}

	now := time.Now().UTC()
	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_nodes
		SET execution_status = $2, result = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND execution_status <> $2
	`, node.ID, db.NodeCompleted, result, now)
	if err != nil {
		return fmt.Errorf("failed to complete node: %w", err)
	}

	nodes, err := e.Nodes(ctx, node.GraphID)
	if err != nil {
		return err
	}
	completed := make(map[uuid.UUID]*db.WorkflowNode, len(nodes))
	for i := range nodes {
		if nodes[i].Status == db.NodeCompleted || nodes[i].ID == node.ID {
			completed[nodes[i].ID] = &nodes[i]
		}
	}

	for i := range nodes {
		candidate := &nodes[i]
		if candidate.Status != db.NodePending {
			continue
		}
		if !depsSatisfied(candidate, completed) {
			continue
		}
		task := augmentTask(candidate, completed)
		if _, err := e.spawnNode(ctx, candidate, agentID, task); err != nil {
			e.logger.Error("Failed to spawn ready node",
				zap.String("graph_id", node.GraphID.String()),
				zap.String("node_id", candidate.ID.String()),
				zap.Error(err),
			)
			continue
		}
	}

	return e.reconcileGraph(ctx, node.GraphID)
}

// OnNodeFailed records an agent failure against its workflow node. When no
// node is left pending or executing, the graph is terminated.
func (e *Engine) OnNodeFailed(ctx context.Context, agentID uuid.UUID, errMsg string) error {
	node, err := e.nodeByAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, errdefs.ErrNotFound) {
			return nil
		}
		return err
	}
	if node.Status == db.NodeFailed {
		return nil
	}

	now := time.Now().UTC()
	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_nodes
		SET execution_status = $2, error_message = $3, completed_at = $4, updated_at = $4
		WHERE id = $1
	`, node.ID, db.NodeFailed, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to mark node failed: %w", err)
	}

	e.logger.Warn("Workflow node failed",
		zap.String("graph_id", node.GraphID.String()),
		zap.String("node_id", node.ID.String()),
		zap.String("error", errMsg),
	)

	progress, err := e.Progress(ctx, node.GraphID)
	if err != nil {
		return err
	}
	if progress.Done() {
		return e.Terminate(ctx, node.GraphID)
	}
	return e.reconcileGraph(ctx, node.GraphID)
}

// Terminate skips every executing node, terminates their backing agents, and
// marks the graph failed.
func (e *Engine) Terminate(ctx context.Context, graphID uuid.UUID) error {
	nodes, err := e.Nodes(ctx, graphID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	skipped := "Workflow terminated"
	for i := range nodes {
		node := &nodes[i]
		if node.Status != db.NodeExecuting {
			continue
		}
		_, err := e.client.DB().ExecContext(ctx, `
			UPDATE workflow_nodes
			SET execution_status = $2, error_message = $3, updated_at = $4
			WHERE id = $1
		`, node.ID, db.NodeSkipped, skipped, now)
		if err != nil {
			return fmt.Errorf("failed to skip node %s: %w", node.ID, err)
		}
		if node.AgentID != nil {
			if _, err := e.lifecycle.Terminate(ctx, *node.AgentID, skipped); err != nil {
				e.logger.Warn("Failed to terminate node agent",
					zap.String("node_id", node.ID.String()),
					zap.String("agent_id", node.AgentID.String()),
					zap.Error(err),
				)
			}
		}
	}

	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_graphs SET status = $2, completed_at = $3, updated_at = $3 WHERE id = $1
	`, graphID, db.GraphFailed, now)
	if err != nil {
		return fmt.Errorf("failed to fail graph: %w", err)
	}

	metrics.WorkflowsFinished.WithLabelValues(string(db.GraphFailed)).Inc()
	e.publish(events.Event{
		Topic: graphID.String(),
		Type:  events.TypeGraphFailed,
	})
	e.logger.Info("Workflow terminated", zap.String("graph_id", graphID.String()))
	return nil
}

// Progress returns node counts by status for the graph.
func (e *Engine) Progress(ctx context.Context, graphID uuid.UUID) (*Progress, error) {
	var p Progress
	err := e.client.DB().GetContext(ctx, &p, `
		SELECT
			COUNT(*)                                            AS total,
			COUNT(*) FILTER (WHERE execution_status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE execution_status = 'executing') AS executing,
			COUNT(*) FILTER (WHERE execution_status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE execution_status = 'failed')    AS failed,
			COUNT(*) FILTER (WHERE execution_status = 'skipped')   AS skipped
		FROM workflow_nodes WHERE graph_id = $1
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph progress: %w", err)
	}
	return &p, nil
}

// GetGraph loads one graph row.
func (e *Engine) GetGraph(ctx context.Context, graphID uuid.UUID) (*db.WorkflowGraph, error) {
	var graph db.WorkflowGraph
	err := e.client.DB().GetContext(ctx, &graph, `SELECT * FROM workflow_graphs WHERE id = $1`, graphID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "graph", ID: graphID.String()}
		}
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}
	return &graph, nil
}

// Nodes returns all nodes of a graph in creation order.
func (e *Engine) Nodes(ctx context.Context, graphID uuid.UUID) ([]db.WorkflowNode, error) {
	nodes := []db.WorkflowNode{}
	err := e.client.DB().SelectContext(ctx, &nodes, `
		SELECT * FROM workflow_nodes WHERE graph_id = $1 ORDER BY created_at
	`, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph nodes: %w", err)
	}
	return nodes, nil
}

// ActiveGraphs lists graphs currently executing, for the workflow poller.
func (e *Engine) ActiveGraphs(ctx context.Context) ([]db.WorkflowGraph, error) {
	graphs := []db.WorkflowGraph{}
	err := e.client.DB().SelectContext(ctx, &graphs, `
		SELECT * FROM workflow_graphs WHERE status = $1 ORDER BY created_at
	`, db.GraphActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active graphs: %w", err)
	}
	return graphs, nil
}

// spawnNode creates the backing agent for a node and moves the node to
// executing. taskOverride replaces the node task when non-empty.
func (e *Engine) spawnNode(ctx context.Context, node *db.WorkflowNode, parent uuid.UUID, taskOverride string) (uuid.UUID, error) {
	task := node.Task
	if taskOverride != "" {
		task = taskOverride
	}
	agent, err := e.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
		Role:     node.Role,
		Task:     task,
		Budget:   node.Budget,
		ParentID: &parent,
		Metadata: db.JSONB{
			"workflow_graph_id": node.GraphID.String(),
			"workflow_node_id":  node.ID.String(),
		},
	})
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_nodes
		SET agent_id = $2, execution_status = $3, spawned_at = $4, updated_at = $4
		WHERE id = $1
	`, node.ID, agent.ID, db.NodeExecuting, now)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to bind node to agent: %w", err)
	}

	metrics.WorkflowNodesSpawned.Inc()
	e.publish(events.Event{
		Topic:   node.GraphID.String(),
		Type:    events.TypeNodeSpawned,
		AgentID: agent.ID.String(),
	})
	return agent.ID, nil
}

// reconcileGraph completes the graph once every node finished successfully.
func (e *Engine) reconcileGraph(ctx context.Context, graphID uuid.UUID) error {
	progress, err := e.Progress(ctx, graphID)
	if err != nil {
		return err
	}
	if progress.Completed != progress.Total {
		return nil
	}

	now := time.Now().UTC()
	_, err = e.client.DB().ExecContext(ctx, `
		UPDATE workflow_graphs
		SET status = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = $4
	`, graphID, db.GraphCompleted, now, db.GraphActive)
	if err != nil {
		return fmt.Errorf("failed to complete graph: %w", err)
	}

	metrics.WorkflowsFinished.WithLabelValues(string(db.GraphCompleted)).Inc()
	e.publish(events.Event{
		Topic: graphID.String(),
		Type:  events.TypeGraphCompleted,
	})
	e.logger.Info("Workflow completed", zap.String("graph_id", graphID.String()))
	return nil
}

// nodeByAgent locates the node backed by the given agent.
func (e *Engine) nodeByAgent(ctx context.Context, agentID uuid.UUID) (*db.WorkflowNode, error) {
	var node db.WorkflowNode
	err := e.client.DB().GetContext(ctx, &node, `
		SELECT * FROM workflow_nodes WHERE agent_id = $1
	`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "workflow node for agent", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to locate node by agent: %w", err)
	}
	return &node, nil
}

func depsSatisfied(node *db.WorkflowNode, completed map[uuid.UUID]*db.WorkflowNode) bool {
	for _, depID := range node.DependencyIDs() {
		if _, ok := completed[depID]; !ok {
			return false
		}
	}
	return true
}

// augmentTask appends dependency results to the node task so downstream
// agents see upstream output. Returns "" when there is nothing to add.
func augmentTask(node *db.WorkflowNode, completed map[uuid.UUID]*db.WorkflowNode) string {
	var parts []string
	for _, depID := range node.DependencyIDs() {
		dep, ok := completed[depID]
		if !ok || dep.Result == nil {
			continue
		}
		if out, ok := dep.Result["output"].(string); ok && out != "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", dep.Role, out))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return node.Task + "\n\nContext from completed dependencies:\n" + strings.Join(parts, "\n")
}

func (e *Engine) publish(evt events.Event) {
	if e.events != nil {
		e.events.Publish(evt)
	}
}

func summarize(errs []ValidationError) string {
	codes := make([]string, 0, len(errs))
	for _, e := range errs {
		codes = append(codes, e.Code)
	}
	return strings.Join(codes, ", ")
}
