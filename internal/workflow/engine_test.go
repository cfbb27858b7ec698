package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/events"
	"github.com/arbor-ai/arbor/internal/ledger"
	"github.com/arbor-ai/arbor/internal/lifecycle"
)

var nodeColumns = []string{
	"id", "graph_id", "agent_id", "role", "task", "budget", "dependencies",
	"execution_status", "result", "error_message", "spawned_at", "completed_at",
	"created_at", "updated_at",
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })

	client := db.NewClientFromDB(raw, zap.NewNop())
	ldgr := ledger.New(client, zap.NewNop())
	lc := lifecycle.NewService(client, ldgr, nil, nil, zap.NewNop(), lifecycle.Options{})
	return NewEngine(client, lc, events.NewManager(16), zap.NewNop()), mock
}

func nodeRow(rows *sqlmock.Rows, id, graphID uuid.UUID, agentID *uuid.UUID, status db.NodeStatus, deps pq.StringArray) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(id, graphID, agentID, "worker", "t", int64(100), deps,
		status, nil, nil, nil, nil, now, now)
}

func TestCreateGraphRejectsEmptyName(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CreateGraph(context.Background(), " ", []NodeSpec{{LocalID: "a", Role: "r", Task: "t"}})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateGraphRejectsUnknownDependencyRef(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO workflow_graphs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := engine.CreateGraph(context.Background(), "g", []NodeSpec{
		{LocalID: "a", Role: "r", Task: "t", Dependencies: []string{"missing"}},
	})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCreateGraphRejectsDuplicateLocalIDs(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CreateGraph(context.Background(), "g", []NodeSpec{
		{LocalID: "a", Role: "r", Task: "t"},
		{LocalID: "a", Role: "r", Task: "t"},
	})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOnNodeCompletedIgnoresUnknownAgent(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE agent_id =").
		WillReturnRows(sqlmock.NewRows(nodeColumns))

	err := engine.OnNodeCompleted(context.Background(), uuid.New(), db.JSONB{"output": "x"})
	if err != nil {
		t.Fatalf("unknown agent should be ignored, got %v", err)
	}
}

func TestOnNodeCompletedIsIdempotent(t *testing.T) {
	engine, mock := newTestEngine(t)
	graphID, nodeID, agentID := uuid.New(), uuid.New(), uuid.New()

	rows := sqlmock.NewRows(nodeColumns)
	nodeRow(rows, nodeID, graphID, &agentID, db.NodeCompleted, nil)
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE agent_id =").
		WillReturnRows(rows)

	err := engine.OnNodeCompleted(context.Background(), agentID, db.JSONB{"output": "x"})
	if err != nil {
		t.Fatalf("second completion should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no further statements expected: %v", err)
	}
}

func TestOnNodeFailedIgnoresUnknownAgent(t *testing.T) {
	engine, mock := newTestEngine(t)

	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE agent_id =").
		WillReturnRows(sqlmock.NewRows(nodeColumns))

	if err := engine.OnNodeFailed(context.Background(), uuid.New(), "boom"); err != nil {
		t.Fatalf("unknown agent should be ignored, got %v", err)
	}
}

func TestProgressDone(t *testing.T) {
	cases := []struct {
		p    Progress
		want bool
	}{
		{Progress{Total: 3, Completed: 3}, true},
		{Progress{Total: 3, Completed: 2, Failed: 1}, true},
		{Progress{Total: 3, Completed: 2, Pending: 1}, false},
		{Progress{Total: 3, Completed: 2, Executing: 1}, false},
	}
	for _, tc := range cases {
		if got := tc.p.Done(); got != tc.want {
			t.Errorf("%+v Done() = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestContinuationSpawnsReadyNode(t *testing.T) {
	engine, mock := newTestEngine(t)
	graphID := uuid.New()
	nodeA, nodeB, nodeC := uuid.New(), uuid.New(), uuid.New()
	agentA, agentB := uuid.New(), uuid.New()
	now := time.Now().UTC()

	agentCols := []string{
		"id", "role", "task", "depth", "parent_id", "status",
		"result", "error", "metadata", "created_at", "updated_at", "completed_at",
	}
	budgetCols := []string{
		"agent_id", "allocated", "used", "reserved", "reclaimed", "frozen", "created_at", "updated_at",
	}

	// B's completion is recorded against its node.
	lookup := sqlmock.NewRows(nodeColumns)
	nodeRow(lookup, nodeB, graphID, &agentB, db.NodeExecuting, nil)
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE agent_id =").WillReturnRows(lookup)
	mock.ExpectExec("UPDATE workflow_nodes").WillReturnResult(sqlmock.NewResult(0, 1))

	// Reload: A and B completed, C pending on both.
	reload := sqlmock.NewRows(nodeColumns)
	nodeRow(reload, nodeA, graphID, &agentA, db.NodeCompleted, nil)
	nodeRow(reload, nodeB, graphID, &agentB, db.NodeCompleted, nil)
	nodeRow(reload, nodeC, graphID, nil, db.NodePending, pq.StringArray{nodeA.String(), nodeB.String()})
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE graph_id =").WillReturnRows(reload)

	// C is now ready: spawn its agent under B's agent.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM agents WHERE id =").
		WillReturnRows(sqlmock.NewRows(agentCols).
			AddRow(agentB, "worker", "t", 1, nil, db.AgentCompleted, nil, nil, nil, now, now, now))
	mock.ExpectExec("INSERT INTO agents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hierarchies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT agent_id, allocated, used, reserved, reclaimed, frozen").
		WillReturnRows(sqlmock.NewRows(budgetCols).
			AddRow(agentB, int64(1000), int64(0), int64(0), false, false, now, now))
	mock.ExpectExec("INSERT INTO budgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE budgets SET reserved").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE workflow_nodes").WillReturnResult(sqlmock.NewResult(0, 1))

	// C is executing, so the graph stays active.
	mock.ExpectQuery("COUNT\\(\\*\\)").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "executing", "completed", "failed", "skipped"}).
			AddRow(3, 0, 1, 2, 0, 0))

	if err := engine.OnNodeCompleted(context.Background(), agentB, db.JSONB{"output": "b done"}); err != nil {
		t.Fatalf("OnNodeCompleted failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLastCompletionFinishesGraph(t *testing.T) {
	engine, mock := newTestEngine(t)
	graphID := uuid.New()
	nodeA, nodeB, nodeC := uuid.New(), uuid.New(), uuid.New()
	agentA, agentB, agentC := uuid.New(), uuid.New(), uuid.New()

	lookup := sqlmock.NewRows(nodeColumns)
	nodeRow(lookup, nodeC, graphID, &agentC, db.NodeExecuting, pq.StringArray{nodeA.String(), nodeB.String()})
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE agent_id =").WillReturnRows(lookup)
	mock.ExpectExec("UPDATE workflow_nodes").WillReturnResult(sqlmock.NewResult(0, 1))

	reload := sqlmock.NewRows(nodeColumns)
	nodeRow(reload, nodeA, graphID, &agentA, db.NodeCompleted, nil)
	nodeRow(reload, nodeB, graphID, &agentB, db.NodeCompleted, nil)
	nodeRow(reload, nodeC, graphID, &agentC, db.NodeCompleted, pq.StringArray{nodeA.String(), nodeB.String()})
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE graph_id =").WillReturnRows(reload)

	mock.ExpectQuery("COUNT\\(\\*\\)").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "executing", "completed", "failed", "skipped"}).
			AddRow(3, 0, 0, 3, 0, 0))
	mock.ExpectExec("UPDATE workflow_graphs").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := engine.OnNodeCompleted(context.Background(), agentC, db.JSONB{"output": "c done"}); err != nil {
		t.Fatalf("OnNodeCompleted failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteRetrySkipsSpawnedStartingNodes(t *testing.T) {
	engine, mock := newTestEngine(t)
	graphID := uuid.New()
	nodeA, nodeB := uuid.New(), uuid.New()
	runningAgent, parentAgent := uuid.New(), uuid.New()
	now := time.Now().UTC()

	agentCols := []string{
		"id", "role", "task", "depth", "parent_id", "status",
		"result", "error", "metadata", "created_at", "updated_at", "completed_at",
	}
	budgetCols := []string{
		"agent_id", "allocated", "used", "reserved", "reclaimed", "frozen", "created_at", "updated_at",
	}

	// Validation pass over both starting nodes.
	validation := sqlmock.NewRows(nodeColumns)
	nodeRow(validation, nodeA, graphID, &runningAgent, db.NodeExecuting, nil)
	nodeRow(validation, nodeB, graphID, nil, db.NodePending, nil)
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE graph_id =").WillReturnRows(validation)
	mock.ExpectExec("UPDATE workflow_graphs").WillReturnResult(sqlmock.NewResult(0, 1))

	// Execution reload: A already has its agent, only B is spawnable.
	reload := sqlmock.NewRows(nodeColumns)
	nodeRow(reload, nodeA, graphID, &runningAgent, db.NodeExecuting, nil)
	nodeRow(reload, nodeB, graphID, nil, db.NodePending, nil)
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE graph_id =").WillReturnRows(reload)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM agents WHERE id =").
		WillReturnRows(sqlmock.NewRows(agentCols).
			AddRow(parentAgent, "coordinator", "t", 0, nil, db.AgentExecuting, nil, nil, nil, now, now, nil))
	mock.ExpectExec("INSERT INTO agents").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO hierarchies").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT agent_id, allocated, used, reserved, reclaimed, frozen").
		WillReturnRows(sqlmock.NewRows(budgetCols).
			AddRow(parentAgent, int64(1000), int64(0), int64(0), false, false, now, now))
	mock.ExpectExec("INSERT INTO budgets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE budgets SET reserved").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE workflow_nodes").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE workflow_graphs").WillReturnResult(sqlmock.NewResult(0, 1))

	spawned, err := engine.Execute(context.Background(), graphID, parentAgent)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(spawned) != 1 {
		t.Fatalf("spawned %d nodes, want only the pending one", len(spawned))
	}
	if _, ok := spawned[nodeB]; !ok {
		t.Errorf("expected node %s in spawn set, got %v", nodeB, spawned)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	engine, mock := newTestEngine(t)
	graphID := uuid.New()
	a := uuid.New()

	// Validation loads nodes, finds a cycle, stores the outcome.
	rows := sqlmock.NewRows(nodeColumns)
	nodeRow(rows, a, graphID, nil, db.NodePending, pq.StringArray{a.String()})
	mock.ExpectQuery("SELECT \\* FROM workflow_nodes WHERE graph_id =").
		WillReturnRows(rows)
	mock.ExpectExec("UPDATE workflow_graphs").WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := engine.Execute(context.Background(), graphID, uuid.New())
	if !errors.Is(err, errdefs.ErrWorkflowInvalid) {
		t.Fatalf("expected ErrWorkflowInvalid, got %v", err)
	}
}
