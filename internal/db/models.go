package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// AgentStatus enumerates the agent lifecycle states.
type AgentStatus string

const (
	AgentPending    AgentStatus = "pending"
	AgentExecuting  AgentStatus = "executing"
	AgentCompleted  AgentStatus = "completed"
	AgentFailed     AgentStatus = "failed"
	AgentTerminated AgentStatus = "terminated"
)

// Terminal reports whether the status is an end state. Terminal agents only
// admit the cleanup move to AgentTerminated.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentTerminated
}

// MessageStatus enumerates inbox message states. Transitions are
// forward-only: pending -> delivered -> processed.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageDelivered MessageStatus = "delivered"
	MessageProcessed MessageStatus = "processed"
)

// WorkspaceStatus enumerates isolation states of an agent working copy.
type WorkspaceStatus string

const (
	WorkspaceActive  WorkspaceStatus = "active"
	WorkspaceMerged  WorkspaceStatus = "merged"
	WorkspaceDeleted WorkspaceStatus = "deleted"
)

// GraphStatus enumerates workflow graph states.
type GraphStatus string

const (
	GraphCreated    GraphStatus = "created"
	GraphActive     GraphStatus = "active"
	GraphCompleted  GraphStatus = "completed"
	GraphFailed     GraphStatus = "failed"
	GraphTerminated GraphStatus = "terminated"
)

// ValidationStatus enumerates workflow graph validation outcomes.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationInvalid   ValidationStatus = "invalid"
)

// NodeStatus enumerates workflow node execution states.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeExecuting NodeStatus = "executing"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Agent is a unit of work with a lifecycle, a budget account, and optionally
// a workspace. Depth is 0 for roots and parent.depth+1 otherwise.
type Agent struct {
	ID          uuid.UUID   `db:"id"`
	Role        string      `db:"role"`
	Task        string      `db:"task"`
	Depth       int         `db:"depth"`
	ParentID    *uuid.UUID  `db:"parent_id"`
	Status      AgentStatus `db:"status"`
	Result      JSONB       `db:"result"`
	Error       *string     `db:"error"`
	Metadata    JSONB       `db:"metadata"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
	CompletedAt *time.Time  `db:"completed_at"`
}

// HierarchyEdge records a parent/child relation. Redundant with
// Agent.ParentID but makes recursive hierarchy queries cheap.
type HierarchyEdge struct {
	ParentID  uuid.UUID `db:"parent_id"`
	ChildID   uuid.UUID `db:"child_id"`
	CreatedAt time.Time `db:"created_at"`
}

// BudgetAccount is the per-agent token ledger row.
//
// Invariants after every committed transaction:
//
//	used >= 0, reserved >= 0, used + reserved <= allocated
//
// and reserved(parent) carries allocated(child) for every live child until
// the child is reclaimed.
type BudgetAccount struct {
	AgentID   uuid.UUID `db:"agent_id"`
	Allocated int64     `db:"allocated"`
	Used      int64     `db:"used"`
	Reserved  int64     `db:"reserved"`
	Reclaimed bool      `db:"reclaimed"`
	Frozen    bool      `db:"frozen"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Available is the spendable remainder of the account.
func (b *BudgetAccount) Available() int64 {
	return b.Allocated - b.Used - b.Reserved
}

// Message is one inbox entry. Higher priority sorts first; within a priority
// level ordering is FIFO on created_at.
type Message struct {
	ID          uuid.UUID     `db:"id"`
	SenderID    uuid.UUID     `db:"sender_id"`
	RecipientID uuid.UUID     `db:"recipient_id"`
	Payload     JSONB         `db:"payload"`
	Priority    int           `db:"priority"`
	Status      MessageStatus `db:"status"`
	ThreadID    *uuid.UUID    `db:"thread_id"`
	CreatedAt   time.Time     `db:"created_at"`
	ProcessedAt *time.Time    `db:"processed_at"`
}

// Workspace records the isolated working copy owned by one agent. At most
// one row per agent.
type Workspace struct {
	AgentID   uuid.UUID       `db:"agent_id"`
	Path      string          `db:"path"`
	Branch    string          `db:"branch"`
	Status    WorkspaceStatus `db:"isolation_status"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

// WorkflowGraph is a DAG of agent templates.
type WorkflowGraph struct {
	ID               uuid.UUID        `db:"id"`
	Name             string           `db:"name"`
	Status           GraphStatus      `db:"status"`
	ValidationStatus ValidationStatus `db:"validation_status"`
	ValidationErrors JSONB            `db:"validation_errors"`
	CreatedAt        time.Time        `db:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at"`
	ValidatedAt      *time.Time       `db:"validated_at"`
	CompletedAt      *time.Time       `db:"completed_at"`
}

// WorkflowNode is one agent template inside a graph. Dependencies hold ids
// of sibling nodes that must complete before this node spawns.
type WorkflowNode struct {
	ID           uuid.UUID      `db:"id"`
	GraphID      uuid.UUID      `db:"graph_id"`
	AgentID      *uuid.UUID     `db:"agent_id"`
	Role         string         `db:"role"`
	Task         string         `db:"task"`
	Budget       int64          `db:"budget"`
	Dependencies pq.StringArray `db:"dependencies"`
	Status       NodeStatus     `db:"execution_status"`
	Result       JSONB          `db:"result"`
	ErrorMessage *string        `db:"error_message"`
	SpawnedAt    *time.Time     `db:"spawned_at"`
	CompletedAt  *time.Time     `db:"completed_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// DependencyIDs parses the stored dependency strings into UUIDs, skipping
// anything malformed. Validation reports malformed references separately.
func (n *WorkflowNode) DependencyIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(n.Dependencies))
	for _, d := range n.Dependencies {
		id, err := uuid.Parse(d)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// AgentFilter narrows ListAgents queries.
type AgentFilter struct {
	Status   *AgentStatus
	ParentID *uuid.UUID
	Role     *string
	Limit    int
	Offset   int
}
