// Package lifecycle creates agents, enforces their state machine, and walks
// the hierarchy. Spawn is atomic across agent insertion and budget
// allocation; workspace provisioning is best-effort after commit.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/events"
	"github.com/arbor-ai/arbor/internal/ledger"
	"github.com/arbor-ai/arbor/internal/metrics"
)

// WorkspaceProvisioner creates an isolated working copy for a freshly
// spawned agent. Failures are logged, never surfaced to the spawner.
type WorkspaceProvisioner interface {
	Provision(ctx context.Context, agentID uuid.UUID) error
}

// Options bound the hierarchy and default allocations.
type Options struct {
	MaxDepth      int
	DefaultBudget int64
}

// Service coordinates agent lifecycle with the ledger and workspaces.
type Service struct {
	client     *db.Client
	ledger     *ledger.Ledger
	events     *events.Manager
	workspaces WorkspaceProvisioner
	logger     *zap.Logger
	opts       Options
}

// SpawnRequest describes a new agent.
type SpawnRequest struct {
	Role     string
	Task     string
	Budget   int64
	ParentID *uuid.UUID
	Metadata db.JSONB
}

// TerminationReport summarizes a terminate cascade.
type TerminationReport struct {
	SubordinatesTerminated int
	BudgetReclaimed        int64
	At                     time.Time
}

// NewService creates the lifecycle service. workspaces may be nil when
// agents do not own storage.
func NewService(client *db.Client, ldgr *ledger.Ledger, evts *events.Manager, workspaces WorkspaceProvisioner, logger *zap.Logger, opts Options) *Service {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 5
	}
	if opts.DefaultBudget <= 0 {
		opts.DefaultBudget = 100000
	}
	return &Service{
		client:     client,
		ledger:     ldgr,
		events:     evts,
		workspaces: workspaces,
		logger:     logger,
		opts:       opts,
	}
}

// Spawn creates an agent in pending state together with its budget account.
// The whole operation commits or nothing does. Workspace creation happens
// after commit and cannot fail the spawn.
func (s *Service) Spawn(ctx context.Context, req SpawnRequest) (*db.Agent, error) {
	if strings.TrimSpace(req.Role) == "" {
		return nil, fmt.Errorf("%w: role must not be empty", errdefs.ErrValidation)
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("%w: task must not be empty", errdefs.ErrValidation)
	}
	if req.Budget < 0 {
		return nil, fmt.Errorf("%w: budget must not be negative, got %d", errdefs.ErrValidation, req.Budget)
	}
	budget := req.Budget
	if budget == 0 {
		budget = s.opts.DefaultBudget
	}

	agent := &db.Agent{
		ID:       uuid.New(),
		Role:     req.Role,
		Task:     req.Task,
		ParentID: req.ParentID,
		Status:   db.AgentPending,
		Metadata: req.Metadata,
	}

	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		if req.ParentID != nil {
			parent, err := getAgentTx(tx, *req.ParentID)
			if err != nil {
				return err
			}
			if parent.Depth+1 > s.opts.MaxDepth {
				return fmt.Errorf("%w: parent %s is at depth %d, limit %d",
					errdefs.ErrMaxDepthExceeded, parent.ID, parent.Depth, s.opts.MaxDepth)
			}
			agent.Depth = parent.Depth + 1
		}

		now := time.Now().UTC()
		agent.CreatedAt = now
		agent.UpdatedAt = now
		_, err := tx.Exec(`
			INSERT INTO agents (id, role, task, depth, parent_id, status, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, agent.ID, agent.Role, agent.Task, agent.Depth, agent.ParentID, agent.Status, agent.Metadata, now)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}

		if req.ParentID != nil {
			_, err = tx.Exec(`
				INSERT INTO hierarchies (parent_id, child_id, created_at) VALUES ($1, $2, $3)
			`, *req.ParentID, agent.ID, now)
			if err != nil {
				return fmt.Errorf("failed to insert hierarchy edge: %w", err)
			}
			_, err = s.ledger.AllocateChildTx(tx, *req.ParentID, agent.ID, budget)
		} else {
			_, err = s.ledger.OpenRootTx(tx, agent.ID, budget)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.AgentsSpawned.WithLabelValues(agent.Role).Inc()
	s.publish(events.Event{
		Topic:   agent.ID.String(),
		Type:    events.TypeAgentSpawned,
		AgentID: agent.ID.String(),
	})
	s.logger.Info("Spawned agent",
		zap.String("agent_id", agent.ID.String()),
		zap.String("role", agent.Role),
		zap.Int("depth", agent.Depth),
		zap.Int64("budget", budget),
	)

	if s.workspaces != nil {
		if wsErr := s.workspaces.Provision(ctx, agent.ID); wsErr != nil {
			s.logger.Warn("Workspace provisioning failed, agent continues without one",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(wsErr),
			)
		}
	}

	return agent, nil
}

// Start moves a pending agent to executing.
func (s *Service) Start(ctx context.Context, agentID uuid.UUID) error {
	return s.UpdateStatus(ctx, agentID, db.AgentExecuting, nil, nil)
}

// Complete moves an executing agent to completed, storing its result.
func (s *Service) Complete(ctx context.Context, agentID uuid.UUID, result db.JSONB) error {
	return s.UpdateStatus(ctx, agentID, db.AgentCompleted, result, nil)
}

// Fail moves an executing agent to failed, storing the error text.
func (s *Service) Fail(ctx context.Context, agentID uuid.UUID, errMsg string) error {
	return s.UpdateStatus(ctx, agentID, db.AgentFailed, nil, &errMsg)
}

// UpdateStatus applies one state machine transition. The current status is
// read and checked inside the same transaction, so transitions are
// linearizable per agent.
func (s *Service) UpdateStatus(ctx context.Context, agentID uuid.UUID, target db.AgentStatus, result db.JSONB, errMsg *string) error {
	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		agent, err := lockAgentTx(tx, agentID)
		if err != nil {
			return err
		}
		if !CanTransition(agent.Status, target) {
			return &errdefs.InvalidTransitionError{
				Entity: "agent",
				ID:     agentID.String(),
				From:   string(agent.Status),
				To:     string(target),
			}
		}

		now := time.Now().UTC()
		var completedAt *time.Time
		if target.Terminal() {
			completedAt = &now
		}
		_, err = tx.Exec(`
			UPDATE agents
			SET status = $2, result = COALESCE($3, result), error = COALESCE($4, error),
			    completed_at = COALESCE($5, completed_at), updated_at = $6
			WHERE id = $1
		`, agentID, target, result, errMsg, completedAt, now)
		if err != nil {
			return fmt.Errorf("failed to update agent status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(events.Event{
		Topic:   agentID.String(),
		Type:    eventTypeFor(target),
		AgentID: agentID.String(),
	})
	return nil
}

// Terminate walks the subtree rooted at agentID bottom-up, terminating each
// agent and reclaiming its budget. Best-effort per descendant: one failing
// agent is logged and skipped, the cascade continues.
func (s *Service) Terminate(ctx context.Context, agentID uuid.UUID, reason string) (*TerminationReport, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	descendants, err := s.Descendants(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// Deepest first, then the root of the cascade itself.
	order := make([]uuid.UUID, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		order = append(order, descendants[i].ID)
	}
	order = append(order, agentID)

	report := &TerminationReport{At: time.Now().UTC()}
	for _, id := range order {
		reclaimed, err := s.terminateOne(ctx, id, reason)
		if err != nil {
			s.logger.Warn("Failed to terminate subordinate, continuing cascade",
				zap.String("agent_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		report.BudgetReclaimed += reclaimed
		if id != agentID {
			report.SubordinatesTerminated++
		}
	}

	s.logger.Info("Termination cascade finished",
		zap.String("agent_id", agentID.String()),
		zap.String("reason", reason),
		zap.Int("subordinates", report.SubordinatesTerminated),
		zap.Int64("budget_reclaimed", report.BudgetReclaimed),
	)
	return report, nil
}

// terminateOne terminates a single agent and reclaims its budget in one
// transaction. Already-terminated agents and already-reclaimed accounts are
// skipped without error.
func (s *Service) terminateOne(ctx context.Context, agentID uuid.UUID, reason string) (int64, error) {
	var reclaimed int64
	var transitioned bool
	err := s.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		agent, err := lockAgentTx(tx, agentID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		// Assigned, not or-ed: the closure re-runs on serialization retry.
		transitioned = agent.Status != db.AgentTerminated
		if transitioned {
			_, err = tx.Exec(`
				UPDATE agents
				SET status = $2, error = COALESCE(error, $3), completed_at = COALESCE(completed_at, $4), updated_at = $4
				WHERE id = $1
			`, agentID, db.AgentTerminated, reason, now)
			if err != nil {
				return fmt.Errorf("failed to mark agent terminated: %w", err)
			}
		}

		if agent.ParentID != nil {
			record, err := s.ledger.ReclaimTx(tx, agentID)
			switch {
			case err == nil:
				reclaimed = record.Amount
			case errors.Is(err, errdefs.ErrConflict), errors.Is(err, errdefs.ErrNotFound):
				// Already reclaimed, or the agent never had an account.
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if transitioned {
		metrics.AgentsTerminated.Inc()
		s.publish(events.Event{
			Topic:   agentID.String(),
			Type:    events.TypeAgentTerminated,
			AgentID: agentID.String(),
			Message: reason,
		})
	}
	return reclaimed, nil
}

// GetAgent loads one agent.
func (s *Service) GetAgent(ctx context.Context, agentID uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := s.client.DB().GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = $1`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "agent", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return &agent, nil
}

// GetResult returns the stored result of a completed agent.
func (s *Service) GetResult(ctx context.Context, agentID uuid.UUID) (db.JSONB, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != db.AgentCompleted {
		return nil, fmt.Errorf("%w: agent %s is %s, result only available once completed",
			errdefs.ErrValidation, agentID, agent.Status)
	}
	return agent.Result, nil
}

// ListAgents returns agents matching the filter, newest first.
func (s *Service) ListAgents(ctx context.Context, filter db.AgentFilter) ([]db.Agent, error) {
	query := `SELECT * FROM agents WHERE 1=1`
	args := []interface{}{}
	idx := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.ParentID != nil {
		query += fmt.Sprintf(" AND parent_id = $%d", idx)
		args = append(args, *filter.ParentID)
		idx++
	}
	if filter.Role != nil {
		query += fmt.Sprintf(" AND role = $%d", idx)
		args = append(args, *filter.Role)
		idx++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	agents := []db.Agent{}
	if err := s.client.DB().SelectContext(ctx, &agents, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

func (s *Service) publish(evt events.Event) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}

func eventTypeFor(status db.AgentStatus) events.Type {
	switch status {
	case db.AgentExecuting:
		return events.TypeAgentStarted
	case db.AgentCompleted:
		return events.TypeAgentCompleted
	case db.AgentFailed:
		return events.TypeAgentFailed
	case db.AgentTerminated:
		return events.TypeAgentTerminated
	default:
		return events.TypeAgentSpawned
	}
}

func getAgentTx(tx *sqlx.Tx, agentID uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := tx.Get(&agent, `SELECT * FROM agents WHERE id = $1`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "agent", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return &agent, nil
}

func lockAgentTx(tx *sqlx.Tx, agentID uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := tx.Get(&agent, `SELECT * FROM agents WHERE id = $1 FOR UPDATE`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "agent", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to lock agent: %w", err)
	}
	return &agent, nil
}
