// Package workspace manages the isolated working copy each agent owns. The
// actual VCS mechanics live behind the WorktreeDriver interface; the manager
// records outcomes in the workspaces table and ages out merged and deleted
// entries on a schedule.
package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/metrics"
)

// DiffOptions narrows Diff output.
type DiffOptions struct {
	// Staged limits the diff to staged changes.
	Staged bool
	// Paths limits the diff to the given paths.
	Paths []string
}

// WorktreeDriver abstracts the VCS layer that realizes isolation. A driver
// owns the on-disk layout; the manager only records what the driver reports.
type WorktreeDriver interface {
	Create(ctx context.Context, agentID uuid.UUID) (path, branch string, err error)
	Delete(ctx context.Context, agentID uuid.UUID, force bool) (bool, error)
	Diff(ctx context.Context, agentID uuid.UUID, opts DiffOptions) (string, error)
	Changed(ctx context.Context, agentID uuid.UUID) ([]string, error)
	ListAll(ctx context.Context) ([]string, error)
}

// CleanupPolicy configures the retention ages for scheduled cleanup.
type CleanupPolicy struct {
	MergedAge  time.Duration
	DeletedAge time.Duration
	Interval   time.Duration
}

// Manager records workspace state and runs retention cleanup.
type Manager struct {
	client *db.Client
	driver WorktreeDriver
	logger *zap.Logger
	policy CleanupPolicy

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager. Defaults: merged kept 7 days, deleted kept
// 1 day, cleanup hourly.
func NewManager(client *db.Client, driver WorktreeDriver, logger *zap.Logger, policy CleanupPolicy) *Manager {
	if policy.MergedAge <= 0 {
		policy.MergedAge = 7 * 24 * time.Hour
	}
	if policy.DeletedAge <= 0 {
		policy.DeletedAge = 24 * time.Hour
	}
	if policy.Interval <= 0 {
		policy.Interval = time.Hour
	}
	return &Manager{
		client: client,
		driver: driver,
		logger: logger,
		policy: policy,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Provision creates a working copy for the agent and records it active.
// Satisfies the lifecycle service's provisioner hook.
func (m *Manager) Provision(ctx context.Context, agentID uuid.UUID) error {
	path, branch, err := m.driver.Create(ctx, agentID)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceFailure, err)
	}

	now := time.Now().UTC()
	_, err = m.client.DB().ExecContext(ctx, `
		INSERT INTO workspaces (agent_id, path, branch, isolation_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, agentID, path, branch, db.WorkspaceActive, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: agent %s already owns a workspace", errdefs.ErrConflict, agentID)
		}
		return fmt.Errorf("failed to record workspace: %w", err)
	}

	metrics.WorkspacesCreated.Inc()
	m.logger.Info("Workspace provisioned",
		zap.String("agent_id", agentID.String()),
		zap.String("path", path),
		zap.String("branch", branch),
	)
	return nil
}

// Get loads the workspace owned by an agent.
func (m *Manager) Get(ctx context.Context, agentID uuid.UUID) (*db.Workspace, error) {
	var ws db.Workspace
	err := m.client.DB().GetContext(ctx, &ws, `SELECT * FROM workspaces WHERE agent_id = $1`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "workspace", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	return &ws, nil
}

// Diff returns the driver's diff for the agent's working copy.
func (m *Manager) Diff(ctx context.Context, agentID uuid.UUID, opts DiffOptions) (string, error) {
	if _, err := m.Get(ctx, agentID); err != nil {
		return "", err
	}
	out, err := m.driver.Diff(ctx, agentID, opts)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errdefs.ErrWorkspaceFailure, err)
	}
	return out, nil
}

// Changed lists paths modified in the agent's working copy.
func (m *Manager) Changed(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	if _, err := m.Get(ctx, agentID); err != nil {
		return nil, err
	}
	paths, err := m.driver.Changed(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrWorkspaceFailure, err)
	}
	return paths, nil
}

// UpdateStatus records a new isolation status for the workspace. Moving to
// deleted removes the working copy through the driver first.
func (m *Manager) UpdateStatus(ctx context.Context, agentID uuid.UUID, status db.WorkspaceStatus) error {
	if _, err := m.Get(ctx, agentID); err != nil {
		return err
	}

	if status == db.WorkspaceDeleted {
		if _, err := m.driver.Delete(ctx, agentID, false); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrWorkspaceFailure, err)
		}
	}

	_, err := m.client.DB().ExecContext(ctx, `
		UPDATE workspaces SET isolation_status = $2, updated_at = $3 WHERE agent_id = $1
	`, agentID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workspace status: %w", err)
	}
	return nil
}

// Cleanup removes workspace rows past their retention age: merged entries
// older than MergedAge and deleted entries older than DeletedAge. Driver
// deletion is forced for merged entries so leftover worktrees do not block.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale := []db.Workspace{}
	err := m.client.DB().SelectContext(ctx, &stale, `
		SELECT * FROM workspaces
		WHERE (isolation_status = $1 AND updated_at < $2)
		   OR (isolation_status = $3 AND updated_at < $4)
	`, db.WorkspaceMerged, now.Add(-m.policy.MergedAge),
		db.WorkspaceDeleted, now.Add(-m.policy.DeletedAge))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale workspaces: %w", err)
	}

	removed := 0
	for _, ws := range stale {
		if ws.Status == db.WorkspaceMerged {
			if _, err := m.driver.Delete(ctx, ws.AgentID, true); err != nil {
				m.logger.Warn("Failed to remove stale worktree",
					zap.String("agent_id", ws.AgentID.String()),
					zap.Error(err),
				)
				continue
			}
		}
		if _, err := m.client.DB().ExecContext(ctx,
			`DELETE FROM workspaces WHERE agent_id = $1`, ws.AgentID); err != nil {
			m.logger.Warn("Failed to delete workspace row",
				zap.String("agent_id", ws.AgentID.String()),
				zap.Error(err),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.WorkspacesCleaned.Add(float64(removed))
		m.logger.Info("Workspace cleanup removed entries", zap.Int("count", removed))
	}
	return removed, nil
}

// StartCleanup runs Cleanup on the configured interval until StopCleanup.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.policy.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Cleanup(ctx); err != nil {
					m.logger.Error("Scheduled workspace cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// StopCleanup stops the scheduled cleanup loop.
func (m *Manager) StopCleanup() {
	close(m.stopCh)
	<-m.doneCh
}
