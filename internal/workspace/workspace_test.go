package workspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
)

var workspaceColumns = []string{
	"agent_id", "path", "branch", "isolation_status", "created_at", "updated_at",
}

type fakeDriver struct {
	createErr error
	deleteErr error
	deleted   []uuid.UUID
	forced    []bool
}

func (f *fakeDriver) Create(ctx context.Context, agentID uuid.UUID) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	return "/tmp/ws/" + agentID.String(), "agent/" + agentID.String(), nil
}

func (f *fakeDriver) Delete(ctx context.Context, agentID uuid.UUID, force bool) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	f.deleted = append(f.deleted, agentID)
	f.forced = append(f.forced, force)
	return true, nil
}

func (f *fakeDriver) Diff(ctx context.Context, agentID uuid.UUID, opts DiffOptions) (string, error) {
	return "M main.go\n", nil
}

func (f *fakeDriver) Changed(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	return []string{"main.go"}, nil
}

func (f *fakeDriver) ListAll(ctx context.Context) ([]string, error) { return nil, nil }

func newTestManager(t *testing.T, driver WorktreeDriver) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	client := db.NewClientFromDB(raw, zap.NewNop())
	return NewManager(client, driver, zap.NewNop(), CleanupPolicy{}), mock
}

func TestProvisionRecordsWorkspace(t *testing.T) {
	driver := &fakeDriver{}
	mgr, mock := newTestManager(t, driver)
	agentID := uuid.New()

	mock.ExpectExec("INSERT INTO workspaces").WillReturnResult(sqlmock.NewResult(0, 1))

	if err := mgr.Provision(context.Background(), agentID); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProvisionWrapsDriverFailure(t *testing.T) {
	driver := &fakeDriver{createErr: errors.New("disk full")}
	mgr, _ := newTestManager(t, driver)

	err := mgr.Provision(context.Background(), uuid.New())
	if !errors.Is(err, errdefs.ErrWorkspaceFailure) {
		t.Fatalf("expected ErrWorkspaceFailure, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	mgr, mock := newTestManager(t, &fakeDriver{})

	mock.ExpectQuery("SELECT \\* FROM workspaces WHERE agent_id =").
		WillReturnRows(sqlmock.NewRows(workspaceColumns))

	_, err := mgr.Get(context.Background(), uuid.New())
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatusToDeletedCallsDriver(t *testing.T) {
	driver := &fakeDriver{}
	mgr, mock := newTestManager(t, driver)
	agentID := uuid.New()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT \\* FROM workspaces WHERE agent_id =").
		WillReturnRows(sqlmock.NewRows(workspaceColumns).
			AddRow(agentID, "/tmp/ws", "agent/x", db.WorkspaceActive, now, now))
	mock.ExpectExec("UPDATE workspaces SET isolation_status =").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := mgr.UpdateStatus(context.Background(), agentID, db.WorkspaceDeleted); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if len(driver.deleted) != 1 || driver.deleted[0] != agentID {
		t.Errorf("driver.Delete not called for %s", agentID)
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	driver := &fakeDriver{}
	mgr, mock := newTestManager(t, driver)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	merged, deleted := uuid.New(), uuid.New()
	mock.ExpectQuery("SELECT \\* FROM workspaces").
		WillReturnRows(sqlmock.NewRows(workspaceColumns).
			AddRow(merged, "/tmp/a", "agent/a", db.WorkspaceMerged, old, old).
			AddRow(deleted, "/tmp/b", "agent/b", db.WorkspaceDeleted, old, old))
	mock.ExpectExec("DELETE FROM workspaces WHERE agent_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM workspaces WHERE agent_id =").
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	// Only the merged entry still has a worktree to force-remove.
	if len(driver.deleted) != 1 || driver.deleted[0] != merged {
		t.Errorf("driver deletions = %v, want [%s]", driver.deleted, merged)
	}
	if len(driver.forced) != 1 || !driver.forced[0] {
		t.Error("stale merged worktree removal should be forced")
	}
}

func TestCleanupSkipsEntryOnDriverFailure(t *testing.T) {
	driver := &fakeDriver{deleteErr: errors.New("busy")}
	mgr, mock := newTestManager(t, driver)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectQuery("SELECT \\* FROM workspaces").
		WillReturnRows(sqlmock.NewRows(workspaceColumns).
			AddRow(uuid.New(), "/tmp/a", "agent/a", db.WorkspaceMerged, old, old))

	removed, err := mgr.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 when the driver refuses", removed)
	}
}
