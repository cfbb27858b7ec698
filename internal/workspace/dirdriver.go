package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const markerFile = ".arbor-workspace"

// DirDriver realizes isolation with plain per-agent directories under a
// shared root. It tracks changes against the marker file written at creation
// time, so Changed and Diff report files touched since the workspace was
// provisioned. Deployments that want branch-level isolation plug in a real
// VCS driver instead.
type DirDriver struct {
	root   string
	logger *zap.Logger
}

// NewDirDriver creates a driver rooted at the given directory.
func NewDirDriver(root string, logger *zap.Logger) *DirDriver {
	return &DirDriver{root: root, logger: logger}
}

func (d *DirDriver) path(agentID uuid.UUID) string {
	return filepath.Join(d.root, "agent-"+agentID.String())
}

// Create provisions the agent directory.
func (d *DirDriver) Create(ctx context.Context, agentID uuid.UUID) (string, string, error) {
	path := d.path(agentID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", "", fmt.Errorf("create workspace dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, markerFile), []byte(agentID.String()+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("write workspace marker: %w", err)
	}
	return path, "agent/" + agentID.String(), nil
}

// Delete removes the agent directory. Without force, a directory holding
// files beyond the marker is left in place and false is returned.
func (d *DirDriver) Delete(ctx context.Context, agentID uuid.UUID, force bool) (bool, error) {
	path := d.path(agentID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if !force {
		changed, err := d.Changed(ctx, agentID)
		if err != nil {
			return false, err
		}
		if len(changed) > 0 {
			d.logger.Warn("Workspace has uncollected changes, not deleting",
				zap.String("agent_id", agentID.String()),
				zap.Int("changed", len(changed)),
			)
			return false, nil
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return false, fmt.Errorf("remove workspace dir: %w", err)
	}
	return true, nil
}

// Changed lists files modified after the workspace marker was written.
func (d *DirDriver) Changed(ctx context.Context, agentID uuid.UUID) ([]string, error) {
	path := d.path(agentID)
	marker, err := os.Stat(filepath.Join(path, markerFile))
	if err != nil {
		return nil, fmt.Errorf("stat workspace marker: %w", err)
	}

	var changed []string
	err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || filepath.Base(p) == markerFile {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(marker.ModTime()) {
			rel, err := filepath.Rel(path, p)
			if err != nil {
				return err
			}
			changed = append(changed, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace dir: %w", err)
	}
	return changed, nil
}

// Diff summarizes changed files. Plain directories carry no base revision,
// so the output lists paths rather than content hunks.
func (d *DirDriver) Diff(ctx context.Context, agentID uuid.UUID, opts DiffOptions) (string, error) {
	changed, err := d.Changed(ctx, agentID)
	if err != nil {
		return "", err
	}
	if len(opts.Paths) > 0 {
		allowed := make(map[string]struct{}, len(opts.Paths))
		for _, p := range opts.Paths {
			allowed[p] = struct{}{}
		}
		filtered := changed[:0]
		for _, p := range changed {
			if _, ok := allowed[p]; ok {
				filtered = append(filtered, p)
			}
		}
		changed = filtered
	}

	var sb strings.Builder
	for _, p := range changed {
		sb.WriteString("M ")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// ListAll lists agent ids with a workspace directory under the root.
func (d *DirDriver) ListAll(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspace root: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if id, ok := strings.CutPrefix(entry.Name(), "agent-"); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
