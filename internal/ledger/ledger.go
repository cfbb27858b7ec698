// Package ledger implements the hierarchical token budget accounts. Tokens
// flow strictly parent to child: a child allocation reserves tokens on the
// parent, and reclamation returns the unused remainder. Conservation is a
// database invariant enforced inside serializable transactions with row
// locks on the parent account, never an in-memory one.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/metrics"
)

// Ledger manages budget accounts against the shared store.
type Ledger struct {
	client *db.Client
	logger *zap.Logger
}

// ReclaimRecord reports the outcome of a reclamation.
type ReclaimRecord struct {
	Parent *db.BudgetAccount
	Child  *db.BudgetAccount
	Amount int64
}

// HierarchyEntry pairs an account with its depth below the queried root.
type HierarchyEntry struct {
	Account db.BudgetAccount
	Depth   int
}

// New creates a ledger over the shared database client.
func New(client *db.Client, logger *zap.Logger) *Ledger {
	return &Ledger{client: client, logger: logger}
}

// OpenRoot creates the account for a root agent. Fails with ErrValidation on
// non-positive tokens and ErrConflict if the agent already has an account.
func (l *Ledger) OpenRoot(ctx context.Context, agentID uuid.UUID, tokens int64) (*db.BudgetAccount, error) {
	var account *db.BudgetAccount
	err := l.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		account, err = l.OpenRootTx(tx, agentID, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// OpenRootTx is the transactional body of OpenRoot, used by lifecycle spawn
// to commit agent creation and budget opening atomically.
func (l *Ledger) OpenRootTx(tx *sqlx.Tx, agentID uuid.UUID, tokens int64) (*db.BudgetAccount, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: allocation must be positive, got %d", errdefs.ErrValidation, tokens)
	}

	account := &db.BudgetAccount{
		AgentID:   agentID,
		Allocated: tokens,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := tx.Exec(`
		INSERT INTO budgets (agent_id, allocated, used, reserved, reclaimed, frozen, created_at, updated_at)
		VALUES ($1, $2, 0, 0, FALSE, FALSE, $3, $3)
	`, account.AgentID, account.Allocated, account.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: budget account already exists for agent %s", errdefs.ErrConflict, agentID)
		}
		return nil, fmt.Errorf("failed to open root account: %w", err)
	}

	metrics.TokensAllocated.Add(float64(tokens))
	l.logger.Info("Opened root budget account",
		zap.String("agent_id", agentID.String()),
		zap.Int64("allocated", tokens),
	)
	return account, nil
}

// AllocateChild carves tokens out of the parent's available balance for a
// new child account. The availability check and the reservation increment
// happen under a row lock on the parent, so concurrent allocations against
// the same parent serialize.
func (l *Ledger) AllocateChild(ctx context.Context, parentID, childID uuid.UUID, tokens int64) (*db.BudgetAccount, error) {
	var account *db.BudgetAccount
	err := l.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		account, err = l.AllocateChildTx(tx, parentID, childID, tokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// AllocateChildTx is the transactional body of AllocateChild.
func (l *Ledger) AllocateChildTx(tx *sqlx.Tx, parentID, childID uuid.UUID, tokens int64) (*db.BudgetAccount, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: allocation must be positive, got %d", errdefs.ErrValidation, tokens)
	}

	parent, err := lockAccount(tx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Frozen {
		return nil, fmt.Errorf("%w: account %s is frozen", errdefs.ErrValidation, parentID)
	}
	if parent.Available() < tokens {
		metrics.BudgetRejections.Inc()
		return nil, &errdefs.InsufficientBudgetError{
			Agent:     parentID.String(),
			Required:  tokens,
			Available: parent.Available(),
		}
	}

	now := time.Now().UTC()
	child := &db.BudgetAccount{
		AgentID:   childID,
		Allocated: tokens,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.Exec(`
		INSERT INTO budgets (agent_id, allocated, used, reserved, reclaimed, frozen, created_at, updated_at)
		VALUES ($1, $2, 0, 0, FALSE, FALSE, $3, $3)
	`, child.AgentID, child.Allocated, now)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: budget account already exists for agent %s", errdefs.ErrConflict, childID)
		}
		return nil, fmt.Errorf("failed to create child account: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE budgets SET reserved = reserved + $2, updated_at = $3 WHERE agent_id = $1
	`, parentID, tokens, now)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve on parent account: %w", err)
	}

	metrics.TokensAllocated.Add(float64(tokens))
	l.logger.Info("Allocated child budget",
		zap.String("parent_id", parentID.String()),
		zap.String("child_id", childID.String()),
		zap.Int64("tokens", tokens),
	)
	return child, nil
}

// Consume records token usage against an account. Rejected when the account
// is frozen or when used + reserved + tokens would exceed the allocation.
func (l *Ledger) Consume(ctx context.Context, agentID uuid.UUID, tokens int64) (*db.BudgetAccount, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: consumption must be positive, got %d", errdefs.ErrValidation, tokens)
	}

	var account *db.BudgetAccount
	err := l.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		acct, err := lockAccount(tx, agentID)
		if err != nil {
			return err
		}
		if acct.Frozen {
			return fmt.Errorf("%w: account %s is frozen", errdefs.ErrValidation, agentID)
		}
		if acct.Used+acct.Reserved+tokens > acct.Allocated {
			metrics.BudgetRejections.Inc()
			return &errdefs.InsufficientBudgetError{
				Agent:     agentID.String(),
				Required:  tokens,
				Available: acct.Available(),
			}
		}

		now := time.Now().UTC()
		_, err = tx.Exec(`
			UPDATE budgets SET used = used + $2, updated_at = $3 WHERE agent_id = $1
		`, agentID, tokens, now)
		if err != nil {
			return fmt.Errorf("failed to record consumption: %w", err)
		}
		acct.Used += tokens
		acct.UpdatedAt = now
		account = acct
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TokensConsumed.Add(float64(tokens))
	return account, nil
}

// Reclaim returns a child's unused allocation (allocated - used) to its
// parent's available pool and marks the child reclaimed. Idempotency is
// protected by the reclaimed flag: a second call fails with ErrConflict.
func (l *Ledger) Reclaim(ctx context.Context, childID uuid.UUID) (*ReclaimRecord, error) {
	var record *ReclaimRecord
	err := l.client.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		record, err = l.ReclaimTx(tx, childID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ReclaimTx is the transactional body of Reclaim. The parent row is locked
// before the child so that concurrent allocate/reclaim against one parent
// never deadlock.
func (l *Ledger) ReclaimTx(tx *sqlx.Tx, childID uuid.UUID) (*ReclaimRecord, error) {
	var parentID uuid.UUID
	err := tx.Get(&parentID, `SELECT parent_id FROM agents WHERE id = $1 AND parent_id IS NOT NULL`, childID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s has no parent to reclaim to", errdefs.ErrValidation, childID)
		}
		return nil, fmt.Errorf("failed to resolve parent: %w", err)
	}

	parent, err := lockAccount(tx, parentID)
	if err != nil {
		return nil, err
	}
	child, err := lockAccount(tx, childID)
	if err != nil {
		return nil, err
	}
	if child.Reclaimed {
		return nil, fmt.Errorf("%w: account %s already reclaimed", errdefs.ErrConflict, childID)
	}

	unused := child.Allocated - child.Used
	now := time.Now().UTC()

	_, err = tx.Exec(`
		UPDATE budgets SET reserved = reserved - $2, updated_at = $3 WHERE agent_id = $1
	`, parentID, unused, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release reservation: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE budgets SET reclaimed = TRUE, updated_at = $2 WHERE agent_id = $1
	`, childID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark account reclaimed: %w", err)
	}

	parent.Reserved -= unused
	parent.UpdatedAt = now
	child.Reclaimed = true
	child.UpdatedAt = now

	metrics.TokensReclaimed.Add(float64(unused))
	l.logger.Info("Reclaimed child budget",
		zap.String("parent_id", parentID.String()),
		zap.String("child_id", childID.String()),
		zap.Int64("unused", unused),
	)
	return &ReclaimRecord{Parent: parent, Child: child, Amount: unused}, nil
}

// AccountOf returns the account row for an agent.
func (l *Ledger) AccountOf(ctx context.Context, agentID uuid.UUID) (*db.BudgetAccount, error) {
	var acct db.BudgetAccount
	err := l.client.DB().GetContext(ctx, &acct, `
		SELECT agent_id, allocated, used, reserved, reclaimed, frozen, created_at, updated_at
		FROM budgets WHERE agent_id = $1
	`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "budget account", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

// AvailableOf returns allocated - used - reserved for an agent.
func (l *Ledger) AvailableOf(ctx context.Context, agentID uuid.UUID) (int64, error) {
	acct, err := l.AccountOf(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}

// HierarchyOf returns the accounts of the subtree rooted at root, breadth
// ordered, down to maxDepth levels below the root.
func (l *Ledger) HierarchyOf(ctx context.Context, rootID uuid.UUID, maxDepth int) ([]HierarchyEntry, error) {
	rows := []struct {
		db.BudgetAccount
		TreeDepth int `db:"tree_depth"`
	}{}
	err := l.client.DB().SelectContext(ctx, &rows, `
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS tree_depth FROM agents WHERE id = $1
			UNION ALL
			SELECT h.child_id, s.tree_depth + 1
			FROM hierarchies h
			JOIN subtree s ON h.parent_id = s.id
			WHERE s.tree_depth < $2
		)
		SELECT b.agent_id, b.allocated, b.used, b.reserved, b.reclaimed, b.frozen,
		       b.created_at, b.updated_at, s.tree_depth
		FROM subtree s
		JOIN budgets b ON b.agent_id = s.id
		ORDER BY s.tree_depth, b.created_at
	`, rootID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget hierarchy: %w", err)
	}

	entries := make([]HierarchyEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, HierarchyEntry{Account: r.BudgetAccount, Depth: r.TreeDepth})
	}
	return entries, nil
}

// Freeze blocks further consumption and child allocation on an account.
func (l *Ledger) Freeze(ctx context.Context, agentID uuid.UUID) error {
	return l.setFrozen(ctx, agentID, true)
}

// Unfreeze lifts a freeze.
func (l *Ledger) Unfreeze(ctx context.Context, agentID uuid.UUID) error {
	return l.setFrozen(ctx, agentID, false)
}

func (l *Ledger) setFrozen(ctx context.Context, agentID uuid.UUID, frozen bool) error {
	res, err := l.client.DB().ExecContext(ctx, `
		UPDATE budgets SET frozen = $2, updated_at = $3 WHERE agent_id = $1
	`, agentID, frozen, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update freeze flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errdefs.NotFoundError{Entity: "budget account", ID: agentID.String()}
	}
	return nil
}

// lockAccount reads an account row FOR UPDATE inside tx.
func lockAccount(tx *sqlx.Tx, agentID uuid.UUID) (*db.BudgetAccount, error) {
	var acct db.BudgetAccount
	err := tx.Get(&acct, `
		SELECT agent_id, allocated, used, reserved, reclaimed, frozen, created_at, updated_at
		FROM budgets WHERE agent_id = $1 FOR UPDATE
	`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &errdefs.NotFoundError{Entity: "budget account", ID: agentID.String()}
		}
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &acct, nil
}
