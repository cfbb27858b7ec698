// Package errdefs defines the error kinds surfaced by the orchestration
// kernel. Components wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can branch with errors.Is / errors.As without depending on message
// text.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates inputs violate structural preconditions
	// (empty task, non-positive tokens, unknown role).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates a referenced agent, message, graph, budget
	// account, or workspace does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates the state machine rejects the
	// requested transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInsufficientBudget indicates a ledger rule would be violated.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrMaxDepthExceeded indicates the hierarchy depth limit is reached.
	ErrMaxDepthExceeded = errors.New("maximum hierarchy depth exceeded")

	// ErrConflict indicates a duplicate creation, e.g. two budget accounts
	// for one agent.
	ErrConflict = errors.New("conflict")

	// ErrWorkflowInvalid indicates a graph has cycles, dangling
	// dependencies, or no starting nodes. Non-retryable.
	ErrWorkflowInvalid = errors.New("workflow graph invalid")

	// ErrExecutorFailure indicates the external LLM call failed. Recorded
	// on the agent as a failure, not propagated past the poller.
	ErrExecutorFailure = errors.New("executor failure")

	// ErrWorkspaceFailure indicates the worktree driver failed. Logged;
	// never fails an agent spawn.
	ErrWorkspaceFailure = errors.New("workspace failure")
)

// InsufficientBudgetError reports a budget overrun with the account involved
// and the requested versus available token amounts.
type InsufficientBudgetError struct {
	Agent     string
	Required  int64
	Available int64
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget for agent %s: required %d, available %d",
		e.Agent, e.Required, e.Available)
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

// InvalidTransitionError reports a rejected state machine transition.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IsRetryable reports whether the kernel may retry the operation internally.
// Only transient store errors qualify; the db package classifies those.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// ErrTransientStore indicates a transaction deadlock or serialization
// failure. The db layer retries these with backoff before surfacing.
var ErrTransientStore = errors.New("transient store error")
