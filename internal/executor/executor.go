// Package executor defines the contract between the orchestration kernel
// and the external LLM provider. The kernel only cares about the final
// output, token count, and finish reason; provider specifics (models,
// prompts, streaming transports) live behind this interface.
package executor

import (
	"context"

	"github.com/arbor-ai/arbor/internal/db"
)

// Result is the outcome of one agent execution.
type Result struct {
	Output       string
	TokensUsed   int64
	FinishReason string
}

// Chunk is one streamed fragment of agent output.
type Chunk struct {
	Content string
	Done    bool
}

// Sink consumes streamed chunks lazily. Implementations must not block for
// long; the executor may drop the stream on a slow sink.
type Sink func(Chunk)

// Executor runs a single agent's task to completion. Implementations must
// honor ctx cancellation and be retry-safe at the agent level: the kernel
// may re-invoke after a transient failure.
type Executor interface {
	Execute(ctx context.Context, agent *db.Agent) (*Result, error)
	ExecuteStreaming(ctx context.Context, agent *db.Agent, sink Sink) (*Result, error)
}

// NopExecutor acknowledges every agent without calling a provider. Used in
// tests and as the default until a provider adapter is configured.
type NopExecutor struct{}

func (NopExecutor) Execute(ctx context.Context, agent *db.Agent) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{Output: "", TokensUsed: 0, FinishReason: "noop"}, nil
}

func (NopExecutor) ExecuteStreaming(ctx context.Context, agent *db.Agent, sink Sink) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sink != nil {
		sink(Chunk{Done: true})
	}
	return &Result{Output: "", TokensUsed: 0, FinishReason: "noop"}, nil
}
