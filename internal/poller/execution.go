// Package poller contains the two background loops that advance agents and
// workflows: the execution poller promotes pending agents through the
// executor, and the workflow poller feeds agent outcomes back into the
// workflow engine. Each loop runs until its stop channel closes; a stop takes
// effect at most one interval after it is requested, and in-flight work is
// allowed to finish.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
	"github.com/arbor-ai/arbor/internal/executor"
	"github.com/arbor-ai/arbor/internal/ledger"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/metrics"
	"github.com/arbor-ai/arbor/internal/workflow"
)

const pollerExecution = "execution"

// ExecutionPoller drives pending agents through the executor. Each iteration
// lists pending agents, transitions each to executing, invokes the executor,
// records token consumption, and stores the terminal state. Workflow-bound
// agents additionally notify the engine.
type ExecutionPoller struct {
	lifecycle *lifecycle.Service
	ledger    *ledger.Ledger
	engine    *workflow.Engine
	exec      executor.Executor
	logger    *zap.Logger
	interval  time.Duration
	batchSize int

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewExecutionPoller creates the poller. engine may be nil when no workflows
// run in this process.
func NewExecutionPoller(lc *lifecycle.Service, ldgr *ledger.Ledger, engine *workflow.Engine, exec executor.Executor, logger *zap.Logger, interval time.Duration) *ExecutionPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ExecutionPoller{
		lifecycle: lc,
		ledger:    ldgr,
		engine:    engine,
		exec:      exec,
		logger:    logger,
		interval:  interval,
		batchSize: 10,
		inFlight:  make(map[uuid.UUID]struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the loop until Stop is called or ctx is cancelled.
func (p *ExecutionPoller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop requests shutdown and waits for the loop to drain.
func (p *ExecutionPoller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *ExecutionPoller) run(ctx context.Context) {
	defer close(p.doneCh)
	p.logger.Info("Execution poller started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.logger.Info("Execution poller stopped")
			return
		case <-ctx.Done():
			p.logger.Info("Execution poller context cancelled")
			return
		case <-ticker.C:
			p.iterate(ctx)
		}
	}
}

func (p *ExecutionPoller) iterate(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.PollerIterations.WithLabelValues(pollerExecution).Inc()
		metrics.PollerIterationDuration.WithLabelValues(pollerExecution).Observe(time.Since(started).Seconds())
	}()

	status := db.AgentPending
	agents, err := p.lifecycle.ListAgents(ctx, db.AgentFilter{Status: &status, Limit: p.batchSize})
	if err != nil {
		metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
		p.logger.Error("Failed to list pending agents", zap.Error(err))
		return
	}

	for i := range agents {
		agent := agents[i]
		if !p.claim(agent.ID) {
			continue
		}
		go func() {
			defer p.release(agent.ID)
			p.execute(ctx, &agent)
		}()
	}
}

// execute runs one agent end to end. Failures are recorded on the agent and
// never stop the loop.
func (p *ExecutionPoller) execute(ctx context.Context, agent *db.Agent) {
	if err := p.lifecycle.Start(ctx, agent.ID); err != nil {
		// Another worker or a terminate raced us; skip quietly.
		if !errors.Is(err, errdefs.ErrInvalidTransition) {
			metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
			p.logger.Error("Failed to start agent",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err),
			)
		}
		return
	}

	started := time.Now()
	result, execErr := p.exec.Execute(ctx, agent)

	if execErr != nil {
		metrics.AgentExecutionDuration.WithLabelValues(string(db.AgentFailed)).Observe(time.Since(started).Seconds())
		p.finishFailed(ctx, agent.ID, execErr.Error())
		return
	}

	if result.TokensUsed > 0 {
		if _, err := p.ledger.Consume(ctx, agent.ID, result.TokensUsed); err != nil {
			p.logger.Error("Failed to record token consumption",
				zap.String("agent_id", agent.ID.String()),
				zap.Int64("tokens", result.TokensUsed),
				zap.Error(err),
			)
			p.finishFailed(ctx, agent.ID, "budget accounting failed: "+err.Error())
			return
		}
	}

	metrics.AgentExecutionDuration.WithLabelValues(string(db.AgentCompleted)).Observe(time.Since(started).Seconds())
	payload := db.JSONB{
		"output":        result.Output,
		"tokens_used":   result.TokensUsed,
		"finish_reason": result.FinishReason,
	}
	if err := p.lifecycle.Complete(ctx, agent.ID, payload); err != nil {
		metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
		p.logger.Error("Failed to complete agent",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err),
		)
		return
	}

	if p.engine != nil {
		if err := p.engine.OnNodeCompleted(ctx, agent.ID, payload); err != nil {
			metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
			p.logger.Error("Workflow continuation failed",
				zap.String("agent_id", agent.ID.String()),
				zap.Error(err),
			)
		}
	}
}

func (p *ExecutionPoller) finishFailed(ctx context.Context, agentID uuid.UUID, errMsg string) {
	if err := p.lifecycle.Fail(ctx, agentID, errMsg); err != nil {
		metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
		p.logger.Error("Failed to mark agent failed",
			zap.String("agent_id", agentID.String()),
			zap.Error(err),
		)
		return
	}
	if p.engine != nil {
		if err := p.engine.OnNodeFailed(ctx, agentID, errMsg); err != nil {
			metrics.PollerErrors.WithLabelValues(pollerExecution).Inc()
			p.logger.Error("Workflow failure propagation failed",
				zap.String("agent_id", agentID.String()),
				zap.Error(err),
			)
		}
	}
}

// claim marks an agent as in flight. The set only prevents this poller from
// racing itself between iterations; correctness is carried by the state
// machine transition inside the store.
func (p *ExecutionPoller) claim(agentID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[agentID]; busy {
		return false
	}
	p.inFlight[agentID] = struct{}{}
	return true
}

func (p *ExecutionPoller) release(agentID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, agentID)
}
