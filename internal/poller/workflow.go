package poller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/metrics"
	"github.com/arbor-ai/arbor/internal/workflow"
)

const pollerWorkflow = "workflow"

// WorkflowPoller reconciles executing workflow nodes against the status of
// their backing agents. It is the safety net behind the execution poller's
// direct notifications: any completion the engine missed is picked up here
// within one interval. All engine callbacks are idempotent, so double
// delivery is harmless.
type WorkflowPoller struct {
	engine    *workflow.Engine
	lifecycle *lifecycle.Service
	logger    *zap.Logger
	interval  time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWorkflowPoller creates the poller.
func NewWorkflowPoller(engine *workflow.Engine, lc *lifecycle.Service, logger *zap.Logger, interval time.Duration) *WorkflowPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WorkflowPoller{
		engine:    engine,
		lifecycle: lc,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the loop until Stop is called or ctx is cancelled.
func (p *WorkflowPoller) Start(ctx context.Context) {
	go p.run(ctx)
}

// Stop requests shutdown and waits for the loop to drain.
func (p *WorkflowPoller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *WorkflowPoller) run(ctx context.Context) {
	defer close(p.doneCh)
	p.logger.Info("Workflow poller started", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.logger.Info("Workflow poller stopped")
			return
		case <-ctx.Done():
			p.logger.Info("Workflow poller context cancelled")
			return
		case <-ticker.C:
			p.iterate(ctx)
		}
	}
}

func (p *WorkflowPoller) iterate(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.PollerIterations.WithLabelValues(pollerWorkflow).Inc()
		metrics.PollerIterationDuration.WithLabelValues(pollerWorkflow).Observe(time.Since(started).Seconds())
	}()

	graphs, err := p.engine.ActiveGraphs(ctx)
	if err != nil {
		metrics.PollerErrors.WithLabelValues(pollerWorkflow).Inc()
		p.logger.Error("Failed to list active graphs", zap.Error(err))
		return
	}

	for _, graph := range graphs {
		if err := p.reconcile(ctx, graph.ID); err != nil {
			metrics.PollerErrors.WithLabelValues(pollerWorkflow).Inc()
			p.logger.Error("Failed to reconcile graph",
				zap.String("graph_id", graph.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// reconcile walks the executing nodes of one graph and applies any agent
// outcome the engine has not seen yet.
func (p *WorkflowPoller) reconcile(ctx context.Context, graphID uuid.UUID) error {
	nodes, err := p.engine.Nodes(ctx, graphID)
	if err != nil {
		return err
	}

	for i := range nodes {
		node := &nodes[i]
		if node.Status != db.NodeExecuting || node.AgentID == nil {
			continue
		}

		agent, err := p.lifecycle.GetAgent(ctx, *node.AgentID)
		if err != nil {
			p.logger.Warn("Executing node references missing agent",
				zap.String("node_id", node.ID.String()),
				zap.String("agent_id", node.AgentID.String()),
				zap.Error(err),
			)
			continue
		}

		switch agent.Status {
		case db.AgentCompleted:
			if err := p.engine.OnNodeCompleted(ctx, agent.ID, agent.Result); err != nil {
				return err
			}
		case db.AgentFailed:
			errMsg := "agent failed"
			if agent.Error != nil {
				errMsg = *agent.Error
			}
			if err := p.engine.OnNodeFailed(ctx, agent.ID, errMsg); err != nil {
				return err
			}
		case db.AgentTerminated:
			if err := p.engine.OnNodeFailed(ctx, agent.ID, "agent terminated"); err != nil {
				return err
			}
		}
	}
	return nil
}
