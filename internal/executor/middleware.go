package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/arbor-ai/arbor/internal/circuitbreaker"
	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/errdefs"
)

// WithBreaker wraps an executor with a circuit breaker so repeated provider
// failures trip open instead of consuming agent budgets.
func WithBreaker(inner Executor, breaker *circuitbreaker.Breaker) Executor {
	return &breakerExecutor{inner: inner, breaker: breaker}
}

type breakerExecutor struct {
	inner   Executor
	breaker *circuitbreaker.Breaker
}

func (e *breakerExecutor) Execute(ctx context.Context, agent *db.Agent) (*Result, error) {
	var result *Result
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.inner.Execute(ctx, agent)
		return innerErr
	})
	if err != nil {
		return nil, wrapExecErr(err)
	}
	return result, nil
}

func (e *breakerExecutor) ExecuteStreaming(ctx context.Context, agent *db.Agent, sink Sink) (*Result, error) {
	var result *Result
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = e.inner.ExecuteStreaming(ctx, agent, sink)
		return innerErr
	})
	if err != nil {
		return nil, wrapExecErr(err)
	}
	return result, nil
}

// WithRateLimit wraps an executor with a token-bucket limiter on dispatch.
// Waits for a slot, honoring ctx cancellation.
func WithRateLimit(inner Executor, limiter *rate.Limiter) Executor {
	return &rateLimitedExecutor{inner: inner, limiter: limiter}
}

type rateLimitedExecutor struct {
	inner   Executor
	limiter *rate.Limiter
}

func (e *rateLimitedExecutor) Execute(ctx context.Context, agent *db.Agent) (*Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("executor dispatch rate limit: %w", err)
	}
	return e.inner.Execute(ctx, agent)
}

func (e *rateLimitedExecutor) ExecuteStreaming(ctx context.Context, agent *db.Agent, sink Sink) (*Result, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("executor dispatch rate limit: %w", err)
	}
	return e.inner.ExecuteStreaming(ctx, agent, sink)
}

func wrapExecErr(err error) error {
	return fmt.Errorf("%w: %v", errdefs.ErrExecutorFailure, err)
}
