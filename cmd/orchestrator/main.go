// Command orchestrator runs the agent orchestration runtime: the shared
// store, both background pollers, the workspace cleanup loop, and the
// Prometheus listener. It shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/arbor-ai/arbor/internal/circuitbreaker"
	"github.com/arbor-ai/arbor/internal/config"
	"github.com/arbor-ai/arbor/internal/db"
	"github.com/arbor-ai/arbor/internal/events"
	"github.com/arbor-ai/arbor/internal/executor"
	"github.com/arbor-ai/arbor/internal/ledger"
	"github.com/arbor-ai/arbor/internal/lifecycle"
	"github.com/arbor-ai/arbor/internal/poller"
	"github.com/arbor-ai/arbor/internal/queue"
	"github.com/arbor-ai/arbor/internal/workflow"
	"github.com/arbor-ai/arbor/internal/workspace"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	client, err := db.NewClient(&db.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxConnections:  cfg.Database.MaxConnections,
		IdleConnections: cfg.Database.IdleConnections,
		MaxLifetime:     cfg.Database.MaxLifetime,
	}, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer client.Close()

	if err := client.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	evts := events.NewManager(256)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		evts.SetSink(events.NewRedisSink(rdb, logger))
		defer rdb.Close()
	}

	ldgr := ledger.New(client, logger)

	var wsManager *workspace.Manager
	var provisioner lifecycle.WorkspaceProvisioner
	if driver := buildDriver(cfg.Workspace, logger); driver != nil {
		wsManager = workspace.NewManager(client, driver, logger, workspace.CleanupPolicy{
			MergedAge:  time.Duration(cfg.Workspace.MergedAgeDays) * 24 * time.Hour,
			DeletedAge: time.Duration(cfg.Workspace.DeletedAgeDays) * 24 * time.Hour,
			Interval:   cfg.Workspace.CleanupInterval,
		})
		provisioner = wsManager
	}

	lc := lifecycle.NewService(client, ldgr, evts, provisioner, logger, lifecycle.Options{
		MaxDepth:      cfg.Hierarchy.MaxDepth,
		DefaultBudget: cfg.Hierarchy.DefaultBudget,
	})
	engine := workflow.NewEngine(client, lc, evts, logger)
	q := queue.New(client, evts, logger)

	exec := buildExecutor(cfg.Poller, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Queue.RetentionDays > 0 {
		go runRetention(ctx, q, cfg.Queue.RetentionDays, logger)
	}

	execPoller := poller.NewExecutionPoller(lc, ldgr, engine, exec, logger, cfg.Poller.ExecInterval)
	wfPoller := poller.NewWorkflowPoller(engine, lc, logger, cfg.Poller.WorkflowInterval)
	execPoller.Start(ctx)
	wfPoller.Start(ctx)
	if wsManager != nil {
		wsManager.StartCleanup(ctx)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("Metrics listener started", zap.Int("port", cfg.Metrics.Port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Orchestrator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	execPoller.Stop()
	wfPoller.Stop()
	if wsManager != nil {
		wsManager.StopCleanup()
	}
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics listener shutdown failed", zap.Error(err))
		}
	}

	logger.Info("Orchestrator stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildExecutor wires the configured executor behind its middleware. The
// default binary ships with the no-op executor; deployments swap in a real
// provider adapter here.
func buildExecutor(cfg config.PollerConfig, logger *zap.Logger) executor.Executor {
	var exec executor.Executor = executor.NopExecutor{}

	breaker := circuitbreaker.New("executor", circuitbreaker.DefaultConfig(), logger)
	exec = executor.WithBreaker(exec, breaker)

	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		exec = executor.WithRateLimit(exec, rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst))
	}
	return exec
}

// runRetention purges processed messages older than the retention window,
// once an hour until the context is cancelled.
func runRetention(ctx context.Context, q *queue.Queue, retentionDays int, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			if _, err := q.PurgeProcessedBefore(ctx, cutoff); err != nil {
				logger.Warn("Message retention purge failed", zap.Error(err))
			}
		}
	}
}

// buildDriver returns the workspace driver, or nil when no workspace root is
// configured.
func buildDriver(cfg config.WorkspaceConfig, logger *zap.Logger) workspace.WorktreeDriver {
	if cfg.Root == "" {
		return nil
	}
	return workspace.NewDirDriver(cfg.Root, logger)
}
