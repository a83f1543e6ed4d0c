package fluxgraph

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, a Scheduler and a pool of
// Workers to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := fluxgraph.NewLocalRunner()
//	fluxgraph.New("my-flow").Trigger("start").Func("work", work).
//	    MustRegister(ctx, runner.Engine)
//
//	// Synchronous run (no worker involved):
//	exec, err := runner.Run(ctx, "my-flow", data)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	exec, err = runner.StartAsync(ctx, "my-flow", data)
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine *Engine

	// Scheduler fires cron schedules; it is ticked by the workers.
	Scheduler *scheduler.Scheduler

	// PollInterval is used by workers started after it is set.
	PollInterval time.Duration

	logger  *slog.Logger
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// with a debugger attached.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	logger := slog.Default()
	eng := NewInMemoryEngine(Config{Debugger: NewDebugger(), Logger: logger})
	return &LocalRunner{
		Engine:       eng,
		Scheduler:    scheduler.New(eng.Persistence().Schedules, eng, logger),
		PollInterval: 50 * time.Millisecond,
		logger:       logger,
	}
}

// Run creates an execution and drives it in the calling goroutine until it
// ends or blocks.
func (r *LocalRunner) Run(ctx context.Context, workflowID string, triggerData map[string]any) (*WorkflowExecution, error) {
	return Start(ctx, r.Engine, workflowID, triggerData)
}

// StartAsync creates a pending execution for the workers to pick up.
func (r *LocalRunner) StartAsync(ctx context.Context, workflowID string, triggerData map[string]any) (*WorkflowExecution, error) {
	return r.Engine.CreateExecution(ctx, workflowID, triggerData, CreateOptions{})
}

// SignalAsync records a signal; a worker delivers it on its next poll.
func (r *LocalRunner) SignalAsync(ctx context.Context, executionID, name string, payload map[string]any) error {
	_, err := r.Engine.EmitSignal(ctx, executionID, name, payload)
	return err
}

// StartWorkers starts 'concurrency' workers that poll until Stop is called.
// Only the first worker ticks the scheduler.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("fluxgraph: LocalRunner already started")
	}

	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for i := range concurrency {
		cfg := worker.Config{
			PollInterval:   r.PollInterval,
			RecoverOrphans: true,
			Logger:         r.logger,
		}
		if i == 0 {
			cfg.Scheduler = r.Scheduler
		}
		w := worker.New(r.Engine, cfg)
		go func() {
			defer r.wg.Done()
			_ = w.Run(ctx)
		}()
	}
	return nil
}

// Stop cancels all workers started by StartWorkers and waits for them to
// exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Wait polls until the execution reaches one of the given statuses, or any
// terminal status when none are given.
func (r *LocalRunner) Wait(ctx context.Context, executionID string, statuses ...Status) (*WorkflowExecution, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		exec, err := r.Engine.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 && exec.Status.IsTerminal() {
			return exec, nil
		}
		for _, s := range statuses {
			if exec.Status == s {
				return exec, nil
			}
		}
		select {
		case <-ctx.Done():
			return exec, ctx.Err()
		case <-ticker.C:
		}
	}
}
