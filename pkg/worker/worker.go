package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/scheduler"
	"github.com/petrijr/fluxgraph/pkg/api"
)

const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 8
	DefaultBatchSize    = 16
	DefaultLeaseTTL     = 30 * time.Second
)

// Config controls how a Worker polls and dispatches.
type Config struct {
	// ID identifies the worker as a lease owner. Defaults to a random
	// "worker-<uuid>".
	ID string

	PollInterval time.Duration

	// Concurrency bounds how many nodes run at once across all claimed
	// executions.
	Concurrency int

	// BatchSize bounds how many executions are claimed per poll.
	BatchSize int

	LeaseTTL time.Duration

	// HeartbeatInterval is how often held leases are renewed while nodes
	// run. Defaults to a third of LeaseTTL.
	HeartbeatInterval time.Duration

	// Scheduler, when set, is ticked at the start of every poll.
	Scheduler *scheduler.Scheduler

	// RecoverOrphans releases leases of executions whose worker died and
	// records the recovery in the execution log.
	RecoverOrphans bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = "worker-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats summarises one poll.
type Stats struct {
	Fired     int
	TimedOut  int
	Delivered int
	Promoted  int
	Claimed   int
	Executed  int
	Halted    int
}

// Worker drives executions forward by polling the engine's store.
type Worker struct {
	engine *engine.Engine
	cfg    Config
	logger *slog.Logger
}

// New creates a new Worker.
func New(eng *engine.Engine, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		engine: eng,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "worker", "worker_id", cfg.ID),
	}
}

// ID returns the lease owner name of this worker.
func (w *Worker) ID() string { return w.cfg.ID }

// Run polls until ctx is cancelled. Poll errors are logged and do not stop
// the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"concurrency", w.cfg.Concurrency,
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one round of housekeeping and dispatch:
//
//   - fire due schedules
//   - fail executions past their deadline
//   - deliver pending signals
//   - promote pending executions while capacity allows
//   - claim runnable executions and run their current nodes
//
// Errors from individual steps are joined; a failing step does not prevent
// the rest of the round.
func (w *Worker) Poll(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		errs  []error
		err   error
	)
	now := w.engine.Now()

	if w.cfg.Scheduler != nil {
		if stats.Fired, err = w.cfg.Scheduler.Tick(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("tick schedules: %w", err))
		}
	}
	if stats.TimedOut, err = w.engine.SweepTimeouts(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sweep timeouts: %w", err))
	}
	if stats.Delivered, err = w.engine.DeliverSignals(ctx); err != nil {
		errs = append(errs, fmt.Errorf("deliver signals: %w", err))
	}
	if stats.Promoted, err = w.engine.PromotePending(ctx); err != nil {
		errs = append(errs, fmt.Errorf("promote pending: %w", err))
	}
	if w.cfg.RecoverOrphans {
		if _, err := w.engine.RecoverOrphaned(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recover orphans: %w", err))
		}
	}

	claimed, err := w.claim(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("claim: %w", err))
		return stats, errors.Join(errs...)
	}
	stats.Claimed = len(claimed)
	if len(claimed) > 0 {
		executed, halted := w.dispatch(ctx, claimed)
		stats.Executed, stats.Halted = executed, halted
	}
	return stats, errors.Join(errs...)
}

// claim leases runnable executions, retrying transient store errors.
func (w *Worker) claim(ctx context.Context) ([]*api.WorkflowExecution, error) {
	var out []*api.WorkflowExecution
	backoff := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = w.engine.Persistence().Executions.ClaimRunnable(ctx, w.cfg.ID, w.cfg.LeaseTTL, w.engine.Now(), w.cfg.BatchSize)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	return out, err
}

// dispatch runs every runnable node of the claimed executions on a bounded
// pool, renewing the leases until all nodes have returned, then releases
// them.
func (w *Worker) dispatch(ctx context.Context, claimed []*api.WorkflowExecution) (executed, halted int) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hbCtx, claimed)
	}()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)

	now := w.engine.Now()
	for _, exec := range claimed {
		for _, nodeID := range engine.RunnableNodes(exec, now) {
			if w.halted(ctx, exec, nodeID) {
				halted++
				continue
			}
			g.Go(func() error {
				if w.step(gctx, exec.ID, nodeID) {
					mu.Lock()
					executed++
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	stopHeartbeat()
	hb.Wait()
	w.release(claimed)
	return executed, halted
}

// step runs one node. It reports whether the engine accepted the step.
func (w *Worker) step(ctx context.Context, executionID, nodeID string) bool {
	res, err := w.engine.ExecuteNode(ctx, executionID, nodeID)
	switch {
	case err == nil:
		w.logger.Debug("node executed",
			"execution_id", executionID,
			"node_id", nodeID,
			"success", res.Success,
		)
		return true
	case errors.Is(err, api.ErrNodeNotRunnable), errors.Is(err, api.ErrExecutionTerminal):
		// Another worker or an operator got there first.
		return false
	default:
		w.logger.Error("execute node failed",
			"execution_id", executionID,
			"node_id", nodeID,
			"error", err,
		)
		return false
	}
}

// halted reports whether the debugger holds the node back. Reaching a
// breakpoint is recorded in the execution log.
func (w *Worker) halted(ctx context.Context, exec *api.WorkflowExecution, nodeID string) bool {
	dbg := w.engine.Debugger()
	if dbg == nil {
		return false
	}
	halt, hit := dbg.ShouldHalt(exec.ID, nodeID)
	if hit {
		if logs := w.engine.Persistence().Logs; logs != nil {
			entry := api.LogEntry{
				ExecutionID: exec.ID,
				At:          w.engine.Now(),
				Type:        api.EventBreakpointHit,
				NodeID:      nodeID,
			}
			if err := logs.AppendLog(ctx, entry); err != nil {
				w.logger.Warn("append breakpoint log failed", "execution_id", exec.ID, "error", err)
			}
		}
		w.logger.Info("breakpoint hit", "execution_id", exec.ID, "node_id", nodeID)
	}
	return halt
}

func (w *Worker) heartbeat(ctx context.Context, claimed []*api.WorkflowExecution) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, exec := range claimed {
				if err := w.engine.Persistence().Executions.RenewLease(ctx, exec.ID, w.cfg.ID, w.cfg.LeaseTTL, w.engine.Now()); err != nil && ctx.Err() == nil {
					w.logger.Warn("renew lease failed", "execution_id", exec.ID, "error", err)
				}
			}
		}
	}
}

// release gives up the leases. It runs on a fresh context so that a
// cancelled poll still hands its executions back.
func (w *Worker) release(claimed []*api.WorkflowExecution) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, exec := range claimed {
		if err := w.engine.Persistence().Executions.ReleaseLease(ctx, exec.ID, w.cfg.ID); err != nil {
			w.logger.Warn("release lease failed", "execution_id", exec.ID, "error", err)
		}
	}
}

// Drain polls until a round claims nothing and executes nothing, or until
// maxRounds is reached. It is meant for tests and one-shot CLI runs.
func (w *Worker) Drain(ctx context.Context, maxRounds int) (Stats, error) {
	var total Stats
	for range maxRounds {
		st, err := w.Poll(ctx)
		total.Fired += st.Fired
		total.TimedOut += st.TimedOut
		total.Delivered += st.Delivered
		total.Promoted += st.Promoted
		total.Claimed += st.Claimed
		total.Executed += st.Executed
		total.Halted += st.Halted
		if err != nil {
			return total, err
		}
		if st.Executed == 0 && st.Promoted == 0 && st.Delivered == 0 && st.Fired == 0 && st.TimedOut == 0 {
			return total, nil
		}
	}
	return total, nil
}
