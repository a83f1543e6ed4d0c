// Package engine implements the durable execution engine.
//
// Every transition reads the execution from the store, mutates it and writes
// it back with an optimistic version check. Nothing in this package keeps
// execution state between calls, so any number of engines may share a store.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/fluxgraph/internal/activity"
	"github.com/petrijr/fluxgraph/internal/cache"
	"github.com/petrijr/fluxgraph/internal/debugger"
	"github.com/petrijr/fluxgraph/internal/idempotency"
	"github.com/petrijr/fluxgraph/internal/limits"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// DefaultIdempotencyWindow is how long an idempotency key maps to the same
// execution when Config.IdempotencyWindow is zero.
const DefaultIdempotencyWindow = 24 * time.Hour

// RecoveryStrategy is consulted once when a node has exhausted its retries.
// Returning handled=true replaces the failure with res; the call counts as
// one more attempt.
type RecoveryStrategy func(ctx context.Context, exec *api.WorkflowExecution, node api.Node, cause error) (res api.NodeExecutionResult, handled bool)

// Config describes how to construct an Engine. Only Persistence is required.
type Config struct {
	Persistence persistence.Persistence
	Registry    *activity.Registry
	Observer    api.Observer
	Logger      *slog.Logger

	// Guard deduplicates CreateExecution calls that carry an idempotency
	// key. Defaults to a guard on Persistence.Keys, or an in-process guard
	// when the persistence has no key store.
	Guard             idempotency.Guard
	IdempotencyWindow time.Duration

	Limits limits.Config

	// Cache, when set, serves GetExecution reads. Writes always go to the
	// store and invalidate the entry.
	Cache    *cache.ExecutionCache
	Debugger *debugger.Store

	Recovery RecoveryStrategy

	// CascadeTerminate terminates running child executions together with
	// their parent.
	CascadeTerminate bool

	// ConflictRetries bounds how often a transition is re-applied after an
	// optimistic concurrency conflict. Defaults to 10.
	ConflictRetries uint64

	Clock func() time.Time
}

// Engine is the durable workflow execution engine.
type Engine struct {
	store    persistence.Persistence
	registry *activity.Registry
	eval     *activity.Evaluator
	observer api.Observer
	logger   *slog.Logger
	guard    idempotency.Guard
	window   time.Duration
	limiter  *limits.Limiter
	cache    *cache.ExecutionCache
	debugger *debugger.Store
	recovery RecoveryStrategy
	cascade  bool
	retries  uint64
	clock    func() time.Time
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	reg := cfg.Registry
	if reg == nil {
		reg = activity.NewDefaultRegistry()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	guard := cfg.Guard
	if guard == nil {
		if cfg.Persistence.Keys != nil {
			guard = idempotency.NewStoreGuard(cfg.Persistence.Keys, clock)
		} else {
			guard = idempotency.NewMemoryGuard().WithClock(clock)
		}
	}
	window := cfg.IdempotencyWindow
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	retries := cfg.ConflictRetries
	if retries == 0 {
		retries = 10
	}
	logger = logger.With("component", "engine")

	return &Engine{
		store:    cfg.Persistence,
		registry: reg,
		eval:     reg.Evaluator(),
		observer: obs,
		logger:   logger,
		guard:    guard,
		window:   window,
		limiter:  limits.NewLimiter(cfg.Limits, cfg.Persistence.Executions, logger),
		cache:    cfg.Cache,
		debugger: cfg.Debugger,
		recovery: cfg.Recovery,
		cascade:  cfg.CascadeTerminate,
		retries:  retries,
		clock:    clock,
	}
}

// NewInMemoryEngine returns an engine backed by a go-memdb store.
func NewInMemoryEngine(cfg Config) *Engine {
	cfg.Persistence = persistence.FromStore(persistence.NewInMemoryStore())
	return New(cfg)
}

// NewSQLiteEngine returns an engine storing everything in db.
func NewSQLiteEngine(db *sql.DB, cfg Config) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	return New(cfg), nil
}

// NewPostgresEngine returns an engine storing everything in db.
func NewPostgresEngine(db *sql.DB, cfg Config) (*Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	cfg.Persistence = persistence.FromStore(store)
	return New(cfg), nil
}

// Registry returns the handler registry.
func (e *Engine) Registry() *activity.Registry { return e.registry }

// Debugger returns the process-local debugger store, or nil.
func (e *Engine) Debugger() *debugger.Store { return e.debugger }

// Limiter returns the resource limiter.
func (e *Engine) Limiter() *limits.Limiter { return e.limiter }

// Persistence returns the stores the engine uses.
func (e *Engine) Persistence() persistence.Persistence { return e.store }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.clock() }

func (e *Engine) RegisterWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return api.WorkflowDefinition{}, err
	}
	if err := e.validateNodes(def); err != nil {
		return api.WorkflowDefinition{}, err
	}

	versions, err := e.store.Workflows.ListWorkflowVersions(ctx, def.ID)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if def.Version == 0 {
		def.Version = 1
		if len(versions) > 0 {
			def.Version = versions[len(versions)-1] + 1
		}
	}
	for _, v := range versions {
		if v == def.Version {
			return api.WorkflowDefinition{}, fmt.Errorf("workflow %q version %d already registered", def.ID, def.Version)
		}
	}

	if err := e.store.Workflows.SaveWorkflow(ctx, def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	e.logger.Info("workflow registered", "workflow_id", def.ID, "version", def.Version, "nodes", len(def.Nodes))
	return def, nil
}

func (e *Engine) validateNodes(def api.WorkflowDefinition) error {
	for _, n := range def.Nodes {
		switch n.Type {
		case api.NodeSubWorkflow:
			if s, _ := n.Config["workflow_id"].(string); s == "" {
				return api.NewValidationError(n.ID, `sub_workflow node requires "workflow_id"`)
			}
		case api.NodeWaitSignal:
			if s, _ := n.Config["signal"].(string); s == "" {
				return api.NewValidationError(n.ID, `wait_signal node requires "signal"`)
			}
		case api.NodeJoin:
			if _, _, err := joinPolicy(n); err != nil {
				return err
			}
		default:
			if !e.registry.Has(n.Type) {
				return api.NewValidationError(n.ID, fmt.Sprintf("%v: %q", api.ErrUnknownNodeType, n.Type))
			}
		}
		if err := api.ValidateTemplates(n.Config); err != nil {
			return api.NewValidationError(n.ID, err.Error())
		}
	}
	return nil
}

func (e *Engine) GetExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	if e.cache != nil {
		if exec, ok := e.cache.Get(executionID); ok {
			return exec, nil
		}
	}
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Put(exec)
	}
	return exec, nil
}

func (e *Engine) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	return e.store.Executions.ListExecutions(ctx, filter)
}

// workflowFor loads the definition version an execution runs.
func (e *Engine) workflowFor(ctx context.Context, exec *api.WorkflowExecution) (api.WorkflowDefinition, error) {
	def, err := e.store.Workflows.GetWorkflow(ctx, exec.WorkflowID, exec.WorkflowVersion)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("execution %s: %w", exec.ID, err)
	}
	return def, nil
}

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

// change collects what a mutation did, so side effects run only once the
// write has committed.
type change struct {
	logs     []api.LogEntry
	started  bool
	finished bool
	finalErr error
	retries  []retryNote
}

type retryNote struct {
	nodeID  string
	attempt int
	delay   time.Duration
}

func (c *change) log(exec *api.WorkflowExecution, at time.Time, typ api.EventType, nodeID string, attempt int, detail string) {
	c.logs = append(c.logs, api.LogEntry{
		ExecutionID: exec.ID,
		At:          at,
		Type:        typ,
		NodeID:      nodeID,
		Attempt:     attempt,
		Detail:      detail,
	})
}

// mutate applies fn to a fresh copy of the execution and persists it. A
// version conflict re-reads the execution and runs fn again. When fn returns
// errNoChange nothing is written and the current execution is returned.
func (e *Engine) mutate(ctx context.Context, id string, fn func(exec *api.WorkflowExecution, ch *change) error) (*api.WorkflowExecution, error) {
	var (
		out *api.WorkflowExecution
		ch  *change
	)
	backoff := retry.WithMaxRetries(e.retries, retry.WithJitter(2*time.Millisecond, retry.NewExponential(2*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		exec, err := e.store.Executions.GetExecution(ctx, id)
		if err != nil {
			return err
		}
		ch = &change{}
		before := exec.Status
		if err := fn(exec, ch); err != nil {
			if errors.Is(err, errNoChange) {
				out = exec
				ch = nil
				return nil
			}
			return err
		}

		now := e.clock()
		if !before.IsTerminal() && exec.Status != api.StatusFailed && exec.Status != api.StatusTerminated {
			size, err := persistence.StateSize(exec.State)
			if err != nil {
				return err
			}
			if err := e.limiter.CheckStateSize(size); err != nil {
				e.failOversized(exec, ch, now, err)
			}
		}
		exec.UpdatedAt = now

		if err := e.store.Executions.UpdateExecution(ctx, exec); err != nil {
			if errors.Is(err, api.ErrConcurrentUpdate) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = exec
		return nil
	})
	if e.cache != nil {
		e.cache.Invalidate(id)
	}
	if err != nil {
		return nil, err
	}
	if ch != nil {
		e.afterCommit(ctx, out, ch)
	}
	return out, nil
}

// failOversized fails an execution whose state outgrew the limit. The
// mutation may already have completed it; that completion is undone first.
func (e *Engine) failOversized(exec *api.WorkflowExecution, ch *change, now time.Time, cause error) {
	if exec.Status == api.StatusCompleted {
		exec.Status = api.StatusRunning
		exec.CompletedAt = time.Time{}
		ch.finished = false
		ch.logs = slices.DeleteFunc(ch.logs, func(l api.LogEntry) bool {
			return l.Type == api.EventExecutionCompleted
		})
	}
	e.finish(exec, ch, now, api.StatusFailed, cause)
}

// afterCommit runs the side effects of a committed mutation.
func (e *Engine) afterCommit(ctx context.Context, exec *api.WorkflowExecution, ch *change) {
	for _, entry := range ch.logs {
		e.appendLog(ctx, entry)
	}
	for _, r := range ch.retries {
		e.observer.OnRetryScheduled(ctx, exec, r.nodeID, r.attempt, r.delay)
	}
	if ch.started {
		e.observer.OnExecutionStarted(ctx, exec)
	}
	if !ch.finished {
		return
	}

	e.observer.OnExecutionFinished(ctx, exec, ch.finalErr)
	if e.debugger != nil {
		e.debugger.Disable(exec.ID)
	}
	if exec.Status == api.StatusTerminated && e.cascade {
		e.terminateChildren(ctx, exec)
	}
	if exec.ParentExecutionID != "" {
		if err := e.UpdateSubWorkflowStatus(ctx, exec.ID); err != nil {
			e.logger.Error("resume parent execution failed",
				"execution_id", exec.ID,
				"parent_execution_id", exec.ParentExecutionID,
				"error", err,
			)
		}
	}
}

func (e *Engine) appendLog(ctx context.Context, entry api.LogEntry) {
	if e.store.Logs == nil {
		return
	}
	if err := e.store.Logs.AppendLog(ctx, entry); err != nil {
		e.logger.Warn("append execution log failed",
			"execution_id", entry.ExecutionID,
			"type", entry.Type,
			"error", err,
		)
	}
}
