package fluxgraph

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/fluxgraph/internal/activity"
	"github.com/petrijr/fluxgraph/internal/debugger"
	"github.com/petrijr/fluxgraph/internal/engine"
	"github.com/petrijr/fluxgraph/internal/idempotency"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine             = engine.Engine
	Config             = engine.Config
	RecoveryStrategy   = engine.RecoveryStrategy
	WorkflowDefinition = api.WorkflowDefinition
	WorkflowExecution  = api.WorkflowExecution
	Node               = api.Node
	Edge               = api.Edge
	NodeType           = api.NodeType
	NodeResult         = api.NodeExecutionResult
	CreateOptions      = api.CreateOptions
	ExecutionFilter    = api.ExecutionFilter
	Status             = api.Status
	RetryPolicy        = api.RetryPolicy
	Observer           = api.Observer
	LogEntry           = api.LogEntry
	TimelineEntry      = api.TimelineEntry

	Registry    = activity.Registry
	Handler     = activity.Handler
	HandlerFunc = activity.HandlerFunc
	Input       = activity.Input
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewDefaultRegistry   = activity.NewDefaultRegistry
	NewDebugger          = debugger.NewStore
	Succeed              = activity.Succeed
)

// Re-export status values for convenience.

const (
	StatusPending       = api.StatusPending
	StatusRunning       = api.StatusRunning
	StatusWaitingSignal = api.StatusWaitingSignal
	StatusPaused        = api.StatusPaused
	StatusCompleted     = api.StatusCompleted
	StatusFailed        = api.StatusFailed
	StatusTerminated    = api.StatusTerminated
)

// Engine constructors.
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine over cfg.Persistence, which must be set.
func NewEngine(cfg Config) *Engine {
	return engine.New(cfg)
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(cfg Config) *Engine {
	return engine.NewInMemoryEngine(cfg)
}

// NewSQLiteEngine returns an Engine that persists definitions, executions,
// signals, schedules and logs in a SQLite database.
func NewSQLiteEngine(db *sql.DB, cfg Config) (*Engine, error) {
	return engine.NewSQLiteEngine(db, cfg)
}

// NewPostgresEngine returns an Engine that persists everything in
// PostgreSQL. db is expected to use the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, cfg Config) (*Engine, error) {
	return engine.NewPostgresEngine(db, cfg)
}

// WithRedisGuard makes idempotency keys shared by every process using the
// same Redis instance.
func WithRedisGuard(cfg Config, client *redis.Client, prefix string) Config {
	cfg.Guard = idempotency.NewRedisGuard(client, prefix)
	return cfg
}

// WithMongoLogs sends the append-only execution log to MongoDB while the
// rest of the state stays in cfg.Persistence. It must be applied after
// cfg.Persistence is set.
func WithMongoLogs(ctx context.Context, cfg Config, client *mongo.Client, database string) (Config, error) {
	logs, err := persistence.NewMongoLogStore(ctx, client, database)
	if err != nil {
		return cfg, err
	}
	cfg.Persistence.Logs = logs
	return cfg, nil
}

// Convenience helpers that just forward to the underlying Engine.

// Start creates an execution and runs it in the calling goroutine until it
// completes, fails or has to wait for a signal, timer or child.
func Start(ctx context.Context, eng *Engine, workflowID string, triggerData map[string]any) (*WorkflowExecution, error) {
	exec, err := eng.CreateExecution(ctx, workflowID, triggerData, CreateOptions{})
	if err != nil {
		return nil, err
	}
	return eng.RunUntilBlocked(ctx, exec.ID)
}

// Signal emits a signal and, if the execution was waiting for it, runs the
// execution on until it blocks again.
func Signal(ctx context.Context, eng *Engine, executionID, name string, payload map[string]any) (*WorkflowExecution, error) {
	if _, err := eng.EmitSignal(ctx, executionID, name, payload); err != nil {
		return nil, err
	}
	if _, err := eng.DeliverSignals(ctx); err != nil {
		return nil, err
	}
	return eng.RunUntilBlocked(ctx, executionID)
}

// RecoverOrphaned delegates to eng.RecoverOrphaned.
//
// It is typically called on process startup before starting any workers:
//
//	ids, err := fluxgraph.RecoverOrphaned(ctx, engine)
func RecoverOrphaned(ctx context.Context, eng *Engine) ([]string, error) {
	return eng.RecoverOrphaned(ctx)
}
