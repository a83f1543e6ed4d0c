package api

import (
	"context"
)

// Engine is the high-level execution engine API.
//
// All transitions are persisted atomically with an optimistic version
// check, so an Engine may be shared by any number of workers, in-process
// or across processes, as long as they use the same datastore.
type Engine interface {
	// RegisterWorkflow stores a new version of a definition. A zero
	// Version is assigned the next free version number.
	RegisterWorkflow(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error)

	// CreateExecution creates a pending execution positioned at the
	// workflow's entry node. With an idempotency key, repeated calls within
	// the dedup window return the same execution.
	CreateExecution(ctx context.Context, workflowID string, triggerData map[string]any, opts CreateOptions) (*WorkflowExecution, error)

	// ExecuteNode runs one current node and folds its result into the
	// execution state, routing to the next node set.
	ExecuteNode(ctx context.Context, executionID, nodeID string) (NodeExecutionResult, error)

	// CompleteExecution marks a running execution completed.
	CompleteExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)

	// FailExecution marks a non-terminal execution failed. The cause is
	// recorded as the execution error.
	FailExecution(ctx context.Context, executionID string, cause error) (*WorkflowExecution, error)

	PauseExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	ResumeExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)

	// TerminateExecution ends an execution immediately. Results of nodes
	// still in flight are discarded when they arrive.
	TerminateExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)

	// WaitForSignal suspends the execution at nodeID until signalName is
	// emitted.
	WaitForSignal(ctx context.Context, executionID, nodeID, signalName string) (*WorkflowExecution, error)

	// EmitSignal records a signal for an execution. It is consumed by the
	// next signal sweep if the execution waits for it.
	EmitSignal(ctx context.Context, executionID, signalName string, payload map[string]any) (*WorkflowSignal, error)

	GetExecution(ctx context.Context, executionID string) (*WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)

	// Logs returns the execution's log in append order.
	Logs(ctx context.Context, executionID string) ([]LogEntry, error)

	// Timeline returns the node spans reconstructed from the log.
	Timeline(ctx context.Context, executionID string) ([]TimelineEntry, error)

	// Replay starts a new execution of the same workflow version with the
	// original trigger data.
	Replay(ctx context.Context, executionID string) (*WorkflowExecution, error)
}
