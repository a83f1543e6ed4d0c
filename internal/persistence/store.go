package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = api.ErrWorkflowNotFound

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = api.ErrExecutionNotFound

	// ErrConcurrentUpdate is returned when an update carries a stale version.
	ErrConcurrentUpdate = api.ErrConcurrentUpdate

	// ErrScheduleNotFound is returned when a schedule is not found.
	ErrScheduleNotFound = api.ErrScheduleNotFound

	// ErrExecutionExists is returned when creating an execution whose ID is
	// already taken.
	ErrExecutionExists = errors.New("execution already exists")
)

// WorkflowStore handles storage of workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow stores def under its ID and Version. Saving an existing
	// ID+Version pair replaces it.
	SaveWorkflow(ctx context.Context, def api.WorkflowDefinition) error
	// GetWorkflow returns a specific version, or the latest when version is 0.
	GetWorkflow(ctx context.Context, id string, version int) (api.WorkflowDefinition, error)
	// ListWorkflowVersions returns all stored versions in ascending order.
	ListWorkflowVersions(ctx context.Context, id string) ([]int, error)
}

// ExecutionStore handles storage of executions.
type ExecutionStore interface {
	// CreateExecution inserts a new execution with Version 1.
	CreateExecution(ctx context.Context, exec *api.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*api.WorkflowExecution, error)
	// UpdateExecution persists exec if the stored version still equals
	// exec.Version, then increments exec.Version. Lease columns are not
	// touched. A stale version yields ErrConcurrentUpdate.
	UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error)
	CountExecutions(ctx context.Context, status api.Status) (int, error)

	// ClaimRunnable leases up to limit running executions whose WakeAt is
	// due and whose lease is free or expired. The claim is a single
	// conditional update, so concurrent workers never receive the same
	// execution.
	ClaimRunnable(ctx context.Context, owner string, ttl time.Duration, now time.Time, limit int) ([]*api.WorkflowExecution, error)
	// RenewLease extends a lease owned by owner to now+ttl. It returns
	// api.ErrLeaseHeld if the lease belongs to someone else.
	RenewLease(ctx context.Context, id, owner string, ttl time.Duration, now time.Time) error
	// ReleaseLease releases a lease if it is owned by owner. It is idempotent.
	ReleaseLease(ctx context.Context, id, owner string) error
}

// SignalStore handles storage of signals.
type SignalStore interface {
	SaveSignal(ctx context.Context, sig *api.WorkflowSignal) error
	// ConsumeSignal marks the oldest unconsumed signal with the given name
	// as consumed and returns it. Exactly one caller wins a given signal.
	// It returns nil, nil when no signal is available.
	ConsumeSignal(ctx context.Context, executionID, name string, now time.Time) (*api.WorkflowSignal, error)
	// RestoreSignal makes a consumed signal available again.
	RestoreSignal(ctx context.Context, id string) error
	ListSignals(ctx context.Context, executionID string) ([]*api.WorkflowSignal, error)
}

// KeyStore holds idempotency key reservations in the same backend as the
// executions, so every engine sharing the store sees them.
type KeyStore interface {
	// ReserveKey records executionID under key until now+window unless an
	// unexpired reservation exists, in which case its owner is returned
	// with reserved=false.
	ReserveKey(ctx context.Context, key, executionID string, now time.Time, window time.Duration) (owner string, reserved bool, err error)
	ReleaseKey(ctx context.Context, key string) error
}

// SubWorkflowStore handles storage of sub-workflow call links.
type SubWorkflowStore interface {
	// CreateSubWorkflowCall inserts call unless one already exists for the
	// same parent execution and node. It returns the stored row and whether
	// it was created by this call.
	CreateSubWorkflowCall(ctx context.Context, call *api.SubWorkflowCall) (*api.SubWorkflowCall, bool, error)
	GetSubWorkflowCallByChild(ctx context.Context, childID string) (*api.SubWorkflowCall, error)
	UpdateSubWorkflowCallStatus(ctx context.Context, id string, status api.Status, now time.Time) error
	ListSubWorkflowCalls(ctx context.Context, parentID string) ([]*api.SubWorkflowCall, error)
}

// ScheduleStore handles storage of cron schedules.
type ScheduleStore interface {
	SaveSchedule(ctx context.Context, s *api.WorkflowSchedule) error
	GetSchedule(ctx context.Context, id string) (*api.WorkflowSchedule, error)
	ListSchedules(ctx context.Context) ([]*api.WorkflowSchedule, error)
	// DueSchedules returns active schedules with NextRunAt <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*api.WorkflowSchedule, error)
	// AdvanceSchedule moves NextRunAt from expected to next and records
	// firedAt, only if NextRunAt still equals expected. It reports whether
	// this caller won the firing.
	AdvanceSchedule(ctx context.Context, id string, expected, next, firedAt time.Time) (bool, error)
	SetScheduleActive(ctx context.Context, id string, active bool) error
}

// LogStore handles the append-only execution log.
type LogStore interface {
	AppendLog(ctx context.Context, entry api.LogEntry) error
	// ListLogs returns entries in append order.
	ListLogs(ctx context.Context, executionID string) ([]api.LogEntry, error)
}
