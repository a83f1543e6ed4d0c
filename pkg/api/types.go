package api

import (
	"math"
	"time"
)

// Status describes where an execution is in its lifecycle.
type Status string

const (
	StatusPending       Status = "pending"
	StatusRunning       Status = "running"
	StatusWaitingSignal Status = "waiting_signal"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusTerminated    Status = "terminated"
)

// IsTerminal reports whether s is one of the final states. Terminal
// executions are never mutated again, apart from log appends.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusWaitingSignal,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusTerminated,
}

// MaxNestingDepth bounds how deep sub-workflow calls may nest. A top-level
// execution has depth 0.
const MaxNestingDepth = 5

// StateSchemaVersion is written into every persisted ExecutionState.
const StateSchemaVersion = 1

// Never is used as a wake time for executions that only an external event
// (a child completing, a resume) can make runnable again. It survives a
// round-trip through UnixNano.
var Never = time.Unix(0, math.MaxInt64).UTC()

// WorkflowExecution is one run of a workflow definition.
type WorkflowExecution struct {
	ID              string `json:"id"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowVersion int    `json:"workflow_version"`
	Status          Status `json:"status"`

	State       ExecutionState `json:"state"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	// MockResults replaces handler output for the listed node IDs. It is
	// set only for test runs.
	MockResults map[string]any `json:"mock_results,omitempty"`

	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	// WakeAt is the earliest time a worker should pick the execution up.
	WakeAt time.Time `json:"wake_at,omitzero"`

	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ParentNodeID      string `json:"parent_node_id,omitempty"`
	NestingDepth      int    `json:"nesting_depth"`

	Priority       int       `json:"priority"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Debug          bool      `json:"debug"`
	Error          string    `json:"error,omitempty"`
	Deadline       time.Time `json:"deadline,omitzero"`
	ReplayOf       string    `json:"replay_of,omitempty"`

	// Version is the optimistic concurrency token. Stores bump it on every
	// successful update and reject updates carrying a stale value.
	Version int64 `json:"version"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitzero"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Duration returns how long the execution ran. Unfinished executions are
// measured up to now.
func (e *WorkflowExecution) Duration(now time.Time) time.Duration {
	if e.StartedAt.IsZero() {
		return 0
	}
	end := e.CompletedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(e.StartedAt)
}

// ExecutionState is the persisted program counter of an execution. It has no
// process-local fields, so any worker can continue from it.
type ExecutionState struct {
	SchemaVersion int `json:"schema_version"`

	CurrentNodeIDs   []string              `json:"current_node_ids"`
	CompletedNodeIDs []string              `json:"completed_node_ids"`
	NodeResults      map[string]NodeResult `json:"node_results"`

	// ExecutionData is the free-form context shared by all nodes. Map
	// outputs and signal payloads are merged into it.
	ExecutionData map[string]any `json:"execution_data"`
	Variables     map[string]any `json:"variables"`

	// JoinArrivals records which predecessors have reached each join node.
	JoinArrivals map[string][]string `json:"join_arrivals,omitempty"`
	FiredJoins   []string            `json:"fired_joins,omitempty"`

	// NotBefore holds per-node wake times for delays and scheduled retries.
	NotBefore map[string]time.Time `json:"not_before,omitempty"`
	// Timers marks delay nodes whose suspension has been armed.
	Timers       map[string]time.Time `json:"timers,omitempty"`
	NodeAttempts map[string]int       `json:"node_attempts,omitempty"`
	Recovered    []string             `json:"recovered,omitempty"`

	// PendingChildren maps a sub_workflow node to the child execution it
	// is waiting on.
	PendingChildren map[string]string `json:"pending_children,omitempty"`

	WaitingNode    string    `json:"waiting_node,omitempty"`
	WaitingSignal  string    `json:"waiting_signal,omitempty"`
	SignalDeadline time.Time `json:"signal_deadline,omitzero"`

	// NodeTime is the cumulative wall time spent inside handlers.
	NodeTime time.Duration `json:"node_time"`
}

// NewExecutionState returns an empty state positioned at entry.
func NewExecutionState(entry string, data map[string]any) ExecutionState {
	s := ExecutionState{
		CurrentNodeIDs: []string{entry},
		ExecutionData:  data,
	}
	s.Normalize()
	return s
}

// Normalize replaces nil collections with empty ones so callers can write
// into a freshly decoded state.
func (s *ExecutionState) Normalize() {
	if s.SchemaVersion == 0 {
		s.SchemaVersion = StateSchemaVersion
	}
	if s.CurrentNodeIDs == nil {
		s.CurrentNodeIDs = []string{}
	}
	if s.CompletedNodeIDs == nil {
		s.CompletedNodeIDs = []string{}
	}
	if s.NodeResults == nil {
		s.NodeResults = map[string]NodeResult{}
	}
	if s.ExecutionData == nil {
		s.ExecutionData = map[string]any{}
	}
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	if s.JoinArrivals == nil {
		s.JoinArrivals = map[string][]string{}
	}
	if s.NotBefore == nil {
		s.NotBefore = map[string]time.Time{}
	}
	if s.Timers == nil {
		s.Timers = map[string]time.Time{}
	}
	if s.NodeAttempts == nil {
		s.NodeAttempts = map[string]int{}
	}
	if s.PendingChildren == nil {
		s.PendingChildren = map[string]string{}
	}
}

// IsCurrent reports whether nodeID is in the current node set.
func (s *ExecutionState) IsCurrent(nodeID string) bool {
	for _, id := range s.CurrentNodeIDs {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Outputs returns the output of every node that has produced a result.
func (s *ExecutionState) Outputs() map[string]any {
	out := make(map[string]any, len(s.NodeResults))
	for id, r := range s.NodeResults {
		out[id] = r.Output
	}
	return out
}

// NodeResult is the folded, persisted outcome of a node.
type NodeResult struct {
	Success     bool      `json:"success"`
	Output      any       `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Route       string    `json:"route,omitempty"`
	Attempts    int       `json:"attempts"`
	CompletedAt time.Time `json:"completed_at"`
}

// NodeExecutionResult is the outcome of a single handler invocation.
//
// Route selects outgoing edges by label instead of evaluating their
// conditions. Suspend asks the engine to park the node until the given
// time and run it again with Input.Resumed set. Variables are merged into
// ExecutionState.Variables on success.
type NodeExecutionResult struct {
	Success      bool           `json:"success"`
	Output       any            `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Route        string         `json:"route,omitempty"`
	Suspend      *Suspension    `json:"suspend,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`

	// Pending is set by the engine when the node has not finished yet
	// (waiting on a timer, a signal or a child execution).
	Pending bool `json:"pending,omitempty"`
}

// Suspension parks a node until Until.
type Suspension struct {
	Until time.Time `json:"until"`
}

// WorkflowSchedule fires executions of a workflow on a cron schedule.
type WorkflowSchedule struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	CronExpression string         `json:"cron_expression"`
	NextRunAt      time.Time      `json:"next_run_at"`
	LastRunAt      time.Time      `json:"last_run_at,omitzero"`
	IsActive       bool           `json:"is_active"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// WorkflowSignal is a named external event delivered to one execution.
type WorkflowSignal struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	SignalName  string         `json:"signal_name"`
	Payload     map[string]any `json:"payload,omitempty"`
	ReceivedAt  time.Time      `json:"received_at"`
	ConsumedAt  time.Time      `json:"consumed_at,omitzero"`
}

// Consumed reports whether the signal has been delivered.
func (s *WorkflowSignal) Consumed() bool { return !s.ConsumedAt.IsZero() }

// SubWorkflowCall links a parent node to the child execution it started.
type SubWorkflowCall struct {
	ID                string            `json:"id"`
	ParentExecutionID string            `json:"parent_execution_id"`
	ParentNodeID      string            `json:"parent_node_id"`
	ChildExecutionID  string            `json:"child_execution_id"`
	InputMapping      map[string]any    `json:"input_mapping,omitempty"`
	OutputMapping     map[string]string `json:"output_mapping,omitempty"`
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// LogEntry is one append-only execution log row.
type LogEntry struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	At          time.Time `json:"at"`
	Type        EventType `json:"type"`
	NodeID      string    `json:"node_id,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// ExecutionFilter selects executions. Zero fields do not filter.
type ExecutionFilter struct {
	WorkflowID        string
	Status            Status
	ParentExecutionID string
	Limit             int
}

// CreateOptions tunes CreateExecution.
type CreateOptions struct {
	// ExecutionID forces the new execution's ID. Creating an execution whose
	// ID already exists returns the existing one.
	ExecutionID string

	// IdempotencyKey deduplicates creation within the engine's window.
	// When DeriveKey is set and the key is empty, one is derived from the
	// workflow ID and trigger data.
	IdempotencyKey string
	DeriveKey      bool

	Version  int
	Priority int
	Debug    bool

	MockResults map[string]any
	ReplayOf    string

	ParentExecutionID string
	ParentNodeID      string
	NestingDepth      int
}
