package api

import "time"

// EventType identifies an execution log entry.
type EventType string

const (
	EventExecutionCreated    EventType = "execution.created"
	EventExecutionStarted    EventType = "execution.started"
	EventExecutionWaiting    EventType = "execution.waiting_signal"
	EventExecutionResumed    EventType = "execution.resumed"
	EventExecutionPaused     EventType = "execution.paused"
	EventExecutionCompleted  EventType = "execution.completed"
	EventExecutionFailed     EventType = "execution.failed"
	EventExecutionTerminated EventType = "execution.terminated"

	EventSignalReceived EventType = "signal.received"
	EventSignalConsumed EventType = "signal.consumed"

	EventNodeStarted        EventType = "node.started"
	EventNodeCompleted      EventType = "node.completed"
	EventNodeFailed         EventType = "node.failed"
	EventNodeSuspended      EventType = "node.suspended"
	EventNodeRetryScheduled EventType = "node.retry_scheduled"
	EventNodeRecovered      EventType = "node.recovered"

	EventJoinFired EventType = "join.fired"

	EventSubWorkflowStarted  EventType = "subworkflow.started"
	EventSubWorkflowFinished EventType = "subworkflow.finished"

	EventBreakpointHit EventType = "debug.breakpoint"
)

// TimelineEntry is one node execution span reconstructed from the log.
type TimelineEntry struct {
	NodeID    string        `json:"node_id"`
	Attempt   int           `json:"attempt"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
	Duration  time.Duration `json:"duration"`
	Detail    string        `json:"detail,omitempty"`
}
