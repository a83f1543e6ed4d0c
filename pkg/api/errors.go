package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow definition is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound is returned when an execution is not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionTerminal is returned when mutating a completed, failed or
	// terminated execution.
	ErrExecutionTerminal = errors.New("execution is in a terminal state")

	// ErrInvalidTransition is returned when a lifecycle transition is not
	// allowed from the execution's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentUpdate is returned by stores when an update carries a
	// stale version.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrLeaseHeld is returned when another worker owns the execution.
	ErrLeaseHeld = errors.New("execution lease held by another worker")

	// ErrNestingDepthExceeded is returned when a sub-workflow would exceed
	// MaxNestingDepth.
	ErrNestingDepthExceeded = errors.New("sub-workflow nesting depth exceeded")

	// ErrTimeout marks node or workflow wall-clock budget overruns.
	ErrTimeout = errors.New("timeout exceeded")

	// ErrNodeNotRunnable is returned when asked to execute a node that is
	// not in the current node set.
	ErrNodeNotRunnable = errors.New("node is not runnable")

	// ErrUnknownNodeType is returned when no handler is registered for a
	// node's type.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrResourceLimit is returned when an execution exceeds a configured
	// budget or no capacity is available to start it.
	ErrResourceLimit = errors.New("resource limit exceeded")

	// ErrScheduleNotFound is returned when a schedule is not found.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// ErrorKind classifies node failures for the retry manager.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindTimeout      ErrorKind = "timeout"
	KindNestingDepth ErrorKind = "nesting_depth"
	KindValidation   ErrorKind = "validation"
	KindFatal        ErrorKind = "fatal"
)

// NodeError is a classified node failure.
type NodeError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Err     error
}

func (e *NodeError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("node %s: %s: %s", e.NodeID, e.Kind, msg)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Retryable reports whether the retry manager may schedule another attempt.
func (e *NodeError) Retryable(retryTimeouts bool) bool {
	switch e.Kind {
	case KindTransient:
		return true
	case KindTimeout:
		return retryTimeouts
	}
	return false
}

// NewValidationError returns a fatal validation failure.
func NewValidationError(nodeID, msg string) *NodeError {
	return &NodeError{Kind: KindValidation, NodeID: nodeID, Message: msg}
}

// NewFatalError wraps err as a failure that is never retried.
func NewFatalError(nodeID string, err error) *NodeError {
	return &NodeError{Kind: KindFatal, NodeID: nodeID, Err: err}
}

// ClassifyError turns any error returned from a handler into a NodeError.
// Context deadline overruns become timeouts, nesting violations keep their
// kind, and everything else is transient.
func ClassifyError(nodeID string, err error) *NodeError {
	if err == nil {
		return nil
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		if ne.NodeID == "" {
			cp := *ne
			cp.NodeID = nodeID
			return &cp
		}
		return ne
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return &NodeError{Kind: KindTimeout, NodeID: nodeID, Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	case errors.Is(err, ErrNestingDepthExceeded):
		return &NodeError{Kind: KindNestingDepth, NodeID: nodeID, Err: err}
	case errors.Is(err, ErrWorkflowNotFound), errors.Is(err, ErrUnknownNodeType):
		return &NodeError{Kind: KindValidation, NodeID: nodeID, Err: err}
	}
	return &NodeError{Kind: KindTransient, NodeID: nodeID, Err: err}
}

// IsKind reports whether err is a NodeError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ne *NodeError
	return errors.As(err, &ne) && ne.Kind == kind
}
