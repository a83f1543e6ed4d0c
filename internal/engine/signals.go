package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// WaitForSignal suspends the execution at nodeID until signalName arrives.
// Waiting again for the same signal at the same node is a no-op.
func (e *Engine) WaitForSignal(ctx context.Context, executionID, nodeID, signalName string) (*api.WorkflowExecution, error) {
	return e.waitForSignal(ctx, executionID, nodeID, signalName, 0)
}

func (e *Engine) waitForSignal(ctx context.Context, executionID, nodeID, signalName string, timeout time.Duration) (*api.WorkflowExecution, error) {
	if signalName == "" {
		return nil, api.NewValidationError(nodeID, "signal name is required")
	}
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		s := &exec.State
		if exec.Status == api.StatusWaitingSignal && s.WaitingNode == nodeID && s.WaitingSignal == signalName {
			return errNoChange
		}
		if !s.IsCurrent(nodeID) {
			return fmt.Errorf("%w: %s is not current in execution %s", api.ErrNodeNotRunnable, nodeID, exec.ID)
		}
		if err := transition(exec, triggerWait); err != nil {
			return err
		}
		now := e.clock()
		s.WaitingNode = nodeID
		s.WaitingSignal = signalName
		s.SignalDeadline = time.Time{}
		if timeout > 0 {
			s.SignalDeadline = now.Add(timeout)
		}
		ch.log(exec, now, api.EventExecutionWaiting, nodeID, 0, signalName)
		return nil
	})
}

// executeWait runs a wait_signal node: the execution starts waiting and a
// signal that already arrived is delivered straight away.
func (e *Engine) executeWait(ctx context.Context, exec *api.WorkflowExecution, node api.Node) (api.NodeExecutionResult, error) {
	signal, _ := node.Config["signal"].(string)
	var timeout time.Duration
	switch v := node.Config["timeout"].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return api.NodeExecutionResult{}, api.NewValidationError(node.ID, fmt.Sprintf("invalid timeout: %v", err))
		}
		timeout = d
	case float64:
		timeout = time.Duration(v * float64(time.Second))
	case int:
		timeout = time.Duration(v) * time.Second
	}

	waiting, err := e.waitForSignal(ctx, exec.ID, node.ID, signal, timeout)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	delivered, err := e.deliver(ctx, waiting)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	if delivered {
		after, err := e.store.Executions.GetExecution(ctx, exec.ID)
		if err != nil {
			return api.NodeExecutionResult{}, err
		}
		r := after.State.NodeResults[node.ID]
		return api.NodeExecutionResult{Success: r.Success, Output: r.Output}, nil
	}
	return api.NodeExecutionResult{Pending: true}, nil
}

// EmitSignal records a signal for an execution. Signals for executions that
// have ended are rejected.
func (e *Engine) EmitSignal(ctx context.Context, executionID, signalName string, payload map[string]any) (*api.WorkflowSignal, error) {
	if signalName == "" {
		return nil, api.NewValidationError("", "signal name is required")
	}
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", api.ErrExecutionTerminal, exec.ID, exec.Status)
	}

	// Version 7 IDs sort in creation order, which breaks ties between
	// signals received at the same instant.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := e.clock()
	sig := &api.WorkflowSignal{
		ID:          id.String(),
		ExecutionID: executionID,
		SignalName:  signalName,
		Payload:     payload,
		ReceivedAt:  now,
	}
	if err := e.store.Signals.SaveSignal(ctx, sig); err != nil {
		return nil, err
	}
	e.appendLog(ctx, api.LogEntry{ExecutionID: executionID, At: now, Type: api.EventSignalReceived, Detail: signalName})
	return sig, nil
}

// DeliverSignals resumes waiting executions that have a matching signal and
// fails waits whose deadline has passed. It returns how many executions were
// resumed.
func (e *Engine) DeliverSignals(ctx context.Context) (int, error) {
	waiting, err := e.store.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusWaitingSignal})
	if err != nil {
		return 0, err
	}
	resumed := 0
	var errs []error
	for _, exec := range waiting {
		ok, err := e.deliver(ctx, exec)
		if err != nil {
			errs = append(errs, fmt.Errorf("execution %s: %w", exec.ID, err))
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

// deliver consumes the signal exec waits for, if one is available, and
// continues past the waiting node. The store guarantees a signal is
// consumed by exactly one caller. A signal that could not resume the
// execution is restored for a later delivery.
func (e *Engine) deliver(ctx context.Context, exec *api.WorkflowExecution) (bool, error) {
	if exec.Status != api.StatusWaitingSignal {
		return false, nil
	}
	nodeID, name := exec.State.WaitingNode, exec.State.WaitingSignal

	def, err := e.workflowFor(ctx, exec)
	if err != nil {
		return false, err
	}
	node, _ := def.Node(nodeID)

	now := e.clock()
	sig, err := e.store.Signals.ConsumeSignal(ctx, exec.ID, name, now)
	if err != nil {
		return false, err
	}
	if sig == nil {
		deadline := exec.State.SignalDeadline
		if !deadline.IsZero() && !now.Before(deadline) {
			return false, e.signalTimedOut(ctx, exec.ID, nodeID, name)
		}
		return false, nil
	}

	applied := false
	_, err = e.mutate(ctx, exec.ID, func(exec *api.WorkflowExecution, ch *change) error {
		applied = false
		s := &exec.State
		if exec.Status != api.StatusWaitingSignal || s.WaitingNode != nodeID || s.WaitingSignal != name {
			return errNoChange
		}
		if err := transition(exec, triggerSignal); err != nil {
			return err
		}
		now := e.clock()
		s.WaitingNode = ""
		s.WaitingSignal = ""
		s.SignalDeadline = time.Time{}
		ch.log(exec, now, api.EventSignalConsumed, nodeID, 0, name)
		ch.log(exec, now, api.EventExecutionResumed, nodeID, 0, "")

		if len(sig.Payload) > 0 {
			if err := mergo.Merge(&s.ExecutionData, maps.Clone(sig.Payload), mergo.WithOverride); err != nil {
				return fmt.Errorf("merge signal payload: %w", err)
			}
		}
		res := api.NodeExecutionResult{Success: true, Output: sig.Payload}
		result := api.NodeResult{Success: true, Output: sig.Payload, Attempts: 1, CompletedAt: now}
		s.NodeResults[nodeID] = result
		applied = true
		edges, err := e.selectEdges(&def, exec, nodeID, res)
		if err != nil {
			e.nodeFailedPermanently(&def, exec, ch, now, node, 1, err)
			return nil
		}
		leaveNode(s, nodeID, result)
		ch.log(exec, now, api.EventNodeCompleted, nodeID, 1, "")
		e.follow(&def, exec, ch, now, edges)
		e.settle(exec, ch, now)
		return nil
	})
	if err != nil || !applied {
		if rerr := e.store.Signals.RestoreSignal(context.WithoutCancel(ctx), sig.ID); rerr != nil {
			e.logger.Error("restore signal failed",
				"execution_id", exec.ID,
				"signal_id", sig.ID,
				"error", rerr,
			)
		}
	}
	if err != nil {
		return false, err
	}
	return applied, nil
}

// signalTimedOut fails the waiting node with a timeout error.
func (e *Engine) signalTimedOut(ctx context.Context, executionID, nodeID, name string) error {
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	def, err := e.workflowFor(ctx, exec)
	if err != nil {
		return err
	}
	node, _ := def.Node(nodeID)

	_, err = e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		s := &exec.State
		if exec.Status != api.StatusWaitingSignal || s.WaitingNode != nodeID {
			return errNoChange
		}
		if err := transition(exec, triggerSignal); err != nil {
			return err
		}
		s.WaitingNode = ""
		s.WaitingSignal = ""
		s.SignalDeadline = time.Time{}
		cause := &api.NodeError{
			Kind:   api.KindTimeout,
			NodeID: nodeID,
			Err:    fmt.Errorf("%w: no %q signal before deadline", api.ErrTimeout, name),
		}
		e.nodeFailedPermanently(&def, exec, ch, e.clock(), node, 1, cause)
		return nil
	})
	return err
}
