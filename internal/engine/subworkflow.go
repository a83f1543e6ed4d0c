package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/petrijr/fluxgraph/internal/activity"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// ExecuteSubWorkflow starts childWorkflowID as a child of the parent's node
// and parks that node until the child ends. inputMapping values may hold
// {{path}} templates resolved against the parent's state; outputMapping maps
// parent keys to paths inside the child's state.
//
// Calling it again for the same parent node returns the existing call.
func (e *Engine) ExecuteSubWorkflow(ctx context.Context, parentID, parentNodeID, childWorkflowID string, inputMapping map[string]any, outputMapping map[string]string) (*api.SubWorkflowCall, error) {
	parent, err := e.store.Executions.GetExecution(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", api.ErrExecutionTerminal, parent.ID, parent.Status)
	}
	if parent.NestingDepth >= api.MaxNestingDepth {
		return nil, &api.NodeError{
			Kind:   api.KindNestingDepth,
			NodeID: parentNodeID,
			Err:    fmt.Errorf("%w: execution %s is at depth %d, limit %d", api.ErrNestingDepthExceeded, parent.ID, parent.NestingDepth, api.MaxNestingDepth),
		}
	}

	s := &parent.State
	root := activity.Env(s.ExecutionData, s.Variables, s.Outputs(), parent.TriggerData, nil)
	resolved, err := api.ResolveTemplates(inputMapping, root)
	if err != nil {
		return nil, api.NewValidationError(parentNodeID, err.Error())
	}
	input, _ := resolved.(map[string]any)

	now := e.clock()
	call, created, err := e.store.SubWorkflows.CreateSubWorkflowCall(ctx, &api.SubWorkflowCall{
		ID:                uuid.NewString(),
		ParentExecutionID: parent.ID,
		ParentNodeID:      parentNodeID,
		ChildExecutionID:  newExecutionID(),
		InputMapping:      inputMapping,
		OutputMapping:     outputMapping,
		Status:            api.StatusRunning,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, err
	}

	child, err := e.CreateExecution(ctx, childWorkflowID, input, api.CreateOptions{
		ExecutionID:       call.ChildExecutionID,
		Priority:          parent.Priority,
		Debug:             parent.Debug,
		MockResults:       parent.MockResults,
		ParentExecutionID: parent.ID,
		ParentNodeID:      parentNodeID,
		NestingDepth:      parent.NestingDepth + 1,
	})
	if err != nil {
		if created {
			_ = e.store.SubWorkflows.UpdateSubWorkflowCallStatus(ctx, call.ID, api.StatusFailed, e.clock())
		}
		if errors.Is(err, api.ErrWorkflowNotFound) {
			return nil, api.NewFatalError(parentNodeID, err)
		}
		return nil, err
	}

	_, err = e.mutate(ctx, parent.ID, func(exec *api.WorkflowExecution, ch *change) error {
		s := &exec.State
		if exec.Status.IsTerminal() {
			return errNoChange
		}
		if s.PendingChildren[parentNodeID] == child.ID {
			return errNoChange
		}
		if !s.IsCurrent(parentNodeID) {
			return fmt.Errorf("%w: %s is not current in execution %s", api.ErrNodeNotRunnable, parentNodeID, exec.ID)
		}
		s.PendingChildren[parentNodeID] = child.ID
		exec.WakeAt = nextWake(s)
		ch.log(exec, e.clock(), api.EventSubWorkflowStarted, parentNodeID, 0, child.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Children are part of work the parent already holds capacity for.
	if child.Status == api.StatusPending {
		if _, err := e.StartExecution(ctx, child.ID); err != nil && !errors.Is(err, api.ErrInvalidTransition) {
			return nil, err
		}
	}
	return call, nil
}

// executeSubWorkflowNode runs a sub_workflow node. Starting the child is
// asynchronous: the node stays current until the child ends.
func (e *Engine) executeSubWorkflowNode(ctx context.Context, exec *api.WorkflowExecution, def *api.WorkflowDefinition, node api.Node) (api.NodeExecutionResult, error) {
	childWF, _ := node.Config["workflow_id"].(string)
	input, _ := node.Config["input"].(map[string]any)
	output := map[string]string{}
	if raw, ok := node.Config["output"].(map[string]any); ok {
		for k, v := range raw {
			if p, ok := v.(string); ok {
				output[k] = p
			}
		}
	}

	attempt := exec.State.NodeAttempts[node.ID] + 1
	_, err := e.ExecuteSubWorkflow(ctx, exec.ID, node.ID, childWF, input, output)
	if err != nil {
		var nerr *api.NodeError
		if errors.As(err, &nerr) {
			return e.fold(ctx, exec.ID, def, node, attempt, api.NodeExecutionResult{}, nerr, 0, false)
		}
		return api.NodeExecutionResult{}, err
	}
	return api.NodeExecutionResult{Pending: true}, nil
}

// childView is what output mapping paths resolve against.
func childView(child *api.WorkflowExecution) map[string]any {
	s := &child.State
	view := activity.Env(s.ExecutionData, s.Variables, s.Outputs(), child.TriggerData, nil)
	view["status"] = string(child.Status)
	view["error"] = child.Error
	return view
}

// UpdateSubWorkflowStatus propagates a child's terminal status to its
// parent. A completed child completes the parent node with the mapped
// output; a failed or terminated child fails it.
func (e *Engine) UpdateSubWorkflowStatus(ctx context.Context, childID string) error {
	child, err := e.store.Executions.GetExecution(ctx, childID)
	if err != nil {
		return err
	}
	if !child.Status.IsTerminal() {
		return nil
	}
	call, err := e.store.SubWorkflows.GetSubWorkflowCallByChild(ctx, childID)
	if err != nil {
		return err
	}
	if call == nil {
		return nil
	}
	if err := e.store.SubWorkflows.UpdateSubWorkflowCallStatus(ctx, call.ID, child.Status, e.clock()); err != nil {
		return err
	}

	parent, err := e.store.Executions.GetExecution(ctx, call.ParentExecutionID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	def, err := e.workflowFor(ctx, parent)
	if err != nil {
		return err
	}
	node, ok := def.Node(call.ParentNodeID)
	if !ok {
		return fmt.Errorf("%w: node %s is not part of workflow %s", api.ErrNodeNotRunnable, call.ParentNodeID, def.ID)
	}

	var output map[string]any
	if len(call.OutputMapping) == 0 {
		output = child.State.ExecutionData
	} else {
		view := childView(child)
		output = make(map[string]any, len(call.OutputMapping))
		for key, path := range call.OutputMapping {
			output[key] = api.ResolvePath(view, path)
		}
	}

	_, err = e.mutate(ctx, parent.ID, func(exec *api.WorkflowExecution, ch *change) error {
		s := &exec.State
		if exec.Status.IsTerminal() || s.PendingChildren[node.ID] != childID {
			return errNoChange
		}
		delete(s.PendingChildren, node.ID)
		now := e.clock()
		ch.log(exec, now, api.EventSubWorkflowFinished, node.ID, 0, fmt.Sprintf("%s %s", childID, child.Status))

		attempt := s.NodeAttempts[node.ID] + 1
		if child.Status == api.StatusCompleted {
			e.nodeSucceeded(&def, exec, ch, now, node, attempt, api.NodeExecutionResult{Success: true, Output: output})
			return nil
		}

		msg := child.Error
		if msg == "" {
			msg = string(child.Status)
		}
		cause := api.NewFatalError(node.ID, fmt.Errorf("child execution %s %s: %s", childID, child.Status, msg))
		e.nodeFailedPermanently(&def, exec, ch, now, node, attempt, cause)
		return nil
	})
	return err
}

// Children returns the sub-workflow calls made by an execution.
func (e *Engine) Children(ctx context.Context, executionID string) ([]*api.SubWorkflowCall, error) {
	if _, err := e.store.Executions.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.SubWorkflows.ListSubWorkflowCalls(ctx, executionID)
}
