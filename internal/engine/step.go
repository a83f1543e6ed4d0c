package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"dario.cat/mergo"

	"github.com/petrijr/fluxgraph/internal/activity"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// ExecuteNode runs one current node and folds its outcome into the
// execution. Node failures are reported in the result, not as an error;
// the error is reserved for calls that could not be carried out.
//
// A pending execution is started first when the limiter has capacity.
func (e *Engine) ExecuteNode(ctx context.Context, executionID, nodeID string) (api.NodeExecutionResult, error) {
	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	if exec.Status.IsTerminal() {
		return api.NodeExecutionResult{}, fmt.Errorf("%w: execution %s is %s", api.ErrExecutionTerminal, exec.ID, exec.Status)
	}
	if exec, err = e.ensureStarted(ctx, exec); err != nil {
		return api.NodeExecutionResult{}, err
	}
	if exec.Status != api.StatusRunning {
		return api.NodeExecutionResult{}, fmt.Errorf("%w: execution %s is %s", api.ErrNodeNotRunnable, exec.ID, exec.Status)
	}
	if !exec.State.IsCurrent(nodeID) {
		return api.NodeExecutionResult{}, fmt.Errorf("%w: %s is not current in execution %s", api.ErrNodeNotRunnable, nodeID, exec.ID)
	}

	now := e.clock()
	if exec.State.PendingChildren[nodeID] != "" {
		return api.NodeExecutionResult{Pending: true}, nil
	}
	if nb, ok := exec.State.NotBefore[nodeID]; ok && nb.After(now) {
		return api.NodeExecutionResult{Pending: true}, nil
	}

	def, err := e.workflowFor(ctx, exec)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	node, ok := def.Node(nodeID)
	if !ok {
		return api.NodeExecutionResult{}, fmt.Errorf("%w: node %s is not part of workflow %s v%d", api.ErrNodeNotRunnable, nodeID, def.ID, def.Version)
	}

	switch node.Type {
	case api.NodeWaitSignal:
		return e.executeWait(ctx, exec, node)
	case api.NodeSubWorkflow:
		return e.executeSubWorkflowNode(ctx, exec, &def, node)
	}

	attempt := exec.State.NodeAttempts[nodeID] + 1
	res, elapsed, runErr := e.invoke(ctx, exec, node, attempt, now)

	if runErr != nil && e.recovery != nil && !e.canRetry(&def, exec, node, runErr) {
		if rec, handled := e.recovery(ctx, exec, node, runErr); handled {
			e.logger.Info("node recovered", "execution_id", exec.ID, "node_id", nodeID, "error", runErr)
			res, runErr = rec, nil
			if !rec.Success && rec.Suspend == nil {
				runErr = errors.New(failureMessage(rec))
			}
			return e.fold(ctx, exec.ID, &def, node, attempt+1, res, runErr, elapsed, true)
		}
	}
	return e.fold(ctx, exec.ID, &def, node, attempt, res, runErr, elapsed, false)
}

// invoke runs a node's handler, or its mocked result in a test run.
func (e *Engine) invoke(ctx context.Context, exec *api.WorkflowExecution, node api.Node, attempt int, now time.Time) (res api.NodeExecutionResult, elapsed time.Duration, err error) {
	s := &exec.State

	e.appendLog(ctx, api.LogEntry{ExecutionID: exec.ID, At: now, Type: api.EventNodeStarted, NodeID: node.ID, Attempt: attempt})
	e.observer.OnNodeStarted(ctx, exec, node.ID, attempt)
	defer func() {
		e.observer.OnNodeFinished(ctx, exec, node.ID, err, elapsed)
	}()

	if mock, ok := exec.MockResults[node.ID]; ok {
		return activity.Succeed(mock), 0, nil
	}

	handler, err := e.registry.Lookup(node.Type)
	if err != nil {
		return api.NodeExecutionResult{}, 0, err
	}

	root := activity.Env(s.ExecutionData, s.Variables, s.Outputs(), exec.TriggerData, nil)
	resolved, err := api.ResolveTemplates(node.Config, root)
	if err != nil {
		return api.NodeExecutionResult{}, 0, err
	}
	config, _ := resolved.(map[string]any)
	if config == nil {
		config = map[string]any{}
	}

	in := activity.Input{
		ExecutionID: exec.ID,
		Node:        node,
		Config:      config,
		Data:        s.ExecutionData,
		Vars:        s.Variables,
		Results:     s.Outputs(),
		Trigger:     exec.TriggerData,
		Attempt:     attempt,
		Now:         now,
	}
	if timer, ok := s.Timers[node.ID]; ok && !now.Before(timer) {
		in.Resumed = true
	}
	if node.Type == api.NodeJoin {
		in.Sources = joinSources(s, node.ID)
	}

	runCtx := ctx
	if node.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, node.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err = runHandler(runCtx, handler, in)
	elapsed = time.Since(start)

	if err == nil && node.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: node ran %s, limit %s", api.ErrTimeout, elapsed.Round(time.Millisecond), node.Timeout)
	}
	if err == nil && !res.Success && res.Suspend == nil {
		err = errors.New(failureMessage(res))
	}
	return res, elapsed, err
}

func runHandler(ctx context.Context, h activity.Handler, in activity.Input) (res api.NodeExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = api.NewFatalError(in.Node.ID, fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return h.Execute(ctx, in)
}

func failureMessage(res api.NodeExecutionResult) string {
	if res.ErrorMessage != "" {
		return res.ErrorMessage
	}
	return "node reported failure"
}

// canRetry reports whether the retry manager would schedule another attempt.
func (e *Engine) canRetry(def *api.WorkflowDefinition, exec *api.WorkflowExecution, node api.Node, cause error) bool {
	policy := def.RetryPolicyFor(node)
	if policy == nil {
		return false
	}
	nerr := api.ClassifyError(node.ID, cause)
	return nerr.Retryable(policy.RetryTimeouts) && exec.State.NodeAttempts[node.ID] < policy.MaxRetries
}

// fold persists a node outcome. Outcomes for nodes that are no longer
// current, or for executions that have ended, are discarded.
func (e *Engine) fold(ctx context.Context, executionID string, def *api.WorkflowDefinition, node api.Node, attempt int, res api.NodeExecutionResult, runErr error, elapsed time.Duration, recovered bool) (api.NodeExecutionResult, error) {
	out := res
	if runErr != nil {
		out.Success = false
		if out.ErrorMessage == "" {
			out.ErrorMessage = runErr.Error()
		}
	}

	discarded := false
	_, err := e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		discarded = false
		if exec.Status.IsTerminal() || !exec.State.IsCurrent(node.ID) || exec.State.PendingChildren[node.ID] != "" {
			discarded = true
			return errNoChange
		}
		now := e.clock()
		s := &exec.State
		s.NodeTime += elapsed
		if recovered {
			s.Recovered = append(s.Recovered, node.ID)
			ch.log(exec, now, api.EventNodeRecovered, node.ID, attempt, "")
		}

		switch {
		case runErr != nil:
			e.nodeFailed(def, exec, ch, now, node, attempt, runErr)
		case res.Suspend != nil:
			s.Timers[node.ID] = res.Suspend.Until
			s.NotBefore[node.ID] = res.Suspend.Until
			exec.WakeAt = nextWake(s)
			ch.log(exec, now, api.EventNodeSuspended, node.ID, attempt, res.Suspend.Until.UTC().Format(time.RFC3339Nano))
		default:
			e.nodeSucceeded(def, exec, ch, now, node, attempt, res)
		}

		if !exec.Status.IsTerminal() {
			if err := e.limiter.CheckNodeTime(s.NodeTime); err != nil {
				e.finish(exec, ch, now, api.StatusFailed, err)
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	if discarded {
		e.logger.Debug("node result discarded", "execution_id", executionID, "node_id", node.ID)
	}
	if res.Suspend != nil && runErr == nil {
		out.Pending = true
	}
	return out, nil
}

// nodeSucceeded records a successful result and routes onwards.
func (e *Engine) nodeSucceeded(def *api.WorkflowDefinition, exec *api.WorkflowExecution, ch *change, now time.Time, node api.Node, attempt int, res api.NodeExecutionResult) {
	s := &exec.State

	if upd := activity.DataUpdate(node, res.Output); len(upd) > 0 {
		if err := mergo.Merge(&s.ExecutionData, maps.Clone(upd), mergo.WithOverride); err != nil {
			e.nodeFailedPermanently(def, exec, ch, now, node, attempt, api.NewFatalError(node.ID, fmt.Errorf("merge output: %w", err)))
			return
		}
	}
	for k, v := range res.Variables {
		s.Variables[k] = v
	}

	result := api.NodeResult{
		Success:     true,
		Output:      res.Output,
		Route:       res.Route,
		Attempts:    attempt,
		CompletedAt: now,
	}
	s.NodeResults[node.ID] = result

	edges, err := e.selectEdges(def, exec, node.ID, res)
	if err != nil {
		e.nodeFailedPermanently(def, exec, ch, now, node, attempt, err)
		return
	}
	leaveNode(s, node.ID, result)
	ch.log(exec, now, api.EventNodeCompleted, node.ID, attempt, res.Route)
	e.follow(def, exec, ch, now, edges)
	e.settle(exec, ch, now)
}

// nodeFailed hands a failure to the retry manager, which either schedules
// another attempt or fails the node for good.
func (e *Engine) nodeFailed(def *api.WorkflowDefinition, exec *api.WorkflowExecution, ch *change, now time.Time, node api.Node, attempt int, cause error) {
	s := &exec.State
	nerr := api.ClassifyError(node.ID, cause)
	policy := def.RetryPolicyFor(node)
	failures := s.NodeAttempts[node.ID]

	if policy == nil || !nerr.Retryable(policy.RetryTimeouts) || failures >= policy.MaxRetries {
		e.nodeFailedPermanently(def, exec, ch, now, node, attempt, nerr)
		return
	}

	delay := policy.Delay(failures)
	at := now.Add(delay)
	s.NodeAttempts[node.ID] = failures + 1
	s.NotBefore[node.ID] = at
	exec.RetryCount++
	exec.NextRetryAt = at
	exec.WakeAt = nextWake(s)

	ch.log(exec, now, api.EventNodeFailed, node.ID, attempt, nerr.Error())
	ch.log(exec, now, api.EventNodeRetryScheduled, node.ID, attempt, delay.String())
	ch.retries = append(ch.retries, retryNote{nodeID: node.ID, attempt: attempt, delay: delay})
}

// nodeFailedPermanently follows the node's "error" edges if it has any and
// fails the execution otherwise.
func (e *Engine) nodeFailedPermanently(def *api.WorkflowDefinition, exec *api.WorkflowExecution, ch *change, now time.Time, node api.Node, attempt int, cause error) {
	s := &exec.State
	nerr := api.ClassifyError(node.ID, cause)
	failure := map[string]any{
		"node":    node.ID,
		"kind":    string(nerr.Kind),
		"message": nerr.Error(),
	}
	result := api.NodeResult{
		Success:     false,
		Output:      failure,
		Error:       nerr.Error(),
		Attempts:    attempt,
		CompletedAt: now,
	}
	ch.log(exec, now, api.EventNodeFailed, node.ID, attempt, nerr.Error())

	edges := errorEdges(def, node.ID)
	if len(edges) == 0 {
		s.NodeResults[node.ID] = result
		e.finish(exec, ch, now, api.StatusFailed, nerr)
		return
	}

	s.ExecutionData["error"] = failure
	leaveNode(s, node.ID, result)
	e.follow(def, exec, ch, now, edges)
	e.settle(exec, ch, now)
}
