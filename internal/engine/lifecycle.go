package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/petrijr/fluxgraph/pkg/api"
)

type lifecycleTrigger string

const (
	triggerStart     lifecycleTrigger = "start"
	triggerComplete  lifecycleTrigger = "complete"
	triggerFail      lifecycleTrigger = "fail"
	triggerWait      lifecycleTrigger = "wait"
	triggerSignal    lifecycleTrigger = "signal"
	triggerPause     lifecycleTrigger = "pause"
	triggerResume    lifecycleTrigger = "resume"
	triggerTerminate lifecycleTrigger = "terminate"
)

var triggerFor = map[api.Status]lifecycleTrigger{
	api.StatusRunning:       triggerStart,
	api.StatusCompleted:     triggerComplete,
	api.StatusFailed:        triggerFail,
	api.StatusWaitingSignal: triggerWait,
	api.StatusPaused:        triggerPause,
	api.StatusTerminated:    triggerTerminate,
}

func newLifecycle(from api.Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(from)

	sm.Configure(api.StatusPending).
		Permit(triggerStart, api.StatusRunning).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerTerminate, api.StatusTerminated)

	sm.Configure(api.StatusRunning).
		Permit(triggerComplete, api.StatusCompleted).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerWait, api.StatusWaitingSignal).
		Permit(triggerPause, api.StatusPaused).
		Permit(triggerTerminate, api.StatusTerminated)

	sm.Configure(api.StatusWaitingSignal).
		Permit(triggerSignal, api.StatusRunning).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerTerminate, api.StatusTerminated)

	sm.Configure(api.StatusPaused).
		Permit(triggerResume, api.StatusRunning).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerTerminate, api.StatusTerminated)

	sm.Configure(api.StatusCompleted)
	sm.Configure(api.StatusFailed)
	sm.Configure(api.StatusTerminated)
	return sm
}

// transition moves exec to a new status through the lifecycle machine.
func transition(exec *api.WorkflowExecution, t lifecycleTrigger) error {
	if exec.Status.IsTerminal() {
		return fmt.Errorf("%w: execution %s is %s", api.ErrExecutionTerminal, exec.ID, exec.Status)
	}
	sm := newLifecycle(exec.Status)
	if err := sm.Fire(t); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", api.ErrInvalidTransition, t, exec.Status, err)
	}
	exec.Status = sm.MustState().(api.Status)
	return nil
}

// finish moves exec into a terminal status. Invalid transitions are ignored
// because every non-terminal status can fail or terminate and finish is
// only called with a valid target for the current status.
func (e *Engine) finish(exec *api.WorkflowExecution, ch *change, now time.Time, status api.Status, cause error) {
	if err := transition(exec, triggerFor[status]); err != nil {
		e.logger.Error("finish execution", "execution_id", exec.ID, "status", status, "error", err)
		return
	}
	exec.CompletedAt = now
	exec.WakeAt = time.Time{}
	exec.NextRetryAt = time.Time{}
	exec.State.WaitingNode = ""
	exec.State.WaitingSignal = ""
	exec.State.SignalDeadline = time.Time{}

	var evt api.EventType
	switch status {
	case api.StatusCompleted:
		evt = api.EventExecutionCompleted
	case api.StatusFailed:
		evt = api.EventExecutionFailed
		if cause == nil {
			cause = errors.New("execution failed")
		}
	case api.StatusTerminated:
		evt = api.EventExecutionTerminated
		if cause == nil {
			cause = errors.New("execution terminated")
		}
	}
	detail := ""
	if cause != nil {
		exec.Error = cause.Error()
		detail = exec.Error
	}
	ch.finished = true
	if status != api.StatusCompleted {
		ch.finalErr = cause
	}
	ch.log(exec, now, evt, "", 0, detail)
}

// StartExecution moves a pending execution to running.
func (e *Engine) StartExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	var def api.WorkflowDefinition
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if exec.Status != api.StatusPending {
			if exec.Status == api.StatusRunning {
				return errNoChange
			}
			return transition(exec, triggerStart)
		}
		if def.ID == "" {
			d, err := e.workflowFor(ctx, exec)
			if err != nil {
				return err
			}
			def = d
		}
		if err := transition(exec, triggerStart); err != nil {
			return err
		}
		now := e.clock()
		exec.StartedAt = now
		exec.WakeAt = time.Time{}
		if def.Timeout > 0 && exec.Deadline.IsZero() {
			exec.Deadline = now.Add(def.Timeout)
		}
		ch.started = true
		ch.log(exec, now, api.EventExecutionStarted, "", 0, "")
		return nil
	})
}

// PromotePending starts pending executions while the resource limiter has
// capacity, highest priority first, then oldest first. It returns how many
// executions were started.
func (e *Engine) PromotePending(ctx context.Context) (int, error) {
	free, err := e.limiter.Available(ctx)
	if err != nil {
		return 0, err
	}
	if free == 0 {
		return 0, nil
	}
	pending, err := e.store.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusPending})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	started := 0
	for _, p := range pending {
		if free > 0 && started >= free {
			break
		}
		if _, err := e.StartExecution(ctx, p.ID); err != nil {
			if errors.Is(err, api.ErrInvalidTransition) || errors.Is(err, api.ErrExecutionTerminal) {
				continue
			}
			return started, err
		}
		started++
	}
	return started, nil
}

// ensureStarted starts a pending execution if capacity allows.
func (e *Engine) ensureStarted(ctx context.Context, exec *api.WorkflowExecution) (*api.WorkflowExecution, error) {
	if exec.Status != api.StatusPending {
		return exec, nil
	}
	free, err := e.limiter.Available(ctx)
	if err != nil {
		return nil, err
	}
	if free == 0 {
		return nil, fmt.Errorf("%w: no capacity to start execution %s", api.ErrResourceLimit, exec.ID)
	}
	return e.StartExecution(ctx, exec.ID)
}

func (e *Engine) CompleteExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if exec.Status != api.StatusRunning {
			return transition(exec, triggerComplete)
		}
		e.finish(exec, ch, e.clock(), api.StatusCompleted, nil)
		return nil
	})
}

func (e *Engine) FailExecution(ctx context.Context, executionID string, cause error) (*api.WorkflowExecution, error) {
	if cause == nil {
		cause = errors.New("execution failed")
	}
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if exec.Status.IsTerminal() {
			return transition(exec, triggerFail)
		}
		e.finish(exec, ch, e.clock(), api.StatusFailed, cause)
		return nil
	})
}

func (e *Engine) PauseExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if err := transition(exec, triggerPause); err != nil {
			return err
		}
		ch.log(exec, e.clock(), api.EventExecutionPaused, "", 0, "")
		return nil
	})
}

// ResumeExecution resumes a paused execution. Node wake times are kept, so
// pending delays and retries still wait for their due time.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if err := transition(exec, triggerResume); err != nil {
			return err
		}
		exec.WakeAt = nextWake(&exec.State)
		ch.log(exec, e.clock(), api.EventExecutionResumed, "", 0, "")
		return nil
	})
}

func (e *Engine) TerminateExecution(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	return e.mutate(ctx, executionID, func(exec *api.WorkflowExecution, ch *change) error {
		if exec.Status.IsTerminal() {
			return transition(exec, triggerTerminate)
		}
		e.finish(exec, ch, e.clock(), api.StatusTerminated, nil)
		return nil
	})
}

func (e *Engine) terminateChildren(ctx context.Context, parent *api.WorkflowExecution) {
	calls, err := e.store.SubWorkflows.ListSubWorkflowCalls(ctx, parent.ID)
	if err != nil {
		e.logger.Error("list child executions failed", "execution_id", parent.ID, "error", err)
		return
	}
	for _, call := range calls {
		if call.Status.IsTerminal() {
			continue
		}
		if _, err := e.TerminateExecution(ctx, call.ChildExecutionID); err != nil && !errors.Is(err, api.ErrExecutionTerminal) {
			e.logger.Error("terminate child execution failed",
				"execution_id", parent.ID,
				"child_execution_id", call.ChildExecutionID,
				"error", err,
			)
		}
	}
}
