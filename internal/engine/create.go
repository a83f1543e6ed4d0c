package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.jetify.com/typeid"

	"github.com/petrijr/fluxgraph/internal/idempotency"
	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

func newExecutionID() string {
	id, err := typeid.WithPrefix("exec")
	if err != nil {
		return "exec_" + uuid.NewString()
	}
	return id.String()
}

// CreateExecution creates a pending execution positioned at the workflow's
// entry node. ExecutionData starts as a copy of the trigger data.
//
// With an idempotency key the first call within the window creates the
// execution and later calls return it.
func (e *Engine) CreateExecution(ctx context.Context, workflowID string, triggerData map[string]any, opts api.CreateOptions) (*api.WorkflowExecution, error) {
	def, err := e.store.Workflows.GetWorkflow(ctx, workflowID, opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.NestingDepth > api.MaxNestingDepth {
		return nil, fmt.Errorf("%w: depth %d, limit %d", api.ErrNestingDepthExceeded, opts.NestingDepth, api.MaxNestingDepth)
	}

	id := opts.ExecutionID
	if id == "" {
		id = newExecutionID()
	} else if existing, err := e.store.Executions.GetExecution(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, api.ErrExecutionNotFound) {
		return nil, err
	}

	key := opts.IdempotencyKey
	if key == "" && opts.DeriveKey {
		if key, err = idempotency.DeriveKey(workflowID, triggerData); err != nil {
			return nil, err
		}
	}
	if key != "" {
		owner, reserved, err := e.guard.Reserve(ctx, key, id, e.window)
		if err != nil {
			return nil, err
		}
		if !reserved {
			return e.awaitExecution(ctx, owner)
		}
	}

	now := e.clock()
	data, err := cloneData(triggerData)
	if err != nil {
		return nil, fmt.Errorf("trigger data: %w", err)
	}
	exec := &api.WorkflowExecution{
		ID:                id,
		WorkflowID:        def.ID,
		WorkflowVersion:   def.Version,
		Status:            api.StatusPending,
		State:             api.NewExecutionState(def.Entry, data),
		TriggerData:       triggerData,
		MockResults:       opts.MockResults,
		ParentExecutionID: opts.ParentExecutionID,
		ParentNodeID:      opts.ParentNodeID,
		NestingDepth:      opts.NestingDepth,
		Priority:          opts.Priority,
		IdempotencyKey:    key,
		Debug:             opts.Debug,
		ReplayOf:          opts.ReplayOf,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.store.Executions.CreateExecution(ctx, exec); err != nil {
		if errors.Is(err, persistence.ErrExecutionExists) {
			return e.store.Executions.GetExecution(ctx, id)
		}
		if key != "" {
			_ = e.guard.Release(ctx, key)
		}
		return nil, err
	}

	detail := ""
	if opts.ReplayOf != "" {
		detail = "replay of " + opts.ReplayOf
	}
	e.appendLog(ctx, api.LogEntry{ExecutionID: id, At: now, Type: api.EventExecutionCreated, Detail: detail})
	if opts.Debug && e.debugger != nil {
		e.debugger.Enable(id)
	}
	e.logger.Debug("execution created",
		"execution_id", id,
		"workflow_id", def.ID,
		"version", def.Version,
		"depth", opts.NestingDepth,
	)
	return exec, nil
}

// awaitExecution returns the execution that holds an idempotency key. Its
// creator may not have persisted it yet, so a missing row is retried briefly.
func (e *Engine) awaitExecution(ctx context.Context, id string) (*api.WorkflowExecution, error) {
	var out *api.WorkflowExecution
	backoff := retry.WithMaxRetries(20, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		exec, err := e.store.Executions.GetExecution(ctx, id)
		if errors.Is(err, api.ErrExecutionNotFound) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		out = exec
		return nil
	})
	return out, err
}

func cloneData(m map[string]any) (map[string]any, error) {
	data, err := persistence.EncodeValue(m)
	if err != nil {
		return nil, err
	}
	out, err := persistence.DecodeMap(data)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Replay starts a new execution of the same workflow version with the
// original trigger data.
func (e *Engine) Replay(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	orig, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return e.CreateExecution(ctx, orig.WorkflowID, orig.TriggerData, api.CreateOptions{
		Version:  orig.WorkflowVersion,
		Priority: orig.Priority,
		Debug:    orig.Debug,
		ReplayOf: orig.ID,
	})
}

// TestRun executes a workflow with mocked node results until it blocks or
// ends. Nodes listed in mocks skip their handler and succeed with the
// mocked output.
func (e *Engine) TestRun(ctx context.Context, workflowID string, triggerData, mocks map[string]any) (*api.WorkflowExecution, error) {
	if mocks == nil {
		mocks = map[string]any{}
	}
	exec, err := e.CreateExecution(ctx, workflowID, triggerData, api.CreateOptions{MockResults: mocks})
	if err != nil {
		return nil, err
	}
	if _, err := e.StartExecution(ctx, exec.ID); err != nil {
		return nil, err
	}
	return e.RunUntilBlocked(ctx, exec.ID)
}

// RunUntilBlocked executes runnable nodes of one execution in this goroutine
// until it ends or has nothing due: it waits on a signal, a timer, a retry
// or a child execution.
func (e *Engine) RunUntilBlocked(ctx context.Context, executionID string) (*api.WorkflowExecution, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exec, err := e.store.Executions.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status == api.StatusPending {
			if exec, err = e.ensureStarted(ctx, exec); err != nil {
				return nil, err
			}
		}
		runnable := RunnableNodes(exec, e.clock())
		if len(runnable) == 0 {
			return exec, nil
		}
		for _, nodeID := range runnable {
			if _, err := e.ExecuteNode(ctx, executionID, nodeID); err != nil {
				if errors.Is(err, api.ErrNodeNotRunnable) || errors.Is(err, api.ErrExecutionTerminal) {
					continue
				}
				return nil, err
			}
		}
	}
}
