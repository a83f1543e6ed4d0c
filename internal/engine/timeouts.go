package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// SweepTimeouts fails every non-terminal execution whose workflow deadline
// has passed. It returns how many executions were failed.
func (e *Engine) SweepTimeouts(ctx context.Context) (int, error) {
	now := e.clock()
	failed := 0
	var errs []error
	for _, status := range []api.Status{api.StatusRunning, api.StatusWaitingSignal, api.StatusPaused} {
		execs, err := e.store.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: status})
		if err != nil {
			return failed, err
		}
		for _, exec := range execs {
			if exec.Deadline.IsZero() || now.Before(exec.Deadline) {
				continue
			}
			ok, err := e.expire(ctx, exec.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("execution %s: %w", exec.ID, err))
				continue
			}
			if ok {
				failed++
			}
		}
	}
	return failed, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, id string) (bool, error) {
	expired := false
	_, err := e.mutate(ctx, id, func(exec *api.WorkflowExecution, ch *change) error {
		expired = false
		now := e.clock()
		if exec.Status.IsTerminal() || exec.Deadline.IsZero() || now.Before(exec.Deadline) {
			return errNoChange
		}
		cause := fmt.Errorf("%w: workflow deadline %s passed", api.ErrTimeout, exec.Deadline.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
		e.finish(exec, ch, now, api.StatusFailed, cause)
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		e.logger.Warn("execution timed out", "execution_id", id)
	}
	return expired, nil
}
