package engine

import (
	"context"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// RecoverOrphaned makes running executions whose worker died claimable
// again: their expired lease is released and their current nodes are due
// at once unless they wait on a retry, timer or child. It returns the IDs
// of the recovered executions.
func (e *Engine) RecoverOrphaned(ctx context.Context) ([]string, error) {
	running, err := e.store.Executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusRunning})
	if err != nil {
		return nil, err
	}
	now := e.clock()

	var recovered []string
	for _, exec := range running {
		if exec.LeaseOwner == "" || exec.LeaseExpiresAt.After(now) {
			continue
		}
		owner := exec.LeaseOwner
		if err := e.store.Executions.ReleaseLease(ctx, exec.ID, owner); err != nil {
			return recovered, err
		}
		_, err := e.mutate(ctx, exec.ID, func(exec *api.WorkflowExecution, ch *change) error {
			if exec.Status != api.StatusRunning {
				return errNoChange
			}
			exec.WakeAt = nextWake(&exec.State)
			ch.log(exec, e.clock(), api.EventNodeRecovered, "", 0, "lease of "+owner+" expired")
			return nil
		})
		if err != nil {
			return recovered, err
		}
		e.logger.Info("orphaned execution recovered", "execution_id", exec.ID, "owner", owner)
		recovered = append(recovered, exec.ID)
	}
	return recovered, nil
}
