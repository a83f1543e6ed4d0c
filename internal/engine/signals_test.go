package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// unavailableUpdates fails every UpdateExecution while down is set.
type unavailableUpdates struct {
	persistence.ExecutionStore
	down atomic.Bool
}

func (u *unavailableUpdates) UpdateExecution(ctx context.Context, exec *api.WorkflowExecution) error {
	if u.down.Load() {
		return errors.New("store unavailable")
	}
	return u.ExecutionStore.UpdateExecution(ctx, exec)
}

func approvalWorkflow() api.WorkflowDefinition {
	return linear("approval",
		trigger("start"),
		node("await", api.NodeWaitSignal, map[string]any{"signal": "approval"}),
		node("done", api.NodeNoop, nil),
	)
}

// Scenario: an execution waits for an approval signal and continues with
// the signal payload merged into its data.
func (s *EngineTestSuite) TestSignal_ApprovalResumesExecution() {
	eng := s.engine(Config{})
	s.register(eng, approvalWorkflow())

	exec := s.run(eng, "approval", map[string]any{"order": "A-1"})
	s.Equal(api.StatusWaitingSignal, exec.Status)
	s.Equal("await", exec.State.WaitingNode)
	s.Equal("approval", exec.State.WaitingSignal)

	n, err := eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	sig, err := eng.EmitSignal(s.ctx, exec.ID, "approval", map[string]any{"approved": true})
	s.Require().NoError(err)
	s.NotEmpty(sig.ID)

	n, err = eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)

	exec = s.get(eng, exec.ID)
	s.Equal(api.StatusRunning, exec.Status)
	s.Equal(true, exec.State.ExecutionData["approved"])
	s.Equal([]string{"done"}, exec.State.CurrentNodeIDs)

	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(true, exec.State.ExecutionData["approved"])
	s.Equal("A-1", exec.State.ExecutionData["order"])

	signals, err := eng.Persistence().Signals.ListSignals(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Require().Len(signals, 1)
	s.True(signals[0].Consumed())
}

func (s *EngineTestSuite) TestSignal_EarlySignalIsDeliveredOnArrival() {
	eng := s.engine(Config{})
	s.register(eng, approvalWorkflow())

	exec, err := eng.CreateExecution(s.ctx, "approval", nil, api.CreateOptions{})
	s.Require().NoError(err)
	_, err = eng.EmitSignal(s.ctx, exec.ID, "approval", map[string]any{"approved": false})
	s.Require().NoError(err)

	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(false, exec.State.ExecutionData["approved"])
}

func (s *EngineTestSuite) TestSignal_EachSignalConsumedOnce() {
	eng := s.engine(Config{})
	s.register(eng, approvalWorkflow())
	exec := s.run(eng, "approval", nil)

	_, err := eng.EmitSignal(s.ctx, exec.ID, "approval", map[string]any{"n": 1})
	s.Require().NoError(err)
	_, err = eng.EmitSignal(s.ctx, exec.ID, "approval", map[string]any{"n": 2})
	s.Require().NoError(err)

	n, err := eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	n, err = eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)

	exec = s.get(eng, exec.ID)
	s.EqualValues(1, exec.State.ExecutionData["n"])
	s.Equal(1, s.countLogs(eng, exec.ID, api.EventSignalConsumed))
}

func (s *EngineTestSuite) TestSignal_WrongNameDoesNotResume() {
	eng := s.engine(Config{})
	s.register(eng, approvalWorkflow())
	exec := s.run(eng, "approval", nil)

	_, err := eng.EmitSignal(s.ctx, exec.ID, "rejection", nil)
	s.Require().NoError(err)
	n, err := eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(api.StatusWaitingSignal, s.get(eng, exec.ID).Status)
}

func (s *EngineTestSuite) TestSignal_RejectedForEndedExecution() {
	eng := s.engine(Config{})
	s.register(eng, approvalWorkflow())
	exec := s.run(eng, "approval", nil)

	_, err := eng.TerminateExecution(s.ctx, exec.ID)
	s.Require().NoError(err)
	_, err = eng.EmitSignal(s.ctx, exec.ID, "approval", nil)
	s.ErrorIs(err, api.ErrExecutionTerminal)

	_, err = eng.EmitSignal(s.ctx, "missing", "approval", nil)
	s.ErrorIs(err, api.ErrExecutionNotFound)
}

func (s *EngineTestSuite) TestSignal_WaitTimeoutFailsNode() {
	eng := s.engine(Config{})
	s.register(eng, linear("deadline",
		trigger("start"),
		node("await", api.NodeWaitSignal, map[string]any{"signal": "approval", "timeout": "30s"}),
	))
	exec := s.run(eng, "deadline", nil)
	s.Require().Equal(api.StatusWaitingSignal, exec.Status)

	s.clock.Advance(31 * time.Second)
	_, err := eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)

	exec = s.get(eng, exec.ID)
	s.Equal(api.StatusFailed, exec.Status)
	s.Contains(exec.Error, string(api.KindTimeout))
}

func (s *EngineTestSuite) TestWaitForSignal_IsIdempotent() {
	eng := s.engine(Config{})
	s.register(eng, linear("manual", trigger("start"), node("gate", api.NodeNoop, nil)))

	exec, err := eng.CreateExecution(s.ctx, "manual", nil, api.CreateOptions{})
	s.Require().NoError(err)
	_, err = eng.ExecuteNode(s.ctx, exec.ID, "start")
	s.Require().NoError(err)

	first, err := eng.WaitForSignal(s.ctx, exec.ID, "gate", "go")
	s.Require().NoError(err)
	s.Equal(api.StatusWaitingSignal, first.Status)

	second, err := eng.WaitForSignal(s.ctx, exec.ID, "gate", "go")
	s.Require().NoError(err)
	s.Equal(first.Version, second.Version)

	_, err = eng.WaitForSignal(s.ctx, exec.ID, "start", "go")
	s.ErrorIs(err, api.ErrNodeNotRunnable)
}

func (s *EngineTestSuite) TestSignal_KeptWhenResumeFails() {
	base := s.engine(Config{})
	updates := &unavailableUpdates{ExecutionStore: base.Persistence().Executions}
	eng := s.sibling(base, func(p *persistence.Persistence) { p.Executions = updates })
	s.register(eng, approvalWorkflow())

	exec := s.run(eng, "approval", nil)
	s.Require().Equal(api.StatusWaitingSignal, exec.Status)
	_, err := eng.EmitSignal(s.ctx, exec.ID, "approval", map[string]any{"approved": true})
	s.Require().NoError(err)

	updates.down.Store(true)
	n, err := eng.DeliverSignals(s.ctx)
	s.ErrorContains(err, "store unavailable")
	s.Zero(n)
	updates.down.Store(false)

	s.Equal(api.StatusWaitingSignal, s.get(eng, exec.ID).Status)
	signals, err := eng.Persistence().Signals.ListSignals(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Require().Len(signals, 1)
	s.False(signals[0].Consumed())

	n, err = eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(true, exec.State.ExecutionData["approved"])
}

func (s *EngineTestSuite) TestSignal_SameInstantSignalsKeepOrder() {
	eng := s.engine(Config{})
	s.register(eng, linear("twice",
		trigger("start"),
		node("first", api.NodeWaitSignal, map[string]any{"signal": "step"}),
		node("second", api.NodeWaitSignal, map[string]any{"signal": "step"}),
	))
	exec := s.run(eng, "twice", nil)

	for i := 1; i <= 2; i++ {
		_, err := eng.EmitSignal(s.ctx, exec.ID, "step", map[string]any{"n": i})
		s.Require().NoError(err)
	}

	_, err := eng.DeliverSignals(s.ctx)
	s.Require().NoError(err)
	s.EqualValues(1, s.get(eng, exec.ID).State.ExecutionData["n"])

	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.EqualValues(2, exec.State.ExecutionData["n"])
}
