package engine

import (
	"github.com/petrijr/fluxgraph/pkg/api"
)

func (s *EngineTestSuite) registerChild(eng *Engine) {
	s.register(eng, linear("child", trigger("start"), node("dbl", "double", nil)))
}

func (s *EngineTestSuite) TestSubWorkflow_MapsOutputIntoParent() {
	eng := s.engine(Config{})
	s.registerChild(eng)
	s.register(eng, linear("parent",
		trigger("start"),
		node("call", api.NodeSubWorkflow, map[string]any{
			"workflow_id": "child",
			"input":       map[string]any{"n": "{{n}}"},
			"output":      map[string]any{"result": "doubled"},
		}),
		node("done", api.NodeNoop, nil),
	))

	parent := s.run(eng, "parent", map[string]any{"n": 3})
	s.Equal(api.StatusRunning, parent.Status)
	s.Require().Contains(parent.State.PendingChildren, "call")
	s.Empty(RunnableNodes(parent, s.clock.Now()))

	childID := parent.State.PendingChildren["call"]
	child := s.get(eng, childID)
	s.Equal(parent.ID, child.ParentExecutionID)
	s.Equal("call", child.ParentNodeID)
	s.Equal(1, child.NestingDepth)
	s.Equal(api.StatusRunning, child.Status)

	s.drain(eng)

	child = s.get(eng, childID)
	s.Equal(api.StatusCompleted, child.Status)
	s.EqualValues(6, child.State.ExecutionData["doubled"])

	parent = s.get(eng, parent.ID)
	s.Equal(api.StatusCompleted, parent.Status)
	s.EqualValues(6, parent.State.ExecutionData["result"])
	s.Empty(parent.State.PendingChildren)

	calls, err := eng.Children(s.ctx, parent.ID)
	s.Require().NoError(err)
	s.Require().Len(calls, 1)
	s.Equal(childID, calls[0].ChildExecutionID)
	s.Equal(api.StatusCompleted, calls[0].Status)
}

func (s *EngineTestSuite) TestSubWorkflow_ChildFailureFailsParentNode() {
	eng := s.engine(Config{})
	s.register(eng, linear("broken", trigger("start"), node("bad", "fatal", nil)))
	s.register(eng, linear("parent",
		trigger("start"),
		node("call", api.NodeSubWorkflow, map[string]any{"workflow_id": "broken"}),
	))

	parent := s.run(eng, "parent", nil)
	s.drain(eng)

	parent = s.get(eng, parent.ID)
	s.Equal(api.StatusFailed, parent.Status)
	s.Contains(parent.Error, "boom")
}

func (s *EngineTestSuite) TestSubWorkflow_RepeatedCallReturnsSameChild() {
	eng := s.engine(Config{})
	s.registerChild(eng)
	s.register(eng, linear("parent", trigger("start"), node("call", api.NodeSubWorkflow, map[string]any{"workflow_id": "child"})))

	parent := s.run(eng, "parent", map[string]any{"n": 1})
	first := parent.State.PendingChildren["call"]

	call, err := eng.ExecuteSubWorkflow(s.ctx, parent.ID, "call", "child", nil, nil)
	s.Require().NoError(err)
	s.Equal(first, call.ChildExecutionID)

	all, err := eng.ListExecutions(s.ctx, api.ExecutionFilter{WorkflowID: "child"})
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *EngineTestSuite) TestSubWorkflow_CascadeTerminate() {
	eng := s.engine(Config{CascadeTerminate: true})
	s.register(eng, approvalWorkflow())
	s.register(eng, linear("parent", trigger("start"), node("call", api.NodeSubWorkflow, map[string]any{"workflow_id": "approval"})))

	parent := s.run(eng, "parent", nil)
	s.drain(eng)
	childID := parent.State.PendingChildren["call"]
	s.Equal(api.StatusWaitingSignal, s.get(eng, childID).Status)

	_, err := eng.TerminateExecution(s.ctx, parent.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusTerminated, s.get(eng, childID).Status)
}

// Scenario: a workflow that calls itself builds a chain of nested
// executions. Creating a sixth level is rejected, failing the node at depth
// five and every ancestor with it.
func (s *EngineTestSuite) TestSubWorkflow_NestingDepthLimit() {
	eng := s.engine(Config{})
	s.register(eng, linear("nest", trigger("start"), node("call", api.NodeSubWorkflow, map[string]any{"workflow_id": "nest"})))

	root := s.run(eng, "nest", nil)
	s.drain(eng)

	all, err := eng.ListExecutions(s.ctx, api.ExecutionFilter{WorkflowID: "nest"})
	s.Require().NoError(err)
	s.Len(all, api.MaxNestingDepth+1)

	var deepest *api.WorkflowExecution
	for _, exec := range all {
		s.Equal(api.StatusFailed, exec.Status, "depth %d", exec.NestingDepth)
		s.NotEmpty(exec.Error)
		s.LessOrEqual(exec.NestingDepth, api.MaxNestingDepth)
		if exec.NestingDepth == api.MaxNestingDepth {
			deepest = exec
		}
	}
	s.Require().NotNil(deepest)
	failure := deepest.State.NodeResults["call"].Output.(map[string]any)
	s.Equal(string(api.KindNestingDepth), failure["kind"])
	s.Contains(deepest.Error, api.ErrNestingDepthExceeded.Error())

	_, err = eng.ExecuteSubWorkflow(s.ctx, root.ID, "call", "nest", nil, nil)
	s.ErrorIs(err, api.ErrExecutionTerminal)

	_, err = eng.CreateExecution(s.ctx, "nest", nil, api.CreateOptions{NestingDepth: api.MaxNestingDepth + 1})
	s.ErrorIs(err, api.ErrNestingDepthExceeded)
}
