package engine

import (
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func (s *EngineTestSuite) TestConditionNode_FollowsRoute() {
	eng := s.engine(Config{})
	s.register(eng, api.WorkflowDefinition{
		ID:    "route",
		Entry: "start",
		Nodes: []api.Node{
			trigger("start"),
			node("check", api.NodeCondition, map[string]any{"expression": "amount > 100"}),
			node("high", api.NodeNoop, nil),
			node("low", api.NodeNoop, nil),
		},
		Edges: []api.Edge{
			{From: "start", To: "check"},
			{From: "check", To: "high", Condition: "true"},
			{From: "check", To: "low", Condition: "false"},
		},
	})

	exec := s.run(eng, "route", map[string]any{"amount": 150})
	s.Equal(api.StatusCompleted, exec.Status)
	s.Contains(exec.State.CompletedNodeIDs, "high")
	s.NotContains(exec.State.CompletedNodeIDs, "low")

	exec = s.run(eng, "route", map[string]any{"amount": 5})
	s.Contains(exec.State.CompletedNodeIDs, "low")
	s.NotContains(exec.State.CompletedNodeIDs, "high")
}

func (s *EngineTestSuite) TestSwitchNode_FallsBackToDefault() {
	eng := s.engine(Config{})
	s.register(eng, api.WorkflowDefinition{
		ID:    "switch",
		Entry: "start",
		Nodes: []api.Node{
			trigger("start"),
			node("kind", api.NodeSwitch, map[string]any{"expression": "kind"}),
			node("book", api.NodeNoop, nil),
			node("other", api.NodeNoop, nil),
		},
		Edges: []api.Edge{
			{From: "start", To: "kind"},
			{From: "kind", To: "book", Condition: "book"},
			{From: "kind", To: "other", Condition: api.ConditionDefault},
		},
	})

	exec := s.run(eng, "switch", map[string]any{"kind": "book"})
	s.Contains(exec.State.CompletedNodeIDs, "book")
	s.NotContains(exec.State.CompletedNodeIDs, "other")

	exec = s.run(eng, "switch", map[string]any{"kind": "lamp"})
	s.Contains(exec.State.CompletedNodeIDs, "other")
	s.NotContains(exec.State.CompletedNodeIDs, "book")
}

func (s *EngineTestSuite) TestExpressionEdges_DefaultWhenNothingMatches() {
	eng := s.engine(Config{})
	s.register(eng, api.WorkflowDefinition{
		ID:    "expr",
		Entry: "start",
		Nodes: []api.Node{
			trigger("start"),
			node("big", api.NodeNoop, nil),
			node("small", api.NodeNoop, nil),
			node("always", api.NodeNoop, nil),
		},
		Edges: []api.Edge{
			{From: "start", To: "big", Condition: "n > 10"},
			{From: "start", To: "small", Condition: api.ConditionDefault},
			{From: "start", To: "always"},
		},
	})

	exec := s.run(eng, "expr", map[string]any{"n": 50})
	s.ElementsMatch([]string{"start", "big", "always"}, exec.State.CompletedNodeIDs)

	exec = s.run(eng, "expr", map[string]any{"n": 1})
	s.ElementsMatch([]string{"start", "small", "always"}, exec.State.CompletedNodeIDs)
}

// fanOut builds start -> split -> {a, b, c} -> join -> end.
func fanOut(id, policy string, n int) api.WorkflowDefinition {
	joinConfig := map[string]any{"policy": policy}
	if n > 0 {
		joinConfig["n"] = n
	}
	def := api.WorkflowDefinition{
		ID:    id,
		Entry: "start",
		Nodes: []api.Node{
			trigger("start"),
			node("split", api.NodeParallel, nil),
			node("a", api.NodeNoop, map[string]any{"output": map[string]any{"a": 1}}),
			node("b", api.NodeNoop, map[string]any{"output": map[string]any{"b": 2}}),
			node("c", api.NodeNoop, map[string]any{"output": map[string]any{"c": 3}}),
			node("join", api.NodeJoin, joinConfig),
			node("end", api.NodeNoop, nil),
		},
		Edges: []api.Edge{
			{From: "start", To: "split"},
			{From: "join", To: "end"},
		},
	}
	for _, branch := range []string{"a", "b", "c"} {
		def.Edges = append(def.Edges,
			api.Edge{From: "split", To: branch},
			api.Edge{From: branch, To: "join"},
		)
	}
	return def
}

func (s *EngineTestSuite) TestFanOut_JoinAllWaitsForEveryBranch() {
	eng := s.engine(Config{})
	s.register(eng, fanOut("all", JoinAll, 0))

	exec, err := eng.CreateExecution(s.ctx, "all", nil, api.CreateOptions{})
	s.Require().NoError(err)
	for _, id := range []string{"start", "split"} {
		_, err := eng.ExecuteNode(s.ctx, exec.ID, id)
		s.Require().NoError(err)
	}
	exec = s.get(eng, exec.ID)
	s.ElementsMatch([]string{"a", "b", "c"}, exec.State.CurrentNodeIDs)

	for _, id := range []string{"a", "b"} {
		_, err := eng.ExecuteNode(s.ctx, exec.ID, id)
		s.Require().NoError(err)
	}
	exec = s.get(eng, exec.ID)
	s.Equal([]string{"c"}, exec.State.CurrentNodeIDs)
	s.ElementsMatch([]string{"a", "b"}, exec.State.JoinArrivals["join"])

	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)

	out := exec.State.NodeResults["join"].Output.(map[string]any)
	s.Len(out, 3)
	s.EqualValues(3, exec.State.ExecutionData["c"])
	s.Equal(1, s.countLogs(eng, exec.ID, api.EventJoinFired))
}

func (s *EngineTestSuite) TestFanOut_JoinAnyFiresOnce() {
	eng := s.engine(Config{})
	s.register(eng, fanOut("any", JoinAny, 0))

	exec := s.run(eng, "any", nil)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(1, s.countLogs(eng, exec.ID, api.EventJoinFired))

	joins := 0
	for _, id := range exec.State.CompletedNodeIDs {
		if id == "join" {
			joins++
		}
	}
	s.Equal(1, joins)
	s.Equal(1, s.countNodeStarts(eng, exec.ID, "end"))
}

func (s *EngineTestSuite) TestFanOut_JoinNOfM() {
	eng := s.engine(Config{})
	s.register(eng, fanOut("quorum", JoinNOfM, 2))

	exec, err := eng.CreateExecution(s.ctx, "quorum", nil, api.CreateOptions{})
	s.Require().NoError(err)
	for _, id := range []string{"start", "split", "a"} {
		_, err := eng.ExecuteNode(s.ctx, exec.ID, id)
		s.Require().NoError(err)
	}
	s.NotContains(s.get(eng, exec.ID).State.CurrentNodeIDs, "join")

	_, err = eng.ExecuteNode(s.ctx, exec.ID, "b")
	s.Require().NoError(err)
	s.Contains(s.get(eng, exec.ID).State.CurrentNodeIDs, "join")

	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(1, s.countNodeStarts(eng, exec.ID, "end"))
}

func (s *EngineTestSuite) countNodeStarts(eng *Engine, id, nodeID string) int {
	logs, err := eng.Logs(s.ctx, id)
	s.Require().NoError(err)
	n := 0
	for _, l := range logs {
		if l.Type == api.EventNodeStarted && l.NodeID == nodeID {
			n++
		}
	}
	return n
}

func (s *EngineTestSuite) TestErrorEdge_CatchesPermanentFailure() {
	eng := s.engine(Config{})
	s.register(eng, api.WorkflowDefinition{
		ID:    "catch",
		Entry: "start",
		Nodes: []api.Node{
			trigger("start"),
			node("bad", "fatal", nil),
			node("ok", api.NodeNoop, nil),
			node("cleanup", api.NodeNoop, map[string]any{"output": map[string]any{"cleaned": "{{error.node}}"}}),
		},
		Edges: []api.Edge{
			{From: "start", To: "bad"},
			{From: "bad", To: "ok"},
			{From: "bad", To: "cleanup", Condition: api.ConditionError},
		},
	})

	exec := s.run(eng, "catch", nil)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Contains(exec.State.CompletedNodeIDs, "cleanup")
	s.NotContains(exec.State.CompletedNodeIDs, "ok")
	s.Equal("bad", exec.State.ExecutionData["cleaned"])

	failure := exec.State.ExecutionData["error"].(map[string]any)
	s.Equal(string(api.KindFatal), failure["kind"])
}

// Scenario: B fails twice with a transient error and succeeds on its third
// attempt. Retries wait 1s and then 2s.
func (s *EngineTestSuite) TestRetry_BackoffThenSuccess() {
	eng := s.engine(Config{})
	b := node("B", "flaky", map[string]any{"failures": 2})
	b.Retry = &api.RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}
	s.register(eng, linear("retry", trigger("A"), b, node("C", api.NodeNoop, nil)))

	exec := s.run(eng, "retry", nil)
	s.Equal(api.StatusRunning, exec.Status)
	s.Equal(1, exec.RetryCount)
	s.Equal(time.Second, exec.State.NotBefore["B"].Sub(s.clock.Now()))
	s.Equal(time.Second, exec.NextRetryAt.Sub(s.clock.Now()))
	s.Empty(RunnableNodes(exec, s.clock.Now()))

	// Nothing runs before the retry is due.
	s.clock.Advance(500 * time.Millisecond)
	exec, err := eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(1, exec.RetryCount)

	s.clock.Advance(500 * time.Millisecond)
	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(2, exec.RetryCount)
	s.Equal(2*time.Second, exec.State.NotBefore["B"].Sub(s.clock.Now()))

	s.clock.Advance(2 * time.Second)
	exec, err = eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
	s.Equal(3, exec.State.NodeResults["B"].Attempts)
	s.EqualValues(3, exec.State.ExecutionData["attempt"])
	s.Equal([]string{"A", "B", "C"}, exec.State.CompletedNodeIDs)
	s.Equal(2, s.countLogs(eng, exec.ID, api.EventNodeRetryScheduled))
}

func (s *EngineTestSuite) TestRetry_ExhaustedFailsExecution() {
	eng := s.engine(Config{})
	def := linear("retry", trigger("A"), node("B", "flaky", map[string]any{"failures": 5}))
	def.Retry = &api.RetryPolicy{MaxRetries: 1, InitialDelay: time.Second}
	s.register(eng, def)

	exec := s.run(eng, "retry", nil)
	s.Equal(api.StatusRunning, exec.Status)

	s.clock.Advance(time.Second)
	exec, err := eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusFailed, exec.Status)
	s.Contains(exec.Error, "attempt 2 failed")
	s.Equal(2, exec.State.NodeResults["B"].Attempts)
}

func (s *EngineTestSuite) TestDelayNode_SuspendsUntilDue() {
	eng := s.engine(Config{})
	s.register(eng, linear("delay", trigger("start"), node("wait", api.NodeDelay, map[string]any{"duration": "10s"}), node("end", api.NodeNoop, nil)))

	exec := s.run(eng, "delay", nil)
	s.Equal(api.StatusRunning, exec.Status)
	s.Equal([]string{"wait"}, exec.State.CurrentNodeIDs)
	s.True(exec.WakeAt.Equal(s.clock.Now().Add(10 * time.Second)))

	s.clock.Advance(10 * time.Second)
	exec, err := eng.RunUntilBlocked(s.ctx, exec.ID)
	s.Require().NoError(err)
	s.Equal(api.StatusCompleted, exec.Status)
}
