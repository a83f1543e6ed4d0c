package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/petrijr/fluxgraph/internal/activity"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// Join wait policies.
const (
	JoinAll  = "all"
	JoinAny  = "any"
	JoinNOfM = "n_of_m"
)

// joinPolicy reads a join node's policy and, for n_of_m, its threshold.
func joinPolicy(n api.Node) (string, int, error) {
	policy, _ := n.Config["policy"].(string)
	if policy == "" {
		policy = JoinAll
	}
	switch policy {
	case JoinAll, JoinAny:
		return policy, 0, nil
	case JoinNOfM:
		need := 0
		switch v := n.Config["n"].(type) {
		case int:
			need = v
		case int64:
			need = int(v)
		case float64:
			need = int(v)
		}
		if need <= 0 {
			return "", 0, api.NewValidationError(n.ID, `n_of_m join requires a positive "n"`)
		}
		return policy, need, nil
	}
	return "", 0, api.NewValidationError(n.ID, fmt.Sprintf("unknown join policy %q", policy))
}

// edgeEnv is the expression environment for edge conditions.
func edgeEnv(exec *api.WorkflowExecution, output any) map[string]any {
	s := &exec.State
	env := activity.Env(s.ExecutionData, s.Variables, s.Outputs(), exec.TriggerData, nil)
	env["output"] = output
	return env
}

// selectEdges picks the outgoing edges to follow after a node succeeded.
//
// A routed result follows the edges labelled with its route, then "default"
// edges, then unconditional ones. Otherwise unconditional edges are always
// followed, conditional edges when their expression is truthy, and
// "default" edges only when no conditional edge matched. "error" edges are
// never followed on success.
func (e *Engine) selectEdges(def *api.WorkflowDefinition, exec *api.WorkflowExecution, nodeID string, res api.NodeExecutionResult) ([]api.Edge, error) {
	var candidates []api.Edge
	for _, edge := range def.Outgoing(nodeID) {
		if edge.Condition != api.ConditionError {
			candidates = append(candidates, edge)
		}
	}

	byLabel := func(label string) []api.Edge {
		var out []api.Edge
		for _, edge := range candidates {
			if edge.Condition == label {
				out = append(out, edge)
			}
		}
		return out
	}

	if res.Route != "" {
		if out := byLabel(res.Route); len(out) > 0 {
			return out, nil
		}
		if out := byLabel(api.ConditionDefault); len(out) > 0 {
			return out, nil
		}
		return byLabel(""), nil
	}

	env := edgeEnv(exec, res.Output)
	var (
		out      []api.Edge
		defaults []api.Edge
		matched  bool
	)
	for _, edge := range candidates {
		switch edge.Condition {
		case "":
			out = append(out, edge)
		case api.ConditionDefault:
			defaults = append(defaults, edge)
		default:
			ok, err := e.eval.EvalBool(edge.Condition, env)
			if err != nil {
				return nil, api.NewValidationError(nodeID, fmt.Sprintf("edge %s -> %s: %v", edge.From, edge.To, err))
			}
			if ok {
				matched = true
				out = append(out, edge)
			}
		}
	}
	if !matched {
		out = append(out, defaults...)
	}
	return out, nil
}

// errorEdges returns the edges followed when nodeID fails permanently.
func errorEdges(def *api.WorkflowDefinition, nodeID string) []api.Edge {
	var out []api.Edge
	for _, edge := range def.Outgoing(nodeID) {
		if edge.Condition == api.ConditionError {
			out = append(out, edge)
		}
	}
	return out
}

// follow moves the execution along edges. Join targets only become current
// once their policy is satisfied, and only once.
func (e *Engine) follow(def *api.WorkflowDefinition, exec *api.WorkflowExecution, ch *change, now time.Time, edges []api.Edge) {
	s := &exec.State
	for _, edge := range edges {
		target, ok := def.Node(edge.To)
		if !ok {
			continue
		}
		if target.Type != api.NodeJoin {
			enterNode(s, target.ID)
			continue
		}

		if !slices.Contains(s.JoinArrivals[target.ID], edge.From) {
			s.JoinArrivals[target.ID] = append(s.JoinArrivals[target.ID], edge.From)
		}
		if slices.Contains(s.FiredJoins, target.ID) {
			continue
		}
		if !joinSatisfied(def, target, len(s.JoinArrivals[target.ID])) {
			continue
		}
		s.FiredJoins = append(s.FiredJoins, target.ID)
		enterNode(s, target.ID)
		ch.log(exec, now, api.EventJoinFired, target.ID, 0, fmt.Sprintf("arrived: %v", s.JoinArrivals[target.ID]))
	}
}

func joinSatisfied(def *api.WorkflowDefinition, join api.Node, arrived int) bool {
	policy, need, err := joinPolicy(join)
	if err != nil {
		return false
	}
	switch policy {
	case JoinAny:
		return arrived >= 1
	case JoinNOfM:
		return arrived >= need
	}
	return arrived >= len(def.Predecessors(join.ID))
}

// joinSources returns the outputs of the predecessors that reached a join.
func joinSources(s *api.ExecutionState, joinID string) map[string]any {
	out := make(map[string]any, len(s.JoinArrivals[joinID]))
	for _, id := range s.JoinArrivals[joinID] {
		out[id] = s.NodeResults[id].Output
	}
	return out
}

// enterNode makes id current with a fresh attempt counter.
func enterNode(s *api.ExecutionState, id string) {
	if s.IsCurrent(id) {
		return
	}
	s.CurrentNodeIDs = append(s.CurrentNodeIDs, id)
	delete(s.NodeAttempts, id)
	delete(s.NotBefore, id)
	delete(s.Timers, id)
}

// leaveNode records result for id and removes it from the current set.
func leaveNode(s *api.ExecutionState, id string, result api.NodeResult) {
	s.NodeResults[id] = result
	s.CurrentNodeIDs = slices.DeleteFunc(s.CurrentNodeIDs, func(c string) bool { return c == id })
	if !slices.Contains(s.CompletedNodeIDs, id) {
		s.CompletedNodeIDs = append(s.CompletedNodeIDs, id)
	}
	delete(s.NotBefore, id)
	delete(s.Timers, id)
}

// nextWake returns when the execution next has a node to run: the zero time
// if one is due now, the earliest node wake time otherwise, and api.Never
// when every current node waits on a child execution.
func nextWake(s *api.ExecutionState) time.Time {
	if len(s.CurrentNodeIDs) == 0 {
		return time.Time{}
	}
	wake := api.Never
	for _, id := range s.CurrentNodeIDs {
		if s.PendingChildren[id] != "" {
			continue
		}
		nb, ok := s.NotBefore[id]
		if !ok || nb.IsZero() {
			return time.Time{}
		}
		if nb.Before(wake) {
			wake = nb
		}
	}
	return wake
}

// RunnableNodes returns the current nodes of a running execution that may
// be dispatched at now.
func RunnableNodes(exec *api.WorkflowExecution, now time.Time) []string {
	if exec.Status != api.StatusRunning {
		return nil
	}
	s := &exec.State
	var out []string
	for _, id := range s.CurrentNodeIDs {
		if s.PendingChildren[id] != "" {
			continue
		}
		if nb, ok := s.NotBefore[id]; ok && nb.After(now) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// settle completes the execution once nothing is left to run.
func (e *Engine) settle(exec *api.WorkflowExecution, ch *change, now time.Time) {
	if exec.Status.IsTerminal() {
		return
	}
	s := &exec.State
	if len(s.CurrentNodeIDs) == 0 && len(s.PendingChildren) == 0 && exec.Status == api.StatusRunning {
		e.finish(exec, ch, now, api.StatusCompleted, nil)
		return
	}
	exec.WakeAt = nextWake(s)
}
