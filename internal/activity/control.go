package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// triggerHandler passes the trigger payload through as the node output.
func triggerHandler(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	return Succeed(in.Trigger), nil
}

// noopHandler emits config["output"], if any. Parallel nodes use it too:
// fan-out comes from their outgoing edges, not from the handler.
func noopHandler(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	return Succeed(in.Config["output"]), nil
}

// joinHandler aggregates predecessor outputs keyed by source node ID.
// Policy gating happens before the join is scheduled.
func joinHandler(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	out := make(map[string]any, len(in.Sources))
	for id, v := range in.Sources {
		out[id] = v
	}
	return Succeed(out), nil
}

// ConditionHandler evaluates config["expression"] and routes to the edges
// labelled "true" or "false".
type ConditionHandler struct {
	eval *Evaluator
}

func (h *ConditionHandler) Execute(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	src, err := requireString(in, "expression")
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	ok, err := h.eval.EvalBool(src, in.Env())
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	res := Succeed(ok)
	res.Route = fmt.Sprint(ok)
	return res, nil
}

// SwitchHandler evaluates config["expression"] and routes to the edge whose
// label equals the result. When config["cases"] lists the known labels,
// anything else routes to "default".
type SwitchHandler struct {
	eval *Evaluator
}

func (h *SwitchHandler) Execute(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	src, err := requireString(in, "expression")
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	v, err := h.eval.Eval(src, in.Env())
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	route := formatRoute(v)

	if raw, ok := in.Config["cases"]; ok {
		cases, ok := toSlice(raw)
		if !ok {
			return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, "switch cases must be a list")
		}
		matched := false
		for _, c := range cases {
			if formatRoute(c) == route {
				matched = true
				break
			}
		}
		if !matched {
			route = api.ConditionDefault
		}
	}

	res := Succeed(map[string]any{"value": v, "case": route})
	res.Route = route
	return res, nil
}

func formatRoute(v any) string {
	if v == nil {
		return api.ConditionDefault
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprint(int64(f))
	}
	return fmt.Sprint(v)
}

// delayHandler suspends the node once for config["duration"], or until
// config["until"] (RFC 3339), and succeeds when resumed.
func delayHandler(_ context.Context, in Input) (api.NodeExecutionResult, error) {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var until time.Time
	if s := configString(in, "until"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("invalid until: %v", err))
		}
		until = t
	} else {
		d, ok, err := configDuration(in, "duration")
		if err != nil {
			return api.NodeExecutionResult{}, err
		}
		if !ok {
			return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, `delay node requires "duration" or "until"`)
		}
		until = now.Add(d)
	}

	if in.Resumed || !until.After(now) {
		return Succeed(nil), nil
	}
	return api.NodeExecutionResult{Success: true, Suspend: &api.Suspension{Until: until}}, nil
}
