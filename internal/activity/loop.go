package activity

import (
	"context"
	"fmt"
	"maps"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const defaultMaxIterations = 1000

// LoopHandler runs an expression body repeatedly inside one node.
//
// Config:
//
//	mode:           "for" (default when items is set), "while" or "repeat"
//	items:          list to iterate in "for" mode (items_expr evaluates one)
//	condition:      expression checked before every "while" iteration
//	times:          iteration count for "repeat"
//	body:           expression evaluated per iteration; its value is collected
//	break:          expression; when true the loop stops before the body runs
//	continue:       expression; when true the body is skipped for this iteration
//	max_iterations: safety bound, default 1000
//
// The body sees item, index, results and last next to the usual
// environment. The output is {results, iterations, broke}.
type LoopHandler struct {
	eval *Evaluator
}

func (h *LoopHandler) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	base := in.Env()

	mode := configString(in, "mode")
	if mode == "" {
		switch {
		case in.Config["items"] != nil || configString(in, "items_expr") != "":
			mode = "for"
		case configString(in, "condition") != "":
			mode = "while"
		default:
			mode = "repeat"
		}
	}

	maxIter, err := configInt(in, "max_iterations", defaultMaxIterations)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}

	var items []any
	limit := maxIter
	switch mode {
	case "for":
		raw, err := configValue(h.eval, in, "items", base)
		if err != nil {
			return api.NodeExecutionResult{}, err
		}
		list, ok := toSlice(raw)
		if !ok {
			return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("loop items must be a list, got %T", raw))
		}
		items = list
		limit = min(len(items), maxIter)
	case "while":
		if _, err := requireString(in, "condition"); err != nil {
			return api.NodeExecutionResult{}, err
		}
	case "repeat":
		times, err := configInt(in, "times", 0)
		if err != nil {
			return api.NodeExecutionResult{}, err
		}
		limit = min(times, maxIter)
	default:
		return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("unknown loop mode %q", mode))
	}

	body := configString(in, "body")
	breakExpr := configString(in, "break")
	continueExpr := configString(in, "continue")
	condition := configString(in, "condition")

	results := []any{}
	var last any
	broke := false
	i := 0
	for ; i < limit; i++ {
		if err := ctx.Err(); err != nil {
			return api.NodeExecutionResult{}, err
		}

		env := maps.Clone(base)
		env["index"] = i
		env["results"] = results
		env["last"] = last
		if mode == "for" {
			env["item"] = items[i]
		}

		if mode == "while" {
			ok, err := h.eval.EvalBool(condition, env)
			if err != nil {
				return api.NodeExecutionResult{}, err
			}
			if !ok {
				break
			}
		}
		if breakExpr != "" {
			stop, err := h.eval.EvalBool(breakExpr, env)
			if err != nil {
				return api.NodeExecutionResult{}, err
			}
			if stop {
				broke = true
				break
			}
		}
		if continueExpr != "" {
			skip, err := h.eval.EvalBool(continueExpr, env)
			if err != nil {
				return api.NodeExecutionResult{}, err
			}
			if skip {
				continue
			}
		}

		var v any = env["item"]
		if body != "" {
			if v, err = h.eval.Eval(body, env); err != nil {
				return api.NodeExecutionResult{}, err
			}
		}
		results = append(results, v)
		last = v
	}

	return Succeed(map[string]any{
		"results":    results,
		"iterations": i,
		"broke":      broke,
	}), nil
}
