package activity

import (
	"context"
	"errors"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Route labels emitted by try_catch nodes.
const (
	RouteTry   = "try"
	RouteCatch = "catch"
)

// TryCatchHandler runs config["code"] (Risor) or config["expression"] and
// turns a failure into a successful result routed to the "catch" edges. The
// output is the protected value on success or {error, kind} on failure.
//
// Failures of other nodes, including sub-workflow children, are caught with
// "error" edges; try_catch protects an inline body.
type TryCatchHandler struct {
	eval *Evaluator
	code *CodeHandler
}

func (h *TryCatchHandler) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	var (
		out any
		err error
	)
	switch {
	case configString(in, "code") != "":
		out, err = h.code.Run(ctx, in, configString(in, "code"))
	case configString(in, "expression") != "":
		out, err = h.eval.Eval(configString(in, "expression"), in.Env())
	default:
		return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, `try_catch node requires "code" or "expression"`)
	}

	if err != nil {
		// A cancelled context is not a caught failure.
		if errors.Is(err, context.Canceled) {
			return api.NodeExecutionResult{}, err
		}
		ne := api.ClassifyError(in.Node.ID, err)
		res := Succeed(map[string]any{"error": err.Error(), "kind": string(ne.Kind)})
		res.Route = RouteCatch
		return res, nil
	}

	res := Succeed(out)
	res.Route = RouteTry
	return res, nil
}
