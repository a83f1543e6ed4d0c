package activity

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"dario.cat/mergo"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// TransformHandler reshapes data without side effects.
//
// Config:
//
//	operation:  map | filter | reduce | merge | split
//	input:      the value to transform (input_expr evaluates one)
//	expression: per-item expression for map, filter and reduce
//	initial:    reduce accumulator seed
//	sources:    list of maps for merge, later entries win
//	separator:  split separator, default ","
//
// Expressions see item, index and, for reduce, acc.
type TransformHandler struct {
	eval *Evaluator
}

func (h *TransformHandler) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	op, err := requireString(in, "operation")
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	base := in.Env()

	var out any
	switch op {
	case "map", "filter", "reduce":
		out, err = h.iterate(ctx, in, op, base)
	case "merge":
		out, err = h.merge(in, base)
	case "split":
		out, err = h.split(in, base)
	default:
		return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("unknown transform operation %q", op))
	}
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	return Succeed(out), nil
}

func (h *TransformHandler) iterate(ctx context.Context, in Input, op string, base map[string]any) (any, error) {
	src, err := requireString(in, "expression")
	if err != nil {
		return nil, err
	}
	raw, err := configValue(h.eval, in, "input", base)
	if err != nil {
		return nil, err
	}
	items, ok := toSlice(raw)
	if !ok {
		return nil, api.NewValidationError(in.Node.ID, fmt.Sprintf("%s input must be a list, got %T", op, raw))
	}

	acc := in.Config["initial"]
	out := make([]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env := maps.Clone(base)
		env["item"] = item
		env["index"] = i
		env["acc"] = acc

		v, err := h.eval.Eval(src, env)
		if err != nil {
			return nil, err
		}
		switch op {
		case "map":
			out = append(out, v)
		case "filter":
			if Truthy(v) {
				out = append(out, item)
			}
		case "reduce":
			acc = v
		}
	}
	if op == "reduce" {
		return acc, nil
	}
	return out, nil
}

func (h *TransformHandler) merge(in Input, base map[string]any) (any, error) {
	raw, err := configValue(h.eval, in, "sources", base)
	if err != nil {
		return nil, err
	}
	sources, ok := toSlice(raw)
	if !ok {
		return nil, api.NewValidationError(in.Node.ID, "merge sources must be a list")
	}
	out := map[string]any{}
	for i, s := range sources {
		if s == nil {
			continue
		}
		m, ok := s.(map[string]any)
		if !ok {
			return nil, api.NewValidationError(in.Node.ID, fmt.Sprintf("merge source %d is %T, not an object", i, s))
		}
		if err := mergo.Merge(&out, maps.Clone(m), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge source %d: %w", i, err)
		}
	}
	return out, nil
}

func (h *TransformHandler) split(in Input, base map[string]any) (any, error) {
	raw, err := configValue(h.eval, in, "input", base)
	if err != nil {
		return nil, err
	}
	s, ok := raw.(string)
	if !ok {
		return nil, api.NewValidationError(in.Node.ID, fmt.Sprintf("split input must be a string, got %T", raw))
	}
	sep := configString(in, "separator")
	if sep == "" {
		sep = ","
	}
	parts := strings.Split(s, sep)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out, nil
}
