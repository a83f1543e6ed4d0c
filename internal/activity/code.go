package activity

import (
	"context"
	"fmt"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// safeBuiltins are the Risor builtins and modules that are deterministic and
// have no side effects outside the script.
var safeBuiltins = []string{
	"all", "any", "base64", "bool", "byte", "bytes", "chunk", "coalesce",
	"decode", "encode", "error", "errorf", "errors", "float", "fmt",
	"getattr", "int", "iter", "json", "keys", "len", "list", "map", "math",
	"regexp", "reversed", "set", "sorted", "sprintf", "string", "strings",
	"try", "type",
}

// CodeHandler runs config["code"] as a Risor script. The script sees data,
// vars, nodes, trigger and input (config["input"]); its final expression
// becomes the node output.
type CodeHandler struct {
	builtins map[string]any
}

// NewCodeHandler returns a handler restricted to the safe Risor builtins.
func NewCodeHandler() *CodeHandler {
	available := all.Builtins()
	builtins := make(map[string]any, len(safeBuiltins))
	for _, name := range safeBuiltins {
		if obj, ok := available[name]; ok {
			builtins[name] = obj
		}
	}
	return &CodeHandler{builtins: builtins}
}

func (h *CodeHandler) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	code, err := requireString(in, "code")
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	out, err := h.Run(ctx, in, code)
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	return Succeed(out), nil
}

// Run evaluates code against the input's state and returns the result as a
// plain Go value.
func (h *CodeHandler) Run(ctx context.Context, in Input, code string) (any, error) {
	if _, err := parser.Parse(ctx, code); err != nil {
		return nil, api.NewValidationError(in.Node.ID, fmt.Sprintf("invalid script: %v", err))
	}

	globals := make(map[string]any, len(h.builtins)+5)
	for name, v := range h.builtins {
		globals[name] = v
	}
	globals["data"] = toRisor(in.Data)
	globals["vars"] = toRisor(in.Vars)
	globals["nodes"] = toRisor(in.Results)
	globals["trigger"] = toRisor(in.Trigger)
	globals["input"] = toRisor(in.Config["input"])

	result, err := risor.Eval(ctx, code, risor.WithoutDefaultGlobals(), risor.WithGlobals(globals))
	if err != nil {
		return nil, fmt.Errorf("script failed: %w", err)
	}
	if errObj, ok := result.(*object.Error); ok {
		return nil, fmt.Errorf("script failed: %s", errObj.Inspect())
	}
	return fromRisor(result), nil
}

func toRisor(v any) object.Object {
	if v == nil {
		return object.Nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return object.NewMap(map[string]object.Object{})
	}
	return object.FromGoType(v)
}

// fromRisor converts a Risor result to JSON-friendly Go values.
func fromRisor(obj object.Object) any {
	switch o := obj.(type) {
	case nil:
		return nil
	case *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, fromRisor(item))
		}
		return out
	case *object.Map:
		out := make(map[string]any, len(o.Value()))
		for k, item := range o.Value() {
			out[k] = fromRisor(item)
		}
		return out
	case *object.Set:
		out := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			out = append(out, fromRisor(item))
		}
		return out
	default:
		return o.Inspect()
	}
}
