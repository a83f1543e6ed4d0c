// Package activity holds the node handler registry and the built-in
// handlers.
//
// A handler receives a node's resolved configuration and a read-only view of
// the execution state and returns a NodeExecutionResult. Handlers never
// touch engine state; anything they want to keep goes into the result.
package activity

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Input is everything a handler may look at.
type Input struct {
	ExecutionID string
	Node        api.Node
	// Config is the node configuration with {{path}} templates resolved.
	Config map[string]any
	Data   map[string]any
	Vars   map[string]any
	// Results holds the output of every node that has finished, by ID.
	Results map[string]any
	Trigger map[string]any
	// Sources holds predecessor outputs for join nodes.
	Sources map[string]any
	Attempt int
	// Resumed is set when the node runs again after a suspension.
	Resumed bool
	Now     time.Time
}

// Env returns the variable environment used by expressions and templates.
// ExecutionData keys are visible at the top level next to data, vars,
// nodes, trigger and config.
func (in Input) Env() map[string]any {
	return Env(in.Data, in.Vars, in.Results, in.Trigger, in.Config)
}

// Env builds an expression environment from execution state parts.
func Env(data, vars, results, trigger, config map[string]any) map[string]any {
	env := make(map[string]any, len(data)+5)
	for k, v := range data {
		env[k] = v
	}
	env["data"] = data
	env["vars"] = vars
	env["nodes"] = results
	env["trigger"] = trigger
	if config != nil {
		env["config"] = config
	}
	return env
}

// Handler executes one node type.
type Handler interface {
	Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (api.NodeExecutionResult, error)

func (f HandlerFunc) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	return f(ctx, in)
}

// Registry maps node types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[api.NodeType]Handler
	eval     *Evaluator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[api.NodeType]Handler),
		eval:     NewEvaluator(0),
	}
}

// Option customizes the built-in handlers.
type Option func(*options)

type options struct {
	httpClient *http.Client
	evaluator  *Evaluator
}

// WithHTTPClient sets the client used by http_request nodes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEvaluator shares an expression evaluator with the caller.
func WithEvaluator(e *Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// NewDefaultRegistry returns a registry with every built-in handler.
// sub_workflow and wait_signal nodes are executed by the engine itself and
// have no handler.
func NewDefaultRegistry(opts ...Option) *Registry {
	o := options{httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	r := NewRegistry()
	if o.evaluator != nil {
		r.eval = o.evaluator
	}
	ev := r.eval

	r.MustRegister(api.NodeTrigger, HandlerFunc(triggerHandler))
	r.MustRegister(api.NodeNoop, HandlerFunc(noopHandler))
	r.MustRegister(api.NodeParallel, HandlerFunc(noopHandler))
	r.MustRegister(api.NodeJoin, HandlerFunc(joinHandler))
	r.MustRegister(api.NodeCondition, &ConditionHandler{eval: ev})
	r.MustRegister(api.NodeSwitch, &SwitchHandler{eval: ev})
	r.MustRegister(api.NodeLoop, &LoopHandler{eval: ev})
	r.MustRegister(api.NodeTransform, &TransformHandler{eval: ev})
	r.MustRegister(api.NodeDelay, HandlerFunc(delayHandler))
	r.MustRegister(api.NodeHTTPRequest, &HTTPHandler{Client: o.httpClient})
	code := NewCodeHandler()
	r.MustRegister(api.NodeCode, code)
	r.MustRegister(api.NodeTryCatch, &TryCatchHandler{eval: ev, code: code})
	return r
}

// Register adds a handler for t. Registering a type twice is an error.
func (r *Registry) Register(t api.NodeType, h Handler) error {
	if t == "" {
		return fmt.Errorf("activity: node type is required")
	}
	if h == nil {
		return fmt.Errorf("activity: nil handler for %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("activity: handler for %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t api.NodeType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler for t.
func (r *Registry) Lookup(t api.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownNodeType, t)
	}
	return h, nil
}

// Has reports whether a handler is registered for t.
func (r *Registry) Has(t api.NodeType) bool {
	_, err := r.Lookup(t)
	return err == nil
}

// Types lists the registered node types in sorted order.
func (r *Registry) Types() []api.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Evaluator returns the expression evaluator shared by the built-ins.
func (r *Registry) Evaluator() *Evaluator { return r.eval }

// Succeed is a convenience for a successful result.
func Succeed(output any) api.NodeExecutionResult {
	return api.NodeExecutionResult{Success: true, Output: output}
}

// keepOutput lists node types whose outputs describe control flow or
// transport details. Their map outputs stay in NodeResults unless the node
// sets "merge": true; every other type merges by default.
var keepOutput = map[api.NodeType]bool{
	api.NodeTrigger:     true,
	api.NodeCondition:   true,
	api.NodeSwitch:      true,
	api.NodeLoop:        true,
	api.NodeParallel:    true,
	api.NodeJoin:        true,
	api.NodeDelay:       true,
	api.NodeTryCatch:    true,
	api.NodeHTTPRequest: true,
}

// DataUpdate returns what a node's output contributes to ExecutionData.
// With config["into"] the whole output is stored under that key; otherwise
// map outputs of merging node types are merged as they are.
func DataUpdate(n api.Node, output any) map[string]any {
	if key, ok := n.Config["into"].(string); ok && key != "" {
		return map[string]any{key: output}
	}
	merge := !keepOutput[n.Type]
	if v, ok := n.Config["merge"]; ok {
		merge = Truthy(v)
	}
	if !merge {
		return nil
	}
	m, _ := output.(map[string]any)
	return m
}
