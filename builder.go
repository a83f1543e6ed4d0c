package fluxgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// GraphBuilder provides a fluent API for defining workflow graphs:
//
//	flow := fluxgraph.New("onboard-user").
//	    Trigger("start").
//	    Func("createAccount", createAccount).
//	    Then("welcome", fluxgraph.NodeType("http_request"), map[string]any{"url": welcomeURL}).
//	    WaitForSignal("activated", "activated")
//
//	if err := flow.Register(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Then, Func and WaitForSignal connect the new node to the previous one.
// Node and Edge add unconnected nodes and explicit edges for branching
// graphs.
type GraphBuilder struct {
	def      api.WorkflowDefinition
	last     string
	handlers map[api.NodeType]HandlerFunc
	err      error
}

// New creates a new workflow builder with the given workflow ID.
func New(id string) *GraphBuilder {
	return &GraphBuilder{
		def:      api.WorkflowDefinition{ID: id, Name: id},
		handlers: make(map[api.NodeType]HandlerFunc),
	}
}

// ID returns the workflow ID.
func (b *GraphBuilder) ID() string {
	return b.def.ID
}

func (b *GraphBuilder) add(n api.Node) {
	if b.err != nil {
		return
	}
	if n.ID == "" {
		b.err = fmt.Errorf("fluxgraph: node id must not be empty")
		return
	}
	if _, exists := b.def.Node(n.ID); exists {
		b.err = fmt.Errorf("fluxgraph: duplicate node %q", n.ID)
		return
	}
	if len(b.def.Nodes) == 0 {
		b.def.Entry = n.ID
	}
	b.def.Nodes = append(b.def.Nodes, n)
}

func (b *GraphBuilder) chain(n api.Node) *GraphBuilder {
	prev := b.last
	b.add(n)
	if prev != "" && b.err == nil {
		b.def.Edges = append(b.def.Edges, api.Edge{From: prev, To: n.ID})
	}
	b.last = n.ID
	return b
}

// Trigger adds the entry node.
func (b *GraphBuilder) Trigger(id string) *GraphBuilder {
	return b.chain(api.Node{ID: id, Type: api.NodeTrigger})
}

// Then appends a node connected to the previous one.
func (b *GraphBuilder) Then(id string, typ NodeType, config map[string]any) *GraphBuilder {
	return b.chain(api.Node{ID: id, Type: typ, Config: config})
}

// Func appends a node backed by fn. The handler is registered under a
// node type private to this workflow when the builder is registered.
func (b *GraphBuilder) Func(id string, fn HandlerFunc) *GraphBuilder {
	if fn == nil {
		b.err = fmt.Errorf("fluxgraph: node %q has nil function", id)
		return b
	}
	typ := api.NodeType(fmt.Sprintf("func:%s.%s", b.def.ID, id))
	b.handlers[typ] = fn
	return b.chain(api.Node{ID: id, Type: typ})
}

// WaitForSignal appends a node that suspends until signal arrives.
func (b *GraphBuilder) WaitForSignal(id, signal string) *GraphBuilder {
	return b.chain(api.Node{ID: id, Type: api.NodeWaitSignal, Config: map[string]any{"signal": signal}})
}

// SubWorkflow appends a node that runs workflowID as a child execution.
// output maps parent data keys to child data paths.
func (b *GraphBuilder) SubWorkflow(id, workflowID string, input map[string]any, output map[string]any) *GraphBuilder {
	cfg := map[string]any{"workflow_id": workflowID}
	if input != nil {
		cfg["input"] = input
	}
	if output != nil {
		cfg["output"] = output
	}
	return b.chain(api.Node{ID: id, Type: api.NodeSubWorkflow, Config: cfg})
}

// Node adds a node without connecting it. Subsequent Then calls continue
// from it.
func (b *GraphBuilder) Node(id string, typ NodeType, config map[string]any) *GraphBuilder {
	b.add(api.Node{ID: id, Type: typ, Config: config})
	b.last = id
	return b
}

// Edge adds an edge. condition may be empty, a route label, "default",
// "error" or an expression.
func (b *GraphBuilder) Edge(from, to, condition string) *GraphBuilder {
	b.def.Edges = append(b.def.Edges, api.Edge{From: from, To: to, Condition: condition})
	return b
}

// From makes the next chained node follow from id instead of the last
// node added.
func (b *GraphBuilder) From(id string) *GraphBuilder {
	b.last = id
	return b
}

// WithRetry sets the retry policy of the last node added.
func (b *GraphBuilder) WithRetry(policy RetryPolicy) *GraphBuilder {
	for i := range b.def.Nodes {
		if b.def.Nodes[i].ID == b.last {
			p := policy
			b.def.Nodes[i].Retry = &p
		}
	}
	return b
}

// WithNodeTimeout bounds a single attempt of the last node added.
func (b *GraphBuilder) WithNodeTimeout(d time.Duration) *GraphBuilder {
	for i := range b.def.Nodes {
		if b.def.Nodes[i].ID == b.last {
			b.def.Nodes[i].Timeout = d
		}
	}
	return b
}

// DefaultRetry sets the policy of nodes that have none of their own.
func (b *GraphBuilder) DefaultRetry(policy RetryPolicy) *GraphBuilder {
	p := policy
	b.def.Retry = &p
	return b
}

// Timeout bounds the whole execution.
func (b *GraphBuilder) Timeout(d time.Duration) *GraphBuilder {
	b.def.Timeout = d
	return b
}

// Build returns the definition after checking its structure.
func (b *GraphBuilder) Build() (WorkflowDefinition, error) {
	if b.err != nil {
		return WorkflowDefinition{}, b.err
	}
	def := b.def
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// Register registers the handlers added with Func and then the workflow
// with the given engine.
func (b *GraphBuilder) Register(ctx context.Context, eng *Engine) (WorkflowDefinition, error) {
	def, err := b.Build()
	if err != nil {
		return WorkflowDefinition{}, err
	}
	reg := eng.Registry()
	for typ, fn := range b.handlers {
		if reg.Has(typ) {
			continue
		}
		if err := reg.Register(typ, fn); err != nil {
			return WorkflowDefinition{}, err
		}
	}
	return eng.RegisterWorkflow(ctx, def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *GraphBuilder) MustRegister(ctx context.Context, eng *Engine) WorkflowDefinition {
	def, err := b.Register(ctx, eng)
	if err != nil {
		panic(err)
	}
	return def
}
