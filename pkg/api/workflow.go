package api

import (
	"fmt"
	"math"
	"time"
)

// NodeType selects the activity handler that executes a node.
type NodeType string

const (
	NodeTrigger     NodeType = "trigger"
	NodeHTTPRequest NodeType = "http_request"
	NodeCode        NodeType = "code"
	NodeCondition   NodeType = "condition"
	NodeLoop        NodeType = "loop"
	NodeSwitch      NodeType = "switch"
	NodeParallel    NodeType = "parallel"
	NodeJoin        NodeType = "join"
	NodeTransform   NodeType = "transform"
	NodeDelay       NodeType = "delay"
	NodeTryCatch    NodeType = "try_catch"
	NodeSubWorkflow NodeType = "sub_workflow"
	NodeWaitSignal  NodeType = "wait_signal"
	NodeNoop        NodeType = "noop"
)

// Edge conditions with a fixed meaning.
const (
	// ConditionDefault is followed when a routed result matches no other
	// edge label.
	ConditionDefault = "default"
	// ConditionError is followed only when the source node has failed
	// permanently.
	ConditionError = "error"
)

// Node is one step of a workflow graph.
type Node struct {
	ID      string         `json:"id" yaml:"id"`
	Type    NodeType       `json:"type" yaml:"type"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Retry   *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Edge connects two nodes. Condition is either empty, a route label
// matched against NodeExecutionResult.Route, or a boolean expression.
type Edge struct {
	From      string `json:"from" yaml:"from"`
	To        string `json:"to" yaml:"to"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// WorkflowDefinition is an immutable, versioned workflow graph.
type WorkflowDefinition struct {
	ID          string        `json:"id" yaml:"id"`
	Version     int           `json:"version" yaml:"version"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string        `json:"entry" yaml:"entry"`
	Nodes       []Node        `json:"nodes" yaml:"nodes"`
	Edges       []Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Retry       *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Node returns the node with the given ID.
func (d *WorkflowDefinition) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Outgoing returns the edges leaving id in declaration order.
func (d *WorkflowDefinition) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range d.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Predecessors returns the distinct source nodes of edges entering id.
func (d *WorkflowDefinition) Predecessors(id string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range d.Edges {
		if e.To == id && !seen[e.From] {
			seen[e.From] = true
			out = append(out, e.From)
		}
	}
	return out
}

// RetryPolicyFor returns the node's policy, falling back to the workflow's.
func (d *WorkflowDefinition) RetryPolicyFor(n Node) *RetryPolicy {
	if n.Retry != nil {
		return n.Retry
	}
	return d.Retry
}

// Validate checks the graph's structural invariants.
func (d *WorkflowDefinition) Validate() error {
	if d.ID == "" {
		return NewValidationError("", "workflow id is required")
	}
	if len(d.Nodes) == 0 {
		return NewValidationError("", fmt.Sprintf("workflow %q has no nodes", d.ID))
	}

	ids := make(map[string]bool, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return NewValidationError("", "node id is required")
		}
		if ids[n.ID] {
			return NewValidationError(n.ID, "duplicate node id")
		}
		if n.Type == "" {
			return NewValidationError(n.ID, "node type is required")
		}
		ids[n.ID] = true
	}

	if d.Entry == "" {
		return NewValidationError("", "entry node is required")
	}
	if !ids[d.Entry] {
		return NewValidationError(d.Entry, "entry node does not exist")
	}

	for _, e := range d.Edges {
		if !ids[e.From] {
			return NewValidationError(e.From, "edge source does not exist")
		}
		if !ids[e.To] {
			return NewValidationError(e.To, "edge target does not exist")
		}
	}
	return nil
}

// RetryPolicy governs how failed nodes are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// BackoffMultiplier scales the delay after every attempt.
	// Defaults to 2.0 if <= 0.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// RetryTimeouts makes timeout failures count as retryable.
	RetryTimeouts bool `json:"retry_timeouts,omitempty" yaml:"retry_timeouts,omitempty"`
}

// Delay returns the wait before retry number attempt (0-based):
// InitialDelay * BackoffMultiplier^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
