package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2}

	for n, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		assert.Equal(t, want, p.Delay(n), "attempt %d", n)
	}

	p.BackoffMultiplier = 0
	assert.Equal(t, 4*time.Second, p.Delay(2), "multiplier defaults to 2")

	assert.Zero(t, RetryPolicy{}.Delay(3))
}

func TestWorkflowDefinition_Validate(t *testing.T) {
	valid := WorkflowDefinition{
		ID:    "wf",
		Entry: "a",
		Nodes: []Node{{ID: "a", Type: NodeTrigger}, {ID: "b", Type: NodeNoop}},
		Edges: []Edge{{From: "a", To: "b"}},
	}
	require.NoError(t, valid.Validate())

	cases := map[string]func(d *WorkflowDefinition){
		"missing id":      func(d *WorkflowDefinition) { d.ID = "" },
		"missing entry":   func(d *WorkflowDefinition) { d.Entry = "" },
		"unknown entry":   func(d *WorkflowDefinition) { d.Entry = "zzz" },
		"duplicate node":  func(d *WorkflowDefinition) { d.Nodes = append(d.Nodes, Node{ID: "a", Type: NodeNoop}) },
		"untyped node":    func(d *WorkflowDefinition) { d.Nodes = append(d.Nodes, Node{ID: "c"}) },
		"dangling target": func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "a", To: "x"}) },
		"dangling source": func(d *WorkflowDefinition) { d.Edges = append(d.Edges, Edge{From: "x", To: "a"}) },
		"no nodes at all": func(d *WorkflowDefinition) { d.Nodes = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := valid
			d.Nodes = append([]Node(nil), valid.Nodes...)
			d.Edges = append([]Edge(nil), valid.Edges...)
			mutate(&d)
			err := d.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
		})
	}
}

func TestWorkflowDefinition_Graph(t *testing.T) {
	d := WorkflowDefinition{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "j"}},
		Edges: []Edge{
			{From: "a", To: "b"},
			{From: "a", To: "c"},
			{From: "b", To: "j"},
			{From: "c", To: "j"},
			{From: "c", To: "j", Condition: "error"},
		},
	}
	assert.Len(t, d.Outgoing("a"), 2)
	assert.Equal(t, []string{"b", "c"}, d.Predecessors("j"))

	retry := &RetryPolicy{MaxRetries: 1}
	d.Retry = retry
	assert.Same(t, retry, d.RetryPolicyFor(Node{ID: "a"}))
	own := &RetryPolicy{MaxRetries: 5}
	assert.Same(t, own, d.RetryPolicyFor(Node{ID: "a", Retry: own}))
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, ClassifyError("a", nil))

	timeout := ClassifyError("a", fmt.Errorf("call: %w", context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, timeout.Kind)
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.False(t, timeout.Retryable(false))
	assert.True(t, timeout.Retryable(true))

	nesting := ClassifyError("a", fmt.Errorf("child: %w", ErrNestingDepthExceeded))
	assert.Equal(t, KindNestingDepth, nesting.Kind)
	assert.False(t, nesting.Retryable(true))

	transient := ClassifyError("a", errors.New("flaky"))
	assert.Equal(t, KindTransient, transient.Kind)
	assert.True(t, transient.Retryable(false))
	assert.Equal(t, "node a: transient: flaky", transient.Error())

	inner := NewValidationError("", "bad mapping")
	classified := ClassifyError("sub", inner)
	assert.Equal(t, "sub", classified.NodeID)
	assert.Empty(t, inner.NodeID, "original error is not mutated")
}

func TestStatus_IsTerminal(t *testing.T) {
	terminal := map[Status]bool{StatusCompleted: true, StatusFailed: true, StatusTerminated: true}
	for _, s := range AllStatuses {
		assert.Equal(t, terminal[s], s.IsTerminal(), s)
	}
}

func TestNever_SurvivesUnixNano(t *testing.T) {
	assert.True(t, time.Unix(0, Never.UnixNano()).Equal(Never))
}
