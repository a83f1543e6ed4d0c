package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from api.Status
		t    lifecycleTrigger
		want api.Status
		err  error
	}{
		{api.StatusPending, triggerStart, api.StatusRunning, nil},
		{api.StatusPending, triggerTerminate, api.StatusTerminated, nil},
		{api.StatusPending, triggerPause, "", api.ErrInvalidTransition},
		{api.StatusRunning, triggerWait, api.StatusWaitingSignal, nil},
		{api.StatusRunning, triggerPause, api.StatusPaused, nil},
		{api.StatusRunning, triggerComplete, api.StatusCompleted, nil},
		{api.StatusWaitingSignal, triggerSignal, api.StatusRunning, nil},
		{api.StatusWaitingSignal, triggerComplete, "", api.ErrInvalidTransition},
		{api.StatusPaused, triggerResume, api.StatusRunning, nil},
		{api.StatusPaused, triggerFail, api.StatusFailed, nil},
		{api.StatusCompleted, triggerStart, "", api.ErrExecutionTerminal},
		{api.StatusFailed, triggerTerminate, "", api.ErrExecutionTerminal},
		{api.StatusTerminated, triggerResume, "", api.ErrExecutionTerminal},
	}
	for _, tc := range cases {
		exec := &api.WorkflowExecution{ID: "e", Status: tc.from}
		err := transition(exec, tc.t)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("%s from %s: expected %v, got %v", tc.t, tc.from, tc.err, err)
			}
			if exec.Status != tc.from {
				t.Fatalf("%s from %s: status changed to %s", tc.t, tc.from, exec.Status)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s from %s: %v", tc.t, tc.from, err)
		}
		if exec.Status != tc.want {
			t.Fatalf("%s from %s: expected %s, got %s", tc.t, tc.from, tc.want, exec.Status)
		}
	}
}

func TestNextWake(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := api.NewExecutionState("a", nil)

	if got := nextWake(&s); !got.IsZero() {
		t.Fatalf("expected a due node, got %v", got)
	}

	s.NotBefore["a"] = now.Add(time.Minute)
	if got := nextWake(&s); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected wake at the retry time, got %v", got)
	}

	s.CurrentNodeIDs = append(s.CurrentNodeIDs, "b")
	s.NotBefore["b"] = now.Add(time.Second)
	if got := nextWake(&s); !got.Equal(now.Add(time.Second)) {
		t.Fatalf("expected earliest wake, got %v", got)
	}

	s.PendingChildren["a"] = "child-a"
	s.PendingChildren["b"] = "child-b"
	if got := nextWake(&s); !got.Equal(api.Never) {
		t.Fatalf("expected never while children run, got %v", got)
	}
}

func TestBuildTimeline(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logs := []api.LogEntry{
		{Type: api.EventExecutionStarted, At: t0},
		{Type: api.EventNodeStarted, NodeID: "a", Attempt: 1, At: t0},
		{Type: api.EventNodeFailed, NodeID: "a", Attempt: 1, At: t0.Add(time.Second), Detail: "boom"},
		{Type: api.EventNodeRetryScheduled, NodeID: "a", Attempt: 1, At: t0.Add(time.Second)},
		{Type: api.EventNodeStarted, NodeID: "a", Attempt: 2, At: t0.Add(3 * time.Second)},
		{Type: api.EventNodeCompleted, NodeID: "a", Attempt: 2, At: t0.Add(4 * time.Second)},
		{Type: api.EventNodeStarted, NodeID: "b", Attempt: 1, At: t0.Add(5 * time.Second)},
	}

	got := BuildTimeline(logs)
	if len(got) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(got))
	}
	if got[0].Status != "failed" || got[0].Duration != time.Second || got[0].Detail != "boom" {
		t.Fatalf("unexpected first span: %+v", got[0])
	}
	if got[1].Status != "completed" || got[1].Attempt != 2 {
		t.Fatalf("unexpected second span: %+v", got[1])
	}
	if got[2].Status != "running" || !got[2].EndedAt.IsZero() {
		t.Fatalf("unexpected open span: %+v", got[2])
	}
}
