package engine

import (
	"context"

	"github.com/petrijr/fluxgraph/pkg/api"
)

func (e *Engine) Logs(ctx context.Context, executionID string) ([]api.LogEntry, error) {
	if _, err := e.store.Executions.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	if e.store.Logs == nil {
		return nil, nil
	}
	return e.store.Logs.ListLogs(ctx, executionID)
}

// Timeline pairs every node.started entry with the entry that ended the
// attempt. Attempts still in flight have a zero EndedAt.
func (e *Engine) Timeline(ctx context.Context, executionID string) ([]api.TimelineEntry, error) {
	logs, err := e.Logs(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(logs), nil
}

// BuildTimeline reconstructs node spans from an execution log.
func BuildTimeline(logs []api.LogEntry) []api.TimelineEntry {
	var out []api.TimelineEntry
	open := map[string]int{}
	for _, entry := range logs {
		if entry.NodeID == "" {
			continue
		}
		switch entry.Type {
		case api.EventNodeStarted:
			open[entry.NodeID] = len(out)
			out = append(out, api.TimelineEntry{
				NodeID:    entry.NodeID,
				Attempt:   entry.Attempt,
				Status:    "running",
				StartedAt: entry.At,
			})
		case api.EventNodeCompleted, api.EventNodeFailed, api.EventNodeSuspended:
			i, ok := open[entry.NodeID]
			if !ok {
				continue
			}
			span := &out[i]
			span.Status = statusOf(entry.Type)
			span.EndedAt = entry.At
			span.Duration = entry.At.Sub(span.StartedAt)
			span.Detail = entry.Detail
			delete(open, entry.NodeID)
		}
	}
	return out
}

func statusOf(t api.EventType) string {
	switch t {
	case api.EventNodeCompleted:
		return "completed"
	case api.EventNodeFailed:
		return "failed"
	}
	return "suspended"
}
