package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Callbacks run after the corresponding transition has been persisted.
// Implementations should be fast and non-blocking.
type Observer interface {
	// OnExecutionStarted is called when an execution moves from pending
	// to running.
	OnExecutionStarted(ctx context.Context, exec *WorkflowExecution)

	// OnExecutionFinished is called once an execution reaches a terminal
	// status. err is nil for completed executions.
	OnExecutionFinished(ctx context.Context, exec *WorkflowExecution, err error)

	// OnNodeStarted is called before a node's handler is invoked.
	OnNodeStarted(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int)

	// OnNodeFinished is called after a handler returns, for both successes
	// and failures (err != nil).
	OnNodeFinished(ctx context.Context, exec *WorkflowExecution, nodeID string, err error, duration time.Duration)

	// OnRetryScheduled is called when a failed node is parked for retry.
	OnRetryScheduled(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int, delay time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(context.Context, *WorkflowExecution) {}

func (NoopObserver) OnExecutionFinished(context.Context, *WorkflowExecution, error) {}

func (NoopObserver) OnNodeStarted(context.Context, *WorkflowExecution, string, int) {}

func (NoopObserver) OnNodeFinished(context.Context, *WorkflowExecution, string, error, time.Duration) {}

func (NoopObserver) OnRetryScheduled(context.Context, *WorkflowExecution, string, int, time.Duration) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFinished(ctx context.Context, exec *WorkflowExecution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFinished(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnNodeStarted(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int) {
	for _, o := range c.observers {
		o.OnNodeStarted(ctx, exec, nodeID, attempt)
	}
}

func (c *CompositeObserver) OnNodeFinished(ctx context.Context, exec *WorkflowExecution, nodeID string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnNodeFinished(ctx, exec, nodeID, err, d)
	}
}

func (c *CompositeObserver) OnRetryScheduled(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int, delay time.Duration) {
	for _, o := range c.observers {
		o.OnRetryScheduled(ctx, exec, nodeID, attempt, delay)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and node
// lifecycle events. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("workflow", exec.WorkflowID),
		slog.String("execution_id", exec.ID),
		slog.Int("depth", exec.NestingDepth),
	)
}

func (o *LoggingObserver) OnExecutionFinished(ctx context.Context, exec *WorkflowExecution, err error) {
	level := slog.LevelInfo
	if exec.Status == StatusFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_finished",
		slog.String("workflow", exec.WorkflowID),
		slog.String("execution_id", exec.ID),
		slog.String("status", string(exec.Status)),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnNodeStarted(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int) {
	o.Logger.DebugContext(ctx, "node_started",
		slog.String("execution_id", exec.ID),
		slog.String("node", nodeID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnNodeFinished(ctx context.Context, exec *WorkflowExecution, nodeID string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "node_finished",
		slog.String("execution_id", exec.ID),
		slog.String("node", nodeID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRetryScheduled(ctx context.Context, exec *WorkflowExecution, nodeID string, attempt int, delay time.Duration) {
	o.Logger.InfoContext(ctx, "retry_scheduled",
		slog.String("execution_id", exec.ID),
		slog.String("node", nodeID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)
}

// BasicMetrics collects simple counters and aggregate node durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted    atomic.Int64
	executionsCompleted  atomic.Int64
	executionsFailed     atomic.Int64
	executionsTerminated atomic.Int64
	nodesCompleted       atomic.Int64
	nodesFailed          atomic.Int64
	retriesScheduled     atomic.Int64
	totalNodeDuration    atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted    int64
	ExecutionsCompleted  int64
	ExecutionsFailed     int64
	ExecutionsTerminated int64
	ActiveExecutions     int64

	NodesCompleted   int64
	NodesFailed      int64
	RetriesScheduled int64
	AvgNodeDuration  time.Duration
}

func (m *BasicMetrics) OnExecutionStarted(context.Context, *WorkflowExecution) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionFinished(_ context.Context, exec *WorkflowExecution, _ error) {
	switch exec.Status {
	case StatusCompleted:
		m.executionsCompleted.Add(1)
	case StatusFailed:
		m.executionsFailed.Add(1)
	case StatusTerminated:
		m.executionsTerminated.Add(1)
	}
}

func (m *BasicMetrics) OnNodeFinished(_ context.Context, _ *WorkflowExecution, _ string, err error, d time.Duration) {
	if err != nil {
		m.nodesFailed.Add(1)
		return
	}
	m.nodesCompleted.Add(1)
	m.totalNodeDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnRetryScheduled(context.Context, *WorkflowExecution, string, int, time.Duration) {
	m.retriesScheduled.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	terminated := m.executionsTerminated.Load()
	nodes := m.nodesCompleted.Load()
	totalNs := m.totalNodeDuration.Load()

	var avg time.Duration
	if nodes > 0 {
		avg = time.Duration(totalNs / nodes)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:    started,
		ExecutionsCompleted:  completed,
		ExecutionsFailed:     failed,
		ExecutionsTerminated: terminated,
		ActiveExecutions:     started - completed - failed - terminated,
		NodesCompleted:       nodes,
		NodesFailed:          m.nodesFailed.Load(),
		RetriesScheduled:     m.retriesScheduled.Load(),
		AvgNodeDuration:      avg,
	}
}
