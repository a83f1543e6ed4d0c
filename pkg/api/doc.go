// Package api contains the public types of the fluxgraph execution engine:
// workflow graphs, executions and their persisted state, the Engine
// interface, classified errors and observer hooks.
//
// Most users interact with the root fluxgraph package, which re-exports
// selected types from this package and adds builders and runners. The api
// package is intended for custom handlers, stores and integrations.
//
// # Workflow Graphs
//
// A WorkflowDefinition is an immutable, versioned graph of Nodes connected
// by Edges, with a single entry node. Each node has a NodeType that selects
// the activity handler executing it. Edges may carry a condition: either a
// route label matched against the result of the source node, or a boolean
// expression evaluated over the node output and execution data.
//
// # Executions
//
// A WorkflowExecution is one run of a definition. Its ExecutionState is the
// persisted program counter: the set of current nodes, completed nodes,
// folded node results and the shared ExecutionData. The state contains no
// process-local fields, so any worker can continue an execution after a
// crash.
//
// Executions move through the statuses
//
//	pending -> running -> {completed | failed | waiting_signal | paused | terminated}
//	waiting_signal -> running
//	paused -> running
//
// and never leave completed, failed or terminated.
//
// # Errors
//
// Node failures are classified as NodeError values. The kind decides what
// the retry manager does with them: transient failures are retried per
// RetryPolicy, timeouts only when RetryTimeouts is set, and nesting or
// validation failures never.
//
// # Paths and Templates
//
// ResolvePath walks dotted paths through maps, structs and slices and
// yields nil on any missing segment. ResolveTemplates substitutes {{path}}
// references in configuration values and sub-workflow mappings.
//
// # Observability
//
// Observer receives callbacks for execution and node lifecycle events.
// LoggingObserver writes them to log/slog and BasicMetrics keeps counters.
// Both can be combined with NewCompositeObserver.
package api
