// Package worker provides the background worker that drives fluxgraph
// executions forward.
//
// A worker holds no execution state of its own. Every poll it reads the
// engine's store, leases the executions that have work due and runs their
// current nodes through the engine. Because leases live in the store, any
// number of workers in any number of processes can share one database.
//
// # Poll cycle
//
// Each call to Poll performs, in order:
//
//   - a scheduler tick, firing due cron schedules
//   - a sweep failing executions whose workflow deadline has passed
//   - delivery of pending signals to waiting executions
//   - promotion of pending executions while the resource limiter allows
//   - optional release of leases left behind by crashed workers
//   - a claim of up to BatchSize runnable executions
//
// The current nodes of the claimed executions are dispatched on a pool of
// at most Concurrency goroutines. While they run, a heartbeat renews the
// leases every HeartbeatInterval; when they return, the leases are released.
//
// # Debugging
//
// Executions created with debugging enabled are checked against the
// engine's debugger before each dispatch. A node held at a breakpoint stays
// current until it is stepped, and the first halt is recorded in the
// execution log.
//
// Run loops Poll every PollInterval until its context is cancelled. Drain
// polls until nothing more happens and is useful in tests and one-shot
// command-line runs.
package worker
