// Package fluxgraph provides a durable, graph-based workflow engine for Go.
//
// A workflow is a versioned directed graph of typed nodes. Executions walk
// the graph from its entry node, persisting their full state after every
// transition, so any worker in any process can pick an execution up where
// the last one left off.
//
// # Core Concepts
//
//  1. Engine
//  2. Worker
//  3. GraphBuilder
//  4. Handler
//  5. LocalRunner
//
// # Engine
//
// The Engine stores workflow definitions and owns the execution lifecycle:
//   - create, start, pause, resume and terminate executions
//   - execute nodes and follow edges, including conditional routing
//   - retry failed nodes with exponential backoff
//   - suspend on signals, delays and child workflows
//   - record an append-only log and build a per-node timeline
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//
// The execution log can additionally be sent to MongoDB with WithMongoLogs,
// and idempotency keys can be shared through Redis with WithRedisGuard.
//
// # Worker
//
// A Worker (package pkg/worker) polls the store for runnable executions,
// claims them under a lease and executes their current nodes. It also fires
// cron schedules, delivers queued signals and fails executions that passed
// their deadline. Workers can be scaled horizontally: leases guarantee that
// only one worker advances a given execution at a time.
//
// # GraphBuilder
//
// GraphBuilder is the fluent API for defining workflows in code:
//
//	fluxgraph.New("onboarding").
//	    Trigger("start").
//	    Func("create-account", createAccount).
//	    WaitForSignal("verify", "email_verified").
//	    Func("welcome", sendWelcome).
//	    MustRegister(ctx, eng)
//
// Workflows can also be written in YAML or JSON and loaded with
// ParseDefinition or RegisterFiles.
//
// # Handler
//
// Every node type maps to a Handler in the engine's Registry. The default
// registry covers triggers, conditions, switches, loops, parallel branches
// and joins, delays, transforms, expressions, HTTP requests and try/catch.
// Func nodes register a HandlerFunc private to their workflow.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, a scheduler and a pool of
// workers for development and single-process deployments.
package fluxgraph
