package persistence

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction. The SQL and in-memory stores implement all of them;
// Logs may be swapped for another backend such as MongoLogStore.
type Persistence struct {
	Workflows    WorkflowStore
	Executions   ExecutionStore
	Signals      SignalStore
	SubWorkflows SubWorkflowStore
	Schedules    ScheduleStore
	Logs         LogStore

	// Keys, when set, backs the engine's default idempotency guard.
	Keys KeyStore
}

// Store is implemented by backends that cover every concern.
type Store interface {
	WorkflowStore
	ExecutionStore
	SignalStore
	SubWorkflowStore
	ScheduleStore
	LogStore
	KeyStore
}

// FromStore builds a Persistence whose every part is backed by s.
func FromStore(s Store) Persistence {
	return Persistence{
		Workflows:    s,
		Executions:   s,
		Signals:      s,
		SubWorkflows: s,
		Schedules:    s,
		Logs:         s,
		Keys:         s,
	}
}
