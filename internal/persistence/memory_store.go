package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// InMemoryStore implements every store interface on top of go-memdb.
//
// Each operation runs in a memdb transaction; write transactions are
// serialized, which gives claims, version checks and signal consumption the
// same atomicity the SQL stores get from conditional updates. Records are
// stored as deep copies in their persisted JSON shape, so values read back
// look exactly as they would from SQLite or Postgres.
type InMemoryStore struct {
	db     *memdb.MemDB
	logSeq atomic.Uint64
}

var _ Store = (*InMemoryStore)(nil)

const (
	tableWorkflows  = "workflows"
	tableExecutions = "executions"
	tableSignals    = "signals"
	tableCalls      = "sub_workflow_calls"
	tableSchedules  = "schedules"
	tableLogs       = "execution_logs"
	tableKeys       = "idempotency_keys"
)

type workflowRow struct {
	Key     string
	ID      string
	Version int
	Def     []byte
}

type keyRow struct {
	Key         string
	ExecutionID string
	ExpiresAt   time.Time
}

type logRow struct {
	Seq         uint64
	ExecutionID string
	Entry       api.LogEntry
}

func memSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflows: {
				Name: tableWorkflows,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"workflow": {Name: "workflow", Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"status": {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
					"parent": {Name: "parent", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "ParentExecutionID"}},
				},
			},
			tableSignals: {
				Name: tableSignals,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
			tableCalls: {
				Name: tableCalls,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"parent_node": {Name: "parent_node", Unique: true, Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ParentExecutionID"},
							&memdb.StringFieldIndex{Field: "ParentNodeID"},
						},
					}},
					"parent": {Name: "parent", Indexer: &memdb.StringFieldIndex{Field: "ParentExecutionID"}},
					"child":  {Name: "child", Indexer: &memdb.StringFieldIndex{Field: "ChildExecutionID"}},
				},
			},
			tableSchedules: {
				Name: tableSchedules,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				},
			},
			tableKeys: {
				Name: tableKeys,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
				},
			},
			tableLogs: {
				Name: tableLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":        {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "Seq"}},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
		},
	}
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		// The schema is static; a failure here is a programming error.
		panic(fmt.Sprintf("persistence: invalid memdb schema: %v", err))
	}
	return &InMemoryStore{db: db}
}

// --- workflows ---

func (s *InMemoryStore) SaveWorkflow(_ context.Context, def api.WorkflowDefinition) error {
	data, err := EncodeValue(def)
	if err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	row := &workflowRow{Key: fmt.Sprintf("%s@%d", def.ID, def.Version), ID: def.ID, Version: def.Version, Def: data}
	if err := txn.Insert(tableWorkflows, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id string, version int) (api.WorkflowDefinition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var row *workflowRow
	if version > 0 {
		raw, err := txn.First(tableWorkflows, "id", fmt.Sprintf("%s@%d", id, version))
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		if raw != nil {
			row = raw.(*workflowRow)
		}
	} else {
		it, err := txn.Get(tableWorkflows, "workflow", id)
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			r := obj.(*workflowRow)
			if row == nil || r.Version > row.Version {
				row = r
			}
		}
	}
	if row == nil {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	var def api.WorkflowDefinition
	if err := DecodeInto(row.Def, &def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *InMemoryStore) ListWorkflowVersions(_ context.Context, id string) ([]int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableWorkflows, "workflow", id)
	if err != nil {
		return nil, err
	}
	var versions []int
	for obj := it.Next(); obj != nil; obj = it.Next() {
		versions = append(versions, obj.(*workflowRow).Version)
	}
	sort.Ints(versions)
	return versions, nil
}

// --- executions ---

func (s *InMemoryStore) CreateExecution(_ context.Context, exec *api.WorkflowExecution) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableExecutions, "id", exec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
	}

	exec.Version = 1
	row, err := CloneExecution(exec)
	if err != nil {
		return err
	}
	if err := txn.Insert(tableExecutions, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.WorkflowExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return CloneExecution(raw.(*api.WorkflowExecution))
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, exec *api.WorkflowExecution) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "id", exec.ID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	current := raw.(*api.WorkflowExecution)
	if current.Version != exec.Version {
		return fmt.Errorf("%w: execution %s at version %d, update from %d", ErrConcurrentUpdate, exec.ID, current.Version, exec.Version)
	}

	row, err := CloneExecution(exec)
	if err != nil {
		return err
	}
	row.Version = exec.Version + 1
	row.LeaseOwner = current.LeaseOwner
	row.LeaseExpiresAt = current.LeaseExpiresAt
	if err := txn.Insert(tableExecutions, row); err != nil {
		return err
	}
	txn.Commit()
	exec.Version = row.Version
	return nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	switch {
	case filter.Status != "":
		it, err = txn.Get(tableExecutions, "status", string(filter.Status))
	case filter.ParentExecutionID != "":
		it, err = txn.Get(tableExecutions, "parent", filter.ParentExecutionID)
	default:
		it, err = txn.Get(tableExecutions, "id")
	}
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowExecution
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*api.WorkflowExecution)
		if !matchesFilter(e, filter) {
			continue
		}
		copied, err := CloneExecution(e)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sortExecutions(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(e *api.WorkflowExecution, f api.ExecutionFilter) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.ParentExecutionID != "" && e.ParentExecutionID != f.ParentExecutionID {
		return false
	}
	return true
}

// sortExecutions orders by creation time, then ID, matching the SQL stores.
func sortExecutions(list []*api.WorkflowExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func (s *InMemoryStore) CountExecutions(_ context.Context, status api.Status) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, "status", string(status))
	if err != nil {
		return 0, err
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

func (s *InMemoryStore) ClaimRunnable(_ context.Context, owner string, ttl time.Duration, now time.Time, limit int) ([]*api.WorkflowExecution, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableExecutions, "status", string(api.StatusRunning))
	if err != nil {
		return nil, err
	}

	var candidates []*api.WorkflowExecution
	for obj := it.Next(); obj != nil; obj = it.Next() {
		e := obj.(*api.WorkflowExecution)
		if e.WakeAt.After(now) {
			continue
		}
		if e.LeaseOwner != "" && e.LeaseExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].WakeAt.Before(candidates[j].WakeAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*api.WorkflowExecution, 0, len(candidates))
	for _, c := range candidates {
		row, err := CloneExecution(c)
		if err != nil {
			return nil, err
		}
		row.LeaseOwner = owner
		row.LeaseExpiresAt = now.Add(ttl)
		if err := txn.Insert(tableExecutions, row); err != nil {
			return nil, err
		}
		out, err := CloneExecution(row)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, out)
	}
	txn.Commit()
	return claimed, nil
}

func (s *InMemoryStore) RenewLease(_ context.Context, id, owner string, ttl time.Duration, now time.Time) error {
	return s.setLease(id, func(e *api.WorkflowExecution) error {
		if e.LeaseOwner != owner {
			return fmt.Errorf("%w: %s owned by %q", api.ErrLeaseHeld, id, e.LeaseOwner)
		}
		e.LeaseExpiresAt = now.Add(ttl)
		return nil
	})
}

func (s *InMemoryStore) ReleaseLease(_ context.Context, id, owner string) error {
	err := s.setLease(id, func(e *api.WorkflowExecution) error {
		if e.LeaseOwner != owner {
			return errLeaseUnchanged
		}
		e.LeaseOwner = ""
		e.LeaseExpiresAt = time.Time{}
		return nil
	})
	if errors.Is(err, errLeaseUnchanged) {
		return nil
	}
	return err
}

var errLeaseUnchanged = errors.New("lease unchanged")

func (s *InMemoryStore) setLease(id string, fn func(e *api.WorkflowExecution) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	row, err := CloneExecution(raw.(*api.WorkflowExecution))
	if err != nil {
		return err
	}
	if err := fn(row); err != nil {
		return err
	}
	if err := txn.Insert(tableExecutions, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- signals ---

func (s *InMemoryStore) SaveSignal(_ context.Context, sig *api.WorkflowSignal) error {
	row := *sig
	row.Payload = cloneMap(sig.Payload)

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableSignals, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) ConsumeSignal(_ context.Context, executionID, name string, now time.Time) (*api.WorkflowSignal, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableSignals, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var oldest *api.WorkflowSignal
	for obj := it.Next(); obj != nil; obj = it.Next() {
		sig := obj.(*api.WorkflowSignal)
		if sig.SignalName != name || sig.Consumed() {
			continue
		}
		if oldest == nil || signalBefore(sig, oldest) {
			oldest = sig
		}
	}
	if oldest == nil {
		return nil, nil
	}

	row := *oldest
	row.ConsumedAt = now
	if err := txn.Insert(tableSignals, &row); err != nil {
		return nil, err
	}
	txn.Commit()

	out := row
	out.Payload = cloneMap(row.Payload)
	return &out, nil
}

func (s *InMemoryStore) RestoreSignal(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSignals, "id", id)
	if err != nil || raw == nil {
		return err
	}
	row := *raw.(*api.WorkflowSignal)
	row.ConsumedAt = time.Time{}
	if err := txn.Insert(tableSignals, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// signalBefore orders signals by arrival, then by ID.
func signalBefore(a, b *api.WorkflowSignal) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func (s *InMemoryStore) ListSignals(_ context.Context, executionID string) ([]*api.WorkflowSignal, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSignals, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var out []*api.WorkflowSignal
	for obj := it.Next(); obj != nil; obj = it.Next() {
		copied := *obj.(*api.WorkflowSignal)
		copied.Payload = cloneMap(copied.Payload)
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return signalBefore(out[i], out[j]) })
	return out, nil
}

// --- sub-workflow calls ---

func (s *InMemoryStore) CreateSubWorkflowCall(_ context.Context, call *api.SubWorkflowCall) (*api.SubWorkflowCall, bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableCalls, "parent_node", call.ParentExecutionID, call.ParentNodeID)
	if err != nil {
		return nil, false, err
	}
	if raw != nil {
		existing := *raw.(*api.SubWorkflowCall)
		return &existing, false, nil
	}

	row := *call
	if err := txn.Insert(tableCalls, &row); err != nil {
		return nil, false, err
	}
	txn.Commit()
	out := row
	return &out, true, nil
}

func (s *InMemoryStore) GetSubWorkflowCallByChild(_ context.Context, childID string) (*api.SubWorkflowCall, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableCalls, "child", childID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	out := *raw.(*api.SubWorkflowCall)
	return &out, nil
}

func (s *InMemoryStore) UpdateSubWorkflowCallStatus(_ context.Context, id string, status api.Status, now time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableCalls, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("sub-workflow call %s not found", id)
	}
	row := *raw.(*api.SubWorkflowCall)
	row.Status = status
	row.UpdatedAt = now
	if err := txn.Insert(tableCalls, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) ListSubWorkflowCalls(_ context.Context, parentID string) ([]*api.SubWorkflowCall, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableCalls, "parent", parentID)
	if err != nil {
		return nil, err
	}
	var out []*api.SubWorkflowCall
	for obj := it.Next(); obj != nil; obj = it.Next() {
		copied := *obj.(*api.SubWorkflowCall)
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- schedules ---

func (s *InMemoryStore) SaveSchedule(_ context.Context, sched *api.WorkflowSchedule) error {
	row := *sched
	row.TriggerData = cloneMap(sched.TriggerData)

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableSchedules, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) GetSchedule(_ context.Context, id string) (*api.WorkflowSchedule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableSchedules, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	out := *raw.(*api.WorkflowSchedule)
	out.TriggerData = cloneMap(out.TriggerData)
	return &out, nil
}

func (s *InMemoryStore) ListSchedules(_ context.Context) ([]*api.WorkflowSchedule, error) {
	return s.schedules(func(*api.WorkflowSchedule) bool { return true })
}

func (s *InMemoryStore) DueSchedules(_ context.Context, now time.Time) ([]*api.WorkflowSchedule, error) {
	return s.schedules(func(sc *api.WorkflowSchedule) bool {
		return sc.IsActive && !sc.NextRunAt.After(now)
	})
}

func (s *InMemoryStore) schedules(keep func(*api.WorkflowSchedule) bool) ([]*api.WorkflowSchedule, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSchedules, "id")
	if err != nil {
		return nil, err
	}
	var out []*api.WorkflowSchedule
	for obj := it.Next(); obj != nil; obj = it.Next() {
		sc := obj.(*api.WorkflowSchedule)
		if !keep(sc) {
			continue
		}
		copied := *sc
		copied.TriggerData = cloneMap(sc.TriggerData)
		out = append(out, &copied)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *InMemoryStore) AdvanceSchedule(_ context.Context, id string, expected, next, firedAt time.Time) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSchedules, "id", id)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	row := *raw.(*api.WorkflowSchedule)
	if !row.IsActive || !row.NextRunAt.Equal(expected) {
		return false, nil
	}
	row.NextRunAt = next
	row.LastRunAt = firedAt
	if err := txn.Insert(tableSchedules, &row); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (s *InMemoryStore) SetScheduleActive(_ context.Context, id string, active bool) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSchedules, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	row := *raw.(*api.WorkflowSchedule)
	row.IsActive = active
	if err := txn.Insert(tableSchedules, &row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- idempotency keys ---

func (s *InMemoryStore) ReserveKey(_ context.Context, key, executionID string, now time.Time, window time.Duration) (string, bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableKeys, "id", key)
	if err != nil {
		return "", false, err
	}
	if raw != nil {
		if held := raw.(*keyRow); now.Before(held.ExpiresAt) {
			return held.ExecutionID, false, nil
		}
	}
	if err := txn.Insert(tableKeys, &keyRow{Key: key, ExecutionID: executionID, ExpiresAt: now.Add(window)}); err != nil {
		return "", false, err
	}
	txn.Commit()
	return executionID, true, nil
}

func (s *InMemoryStore) ReleaseKey(_ context.Context, key string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll(tableKeys, "id", key); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- logs ---

func (s *InMemoryStore) AppendLog(_ context.Context, entry api.LogEntry) error {
	seq := s.logSeq.Add(1)
	entry.ID = int64(seq)

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableLogs, &logRow{Seq: seq, ExecutionID: entry.ExecutionID, Entry: entry}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *InMemoryStore) ListLogs(_ context.Context, executionID string) ([]api.LogEntry, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableLogs, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var out []api.LogEntry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*logRow).Entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := EncodeValue(m)
	if err != nil {
		return m
	}
	out, err := DecodeMap(data)
	if err != nil {
		return m
	}
	return out
}
