package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxgraph/internal/testutil"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// StoreTestSuite runs the same behavioural checks against every backend.
type StoreTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(*testing.T) Store { return NewInMemoryStore() }})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: newTestSQLiteStore})
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := testutil.GetPostgresDSN(t)
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		db, err := sql.Open("pgx", dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		for _, table := range []string{"idempotency_keys", "execution_logs", "schedules", "sub_workflow_calls", "signals", "executions", "workflows"} {
			_, _ = db.Exec("DROP TABLE IF EXISTS " + table)
		}
		store, err := NewPostgresStore(db)
		require.NoError(t, err)
		return store
	}})
}

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func newTestExecution(id string, status api.Status) *api.WorkflowExecution {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &api.WorkflowExecution{
		ID:              id,
		WorkflowID:      "wf",
		WorkflowVersion: 1,
		Status:          status,
		State:           api.NewExecutionState("start", map[string]any{"n": 1}),
		TriggerData:     map[string]any{"n": 1},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *StoreTestSuite) TestWorkflowVersions() {
	for v := 1; v <= 3; v++ {
		def := api.WorkflowDefinition{
			ID:      "orders",
			Version: v,
			Entry:   "a",
			Nodes:   []api.Node{{ID: "a", Type: api.NodeNoop}},
		}
		s.Require().NoError(s.store.SaveWorkflow(s.ctx, def))
	}

	latest, err := s.store.GetWorkflow(s.ctx, "orders", 0)
	s.Require().NoError(err)
	s.Equal(3, latest.Version)

	v2, err := s.store.GetWorkflow(s.ctx, "orders", 2)
	s.Require().NoError(err)
	s.Equal(2, v2.Version)
	s.Equal("a", v2.Entry)

	versions, err := s.store.ListWorkflowVersions(s.ctx, "orders")
	s.Require().NoError(err)
	s.Equal([]int{1, 2, 3}, versions)

	_, err = s.store.GetWorkflow(s.ctx, "missing", 0)
	s.ErrorIs(err, ErrWorkflowNotFound)
}

func (s *StoreTestSuite) TestCreateAndGetExecution() {
	exec := newTestExecution("e1", api.StatusPending)
	exec.State.ExecutionData["nested"] = map[string]any{"ok": true}
	s.Require().NoError(s.store.CreateExecution(s.ctx, exec))
	s.Equal(int64(1), exec.Version)

	got, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	s.Equal(api.StatusPending, got.Status)
	s.Equal([]string{"start"}, got.State.CurrentNodeIDs)
	s.Equal(float64(1), got.TriggerData["n"])
	s.Equal(map[string]any{"ok": true}, got.State.ExecutionData["nested"])
	s.True(got.CreatedAt.Equal(exec.CreatedAt))

	err = s.store.CreateExecution(s.ctx, newTestExecution("e1", api.StatusPending))
	s.ErrorIs(err, ErrExecutionExists)

	_, err = s.store.GetExecution(s.ctx, "nope")
	s.ErrorIs(err, ErrExecutionNotFound)
}

func (s *StoreTestSuite) TestUpdateExecutionRejectsStaleVersion() {
	exec := newTestExecution("e1", api.StatusRunning)
	s.Require().NoError(s.store.CreateExecution(s.ctx, exec))

	first, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	second, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)

	first.State.CompletedNodeIDs = append(first.State.CompletedNodeIDs, "start")
	s.Require().NoError(s.store.UpdateExecution(s.ctx, first))
	s.Equal(int64(2), first.Version)

	second.Status = api.StatusFailed
	err = s.store.UpdateExecution(s.ctx, second)
	s.ErrorIs(err, ErrConcurrentUpdate)

	got, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	s.Equal(api.StatusRunning, got.Status)
	s.Equal([]string{"start"}, got.State.CompletedNodeIDs)

	missing := newTestExecution("ghost", api.StatusRunning)
	missing.Version = 1
	s.ErrorIs(s.store.UpdateExecution(s.ctx, missing), ErrExecutionNotFound)
}

func (s *StoreTestSuite) TestUpdateExecutionKeepsLease() {
	exec := newTestExecution("e1", api.StatusRunning)
	s.Require().NoError(s.store.CreateExecution(s.ctx, exec))

	claimed, err := s.store.ClaimRunnable(s.ctx, "w1", time.Minute, time.Now(), 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	claimed[0].RetryCount = 3
	s.Require().NoError(s.store.UpdateExecution(s.ctx, claimed[0]))

	got, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	s.Equal("w1", got.LeaseOwner)
	s.Equal(3, got.RetryCount)
}

func (s *StoreTestSuite) TestListAndCountExecutions() {
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, st := range []api.Status{api.StatusRunning, api.StatusCompleted, api.StatusRunning} {
		e := newTestExecution(fmt.Sprintf("e%d", i), st)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if i == 2 {
			e.WorkflowID = "other"
			e.ParentExecutionID = "e0"
		}
		s.Require().NoError(s.store.CreateExecution(s.ctx, e))
	}

	all, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{})
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal("e0", all[0].ID)
	s.Equal("e2", all[2].ID)

	running, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{Status: api.StatusRunning, WorkflowID: "wf"})
	s.Require().NoError(err)
	s.Require().Len(running, 1)
	s.Equal("e0", running[0].ID)

	children, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{ParentExecutionID: "e0"})
	s.Require().NoError(err)
	s.Require().Len(children, 1)
	s.Equal("e2", children[0].ID)

	limited, err := s.store.ListExecutions(s.ctx, api.ExecutionFilter{Limit: 2})
	s.Require().NoError(err)
	s.Len(limited, 2)

	n, err := s.store.CountExecutions(s.ctx, api.StatusRunning)
	s.Require().NoError(err)
	s.Equal(2, n)
}

func (s *StoreTestSuite) TestClaimRunnableHonoursWakeAtAndPriority() {
	now := time.Now()

	low := newTestExecution("low", api.StatusRunning)
	high := newTestExecution("high", api.StatusRunning)
	high.Priority = 10
	later := newTestExecution("later", api.StatusRunning)
	later.WakeAt = now.Add(time.Hour)
	blocked := newTestExecution("blocked", api.StatusRunning)
	blocked.WakeAt = api.Never
	paused := newTestExecution("paused", api.StatusPaused)

	for _, e := range []*api.WorkflowExecution{low, high, later, blocked, paused} {
		s.Require().NoError(s.store.CreateExecution(s.ctx, e))
	}

	claimed, err := s.store.ClaimRunnable(s.ctx, "w1", time.Minute, now, 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal("high", claimed[0].ID)
	s.Equal("w1", claimed[0].LeaseOwner)

	claimed, err = s.store.ClaimRunnable(s.ctx, "w2", time.Minute, now, 10)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)
	s.Equal("low", claimed[0].ID)

	// Nothing left until the lease expires.
	claimed, err = s.store.ClaimRunnable(s.ctx, "w3", time.Minute, now, 10)
	s.Require().NoError(err)
	s.Empty(claimed)

	claimed, err = s.store.ClaimRunnable(s.ctx, "w3", time.Minute, now.Add(2*time.Minute), 10)
	s.Require().NoError(err)
	s.Len(claimed, 2)
}

func (s *StoreTestSuite) TestConcurrentClaimsAreDisjoint() {
	for i := 0; i < 20; i++ {
		s.Require().NoError(s.store.CreateExecution(s.ctx, newTestExecution(fmt.Sprintf("e%02d", i), api.StatusRunning)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.store.ClaimRunnable(s.ctx, owner, time.Minute, time.Now(), 3)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					if prev, dup := seen[c.ID]; dup {
						s.Failf("double claim", "%s claimed by %s and %s", c.ID, prev, owner)
					}
					seen[c.ID] = owner
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Len(seen, 20)
}

func (s *StoreTestSuite) TestLeaseRenewAndRelease() {
	s.Require().NoError(s.store.CreateExecution(s.ctx, newTestExecution("e1", api.StatusRunning)))

	claimed, err := s.store.ClaimRunnable(s.ctx, "w1", 50*time.Millisecond, time.Now(), 1)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	renewedAt := time.Now().Add(time.Hour)
	s.Require().NoError(s.store.RenewLease(s.ctx, "e1", "w1", time.Minute, renewedAt))
	s.ErrorIs(s.store.RenewLease(s.ctx, "e1", "w2", time.Minute, renewedAt), api.ErrLeaseHeld)

	// The lease runs from the caller's clock, not the wall clock.
	held, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	s.WithinDuration(renewedAt.Add(time.Minute), held.LeaseExpiresAt, time.Millisecond)
	claimed, err = s.store.ClaimRunnable(s.ctx, "w2", time.Minute, renewedAt.Add(30*time.Second), 1)
	s.Require().NoError(err)
	s.Empty(claimed)

	// Releasing someone else's lease is a no-op.
	s.Require().NoError(s.store.ReleaseLease(s.ctx, "e1", "w2"))
	got, err := s.store.GetExecution(s.ctx, "e1")
	s.Require().NoError(err)
	s.Equal("w1", got.LeaseOwner)

	s.Require().NoError(s.store.ReleaseLease(s.ctx, "e1", "w1"))
	s.Require().NoError(s.store.ReleaseLease(s.ctx, "e1", "w1"))

	claimed, err = s.store.ClaimRunnable(s.ctx, "w2", time.Minute, time.Now(), 1)
	s.Require().NoError(err)
	s.Len(claimed, 1)
}

func (s *StoreTestSuite) TestConsumeSignalOnce() {
	base := time.Now().UTC()
	for i, name := range []string{"approve", "other", "approve"} {
		sig := &api.WorkflowSignal{
			ID:          fmt.Sprintf("s%d", i),
			ExecutionID: "e1",
			SignalName:  name,
			Payload:     map[string]any{"seq": i},
			ReceivedAt:  base.Add(time.Duration(i) * time.Millisecond),
		}
		s.Require().NoError(s.store.SaveSignal(s.ctx, sig))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won []string
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := s.store.ConsumeSignal(s.ctx, "e1", "approve", time.Now())
			if err != nil || sig == nil {
				return
			}
			mu.Lock()
			won = append(won, sig.ID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// A losing racer may see no signal at all; drain whatever is left.
	for {
		sig, err := s.store.ConsumeSignal(s.ctx, "e1", "approve", time.Now())
		s.Require().NoError(err)
		if sig == nil {
			break
		}
		won = append(won, sig.ID)
	}
	s.ElementsMatch([]string{"s0", "s2"}, won)

	all, err := s.store.ListSignals(s.ctx, "e1")
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.True(all[0].Consumed())
	s.False(all[1].Consumed())
	s.Equal(float64(0), all[0].Payload["seq"])
}

func (s *StoreTestSuite) TestConsumeSignalBreaksTiesByID() {
	at := time.Now().UTC()
	var want []string
	for i := range 5 {
		id, err := uuid.NewV7()
		s.Require().NoError(err)
		want = append(want, id.String())
		s.Require().NoError(s.store.SaveSignal(s.ctx, &api.WorkflowSignal{
			ID:          id.String(),
			ExecutionID: "e1",
			SignalName:  "tick",
			Payload:     map[string]any{"seq": i},
			ReceivedAt:  at,
		}))
	}

	var got []string
	for range want {
		sig, err := s.store.ConsumeSignal(s.ctx, "e1", "tick", time.Now())
		s.Require().NoError(err)
		s.Require().NotNil(sig)
		got = append(got, sig.ID)
	}
	s.Equal(want, got)
}

func (s *StoreTestSuite) TestRestoreSignal() {
	s.Require().NoError(s.store.SaveSignal(s.ctx, &api.WorkflowSignal{
		ID: "s1", ExecutionID: "e1", SignalName: "approve", ReceivedAt: time.Now().UTC(),
	}))

	sig, err := s.store.ConsumeSignal(s.ctx, "e1", "approve", time.Now())
	s.Require().NoError(err)
	s.Require().NotNil(sig)
	s.Require().NoError(s.store.RestoreSignal(s.ctx, "s1"))

	again, err := s.store.ConsumeSignal(s.ctx, "e1", "approve", time.Now())
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal("s1", again.ID)

	none, err := s.store.ConsumeSignal(s.ctx, "e1", "approve", time.Now())
	s.Require().NoError(err)
	s.Nil(none)

	s.NoError(s.store.RestoreSignal(s.ctx, "missing"))
}

func (s *StoreTestSuite) TestReserveKey() {
	now := time.Now().UTC()

	owner, ok, err := s.store.ReserveKey(s.ctx, "k1", "exec-1", now, time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("exec-1", owner)

	owner, ok, err = s.store.ReserveKey(s.ctx, "k1", "exec-2", now.Add(30*time.Second), time.Minute)
	s.Require().NoError(err)
	s.False(ok)
	s.Equal("exec-1", owner)

	// An expired reservation is taken over.
	owner, ok, err = s.store.ReserveKey(s.ctx, "k1", "exec-3", now.Add(2*time.Minute), time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("exec-3", owner)

	s.Require().NoError(s.store.ReleaseKey(s.ctx, "k1"))
	owner, ok, err = s.store.ReserveKey(s.ctx, "k1", "exec-4", now.Add(2*time.Minute), time.Minute)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("exec-4", owner)
}

func (s *StoreTestSuite) TestSubWorkflowCallUniquePerParentNode() {
	now := time.Now().UTC()
	call := &api.SubWorkflowCall{
		ID:                "c1",
		ParentExecutionID: "p1",
		ParentNodeID:      "child",
		ChildExecutionID:  "k1",
		InputMapping:      map[string]any{"x": "{{data.x}}"},
		OutputMapping:     map[string]string{"result": "out"},
		Status:            api.StatusPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	stored, created, err := s.store.CreateSubWorkflowCall(s.ctx, call)
	s.Require().NoError(err)
	s.True(created)
	s.Equal("k1", stored.ChildExecutionID)

	dup := *call
	dup.ID = "c2"
	dup.ChildExecutionID = "k2"
	stored, created, err = s.store.CreateSubWorkflowCall(s.ctx, &dup)
	s.Require().NoError(err)
	s.False(created)
	s.Equal("c1", stored.ID)
	s.Equal("k1", stored.ChildExecutionID)

	byChild, err := s.store.GetSubWorkflowCallByChild(s.ctx, "k1")
	s.Require().NoError(err)
	s.Require().NotNil(byChild)
	s.Equal(map[string]string{"result": "out"}, byChild.OutputMapping)

	none, err := s.store.GetSubWorkflowCallByChild(s.ctx, "k2")
	s.Require().NoError(err)
	s.Nil(none)

	s.Require().NoError(s.store.UpdateSubWorkflowCallStatus(s.ctx, "c1", api.StatusCompleted, now))
	calls, err := s.store.ListSubWorkflowCalls(s.ctx, "p1")
	s.Require().NoError(err)
	s.Require().Len(calls, 1)
	s.Equal(api.StatusCompleted, calls[0].Status)
}

func (s *StoreTestSuite) TestAdvanceScheduleOnlyOnce() {
	next := time.Now().UTC().Truncate(time.Second).Add(-time.Second)
	sched := &api.WorkflowSchedule{
		ID:             "sch1",
		WorkflowID:     "wf",
		CronExpression: "* * * * *",
		NextRunAt:      next,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}
	s.Require().NoError(s.store.SaveSchedule(s.ctx, sched))

	due, err := s.store.DueSchedules(s.ctx, time.Now())
	s.Require().NoError(err)
	s.Require().Len(due, 1)

	following := next.Add(time.Minute)
	won, err := s.store.AdvanceSchedule(s.ctx, "sch1", next, following, time.Now())
	s.Require().NoError(err)
	s.True(won)

	won, err = s.store.AdvanceSchedule(s.ctx, "sch1", next, following, time.Now())
	s.Require().NoError(err)
	s.False(won)

	got, err := s.store.GetSchedule(s.ctx, "sch1")
	s.Require().NoError(err)
	s.True(got.NextRunAt.Equal(following))
	s.False(got.LastRunAt.IsZero())

	s.Require().NoError(s.store.SetScheduleActive(s.ctx, "sch1", false))
	due, err = s.store.DueSchedules(s.ctx, following.Add(time.Hour))
	s.Require().NoError(err)
	s.Empty(due)

	s.ErrorIs(s.store.SetScheduleActive(s.ctx, "missing", true), ErrScheduleNotFound)
	_, err = s.store.GetSchedule(s.ctx, "missing")
	s.ErrorIs(err, ErrScheduleNotFound)
}

func (s *StoreTestSuite) TestLogsKeepAppendOrder() {
	at := time.Now().UTC()
	types := []api.EventType{api.EventExecutionCreated, api.EventNodeStarted, api.EventNodeCompleted}
	for i, typ := range types {
		s.Require().NoError(s.store.AppendLog(s.ctx, api.LogEntry{
			ExecutionID: "e1",
			At:          at,
			Type:        typ,
			NodeID:      "n",
			Attempt:     i,
		}))
	}
	s.Require().NoError(s.store.AppendLog(s.ctx, api.LogEntry{ExecutionID: "e2", Type: api.EventExecutionCreated}))

	logs, err := s.store.ListLogs(s.ctx, "e1")
	s.Require().NoError(err)
	s.Require().Len(logs, 3)
	for i, l := range logs {
		s.Equal(types[i], l.Type)
		s.Equal(i, l.Attempt)
	}
	s.Less(logs[0].ID, logs[1].ID)
}
