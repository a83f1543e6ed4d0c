// Package scheduler fires cron schedules into workflow executions.
//
// Each due run is created under an idempotency key derived from the
// schedule and its run time, then claimed by a compare-and-swap on
// NextRunAt. Any number of workers may tick the same store and each run
// creates exactly one execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/petrijr/fluxgraph/internal/persistence"
	"github.com/petrijr/fluxgraph/pkg/api"
)

// parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @hourly or @every 5m.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Creator starts executions for fired schedules.
type Creator interface {
	CreateExecution(ctx context.Context, workflowID string, triggerData map[string]any, opts api.CreateOptions) (*api.WorkflowExecution, error)
}

// Scheduler manages schedules and turns due ones into executions.
type Scheduler struct {
	store   persistence.ScheduleStore
	creator Creator
	logger  *slog.Logger
	clock   func() time.Time
}

// New returns a scheduler. A nil logger uses slog.Default.
func New(store persistence.ScheduleStore, creator Creator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		creator: creator,
		logger:  logger.With("component", "scheduler"),
		clock:   time.Now,
	}
}

// WithClock replaces the time source used when creating schedules.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Parse validates a cron expression.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, api.NewValidationError("", fmt.Sprintf("invalid cron expression %q: %v", expr, err))
	}
	return sched, nil
}

// CreateSchedule stores an active schedule whose first run is the next
// cron time after now.
func (s *Scheduler) CreateSchedule(ctx context.Context, workflowID, expr string, triggerData map[string]any) (*api.WorkflowSchedule, error) {
	if workflowID == "" {
		return nil, api.NewValidationError("", "workflow id is required")
	}
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := &api.WorkflowSchedule{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: expr,
		NextRunAt:      sched.Next(now),
		IsActive:       true,
		TriggerData:    triggerData,
		CreatedAt:      now,
	}
	if err := s.store.SaveSchedule(ctx, out); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created",
		"schedule_id", out.ID,
		"workflow_id", workflowID,
		"cron", expr,
		"next_run_at", out.NextRunAt,
	)
	return out, nil
}

// PauseSchedule stops a schedule from firing.
func (s *Scheduler) PauseSchedule(ctx context.Context, id string) error {
	return s.store.SetScheduleActive(ctx, id, false)
}

// ResumeSchedule re-enables a schedule. Runs missed while it was paused
// fire once on the next tick.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id string) error {
	return s.store.SetScheduleActive(ctx, id, true)
}

func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*api.WorkflowSchedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Scheduler) ListSchedules(ctx context.Context) ([]*api.WorkflowSchedule, error) {
	return s.store.ListSchedules(ctx)
}

// Tick fires every active schedule due at now and returns how many
// executions were created. However many runs were missed, a schedule fires
// once and moves on to its next time after now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, err
	}

	fired := 0
	var errs []error
	for _, sc := range due {
		ok, err := s.fire(ctx, sc, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", sc.ID, err))
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, errors.Join(errs...)
}

// fire creates the execution for sc's due run, then advances the schedule.
// The run's idempotency key makes a retry after a failed advance, and a
// concurrent tick of the same run, return the execution already created.
func (s *Scheduler) fire(ctx context.Context, sc *api.WorkflowSchedule, now time.Time) (bool, error) {
	sched, err := Parse(sc.CronExpression)
	if err != nil {
		return false, err
	}
	next := sched.Next(now)

	exec, err := s.creator.CreateExecution(ctx, sc.WorkflowID, sc.TriggerData, api.CreateOptions{
		IdempotencyKey: RunKey(sc.ID, sc.NextRunAt),
	})
	if err != nil {
		return false, err
	}

	won, err := s.store.AdvanceSchedule(ctx, sc.ID, sc.NextRunAt, next, now)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	s.logger.Info("schedule fired",
		"schedule_id", sc.ID,
		"workflow_id", sc.WorkflowID,
		"execution_id", exec.ID,
		"next_run_at", next,
	)
	return true, nil
}

// RunKey is the idempotency key of a schedule's run due at at.
func RunKey(scheduleID string, at time.Time) string {
	return fmt.Sprintf("schedule:%s:%d", scheduleID, at.Unix())
}
