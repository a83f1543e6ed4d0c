package fluxgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunner_RunSync(t *testing.T) {
	ctx := context.Background()
	runner := NewLocalRunner()

	New("greeter").Trigger("start").Func("greet", greet).MustRegister(ctx, runner.Engine)

	exec, err := runner.Run(ctx, "greeter", map[string]any{"name": "local"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "hello local", exec.State.ExecutionData["greeting"])
}

func TestLocalRunner_WorkersDriveAsyncExecutions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := NewLocalRunner()
	runner.PollInterval = 5 * time.Millisecond
	New("approval").
		Trigger("start").
		WaitForSignal("approve", "approved").
		Func("greet", greet).
		MustRegister(ctx, runner.Engine)

	require.NoError(t, runner.StartWorkers(ctx, 2))
	defer runner.Stop()
	require.Error(t, runner.StartWorkers(ctx, 1))

	exec, err := runner.StartAsync(ctx, "approval", map[string]any{"name": "async"})
	require.NoError(t, err)

	waiting, err := runner.Wait(ctx, exec.ID, StatusWaitingSignal)
	require.NoError(t, err)
	assert.Equal(t, "approved", waiting.State.WaitingSignal)

	require.NoError(t, runner.SignalAsync(ctx, exec.ID, "approved", nil))

	done, err := runner.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "hello async", done.State.ExecutionData["greeting"])
}

func TestLocalRunner_FiresSchedules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := NewLocalRunner()
	runner.PollInterval = 5 * time.Millisecond
	New("tick").Trigger("start").MustRegister(ctx, runner.Engine)

	_, err := runner.Scheduler.CreateSchedule(ctx, "tick", "@every 1s", nil)
	require.NoError(t, err)

	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	assert.Eventually(t, func() bool {
		execs, err := runner.Engine.ListExecutions(ctx, ExecutionFilter{WorkflowID: "tick"})
		return err == nil && len(execs) > 0
	}, 4*time.Second, 20*time.Millisecond)
}

func TestLocalRunner_StopIsIdempotent(t *testing.T) {
	runner := NewLocalRunner()
	runner.Stop()
	require.NoError(t, runner.StartWorkers(context.Background(), 0))
	runner.Stop()
	runner.Stop()
}
