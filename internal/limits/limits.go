// Package limits enforces per-engine resource budgets.
//
// Concurrency is counted in the datastore, not in process memory, so every
// engine sharing a store sees the same number of active executions.
package limits

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Config holds the budgets. Zero values disable a check.
type Config struct {
	// MaxConcurrentExecutions caps running and waiting executions.
	// Executions above the cap stay pending until capacity frees.
	MaxConcurrentExecutions int
	// MaxStateBytes caps the encoded size of an execution state.
	MaxStateBytes int
	// MaxNodeTime caps the cumulative wall time an execution may spend
	// inside node handlers.
	MaxNodeTime time.Duration
}

// Counter reports how many executions are in a status.
type Counter interface {
	CountExecutions(ctx context.Context, status api.Status) (int, error)
}

// Limiter checks Config against live counts.
type Limiter struct {
	config  Config
	counter Counter
	logger  *slog.Logger
}

// NewLimiter returns a limiter. A nil logger uses slog.Default.
func NewLimiter(config Config, counter Counter, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		config:  config,
		counter: counter,
		logger:  logger.With("component", "limiter"),
	}
}

// Config returns the configured budgets.
func (l *Limiter) Config() Config { return l.config }

// Unlimited is returned by Available when no concurrency cap is set.
const Unlimited = -1

// Available returns how many more executions may start now, or Unlimited.
func (l *Limiter) Available(ctx context.Context) (int, error) {
	if l.config.MaxConcurrentExecutions <= 0 {
		return Unlimited, nil
	}
	active := 0
	for _, st := range []api.Status{api.StatusRunning, api.StatusWaitingSignal} {
		n, err := l.counter.CountExecutions(ctx, st)
		if err != nil {
			return 0, fmt.Errorf("count %s executions: %w", st, err)
		}
		active += n
	}
	free := l.config.MaxConcurrentExecutions - active
	if free <= 0 {
		l.logger.Debug("execution capacity reached",
			"active", active,
			"max_concurrent", l.config.MaxConcurrentExecutions,
		)
		return 0, nil
	}
	return free, nil
}

// CheckStateSize fails when size exceeds MaxStateBytes.
func (l *Limiter) CheckStateSize(size int) error {
	if l.config.MaxStateBytes > 0 && size > l.config.MaxStateBytes {
		return fmt.Errorf("%w: state is %d bytes, limit %d", api.ErrResourceLimit, size, l.config.MaxStateBytes)
	}
	return nil
}

// CheckNodeTime fails when total exceeds MaxNodeTime.
func (l *Limiter) CheckNodeTime(total time.Duration) error {
	if l.config.MaxNodeTime > 0 && total > l.config.MaxNodeTime {
		return fmt.Errorf("%w: node time %s, limit %s", api.ErrResourceLimit, total, l.config.MaxNodeTime)
	}
	return nil
}
