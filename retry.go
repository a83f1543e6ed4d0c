package fluxgraph

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with GraphBuilder.WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries after the first
// attempt.
//
// maxRetries < 0 is treated as 0 (no retries).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxRetries:        maxRetries,
			BackoffMultiplier: 2.0,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//
// Example:
//
//	Retry(3).WithExponentialBackoff(time.Second, 2.0) // 1s, 2s, 4s
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64) RetryBuilder {
	p := r.policy
	p.InitialDelay = initial
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.BackoffMultiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithConstantBackoff configures a constant delay between retries.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.InitialDelay = delay
	p.BackoffMultiplier = 1.0
	return RetryBuilder{policy: p}
}

// Immediate disables any wait between retries.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.InitialDelay = 0
	return RetryBuilder{policy: p}
}

// RetryTimeouts makes attempts that hit the node timeout retryable.
func (r RetryBuilder) RetryTimeouts() RetryBuilder {
	p := r.policy
	p.RetryTimeouts = true
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
