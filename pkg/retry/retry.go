// Package retry provides bounded polling with configurable backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Poll when every attempt ran without the
// condition being met.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy defines how often and how long to poll.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultPolicy returns the transcript polling policy: three attempts with a
// fixed ten second delay between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  1.0,
	}
}

// FixedDelay returns a policy that waits delay between each of attempts tries.
func FixedDelay(attempts int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: delay,
		MaxBackoff:     delay,
		BackoffFactor:  1.0,
	}
}

// Validate checks the policy values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial_backoff must not be negative")
	}
	if p.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1, got %v", p.BackoffFactor)
	}
	return nil
}

// CalculateBackoff calculates the wait before the retry following the given
// zero-based retry count.
func (p Policy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return p.InitialBackoff
	}

	backoff := p.InitialBackoff
	for i := 0; i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt is one polling try. It reports done when the condition is met; a
// non-nil error stops polling immediately.
type Attempt func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs fn until it reports done, returns an error, or MaxAttempts tries
// have been made. Between tries it waits according to the policy. It returns
// the number of tries made; exhaustion returns ErrExhausted.
func Poll(ctx context.Context, p Policy, sleep Sleeper, fn Attempt) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, p.CalculateBackoff(attempt-1)); err != nil {
			return attempt, err
		}
	}

	return maxAttempts, ErrExhausted
}
