// Package retry runs an operation with exponential backoff between attempts.
package retry

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy configures Do. Attempts is the total number of tries; the delay
// after the first failure is Base and doubles after each further failure.
type Policy struct {
	Attempts int
	Base     time.Duration
	// Retryable reports whether err warrants another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	// Sleep defaults to a context-aware timer.
	Sleep SleepFunc
	// OnRetry is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Backoff is the delay sequence for p.
func (p Policy) Backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.Base,
		Factor:   2,
		Steps:    p.Attempts,
	}
}

// Delays lists the sleeps taken when every attempt but the last fails.
func (p Policy) Delays() []time.Duration {
	b := p.Backoff()
	var out []time.Duration
	for i := 1; i < p.Attempts; i++ {
		out = append(out, b.Step())
	}
	return out
}

// Do calls op until it succeeds, returns a non-retryable error, attempts run
// out or ctx ends. It returns the number of attempts made and the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) (int, error) {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	b := p.Backoff()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.Attempts || (p.Retryable != nil && !p.Retryable(err)) {
			return attempt, err
		}
		delay := b.Step()
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

// Sleep waits for d unless ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
