// Package poll provides a repeat-with-delay combinator over a probe function
// returning an optional terminal value.
package poll

import (
	"context"
	"time"
)

// Sleep waits for the given duration. Tests inject a fake.
type Sleep func(ctx context.Context, d time.Duration) error

// RealSleep blocks for d or until the context is cancelled.
func RealSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Probe observes once. A nil result with a nil error means "no answer yet".
type Probe[T any] func(ctx context.Context) (*T, error)

// Until repeatedly invokes probe with a fixed inter-probe delay until it
// yields a terminal value or an error. There is no built-in attempt ceiling;
// callers bound the wait through the context if they need one.
func Until[T any](ctx context.Context, interval time.Duration, sleep Sleep, probe Probe[T]) (*T, error) {
	if sleep == nil {
		sleep = RealSleep
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := probe(ctx)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
	}
}
