package scheduler

import (
	"context"
	"time"
)

// Clock supplies time and the scheduler's only blocking primitive
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first,
	// returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock is the wall clock with a cancellable timer-based sleep
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
