package clock

import (
	"context"
	"time"

	"go.uber.org/fx"
)

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return System{} }),
)

// Clock is the time source used by batch components.
type Clock interface {
	Now() time.Time
}

// Sleeper is implemented by clocks that control how waiting is performed.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// System reads wall-clock time in UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// Sleep waits for d using clk when it knows how to sleep, falling back to
// a real timer otherwise.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if s, ok := clk.(Sleeper); ok {
		return s.Sleep(ctx, d)
	}
	return System{}.Sleep(ctx, d)
}
