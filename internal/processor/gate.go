package processor

import (
	"context"
	"time"

	"github.com/smallbiznis/declara/internal/quota"
)

// Gate is consulted before every mutation. It returns quota.ErrExhausted
// when the mutation should not be sent.
type Gate interface {
	Acquire(ctx context.Context, cost float64) error
}

// ThrottleGate waits on a throttle for at most MaxWait.
type ThrottleGate struct {
	Throttle *quota.Throttle
	MaxWait  time.Duration
}

func (g ThrottleGate) Acquire(ctx context.Context, cost float64) error {
	ok, err := g.Throttle.WaitFor(ctx, cost, g.MaxWait)
	if err != nil {
		return err
	}
	if !ok {
		return quota.ErrExhausted
	}
	return nil
}
