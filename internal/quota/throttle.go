// Package quota tracks the remote API's cost budget locally so callers can
// decide whether a request fits before sending it.
package quota

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/smallbiznis/declara/internal/clock"
)

var ErrExhausted = errors.New("quota_exhausted")

const (
	ReasonRequestWindow = "request_window"
	ReasonCredits       = "insufficient_credits"
	ReasonOverCapacity  = "cost_exceeds_capacity"
)

// never is returned as the wait when a request can not fit at all.
const never = time.Duration(math.MaxInt64)

// Decision is the answer to CanProceed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// State is a copy of the throttle's bookkeeping.
type State struct {
	Credits   float64
	UpdatedAt time.Time
	Requests  []time.Time
	TotalUsed float64
}

// Throttle is a client-side model of a leaky credit bucket plus a sliding
// request window. It is owned by a single batch run.
type Throttle struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	state State
}

func New(cfg Config, clk clock.Clock) *Throttle {
	if clk == nil {
		clk = clock.System{}
	}
	t := &Throttle{cfg: cfg.withDefaults(), clock: clk}
	t.Reset()
	return t
}

// Reset restores a full bucket and an empty window.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{
		Credits:   t.cfg.MaxCredits,
		UpdatedAt: t.clock.Now(),
	}
}

// CanProceed reports whether a request of the given cost fits now, and if
// not, how long until it would.
func (t *Throttle) CanProceed(cost float64) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decide(cost, t.clock.Now())
}

func (t *Throttle) decide(cost float64, now time.Time) Decision {
	if limit := t.cfg.windowLimit(); limit > 0 {
		inWindow := t.windowRequests(now)
		if len(inWindow) >= limit {
			oldest := inWindow[len(inWindow)-limit]
			wait := oldest.Add(t.cfg.Window).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return Decision{RetryAfter: wait, Reason: ReasonRequestWindow}
		}
	}

	need := cost + t.cfg.CreditBuffer
	if need > t.cfg.MaxCredits {
		return Decision{RetryAfter: never, Reason: ReasonOverCapacity}
	}
	available := t.replenished(now)
	if available+1e-9 >= need {
		return Decision{Allowed: true}
	}
	if t.cfg.RestoreRate <= 0 {
		return Decision{RetryAfter: never, Reason: ReasonCredits}
	}
	seconds := (need - available) / t.cfg.RestoreRate
	return Decision{
		RetryAfter: time.Duration(math.Ceil(seconds * float64(time.Second))),
		Reason:     ReasonCredits,
	}
}

// RecordUsage charges a completed request. When the server reported its
// remaining credits that value replaces the local estimate.
func (t *Throttle) RecordUsage(actual float64, serverRemaining *float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	credits := t.replenished(now)
	if serverRemaining != nil {
		credits = *serverRemaining
	} else {
		credits -= actual
	}
	t.state.Credits = math.Min(t.cfg.MaxCredits, math.Max(0, credits))
	t.state.UpdatedAt = now
	if actual > 0 {
		t.state.TotalUsed += actual
	}
	t.state.Requests = append(t.windowRequests(now), now)
}

// WaitFor blocks until cost fits, but only when the required wait is within
// maxWait. It re-checks once after waiting and reports whether the request
// may proceed.
func (t *Throttle) WaitFor(ctx context.Context, cost float64, maxWait time.Duration) (bool, error) {
	d := t.CanProceed(cost)
	if d.Allowed {
		return true, nil
	}
	if d.RetryAfter > maxWait {
		return false, nil
	}
	if err := clock.Sleep(ctx, t.clock, d.RetryAfter); err != nil {
		return false, err
	}
	return t.CanProceed(cost).Allowed, nil
}

// Remaining returns the current credit estimate including restoration.
func (t *Throttle) Remaining() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replenished(t.clock.Now())
}

// TotalUsed returns the sum of actual costs recorded since Reset.
func (t *Throttle) TotalUsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.TotalUsed
}

func (t *Throttle) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Requests = append([]time.Time(nil), t.state.Requests...)
	return s
}

func (t *Throttle) replenished(now time.Time) float64 {
	elapsed := now.Sub(t.state.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return math.Min(t.cfg.MaxCredits, t.state.Credits+elapsed*t.cfg.RestoreRate)
}

// windowRequests drops timestamps that fell out of the window and returns the rest.
func (t *Throttle) windowRequests(now time.Time) []time.Time {
	cutoff := now.Add(-t.cfg.Window)
	kept := t.state.Requests[:0]
	for _, ts := range t.state.Requests {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.state.Requests = kept
	return kept
}
