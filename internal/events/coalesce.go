package events

import (
	"context"
	"sync"
	"time"
)

// Coalescer throttles high-frequency sub-stage progress so degenerate
// fractional-percent streams do not saturate subscribers. An event passes
// when the stage or status changed, when the progress moved by at least
// MinDelta, or when at least MinInterval elapsed since the last published
// event for that target. Terminal and 100% events always pass.
type Coalescer struct {
	bus         Bus
	minInterval time.Duration
	minDelta    float64

	mu   sync.Mutex
	last map[string]coalesceState

	// now is replaceable in tests.
	now func() time.Time
}

type coalesceState struct {
	at       time.Time
	progress float64
	stage    string
	status   string
}

// NewCoalescer wraps a bus publish side with burst coalescing.
func NewCoalescer(bus Bus, minInterval time.Duration, minDelta float64) *Coalescer {
	return &Coalescer{
		bus:         bus,
		minInterval: minInterval,
		minDelta:    minDelta,
		last:        make(map[string]coalesceState),
		now:         time.Now,
	}
}

// Publish forwards the event unless it coalesces into the previous one.
// Suppressed events return nil: dropping an intermediate value is not an
// error because progress is last-write-wins.
func (c *Coalescer) Publish(ctx context.Context, ev ProgressEvent) error {
	if !c.shouldPublish(ev) {
		return nil
	}
	return c.bus.Publish(ctx, ev)
}

func (c *Coalescer) shouldPublish(ev ProgressEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	prev, seen := c.last[ev.TargetID]

	pass := !seen ||
		ev.Status != prev.status ||
		ev.Stage != prev.stage ||
		ev.Progress >= 100 ||
		ev.Progress-prev.progress >= c.minDelta ||
		prev.progress-ev.Progress >= c.minDelta ||
		now.Sub(prev.at) >= c.minInterval

	if pass {
		c.last[ev.TargetID] = coalesceState{
			at:       now,
			progress: ev.Progress,
			stage:    ev.Stage,
			status:   ev.Status,
		}
	}
	return pass
}

// Forget clears coalescing state for a target, typically after its work unit
// reaches a terminal state.
func (c *Coalescer) Forget(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, targetID)
}
