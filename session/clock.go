package session

import (
	"context"
	"time"
)

// Clock delivers session ticks.
type Clock interface {
	Ticks() <-chan time.Time
	Stop()
}

// TickerClock ticks on wall-clock time.
type TickerClock struct {
	t *time.Ticker
}

func NewTickerClock(interval time.Duration) *TickerClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &TickerClock{t: time.NewTicker(interval)}
}

func (c *TickerClock) Ticks() <-chan time.Time { return c.t.C }
func (c *TickerClock) Stop()                   { c.t.Stop() }

// ManualClock ticks only when told to. Advance blocks until the tick has
// been received.
type ManualClock struct {
	ch chan time.Time
}

func NewManualClock() *ManualClock {
	return &ManualClock{ch: make(chan time.Time)}
}

func (c *ManualClock) Ticks() <-chan time.Time { return c.ch }
func (c *ManualClock) Stop()                   {}

func (c *ManualClock) Advance(ctx context.Context) error {
	select {
	case c.ch <- time.Now():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
