package node

import (
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

type timerFactory func(time.Duration) <-chan time.Time

// ControlTimer ticks once every time it is set. The node resets it after
// running the scheduled task, so that two runs of a task never overlap.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to listening process
	resetCh      chan time.Duration //receives instruction to reset the timer
	stopCh       chan struct{}      //receives instruction to stop the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
}

// NewControlTimer ...
func NewControlTimer(timerFactory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: timerFactory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan time.Duration),
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

// NewClockControlTimer returns a ControlTimer driven by clk.
func NewClockControlTimer(clk clock.Clock) *ControlTimer {
	return NewControlTimer(func(d time.Duration) <-chan time.Time {
		if d <= 0 {
			return nil
		}
		return clk.After(d)
	})
}

// NewRandomControlTimer returns a ControlTimer driven by clk whose delays are
// stretched by a random amount of up to 100%. It spreads periodic disk writes
// of nodes started together.
func NewRandomControlTimer(clk clock.Clock, rnd *rand.Rand) *ControlTimer {
	return NewControlTimer(func(min time.Duration) <-chan time.Time {
		if min <= 0 {
			return nil
		}
		extra := time.Duration(rnd.Int63n(int64(min)))
		return clk.After(min + extra)
	})
}

// Run sets the timer to init and serves resets until Shutdown.
func (c *ControlTimer) Run(init time.Duration) {
	timer := c.timerFactory(init)
	for {
		select {
		case <-timer:
			timer = nil
			select {
			case c.tickCh <- struct{}{}:
			case <-c.shutdownCh:
				return
			}
		case t := <-c.resetCh:
			timer = c.timerFactory(t)
		case <-c.stopCh:
			timer = nil
		case <-c.shutdownCh:
			return
		}
	}
}

// Reset sets the timer to fire after d.
func (c *ControlTimer) Reset(d time.Duration) {
	select {
	case c.resetCh <- d:
	case <-c.shutdownCh:
	}
}

// Stop disarms the timer until the next Reset.
func (c *ControlTimer) Stop() {
	select {
	case c.stopCh <- struct{}{}:
	case <-c.shutdownCh:
	}
}

// Shutdown ...
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
