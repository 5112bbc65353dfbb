// Package clock drives the once-per-second session tick.
package clock

import (
	"sync"
	"time"
)

// Timer cancels a scheduled callback. Stop is idempotent.
type Timer interface {
	Stop()
}

// Clock schedules callbacks for the session controller
type Clock interface {
	// Now returns the current wall-clock time
	Now() time.Time

	// Every calls fn once per interval until the returned timer is stopped
	Every(interval time.Duration, fn func()) Timer

	// AfterFunc calls fn once after d unless the returned timer is stopped first
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is a Clock backed by the runtime timers
type Real struct{}

// New returns the wall clock
func New() Real {
	return Real{}
}

// Now returns time.Now()
func (Real) Now() time.Time {
	return time.Now()
}

// Every starts a ticker goroutine
func (Real) Every(interval time.Duration, fn func()) Timer {
	t := &ticker{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go t.run(fn)
	return t
}

// AfterFunc wraps time.AfterFunc
func (Real) AfterFunc(d time.Duration, fn func()) Timer {
	return afterTimer{time.AfterFunc(d, fn)}
}

type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) run(fn func()) {
	for {
		select {
		case <-t.ticker.C:
			// Re-check so no tick is delivered after Stop returned
			select {
			case <-t.done:
				return
			default:
			}
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *ticker) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}

type afterTimer struct {
	t *time.Timer
}

func (a afterTimer) Stop() {
	a.t.Stop()
}
