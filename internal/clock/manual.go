package clock

import (
	"sync"
	"time"
)

// Manual is a Clock driven by hand. Callbacks run synchronously on the
// goroutine that calls Tick or Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *Manual
	fn       func()
	interval time.Duration // zero for one-shot timers
	deadline time.Time
	stopped  bool
}

// NewManual creates a manual clock starting at now
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

// Now returns the manual time
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Every registers a repeating callback
func (m *Manual) Every(interval time.Duration, fn func()) Timer {
	return m.add(interval, interval, fn)
}

// AfterFunc registers a one-shot callback
func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.add(d, 0, fn)
}

func (m *Manual) add(d, interval time.Duration, fn func()) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{clock: m, fn: fn, interval: interval, deadline: m.now.Add(d)}
	m.timers = append(m.timers, t)
	return t
}

// Tick fires every live repeating callback once without moving time
func (m *Manual) Tick() {
	for _, t := range m.live() {
		if t.interval > 0 {
			t.fn()
		}
	}
}

// Advance moves time forward and fires every callback whose deadline passed
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	m.mu.Unlock()

	for _, t := range m.live() {
		for {
			m.mu.Lock()
			due := !t.stopped && !t.deadline.After(now)
			if due {
				if t.interval > 0 {
					t.deadline = t.deadline.Add(t.interval)
				} else {
					t.stopped = true
				}
			}
			m.mu.Unlock()

			if !due {
				break
			}
			t.fn()
		}
	}
}

// Active returns the number of callbacks that have not been stopped
func (m *Manual) Active() int {
	return len(m.live())
}

func (m *Manual) live() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*manualTimer
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			out = append(out, t)
			kept = append(kept, t)
		}
	}
	m.timers = kept
	return out
}

func (t *manualTimer) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
