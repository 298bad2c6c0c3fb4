package sacnio

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually-advanced Clock for deterministic tests of
// the 44 Hz transmit cadence, loss timers and heartbeats, with no
// dependency on wall-clock time.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFakeClock returns a FakeClock starting at an arbitrary fixed epoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(0, 0)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f, active: true}
	c.timers = append(c.timers, t)
	return t
}

func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1), active: true}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing any timers/tickers whose
// deadline has passed, in deadline order. Ticker fires that would have
// happened more than once within d are coalesced to one send (tickers
// never block the advancing goroutine).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	type due struct {
		at  time.Time
		fn  func()
	}
	var fires []due

	for _, t := range c.timers {
		if t.active && !t.at.After(target) {
			fires = append(fires, due{t.at, t.fn})
			t.active = false
		}
	}
	sort.Slice(fires, func(i, j int) bool { return fires[i].at.Before(fires[j].at) })

	for _, tk := range c.tickers {
		if !tk.active {
			continue
		}
		for !tk.next.After(target) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.period)
		}
	}

	c.now = target
	c.mu.Unlock()

	for _, fr := range fires {
		fr.fn()
	}
}

type fakeTimer struct {
	clock  *FakeClock
	at     time.Time
	fn     func()
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.at = t.clock.now.Add(d)
	t.active = true
	return was
}

type fakeTicker struct {
	clock  *FakeClock
	period time.Duration
	next   time.Time
	ch     chan time.Time
	active bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.active = false
}
