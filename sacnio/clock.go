// Package sacnio holds small runtime capabilities shared by the source,
// receiver and discovery packages: a monotonic clock abstraction
// (so tests can drive timers deterministically), short-id generation for
// log correlation, and a rolling traffic-stats counter.
package sacnio

import "time"

// Clock is the monotonic timer capability consumed by the engine.
// Implementations must be safe for concurrent use by multiple Timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is the expiry/reset primitive the engine calls for: it fires
// f once, and can be stopped or rearmed.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Ticker delivers repeated fires on a channel, matching the shape the
// standard library's time.Ticker exposes (used directly by the 44 Hz
// transmit tick and the 500 ms heartbeats).
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SystemClock is the real, wall-clock-backed Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, f)}
}

func (SystemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) Stop() bool             { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()                { s.t.Stop() }
