// Package clock 提供可替换的时间源，后台循环通过它取时间与节拍。
// Package clock lets background loops take time and ticks from an
// injectable source so tests can drive them deterministically.
package clock

import "time"

// Clock is the subset of the time package the runtime depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called. C has capacity 1;
// ticks are dropped when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

func (t *Ticker) Stop() { t.stop() }

// Reset restarts the tick cycle with interval d.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop, reset: t.Reset}
}
