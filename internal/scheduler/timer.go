package scheduler

import (
	"sync"
	"time"
)

// Timer fires callbacks periodically. Implementations give no overlap
// guarantee; the scheduler enforces its own.
type Timer interface {
	Schedule(name string, period time.Duration, fn func()) (stop func())
}

// TickerTimer runs each schedule on its own goroutine driven by a
// time.Ticker. Ticks that arrive while fn is still running are dropped.
type TickerTimer struct{}

// Schedule implements Timer.
func (TickerTimer) Schedule(_ string, period time.Duration, fn func()) func() {
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
