package testutil

import (
	"fmt"
	"sync"
	"time"

	"capsync/internal/capsync"
)

// FixtureEpoch is when fixture records are captured and where FixedClock
// starts.
var FixtureEpoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock is a capsync.Clock that only moves when a test advances it.
// Token expiry, queue backoff and cache TTLs are all driven from it.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ capsync.Clock = (*StubClock)(nil)

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock at FixtureEpoch.
func FixedClock() *StubClock {
	return NewStubClock(FixtureEpoch)
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d, e.g. past a retry delay or TTL.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// StubIDGenerator hands out record ids "id-1", "id-2", ... in call order.
type StubIDGenerator struct {
	mu   sync.Mutex
	next int
}

var _ capsync.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next)
}
