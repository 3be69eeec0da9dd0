package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"capsync/internal/capsync"
)

// ProbeFunc checks whether the remote service is reachable.
type ProbeFunc func(ctx context.Context) error

// Monitor tracks connectivity by probing periodically. It starts out
// optimistic: a direct submission that fails is queued anyway.
type Monitor struct {
	probe   ProbeFunc
	timeout time.Duration
	logger  capsync.Logger
	metrics *Metrics

	online atomic.Bool

	mu        sync.Mutex
	listeners []func()
}

var _ capsync.Connectivity = (*Monitor)(nil)

// NewMonitor creates a Monitor. Each probe is bounded by timeout.
func NewMonitor(probe ProbeFunc, timeout time.Duration, logger capsync.Logger, metrics *Metrics) *Monitor {
	m := &Monitor{probe: probe, timeout: timeout, logger: logger, metrics: metrics}
	m.online.Store(true)
	return m
}

// Online implements capsync.Connectivity.
func (m *Monitor) Online() bool { return m.online.Load() }

// OnRestored registers fn to run each time connectivity comes back.
func (m *Monitor) OnRestored(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Check probes once and returns the new state. Listeners run when the
// state flips from offline to online.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(ctx)
	cancel()

	up := err == nil
	was := m.online.Swap(up)
	m.metrics.setOnline(up)

	switch {
	case was && !up:
		m.logger.Warn("remote service unreachable", "error", err)
	case !was && up:
		m.logger.Info("connectivity restored")
		m.mu.Lock()
		listeners := append([]func(){}, m.listeners...)
		m.mu.Unlock()
		for _, fn := range listeners {
			fn()
		}
	}
	return up
}

// Run probes every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
