// Package scheduler runs periodic sync cycles: drain the submission
// queue, then prune the local cache.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"capsync/internal/capsync"
)

// ErrCycleInProgress is returned when a cycle is requested while another
// is still running. The request is dropped, not queued.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Pruner removes expired entries from a cache collection.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// CycleReport describes one completed cycle.
type CycleReport struct {
	Drain   *capsync.DrainReport
	Pruned  int
	Offline bool
}

// Scheduler owns the sync cycle. Cycles never overlap.
type Scheduler struct {
	queue   capsync.SubmissionQueue
	deliver capsync.DeliverFunc
	pruners []Pruner
	online  capsync.Connectivity
	metrics *Metrics
	logger  capsync.Logger
	clock   capsync.Clock

	running atomic.Bool
	wake    chan struct{}
}

// New creates a Scheduler. online and metrics may be nil.
func New(queue capsync.SubmissionQueue, deliver capsync.DeliverFunc, pruners []Pruner, online capsync.Connectivity, metrics *Metrics, logger capsync.Logger, clock capsync.Clock) *Scheduler {
	return &Scheduler{
		queue:   queue,
		deliver: deliver,
		pruners: pruners,
		online:  online,
		metrics: metrics,
		logger:  logger,
		clock:   clock,
		wake:    make(chan struct{}, 1),
	}
}

// Wake asks a running Run loop for a cycle. Requests made while one is
// already pending are coalesced. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunCycle drains the queue and then prunes the cache. A cycle requested
// while another runs returns ErrCycleInProgress. Failures, panics included,
// are logged and returned; they never stop later cycles.
func (s *Scheduler) RunCycle(ctx context.Context) (report *CycleReport, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.cycle("skipped", 0)
		s.logger.Debug("sync cycle skipped: previous cycle still running")
		return nil, ErrCycleInProgress
	}
	defer s.running.Store(false)

	start := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
		result := "ok"
		switch {
		case err != nil:
			result = "error"
			s.logger.Error("sync cycle failed", "error", err)
		case report != nil && report.Offline:
			result = "offline"
		}
		s.metrics.cycle(result, s.clock.Now().Sub(start).Seconds())
	}()

	report = &CycleReport{}
	var errs []error

	if s.online != nil && !s.online.Online() {
		report.Offline = true
		s.logger.Debug("sync cycle: offline, skipping drain")
	} else {
		drain, derr := s.queue.Drain(ctx, s.deliver)
		report.Drain = drain
		if derr != nil {
			errs = append(errs, fmt.Errorf("draining queue: %w", derr))
		}
		if drain != nil {
			depth := 0
			if pending, perr := s.queue.Pending(ctx); perr == nil {
				depth = len(pending)
			}
			s.metrics.drained(drain.Delivered, drain.Retrying, len(drain.DeadLettered), depth)
		}
	}

	for _, p := range s.pruners {
		n, perr := p.Prune(ctx)
		if perr != nil {
			errs = append(errs, perr)
			continue
		}
		report.Pruned += n
	}
	s.metrics.prunedEntries(report.Pruned)

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

// Restorer notifies when connectivity comes back.
type Restorer interface {
	OnRestored(fn func())
}

// Run schedules a cycle every interval, one whenever restorer reports
// restored connectivity and one per Wake, until ctx is done. restorer may
// be nil.
func (s *Scheduler) Run(ctx context.Context, timer Timer, interval time.Duration, restorer Restorer) {
	trigger := func(reason string) {
		if ctx.Err() != nil {
			return
		}
		s.logger.Debug("sync cycle triggered", "reason", reason)
		// Errors are logged inside RunCycle.
		_, _ = s.RunCycle(ctx)
	}

	if restorer != nil {
		restorer.OnRestored(func() { trigger("connectivity restored") })
	}
	stop := timer.Schedule("sync", interval, func() { trigger("timer") })
	defer stop()

	s.logger.Info("sync scheduler started", "interval", interval)
	trigger("startup")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-s.wake:
			trigger("wake")
		}
	}
}
