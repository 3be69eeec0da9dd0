// Package queue implements the durable submission queue on top of the
// encrypted cache store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"capsync/internal/cache"
	"capsync/internal/capsync"
)

// Store keys. Both live under the "queue:" prefix, which the application
// registers as sensitive so that queued content is encrypted at rest.
const (
	KeyPrefix  = "queue:"
	PendingKey = KeyPrefix + "pending"
	FailedKey  = KeyPrefix + "failed"
)

// Defaults applied when an Options field is zero.
const (
	DefaultMaxAttempts = 3
	DefaultBatchSize   = 5
	DefaultBaseDelay   = 5 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultMaxFailed   = 100

	backoffMultiplier = 1.5
)

// Options tune retry behaviour.
type Options struct {
	MaxAttempts int
	BatchSize   int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFailed   int
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.MaxFailed <= 0 {
		o.MaxFailed = DefaultMaxFailed
	}
}

// Queue is a FIFO of submissions awaiting delivery. Drains are serialized;
// Enqueue may run concurrently with a drain.
type Queue struct {
	store  *cache.Store
	opts   Options
	logger capsync.Logger
	clock  capsync.Clock

	drainMu sync.Mutex
}

var _ capsync.SubmissionQueue = (*Queue)(nil)

// New creates a Queue persisted in store.
func New(store *cache.Store, opts Options, logger capsync.Logger, clock capsync.Clock) *Queue {
	opts.defaults()
	return &Queue{store: store, opts: opts, logger: logger, clock: clock}
}

// Enqueue appends record unless an item with the same id is already
// pending. Records that fail validation are rejected.
func (q *Queue) Enqueue(ctx context.Context, record capsync.CaptureRecord, cause error) (bool, error) {
	if res := capsync.Validate(record); !res.Valid {
		return false, &capsync.ValidationError{Findings: res.Findings()}
	}

	item := capsync.QueuedSubmission{
		Record:     record,
		EnqueuedAt: q.clock.Now(),
	}
	if cause != nil {
		item.LastError = cause.Error()
	}

	added := false
	err := q.updatePending(ctx, func(items []capsync.QueuedSubmission) ([]capsync.QueuedSubmission, error) {
		for _, it := range items {
			if it.Record.ID == record.ID {
				return items, nil
			}
		}
		added = true
		return append(items, item), nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueueing %s: %w", record.ID, err)
	}
	if added {
		q.logger.Info("submission queued", "id", record.ID, "cause", item.LastError)
	}
	return added, nil
}

// outcome is what happened to one item during a drain.
type outcome struct {
	id    string
	err   error
	class capsync.ErrorClass
}

// Drain delivers due items oldest-first, in batches of BatchSize. Items in
// a batch are delivered concurrently and independently. State is persisted
// after every batch. An auth failure stops the drain after the current
// batch, leaving the remaining items untouched.
func (q *Queue) Drain(ctx context.Context, deliver capsync.DeliverFunc) (*capsync.DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	items, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	report := &capsync.DrainReport{}
	var due []capsync.QueuedSubmission
	for _, it := range items {
		if it.NextAttemptAt.After(now) {
			report.Deferred++
			continue
		}
		due = append(due, it)
	}

	for start := 0; start < len(due); start += q.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			report.Deferred += len(due) - start
			return report, err
		}

		end := min(start+q.opts.BatchSize, len(due))
		batch := due[start:end]
		results := q.deliverBatch(ctx, batch, deliver)
		report.Attempted += len(batch)

		authStop, err := q.apply(ctx, results, report)
		if err != nil {
			return report, fmt.Errorf("persisting drain results: %w", err)
		}
		if authStop {
			report.Deferred += len(due) - end
			q.logger.Warn("drain stopped: not authenticated", "remaining", len(due)-end)
			break
		}
	}

	if report.Attempted > 0 {
		q.logger.Info("queue drained",
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"retrying", report.Retrying,
			"dead_lettered", len(report.DeadLettered),
			"deferred", report.Deferred,
		)
	}
	return report, nil
}

func (q *Queue) deliverBatch(ctx context.Context, batch []capsync.QueuedSubmission, deliver capsync.DeliverFunc) []outcome {
	results := make([]outcome, len(batch))
	var g errgroup.Group
	for i, it := range batch {
		g.Go(func() error {
			err := safeDeliver(ctx, deliver, it.Record)
			results[i] = outcome{id: it.Record.ID, err: err, class: capsync.Classify(err)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func safeDeliver(ctx context.Context, deliver capsync.DeliverFunc, record capsync.CaptureRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()
	return deliver(ctx, record)
}

// apply folds batch results into the persisted queue.
func (q *Queue) apply(ctx context.Context, results []outcome, report *capsync.DrainReport) (bool, error) {
	now := q.clock.Now()
	byID := make(map[string]outcome, len(results))
	for _, r := range results {
		byID[r.id] = r
	}

	authStop := false
	var dead []capsync.FailedSubmission
	var delivered, retrying int
	err := q.updatePending(ctx, func(items []capsync.QueuedSubmission) ([]capsync.QueuedSubmission, error) {
		authStop, dead, delivered, retrying = false, nil, 0, 0
		kept := make([]capsync.QueuedSubmission, 0, len(items))
		for _, it := range items {
			r, ok := byID[it.Record.ID]
			if !ok {
				kept = append(kept, it)
				continue
			}
			switch {
			case r.err == nil:
				delivered++
			case r.class == capsync.ClassAuth:
				authStop = true
				kept = append(kept, it)
			case r.class == capsync.ClassPermanent:
				it.LastError = r.err.Error()
				dead = append(dead, capsync.FailedSubmission{Submission: it, FailedAt: now, Reason: "permanent: " + r.err.Error()})
			default:
				it.Attempts++
				it.LastError = r.err.Error()
				if it.Attempts >= q.opts.MaxAttempts {
					dead = append(dead, capsync.FailedSubmission{
						Submission: it,
						FailedAt:   now,
						Reason:     fmt.Sprintf("gave up after %d attempts: %s", it.Attempts, r.err),
					})
					continue
				}
				it.NextAttemptAt = now.Add(q.delay(it.Attempts))
				retrying++
				kept = append(kept, it)
			}
		}
		return kept, nil
	})
	if err != nil {
		return false, err
	}

	report.Delivered += delivered
	report.Retrying += retrying
	if len(dead) > 0 {
		for _, d := range dead {
			q.logger.Warn("submission dead-lettered",
				"id", d.Submission.Record.ID,
				"attempts", d.Submission.Attempts,
				"reason", d.Reason,
			)
		}
		if err := q.deadLetter(ctx, dead); err != nil {
			return authStop, err
		}
		report.DeadLettered = append(report.DeadLettered, dead...)
	}
	return authStop, nil
}

// delay is the wait before the next attempt after attempts failures:
// BaseDelay * 1.5^(attempts-1), capped at MaxDelay.
func (q *Queue) delay(attempts int) time.Duration {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.opts.BaseDelay
	exp.Multiplier = backoffMultiplier
	exp.RandomizationFactor = 0
	exp.MaxInterval = q.opts.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	d := exp.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = exp.NextBackOff()
	}
	return d
}

func (q *Queue) deadLetter(ctx context.Context, dead []capsync.FailedSubmission) error {
	return q.store.Update(ctx, FailedKey, func(cur json.RawMessage) (json.RawMessage, error) {
		var failed []capsync.FailedSubmission
		if cur != nil {
			if err := json.Unmarshal(cur, &failed); err != nil {
				return nil, fmt.Errorf("decoding dead letters: %w", err)
			}
		}
		next := make([]capsync.FailedSubmission, 0, len(dead)+len(failed))
		for i := len(dead) - 1; i >= 0; i-- {
			next = append(next, dead[i])
		}
		next = append(next, failed...)
		if len(next) > q.opts.MaxFailed {
			next = next[:q.opts.MaxFailed]
		}
		return json.Marshal(next)
	})
}

// Pending returns the active queue, oldest first. A corrupt queue is
// discarded by the store and reported as empty.
func (q *Queue) Pending(ctx context.Context) ([]capsync.QueuedSubmission, error) {
	var items []capsync.QueuedSubmission
	if _, err := q.store.Get(ctx, PendingKey, &items); err != nil {
		var derr *capsync.DecryptionError
		if errors.As(err, &derr) {
			q.logger.Error("pending queue was unreadable and has been discarded", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	return items, nil
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Pending(ctx)
	return len(items), err
}

// Failed returns the dead-lettered submissions, newest first.
func (q *Queue) Failed(ctx context.Context) ([]capsync.FailedSubmission, error) {
	var failed []capsync.FailedSubmission
	if _, err := q.store.Get(ctx, FailedKey, &failed); err != nil {
		var derr *capsync.DecryptionError
		if errors.As(err, &derr) {
			q.logger.Error("dead letters were unreadable and have been discarded", "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("reading dead letters: %w", err)
	}
	return failed, nil
}

// ClearFailed drops all dead letters and returns how many there were.
func (q *Queue) ClearFailed(ctx context.Context) (int, error) {
	failed, err := q.Failed(ctx)
	if err != nil {
		return 0, err
	}
	if err := q.store.Delete(ctx, FailedKey); err != nil {
		return 0, fmt.Errorf("clearing dead letters: %w", err)
	}
	return len(failed), nil
}

func (q *Queue) updatePending(ctx context.Context, fn func([]capsync.QueuedSubmission) ([]capsync.QueuedSubmission, error)) error {
	return q.store.Update(ctx, PendingKey, func(cur json.RawMessage) (json.RawMessage, error) {
		var items []capsync.QueuedSubmission
		if cur != nil {
			if err := json.Unmarshal(cur, &items); err != nil {
				return nil, fmt.Errorf("decoding queue: %w", err)
			}
		}
		next, err := fn(items)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}
		return json.Marshal(next)
	})
}
