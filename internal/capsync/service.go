package capsync

import (
	"context"
	"fmt"
)

// RecordCache is the local store captured records are written to before
// any delivery is attempted.
type RecordCache interface {
	Put(ctx context.Context, id string, record CaptureRecord) error
}

// SubmissionResult describes what happened to a submitted record.
type SubmissionResult struct {
	Receipt *Receipt
	// Queued is true when delivery was deferred to the submission queue.
	Queued bool
	// Cause is the failure that led to queueing, if any.
	Cause error
}

// Service is the orchestration layer tying capture, local caching, the
// submission queue and delivery together.
type Service struct {
	engine   *CaptureEngine
	captures RecordCache
	queue    SubmissionQueue
	online   Connectivity
	logger   Logger
}

// NewService creates a Service. online may be nil, in which case the remote
// service is always assumed reachable.
func NewService(engine *CaptureEngine, captures RecordCache, queue SubmissionQueue, online Connectivity, logger Logger) *Service {
	return &Service{
		engine:   engine,
		captures: captures,
		queue:    queue,
		online:   online,
		logger:   logger,
	}
}

// Capture captures the page and stores the record locally.
func (s *Service) Capture(ctx context.Context, page PageHandle, opts CaptureOptions) (CaptureRecord, error) {
	record, err := s.engine.Capture(ctx, page, opts)
	if err != nil {
		return record, err
	}
	if err := s.captures.Put(ctx, record.ID, record); err != nil {
		return record, fmt.Errorf("caching capture: %w", err)
	}
	return record, nil
}

// Submit stores record locally, then attempts delivery once. Records that
// cannot be delivered for a transient reason are queued; the returned
// error is reserved for failures the caller must act on.
func (s *Service) Submit(ctx context.Context, record CaptureRecord) (*SubmissionResult, error) {
	if err := s.captures.Put(ctx, record.ID, record); err != nil {
		return nil, fmt.Errorf("caching capture: %w", err)
	}

	if s.online != nil && !s.online.Online() {
		return s.enqueue(ctx, record, ErrOffline)
	}

	receipt, err := s.engine.Submit(ctx, record)
	if err == nil {
		return &SubmissionResult{Receipt: receipt}, nil
	}

	switch Classify(err) {
	case ClassRetryable, ClassAuth:
		return s.enqueue(ctx, record, err)
	case ClassPermanent:
		s.logger.Warn("submission rejected", "id", record.ID, "error", err)
		return nil, err
	default:
		panic(fmt.Sprintf("unhandled error class %v", Classify(err)))
	}
}

// CaptureAndSubmit captures the page and submits the resulting record.
func (s *Service) CaptureAndSubmit(ctx context.Context, page PageHandle, opts CaptureOptions) (CaptureRecord, *SubmissionResult, error) {
	record, err := s.Capture(ctx, page, opts)
	if err != nil {
		return record, nil, err
	}
	res, err := s.Submit(ctx, record)
	return record, res, err
}

// Deliver is the DeliverFunc used when draining the queue.
func (s *Service) Deliver(ctx context.Context, record CaptureRecord) error {
	_, err := s.engine.Submit(ctx, record)
	return err
}

func (s *Service) enqueue(ctx context.Context, record CaptureRecord, cause error) (*SubmissionResult, error) {
	added, err := s.queue.Enqueue(ctx, record, cause)
	if err != nil {
		return nil, fmt.Errorf("queueing submission: %w", err)
	}
	if added {
		s.logger.Info("submission queued", "id", record.ID, "cause", cause)
	}
	return &SubmissionResult{Queued: true, Cause: cause}, nil
}
