package capsync

import "context"

// DeliverFunc attempts delivery of a single record. A nil error removes the
// record from the queue.
type DeliverFunc func(ctx context.Context, record CaptureRecord) error

// DrainReport summarizes one pass over the queue.
type DrainReport struct {
	Attempted    int
	Delivered    int
	Retrying     int
	Deferred     int
	DeadLettered []FailedSubmission
}

// SubmissionQueue is the durable FIFO of records awaiting delivery.
type SubmissionQueue interface {
	// Enqueue adds record unless an item with the same id is already
	// queued. cause is recorded as the item's last error.
	Enqueue(ctx context.Context, record CaptureRecord, cause error) (added bool, err error)

	// Drain delivers due items oldest-first in bounded batches.
	Drain(ctx context.Context, deliver DeliverFunc) (*DrainReport, error)

	// Pending returns the active queue, oldest first.
	Pending(ctx context.Context) ([]QueuedSubmission, error)

	// Failed returns the dead-lettered submissions, newest first.
	Failed(ctx context.Context) ([]FailedSubmission, error)
}

// Connectivity reports whether the remote service is believed reachable.
type Connectivity interface {
	Online() bool
}
