package app

import "time"

// Operation names, one per CLI command.
const (
	OpLogin       = "Login"
	OpLogout      = "Logout"
	OpStatus      = "Status"
	OpCapture     = "Capture"
	OpQueueList   = "QueueList"
	OpQueueFailed = "QueueFailed"
	OpQueueExport = "QueueExport"
	OpQueueClear  = "QueueClearFailed"
	OpSyncRun     = "SyncRun"
	OpSyncDaemon  = "SyncDaemon"
	OpHistory     = "History"
)

// mutating lists the operations that change local or remote state. Only
// these are recorded in the operation history.
var mutating = map[string]bool{
	OpLogin:      true,
	OpLogout:     true,
	OpCapture:    true,
	OpQueueClear: true,
	OpSyncRun:    true,
	OpSyncDaemon: true,
}

// Operation tracks one CLI invocation. Its ID tags every log line written
// while it runs.
type Operation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Parameters string    `json:"parameters,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Status     string    `json:"status"` // "success" or "error"
	Error      string    `json:"error,omitempty"`
}

// NewOperation creates a new in-memory operation started at at.
func NewOperation(name, parameters string, at time.Time) *Operation {
	return &Operation{
		ID:         at.UTC().Format("20060102T150405.000Z"),
		Name:       name,
		Parameters: parameters,
		StartedAt:  at,
		Status:     "success",
	}
}

// Mutating reports whether the operation is recorded in the history.
func (op *Operation) Mutating() bool {
	return mutating[op.Name]
}

// LongRunning reports whether the operation keeps the process alive, which
// is when the proactive token refresh timer is worth running.
func (op *Operation) LongRunning() bool {
	return op.Name == OpSyncDaemon
}

// Finish marks the operation done. A non-nil err marks it failed.
func (op *Operation) Finish(err error, at time.Time) {
	op.FinishedAt = at
	if err != nil {
		op.Status = "error"
		op.Error = err.Error()
	}
}

// Duration is the wall time of a finished operation.
func (op *Operation) Duration() time.Duration {
	if op.FinishedAt.IsZero() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
