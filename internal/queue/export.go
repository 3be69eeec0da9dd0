package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"capsync/internal/capsync"
	"capsync/internal/encryption"
)

// Export is the archive format written by ExportFailed.
type Export struct {
	Pending []capsync.QueuedSubmission `json:"pending"`
	Failed  []capsync.FailedSubmission `json:"failed"`
}

// ExportFailed writes the dead letters, and the pending items when
// includePending is set, as a passphrase-protected age archive.
func (q *Queue) ExportFailed(ctx context.Context, w io.Writer, passphrase string, includePending bool) (int, error) {
	var out Export
	var err error
	if out.Failed, err = q.Failed(ctx); err != nil {
		return 0, err
	}
	if includePending {
		if out.Pending, err = q.Pending(ctx); err != nil {
			return 0, err
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return 0, fmt.Errorf("encoding export: %w", err)
	}
	if err := encryption.ExportArchive(w, passphrase, data); err != nil {
		return 0, fmt.Errorf("writing export: %w", err)
	}
	return len(out.Failed) + len(out.Pending), nil
}

// ReadExport decodes an archive written by ExportFailed.
func ReadExport(r io.Reader, passphrase string) (*Export, error) {
	data, err := encryption.OpenArchive(r, passphrase)
	if err != nil {
		return nil, err
	}
	var out Export
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding export: %w", err)
	}
	return &out, nil
}
