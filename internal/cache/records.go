package cache

import (
	"context"

	"capsync/internal/capsync"
)

// RecordCache adapts a Collection of capture records to capsync.RecordCache.
type RecordCache struct {
	*Collection[capsync.CaptureRecord]
}

// NewRecordCache creates the capture cache under key.
func NewRecordCache(c *Collection[capsync.CaptureRecord]) *RecordCache {
	return &RecordCache{Collection: c}
}

// Records returns the cached records, newest first.
func (r *RecordCache) Records(ctx context.Context) ([]capsync.CaptureRecord, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]capsync.CaptureRecord, len(entries))
	for i, e := range entries {
		out[i] = e.Payload
	}
	return out, nil
}

var _ capsync.RecordCache = (*RecordCache)(nil)
