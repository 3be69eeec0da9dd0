package capsync

import "context"

// ByteStore is the durable key-value primitive everything else persists
// through. It is assumed durable across restarts but not transactional
// across keys.
type ByteStore interface {
	// Get returns the value stored under key. ok is false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// OnChanged registers fn to be called with the key of every change,
	// including changes made by other processes where the backend can
	// observe them.
	OnChanged(fn func(key string))

	// Close releases backend resources.
	Close() error
}
