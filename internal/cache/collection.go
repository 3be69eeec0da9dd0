package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"capsync/internal/capsync"
)

// Collection bounds apply when an option is zero.
const (
	DefaultTTL     = 24 * time.Hour
	DefaultMaxSize = 50
)

// Collection is a TTL- and size-bounded list of entries kept under a
// single key, newest first. Eviction is by insertion order, not access.
type Collection[T any] struct {
	store   *Store
	key     string
	ttl     time.Duration
	maxSize int
	clock   capsync.Clock
}

// NewCollection creates a Collection stored under key.
func NewCollection[T any](store *Store, key string, ttl time.Duration, maxSize int, clock capsync.Clock) *Collection[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Collection[T]{
		store:   store,
		key:     key,
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Key returns the store key the collection lives under.
func (c *Collection[T]) Key() string { return c.key }

// Put stores payload under id as the newest entry. Any previous entry for
// id is replaced, expired entries are dropped and the list is truncated to
// the maximum size, all in one atomic write.
func (c *Collection[T]) Put(ctx context.Context, id string, payload T) error {
	now := c.clock.Now()
	entry := capsync.CacheEntry[T]{
		ID:        id,
		Payload:   payload,
		StoredAt:  now,
		Encrypted: c.store.IsSensitive(c.key),
	}

	return c.store.Update(ctx, c.key, func(cur json.RawMessage) (json.RawMessage, error) {
		entries, err := c.decode(cur)
		if err != nil {
			return nil, err
		}
		next := make([]capsync.CacheEntry[T], 0, len(entries)+1)
		next = append(next, entry)
		for _, e := range entries {
			if e.ID != id {
				next = append(next, e)
			}
		}
		next, _ = c.bound(next, now)
		return json.Marshal(next)
	})
}

// Get returns the live entry for id, nil if there is none.
func (c *Collection[T]) Get(ctx context.Context, id string) (*capsync.CacheEntry[T], error) {
	entries, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// List returns all live entries, newest first. Expired entries found on
// the way are purged from storage. A collection that fails to decrypt is
// dropped and reported as a *capsync.DecryptionError.
func (c *Collection[T]) List(ctx context.Context) ([]capsync.CacheEntry[T], error) {
	var out []capsync.CacheEntry[T]
	err := c.store.Refresh(ctx, c.key, func(cur json.RawMessage) (json.RawMessage, error) {
		entries, err := c.decode(cur)
		if err != nil {
			return nil, err
		}
		kept, removed := c.bound(entries, c.clock.Now())
		out = kept
		if removed == 0 {
			return cur, nil
		}
		return json.Marshal(kept)
	})
	return out, err
}

// Remove deletes the entry for id, if present.
func (c *Collection[T]) Remove(ctx context.Context, id string) error {
	return c.store.Update(ctx, c.key, func(cur json.RawMessage) (json.RawMessage, error) {
		entries, err := c.decode(cur)
		if err != nil {
			return nil, err
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(entries) {
			return cur, nil
		}
		return json.Marshal(kept)
	})
}

// Prune applies the TTL and size bounds and persists the result. It
// returns the number of entries removed.
func (c *Collection[T]) Prune(ctx context.Context) (int, error) {
	var removed int
	err := c.store.Update(ctx, c.key, func(cur json.RawMessage) (json.RawMessage, error) {
		entries, err := c.decode(cur)
		if err != nil {
			return nil, err
		}
		var kept []capsync.CacheEntry[T]
		kept, removed = c.bound(entries, c.clock.Now())
		if removed == 0 {
			return cur, nil
		}
		return json.Marshal(kept)
	})
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", c.key, err)
	}
	return removed, nil
}

// bound filters out entries whose age has reached the TTL and truncates to
// the maximum size, keeping the newest.
func (c *Collection[T]) bound(entries []capsync.CacheEntry[T], now time.Time) ([]capsync.CacheEntry[T], int) {
	kept := make([]capsync.CacheEntry[T], 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.StoredAt) < c.ttl {
			kept = append(kept, e)
		}
	}
	if len(kept) > c.maxSize {
		kept = kept[:c.maxSize]
	}
	return kept, len(entries) - len(kept)
}

func (c *Collection[T]) decode(raw json.RawMessage) ([]capsync.CacheEntry[T], error) {
	if raw == nil {
		return nil, nil
	}
	var entries []capsync.CacheEntry[T]
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", c.key, err)
	}
	return entries, nil
}
