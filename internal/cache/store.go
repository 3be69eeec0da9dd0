// Package cache layers typed, optionally encrypted values and change
// events over a capsync.ByteStore.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"capsync/internal/capsync"
)

// ChangeEvent describes one write. Old and New hold the plaintext JSON of
// the value before and after; nil means absent. External events report a
// write made by another process; they carry no values and readers reload.
type ChangeEvent struct {
	Key      string
	Old      json.RawMessage
	New      json.RawMessage
	External bool
}

// Listener receives change events.
type Listener func(ChangeEvent)

// Store maps keys to JSON values. Keys matching a sensitive prefix are
// encrypted before they reach the byte store; callers never see ciphertext.
type Store struct {
	bytes     capsync.ByteStore
	cipher    capsync.Cipher
	sensitive []string
	logger    capsync.Logger

	// mu serializes every read-modify-write so that no reader observes a
	// half-applied update.
	mu sync.Mutex

	lmu       sync.RWMutex
	listeners []Listener

	// writing is the key this Store is writing, if any. Byte store
	// notifications for it are this Store's own.
	wmu     sync.Mutex
	writing string
}

// NewStore creates a Store. Keys starting with any of sensitivePrefixes are
// encrypted with cipher. Changes the byte store reports for writes made
// elsewhere are re-emitted as external events.
func NewStore(bytes capsync.ByteStore, cipher capsync.Cipher, logger capsync.Logger, sensitivePrefixes ...string) *Store {
	s := &Store{
		bytes:     bytes,
		cipher:    cipher,
		sensitive: sensitivePrefixes,
		logger:    logger,
	}
	bytes.OnChanged(s.changed)
	return s
}

// IsSensitive reports whether values under key are encrypted at rest.
func (s *Store) IsSensitive(key string) bool {
	for _, p := range s.sensitive {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Get decodes the value under key into v. It returns false when the key is
// absent. A value that fails to decrypt is deleted and a
// *capsync.DecryptionError is returned.
func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.load(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

// Set encodes v and stores it under key.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}

	s.mu.Lock()
	old, err := s.loadForWrite(ctx, key)
	if err == nil {
		err = s.save(ctx, key, raw)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.emit(ChangeEvent{Key: key, Old: old, New: raw})
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	old, err := s.loadForWrite(ctx, key)
	if err == nil {
		err = s.remove(ctx, key)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}

	if old != nil {
		s.emit(ChangeEvent{Key: key, Old: old})
	}
	return nil
}

// UpdateFunc receives the current plaintext JSON (nil if absent) and
// returns the new value. Returning nil deletes the key; returning the
// input unchanged (same length and bytes) skips the write.
type UpdateFunc func(current json.RawMessage) (json.RawMessage, error)

// Update applies fn to the value under key as one atomic step with
// respect to every other Store operation. A value that fails to decrypt is
// discarded and fn sees it as absent.
func (s *Store) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.update(ctx, key, fn, s.loadForWrite)
}

// Refresh is Update for readers: a value that fails to decrypt is
// discarded and the *capsync.DecryptionError is returned without calling fn.
func (s *Store) Refresh(ctx context.Context, key string, fn UpdateFunc) error {
	return s.update(ctx, key, fn, s.load)
}

func (s *Store) update(ctx context.Context, key string, fn UpdateFunc, load func(context.Context, string) (json.RawMessage, error)) error {
	s.mu.Lock()
	old, err := load(ctx, key)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	next, err := fn(old)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if string(next) == string(old) && (next == nil) == (old == nil) {
		s.mu.Unlock()
		return nil
	}

	if next == nil {
		err = s.remove(ctx, key)
	} else {
		err = s.save(ctx, key, next)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("updating %q: %w", key, err)
	}

	s.emit(ChangeEvent{Key: key, Old: old, New: next})
	return nil
}

// OnChange registers l. Listeners run synchronously, in registration
// order, after the write has been persisted.
func (s *Store) OnChange(l Listener) {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) emit(ev ChangeEvent) {
	s.lmu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.lmu.RUnlock()

	for i, l := range listeners {
		s.dispatch(i, l, ev)
	}
}

func (s *Store) dispatch(i int, l Listener, ev ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cache listener panicked", "key", ev.Key, "listener", i, "panic", r)
		}
	}()
	l(ev)
}

// load returns the plaintext stored under key, nil if absent. Undecryptable
// entries are discarded.
func (s *Store) load(ctx context.Context, key string) (json.RawMessage, error) {
	data, ok, err := s.bytes.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	if !s.IsSensitive(key) {
		return data, nil
	}

	plain, err := s.cipher.Decrypt(data)
	if err != nil {
		var derr *capsync.DecryptionError
		if errors.As(err, &derr) {
			derr.Key = key
		} else {
			err = &capsync.DecryptionError{Key: key, Err: err}
		}
		s.logger.Error("discarding undecryptable entry", "key", key)
		if delErr := s.remove(ctx, key); delErr != nil {
			s.logger.Warn("failed to discard entry", "key", key, "error", delErr)
		}
		return nil, err
	}
	return plain, nil
}

// loadForWrite is load for callers about to overwrite key: a corrupt
// previous value is discarded and treated as absent.
func (s *Store) loadForWrite(ctx context.Context, key string) (json.RawMessage, error) {
	old, err := s.load(ctx, key)
	var derr *capsync.DecryptionError
	if errors.As(err, &derr) {
		return nil, nil
	}
	return old, err
}

func (s *Store) save(ctx context.Context, key string, plain json.RawMessage) error {
	data := []byte(plain)
	if s.IsSensitive(key) {
		enc, err := s.cipher.Encrypt(plain)
		if err != nil {
			return fmt.Errorf("encrypting %q: %w", key, err)
		}
		data = enc
	}
	s.own(key)
	defer s.own("")
	if err := s.bytes.Set(ctx, key, data); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	s.own(key)
	defer s.own("")
	return s.bytes.Delete(ctx, key)
}

// own marks key as being written by this Store. Callers hold mu, so at
// most one key is marked at a time.
func (s *Store) own(key string) {
	s.wmu.Lock()
	s.writing = key
	s.wmu.Unlock()
}

// changed receives byte store notifications. Those raised by this Store's
// own writes are already announced by emit.
func (s *Store) changed(key string) {
	s.wmu.Lock()
	mine := s.writing == key
	s.wmu.Unlock()
	if mine {
		return
	}
	s.logger.Debug("external cache change", "key", key)
	s.emit(ChangeEvent{Key: key, External: true})
}
