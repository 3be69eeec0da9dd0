package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"capsync/internal/capsync"
)

const fileSuffix = ".bin"

// FileSystemStore implements capsync.ByteStore with one file per key:
//
//	<root>/
//	  <escaped key>.bin
//
// Writes go through a temp file and rename, so a crash leaves either the
// old or the new value. A watcher reports changes made by other processes.
type FileSystemStore struct {
	root    string
	logger  capsync.Logger
	events  notifier
	watcher *fsnotify.Watcher

	// known holds the digest of the last value this process wrote or
	// observed per key; watcher events that match it are not re-announced.
	mu    sync.Mutex
	known map[string][32]byte

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileSystemStore creates a store rooted at root and starts watching it.
func NewFileSystemStore(root string, logger capsync.Logger) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	if logger == nil {
		logger = capsync.NewNopLogger()
	}
	s := &FileSystemStore{
		root:    root,
		logger:  logger,
		watcher: watcher,
		known:   make(map[string][32]byte),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

func (s *FileSystemStore) pathFor(key string) string {
	return filepath.Join(s.root, url.PathEscape(key)+fileSuffix)
}

// keyFor maps a file name back to its key. Names that unescape to a key
// but are not that key's canonical file (e.g. "a%3Ab.bin" for "a:b") are
// not part of the store.
func (s *FileSystemStore) keyFor(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	if filepath.Base(s.pathFor(key)) != name {
		return "", false
	}
	return key, true
}

// Get reads the file for key.
func (s *FileSystemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading key %q: %w", key, err)
	}
	return data, true, nil
}

// Set atomically replaces the file for key.
func (s *FileSystemStore) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing key %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	s.remember(key, value, true)
	if err := os.Rename(tmpPath, s.pathFor(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	s.events.notify(key)
	return nil
}

// Delete removes the file for key.
func (s *FileSystemStore) Delete(_ context.Context, key string) error {
	s.remember(key, nil, false)
	err := os.Remove(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	s.events.notify(key)
	return nil
}

// OnChanged registers a change listener. Listeners see writes made through
// this store synchronously and external writes asynchronously.
func (s *FileSystemStore) OnChanged(fn func(key string)) {
	s.events.add(fn)
}

// Close stops the watcher.
func (s *FileSystemStore) Close() error {
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

// remember records the digest of the value this process just wrote, or
// forgets the key when present is false.
func (s *FileSystemStore) remember(key string, value []byte, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if present {
		s.known[key] = sha256.Sum256(value)
	} else {
		delete(s.known, key)
	}
}

// changed reports whether the on-disk state of key differs from what this
// process last saw, updating the record.
func (s *FileSystemStore) changed(key string) bool {
	data, err := os.ReadFile(s.pathFor(key))
	present := err == nil

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.known[key]
	if !present {
		if !had {
			return false
		}
		delete(s.known, key)
		return true
	}
	sum := sha256.Sum256(data)
	if had && prev == sum {
		return false
	}
	s.known[key] = sum
	return true
}

func (s *FileSystemStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			key, ok := s.keyFor(event.Name)
			if !ok {
				continue
			}
			if s.changed(key) {
				s.logger.Debug("external store change", "key", key, "op", event.Op.String())
				s.events.notify(key)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("store watcher error", "error", err)
		}
	}
}

var _ capsync.ByteStore = (*FileSystemStore)(nil)
