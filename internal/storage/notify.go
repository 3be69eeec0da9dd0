package storage

import "sync"

// notifier fans change notifications out to registered listeners in
// registration order.
type notifier struct {
	mu  sync.RWMutex
	fns []func(key string)
}

func (n *notifier) add(fn func(key string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fns = append(n.fns, fn)
}

func (n *notifier) notify(key string) {
	n.mu.RLock()
	fns := append([]func(string){}, n.fns...)
	n.mu.RUnlock()

	for _, fn := range fns {
		call(fn, key)
	}
}

// call isolates listeners from each other: a panic in one does not stop
// the rest.
func call(fn func(string), key string) {
	defer func() { _ = recover() }()
	fn(key)
}
