package capsync

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of capture attempts kept for diagnostics.
const DefaultHistorySize = 50

// HistoryEntry records one capture attempt. It is diagnostic only and is
// never persisted.
type HistoryEntry struct {
	RecordID  string
	URL       string
	At        time.Time
	Succeeded bool
	Error     string
}

// history is a fixed-size ring buffer; the oldest entry is overwritten
// once it is full.
type history struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{entries: make([]HistoryEntry, size)}
}

func (h *history) add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// snapshot returns the entries oldest first.
func (h *history) snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]HistoryEntry(nil), h.entries[:h.next]...)
	}
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
