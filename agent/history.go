package agent

import (
	"sync"
	"time"
)

// HistoryCapacity bounds the query log; the oldest entry is evicted when a
// new one would exceed it.
const HistoryCapacity = 100

// HistoryEntry records one answered query. Entries are never mutated after
// creation.
type HistoryEntry struct {
	Query     string    `json:"query"`
	Response  []string  `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// History is a bounded FIFO log of answered queries.
type History struct {
	mu       sync.Mutex
	capacity int
	entries  []HistoryEntry
}

// NewHistory creates a history log with the default capacity.
func NewHistory() *History {
	return &History{
		capacity: HistoryCapacity,
	}
}

// Add appends an entry, evicting the oldest when the log is full.
func (h *History) Add(query string, response []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, HistoryEntry{
		Query:     query,
		Response:  response,
		Timestamp: time.Now().UTC(),
	})
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
}

// Last returns up to n most recent entries in insertion order.
func (h *History) Last(n int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]HistoryEntry, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

// Len returns the number of stored entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
