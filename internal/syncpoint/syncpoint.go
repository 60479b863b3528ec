// Package syncpoint tracks, per query, the highest change-event sequence
// number applied so far. The change-event handler consults it to suppress
// duplicate or out-of-order deliveries before they reach the Resource
// Store.
package syncpoint

import (
	"log/slog"
	"sync"
)

// Manager holds one monotonic watermark per queryId. All methods are safe
// for concurrent use. A single mutex guards every query's state, so calls
// for different queryIds serialise on it.
type Manager struct {
	logger *slog.Logger

	mu    sync.Mutex
	marks map[string]uint64
	known map[string]bool
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger: logger,
		marks:  make(map[string]uint64),
		known:  make(map[string]bool),
	}
}

// Initialise sets the starting watermark for queryId, as produced by
// bootstrap. A second call for the same queryId is a no-op: it logs a
// warning and leaves the existing watermark untouched rather than
// resetting progress already made.
func (m *Manager) Initialise(queryID string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known[queryID] {
		m.logger.Warn("sync point already initialised, ignoring re-initialise", "query_id", queryID, "existing_watermark", m.marks[queryID], "requested_watermark", seq)
		return
	}
	m.marks[queryID] = seq
	m.known[queryID] = true
}

// Get returns the current watermark for queryId and whether it has been
// initialised at all.
func (m *Manager) Get(queryID string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.known[queryID]
	if !ok {
		return 0, false
	}
	return m.marks[queryID], seq
}

// Advance reports whether seq is newer than the recorded watermark for
// queryId and, if so, atomically raises the watermark to seq. A seq less
// than or equal to the current watermark is a duplicate or a
// reordered/already-applied event: Advance returns false and leaves the
// watermark untouched. Advancing an unknown queryId treats it as starting
// from a zero watermark and implicitly initialises it.
func (m *Manager) Advance(queryID string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.marks[queryID]
	if ok && seq <= current {
		return false
	}
	m.marks[queryID] = seq
	m.known[queryID] = true
	return true
}
