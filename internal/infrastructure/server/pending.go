package server

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunl-sh/tunl/internal/domain"
)

// Result is the completion value delivered to a public request handler.
// Exactly one of Response or Err is set.
type Result struct {
	Response *domain.HTTPResponse
	Err      error
}

type pendingEntry struct {
	sink  chan Result
	timer clockwork.Timer
}

// PendingTable maps in-flight request ids to one-shot completion sinks.
// Each entry carries a deadline; when it fires before a reply arrives the
// entry is completed with a timeout error. The table enforces id
// uniqueness and a high-water mark on in-flight entries.
type PendingTable struct {
	mu        sync.Mutex
	entries   map[string]*pendingEntry
	clock     clockwork.Clock
	timeout   time.Duration
	highWater int
	drained   bool
	drainErr  error
}

// NewPendingTable creates a pending table. Entries time out after the
// given duration; Insert rejects once highWater entries are in flight.
func NewPendingTable(clock clockwork.Clock, timeout time.Duration, highWater int) *PendingTable {
	return &PendingTable{
		entries:   make(map[string]*pendingEntry),
		clock:     clock,
		timeout:   timeout,
		highWater: highWater,
	}
}

// Insert registers a new in-flight request and returns its completion
// sink. The sink receives exactly one Result: the reply, a timeout, or
// the drain reason.
func (t *PendingTable) Insert(id string) (<-chan Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained {
		return nil, t.drainErr
	}
	if _, exists := t.entries[id]; exists {
		return nil, domain.NewProtocolError("duplicate request id "+id, nil)
	}
	if len(t.entries) >= t.highWater {
		return nil, domain.NewOverloadedError(t.highWater)
	}

	entry := &pendingEntry{sink: make(chan Result, 1)}
	entry.timer = t.clock.AfterFunc(t.timeout, func() {
		t.Complete(id, Result{Err: domain.NewTimeoutError(id)})
	})
	t.entries[id] = entry
	return entry.sink, nil
}

// Complete removes the entry and delivers the result. Completion is
// at-most-once; a result for an id that is no longer present (late reply
// after timeout or drain) is dropped and Complete reports false.
func (t *PendingTable) Complete(id string, result Result) bool {
	t.mu.Lock()
	entry, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	delete(t.entries, id)
	t.mu.Unlock()

	entry.timer.Stop()
	entry.sink <- result
	return true
}

// Drain completes every remaining entry with the given reason and marks
// the table closed; subsequent Inserts fail with the same reason.
func (t *PendingTable) Drain(reason error) {
	t.mu.Lock()
	if t.drained {
		t.mu.Unlock()
		return
	}
	t.drained = true
	t.drainErr = reason
	remaining := t.entries
	t.entries = make(map[string]*pendingEntry)
	t.mu.Unlock()

	for _, entry := range remaining {
		entry.timer.Stop()
		entry.sink <- Result{Err: reason}
	}
}

// Len returns the number of in-flight entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
