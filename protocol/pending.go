package protocol

import (
	"sync"
	"time"
)

// Result is delivered to a pending request's waiter exactly once: either a
// payload (RESPONSE), an error (ERROR frame or timeout/disconnect), never
// both.
type Result struct {
	Payload []byte
	Err     error
}

type pendingEntry struct {
	sequence uint32
	deadline time.Time
	ch       chan Result
	timer    *time.Timer
}

// PendingTable tracks outstanding commands awaiting a RESPONSE or ERROR
// frame echoing the same sequence number, each with an absolute deadline.
// Grounded on the teacher's RequestManager (pkg/p2p/request_manager.go);
// simplified from per-peer retry bookkeeping to the single-connection
// pending-response table spec.md §3 describes, with one timer per entry
// rather than a polling expire loop, since a single ProtocolContext holds a
// comparatively small number of in-flight commands at once.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint32]*pendingEntry
	closed  bool
}

// NewPendingTable creates an empty pending-response table.
func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint32]*pendingEntry)}
}

// Register tracks a new outstanding request under sequence, to time out
// after timeout. The returned channel receives exactly one Result.
func (pt *PendingTable) Register(sequence uint32, timeout time.Duration) <-chan Result {
	ch := make(chan Result, 1)

	pt.mu.Lock()
	if pt.closed {
		pt.mu.Unlock()
		ch <- Result{Err: ErrConnectionClosed}
		return ch
	}

	entry := &pendingEntry{
		sequence: sequence,
		deadline: time.Now().Add(timeout),
		ch:       ch,
	}
	entry.timer = time.AfterFunc(timeout, func() { pt.expire(sequence) })
	pt.entries[sequence] = entry
	pt.mu.Unlock()

	return ch
}

// Resolve delivers a successful RESPONSE payload to the waiter for
// sequence. Returns false if no entry was pending (a late or unsolicited
// response — the caller should log and discard).
func (pt *PendingTable) Resolve(sequence uint32, payload []byte) bool {
	return pt.complete(sequence, Result{Payload: payload})
}

// Reject delivers an ERROR frame's payload, as an error, to the waiter for
// sequence. Returns false if no entry was pending.
func (pt *PendingTable) Reject(sequence uint32, err error) bool {
	return pt.complete(sequence, Result{Err: err})
}

func (pt *PendingTable) complete(sequence uint32, result Result) bool {
	pt.mu.Lock()
	entry, ok := pt.entries[sequence]
	if ok {
		delete(pt.entries, sequence)
	}
	pt.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.ch <- result
	return true
}

func (pt *PendingTable) expire(sequence uint32) {
	pt.mu.Lock()
	entry, ok := pt.entries[sequence]
	if ok {
		delete(pt.entries, sequence)
	}
	pt.mu.Unlock()

	if !ok {
		return
	}
	entry.ch <- Result{Err: ErrTimeout}
}

// CloseAll rejects every outstanding entry with the given error (spec.md
// §5: "Disconnection cancels all pending responses with CONNECTION_CLOSED")
// and marks the table closed so further Register calls fail fast.
func (pt *PendingTable) CloseAll(err error) {
	pt.mu.Lock()
	pt.closed = true
	entries := pt.entries
	pt.entries = make(map[uint32]*pendingEntry)
	pt.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.ch <- Result{Err: err}
	}
}

// Reopen clears the closed flag, allowing new requests after a successful
// reconnect.
func (pt *PendingTable) Reopen() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.closed = false
}

// Len returns the number of outstanding entries.
func (pt *PendingTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}
