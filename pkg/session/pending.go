package session

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// pendingCall tracks one call awaiting its response.
type pendingCall struct {
	call    *Call
	timer   *time.Timer
	started time.Time
	span    trace.Span
	written bool // the request reached a live connection
}

// pendingTable maps id keys to calls. take removes an entry atomically, so
// whichever of response, timeout, cancellation or shutdown takes it first is
// the only one to settle the call.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(key string, pc *pendingCall) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; ok {
		return ErrDuplicateID
	}
	t.entries[key] = pc
	return nil
}

// arm starts the timeout for key, unless the call is already settled.
func (t *pendingTable) arm(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok := t.entries[key]; ok {
		pc.timer = time.AfterFunc(d, fn)
	}
}

// markWritten records that the requests for keys went out on a connection.
func (t *pendingTable) markWritten(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range keys {
		if pc, ok := t.entries[key]; ok {
			pc.written = true
		}
	}
}

// takeWritten removes every call whose request was already written.
func (t *pendingTable) takeWritten() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*pendingCall
	for key, pc := range t.entries {
		if !pc.written {
			continue
		}
		if pc.timer != nil {
			pc.timer.Stop()
		}
		out = append(out, pc)
		delete(t.entries, key)
	}
	return out
}

func (t *pendingTable) take(key string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.entries[key]
	if !ok {
		return nil
	}
	delete(t.entries, key)
	if pc.timer != nil {
		pc.timer.Stop()
	}
	return pc
}

func (t *pendingTable) takeAll() []*pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*pendingCall, 0, len(t.entries))
	for key, pc := range t.entries {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		out = append(out, pc)
		delete(t.entries, key)
	}
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
