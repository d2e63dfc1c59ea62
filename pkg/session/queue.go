package session

import (
	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/types"
)

// queued is a message composed while no connection was live. The payload is
// encoded up front so size and validation errors reach the caller.
type queued struct {
	key string // pending key for requests, empty for notifications
	msg *types.Message
	enc *codec.Encoded
}

// outboundQueue is a FIFO of queued messages. Guarded by Session.mu.
type outboundQueue struct {
	items []queued
}

func (q *outboundQueue) push(item queued) { q.items = append(q.items, item) }

// prepend puts items back at the head in their original order.
func (q *outboundQueue) prepend(items []queued) {
	if len(items) == 0 {
		return
	}
	q.items = append(append(make([]queued, 0, len(items)+len(q.items)), items...), q.items...)
}

func (q *outboundQueue) drain() []queued {
	items := q.items
	q.items = nil
	return items
}

// remove drops the request with the given pending key, if still queued.
func (q *outboundQueue) remove(key string) bool {
	for i, item := range q.items {
		if item.key == key {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outboundQueue) len() int { return len(q.items) }

func (q *outboundQueue) clear() { q.items = nil }
