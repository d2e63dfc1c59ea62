// Package events is a publish/subscribe hub keyed by topic name.
//
// Topics are declared with a fixed payload type (Topic[T]) and used through
// the generic On, Once and Emit functions. Handlers may also subscribe to a
// glob over topic names, e.g. "notification:tasks/*", matched with doublestar.
//
// Publishing snapshots the subscriber list first, so handlers may subscribe
// or unsubscribe while an emit is in flight. Handlers run synchronously on the
// publishing goroutine; a panicking handler is recovered and logged.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jg-phare/wirerpc/pkg/logging"
)

// Handler receives the topic an event was published on and its payload.
type Handler func(topic string, payload any)

// Topic names an event with payload type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] { return Topic[T]{name: name} }

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

type subscriber struct {
	id      uint64
	topic   string // exact name or glob
	pattern bool
	fn      Handler
}

// Hub routes published events to subscribers.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []*subscriber
	log    logging.Sink
}

// NewHub returns an empty hub that reports handler panics to log.
func NewHub(log logging.Sink) *Hub {
	return &Hub{log: logging.OrNop(log)}
}

// Subscription is returned by every subscribe call.
type Subscription struct {
	hub  *Hub
	id   uint64
	done atomic.Bool
}

// Unsubscribe removes the handler. Safe to call more than once and from
// inside the handler itself.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.done.CompareAndSwap(false, true) {
		return
	}
	s.hub.remove(s.id)
}

// Subscribe registers fn for the exact topic name.
func (h *Hub) Subscribe(topic string, fn Handler) *Subscription {
	return h.add(&subscriber{topic: topic, fn: fn}, &Subscription{})
}

// SubscribePattern registers fn for every topic matching the doublestar glob.
func (h *Hub) SubscribePattern(pattern string, fn Handler) (*Subscription, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("events: invalid pattern %q", pattern)
	}
	return h.add(&subscriber{topic: pattern, pattern: true, fn: fn}, &Subscription{}), nil
}

// add registers s and fills in sub. sub is complete before s becomes visible
// to Publish.
func (h *Hub) add(s *subscriber, sub *Subscription) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s.id = h.nextID
	sub.hub, sub.id = h, s.id
	h.subs = append(h.subs, s)
	return sub
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, s := range h.subs {
		if s.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

// Off removes every exact-name subscriber of topic.
func (h *Hub) Off(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		if s.pattern || s.topic != topic {
			kept = append(kept, s)
		}
	}
	h.subs = kept
}

// Clear removes all subscribers.
func (h *Hub) Clear() {
	h.mu.Lock()
	h.subs = nil
	h.mu.Unlock()
}

// Count returns how many subscribers an event on topic would reach.
func (h *Hub) Count(topic string) int {
	return len(h.matching(topic))
}

// Publish delivers payload to every subscriber of topic in registration order
// and returns the number of handlers invoked.
func (h *Hub) Publish(topic string, payload any) int {
	targets := h.matching(topic)
	for _, s := range targets {
		h.invoke(s, topic, payload)
	}
	return len(targets)
}

// matching snapshots the subscribers for topic.
func (h *Hub) matching(topic string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*subscriber
	for _, s := range h.subs {
		if !s.pattern {
			if s.topic == topic {
				out = append(out, s)
			}
			continue
		}
		if ok, _ := doublestar.Match(s.topic, topic); ok {
			out = append(out, s)
		}
	}
	return out
}

func (h *Hub) invoke(s *subscriber, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event handler panicked", "topic", topic, "panic", r)
		}
	}()
	s.fn(topic, payload)
}

// On subscribes fn to t.
func On[T any](h *Hub, t Topic[T], fn func(T)) *Subscription {
	return h.Subscribe(t.name, typed(h, fn))
}

// Once subscribes fn to the next event on t only.
func Once[T any](h *Hub, t Topic[T], fn func(T)) *Subscription {
	sub := &Subscription{}
	var fired atomic.Bool
	wrapped := typed(h, fn)
	return h.add(&subscriber{topic: t.name, fn: func(topic string, payload any) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		sub.Unsubscribe()
		wrapped(topic, payload)
	}}, sub)
}

// OnPattern subscribes fn to every topic matching the doublestar pattern.
// Payloads of another type are logged and skipped.
func OnPattern[T any](h *Hub, pattern string, fn func(T)) (*Subscription, error) {
	return h.SubscribePattern(pattern, typed(h, fn))
}

// Emit publishes v on t.
func Emit[T any](h *Hub, t Topic[T], v T) int {
	return h.Publish(t.name, v)
}

func typed[T any](h *Hub, fn func(T)) Handler {
	return func(topic string, payload any) {
		v, ok := payload.(T)
		if !ok {
			var zero T
			h.log.Warning("event payload type mismatch", "topic", topic,
				"got", fmt.Sprintf("%T", payload), "want", fmt.Sprintf("%T", zero))
			return
		}
		fn(v)
	}
}
