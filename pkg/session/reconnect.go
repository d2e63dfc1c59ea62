package session

import (
	"context"
	"errors"
	"time"

	"github.com/jg-phare/wirerpc/pkg/events"
)

// scheduleReconnectLocked arms the timer for the next attempt.
func (s *Session) scheduleReconnectLocked() (int, time.Duration) {
	s.attempts++
	attempt := s.attempts
	delay := s.cfg.Reconnect.backoff(attempt)
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(attempt) })
	return attempt, delay
}

func (s *Session) reconnecting(attempt int, delay time.Duration, cause error) {
	s.metrics.reconnectScheduled()
	s.log.Warning("connection lost, reconnecting", "attempt", attempt, "delay", delay, "error", cause)
	events.Emit(s.hub, TopicReconnecting, ReconnectingEvent{Attempt: attempt, Delay: delay, Err: cause})
}

// reconnect runs one scheduled attempt. On failure it schedules the next one
// or, at the ceiling, gives up: the session goes Disconnected, pending calls
// are rejected and reconnectionFailed is emitted once.
func (s *Session) reconnect(attempt int) {
	s.mu.Lock()
	if s.state != StateReconnecting || s.attempts != attempt {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	url, token := s.url, s.token
	s.mu.Unlock()

	err := s.establish(context.Background(), url, token, true)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSessionClosed) {
		return
	}

	s.mu.Lock()
	if s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.Reconnect.MaxAttempts {
		attempts := s.attempts
		prev := s.setStateLocked(StateDisconnected)
		s.mu.Unlock()

		s.emitState(prev, StateDisconnected)
		s.log.Error("reconnection failed", "attempts", attempts, "error", err)
		events.Emit(s.hub, TopicReconnectionFailed, ReconnectionFailedEvent{Attempts: attempts, LastErr: err})
		s.rejectAll(&ReconnectionExhaustedError{Attempts: attempts, LastErr: err}, outcomeClosed)
		return
	}
	next, delay := s.scheduleReconnectLocked()
	s.mu.Unlock()
	s.reconnecting(next, delay, err)
}
