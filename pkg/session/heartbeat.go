package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

type sentPing struct {
	nonce string
	at    time.Time
}

// heartbeat pings one connection and aborts it when pings go unanswered
// for two intervals. It runs from going live until the connection ends.
type heartbeat struct {
	s    *Session
	conn transport.Conn
	wake chan struct{}
	stop chan struct{}
	once sync.Once

	mu          sync.Mutex
	outstanding []sentPing // oldest first
}

func newHeartbeat(s *Session, conn transport.Conn) *heartbeat {
	return &heartbeat{
		s:    s,
		conn: conn,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (h *heartbeat) run() {
	for {
		d := h.s.heartbeatInterval()
		if d <= 0 {
			select {
			case <-h.stop:
				return
			case <-h.wake:
				continue
			}
		}
		timer := time.NewTimer(d)
		select {
		case <-h.stop:
			timer.Stop()
			return
		case <-h.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		if n, since, dead := h.expired(d); dead {
			h.s.heartbeatExpired(h, n, since)
			return
		}
		h.ping()
	}
}

// poke makes run re-read the interval.
func (h *heartbeat) poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *heartbeat) halt() { h.once.Do(func() { close(h.stop) }) }

// expired reports whether the oldest unanswered ping is at least two
// intervals old.
func (h *heartbeat) expired(interval time.Duration) (int, time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outstanding) == 0 {
		return 0, time.Time{}, false
	}
	oldest := h.outstanding[0].at
	return len(h.outstanding), oldest, time.Since(oldest) >= 2*interval
}

func (h *heartbeat) ping() {
	now := time.Now()
	nonce := uuid.NewString()
	h.mu.Lock()
	h.outstanding = append(h.outstanding, sentPing{nonce: nonce, at: now})
	h.mu.Unlock()

	h.s.mu.Lock()
	h.s.lastPingAt = now
	h.s.mu.Unlock()

	msg := types.NewNotification(methodPing, map[string]any{"nonce": nonce, "ts": now.UnixMilli()})
	if err := h.s.writeTo(h.conn, msg); err != nil {
		h.s.log.Warning("heartbeat ping failed", "error", err)
	}
}

// ack matches a pong. A nonce acknowledges that ping and every older one;
// a pong without a nonce acknowledges everything outstanding. It returns the
// send time of the newest acknowledged ping.
func (h *heartbeat) ack(nonce string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.outstanding) == 0 {
		return time.Time{}, false
	}
	if nonce == "" {
		sent := h.outstanding[len(h.outstanding)-1].at
		h.outstanding = nil
		return sent, true
	}
	for i, p := range h.outstanding {
		if p.nonce == nonce {
			h.outstanding = h.outstanding[i+1:]
			return p.at, true
		}
	}
	return time.Time{}, false
}

// acceptPong reports whether params answer one of our pings. Pongs that do
// not are handled as ordinary notifications.
func (s *Session) acceptPong(params any) bool {
	s.mu.Lock()
	h := s.hb
	s.mu.Unlock()
	if h == nil {
		return false
	}
	var nonce string
	if m, ok := params.(map[string]any); ok {
		nonce, _ = m["nonce"].(string)
	}
	sent, ok := h.ack(nonce)
	if !ok {
		return false
	}
	now := time.Now()
	latency := now.Sub(sent)
	s.mu.Lock()
	s.lastPongAt = now
	s.latency = latency
	s.mu.Unlock()
	events.Emit(s.hub, TopicHeartbeat, HeartbeatEvent{Latency: latency})
	return true
}

func (s *Session) heartbeatExpired(h *heartbeat, unanswered int, since time.Time) {
	s.mu.Lock()
	current := s.hb == h
	s.mu.Unlock()
	if !current {
		return
	}
	s.metrics.heartbeatTimedOut()
	s.log.Warning("heartbeat timeout, dropping connection", "unanswered", unanswered, "since", since)
	events.Emit(s.hub, TopicHeartbeatTimeout, HeartbeatTimeoutEvent{Unanswered: unanswered, Since: since})

	// Requests written to the dead connection cannot be answered after a
	// redial. Queued ones stay pending for the next connection.
	s.sendMu.Lock()
	h.conn.Abort("heartbeat timeout")
	stranded := s.pending.takeWritten()
	s.sendMu.Unlock()

	err := &HeartbeatTimeoutError{Unanswered: unanswered, Since: since}
	for _, pc := range stranded {
		s.metrics.pendingDelta(-1)
		s.complete(pc, nil, err, outcomeClosed)
	}
}

// heartbeatInterval returns the interval for the current foreground or
// background mode.
func (s *Session) heartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.background && s.cfg.Heartbeat.BackgroundInterval > 0 {
		return s.cfg.Heartbeat.BackgroundInterval
	}
	return s.hbInterval
}

func (s *Session) startHeartbeatLocked(conn transport.Conn) {
	s.stopHeartbeatLocked()
	h := newHeartbeat(s, conn)
	s.hb = h
	go h.run()
}

func (s *Session) stopHeartbeatLocked() {
	if s.hb != nil {
		s.hb.halt()
		s.hb = nil
	}
}

// SetBackground switches heartbeats to Heartbeat.BackgroundInterval, or
// back to the foreground interval.
func (s *Session) SetBackground(background bool) {
	s.mu.Lock()
	s.background = background
	h := s.hb
	s.mu.Unlock()
	if h != nil {
		h.poke()
	}
}

// SetHeartbeatInterval changes the foreground interval. Zero disables
// heartbeats.
func (s *Session) SetHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	s.hbInterval = d
	h := s.hb
	s.mu.Unlock()
	if h != nil {
		h.poke()
	}
}
