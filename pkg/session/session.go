package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/logging"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Status is a point-in-time view of a session.
type Status struct {
	SessionID         string
	State             State
	URL               string
	PendingRequests   int
	QueuedMessages    int
	ReconnectAttempts int
	Background        bool
	LastPingAt        time.Time
	LastPongAt        time.Time
	Latency           time.Duration
}

const tracerName = "github.com/jg-phare/wirerpc/pkg/session"

// Session owns one logical connection to a peer: its lifecycle, the table
// of calls awaiting responses, and the queue of messages composed while no
// connection is live.
//
// Lock order is sendMu before mu. Events are emitted with neither held.
type Session struct {
	id       string
	dialer   transport.Dialer
	cfg      Config
	codec    codec.Options
	log      logging.Sink
	hub      *events.Hub
	metrics  *Metrics
	tracer   trace.Tracer
	ids      IDGenerator
	recorder Recorder

	pending *pendingTable

	// sendMu serializes writes to the connection, including queue flushes.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	url            string
	token          string
	conn           transport.Conn
	gen            uint64 // bumped for every dialed conn
	attempts       int
	reconnectTimer *time.Timer
	queue          outboundQueue
	hb             *heartbeat
	hbInterval     time.Duration
	background     bool
	lastPingAt     time.Time
	lastPongAt     time.Time
	latency        time.Duration
}

// New creates a disconnected session that dials through dialer.
func New(dialer transport.Dialer, cfg Config, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:         uuid.NewString(),
		dialer:     dialer,
		cfg:        cfg,
		codec:      codec.DefaultOptions(),
		log:        logging.Nop,
		tracer:     otel.Tracer(tracerName),
		ids:        Counter(),
		pending:    newPendingTable(),
		state:      StateDisconnected,
		hbInterval: cfg.Heartbeat.Interval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = events.NewHub(s.log)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Events returns the hub the session publishes on. See the Topic variables
// for the available topics.
func (s *Session) Events() *events.Hub { return s.hub }

// OnNotification subscribes fn to inbound notifications and server requests
// whose method matches the doublestar pattern, e.g. "tasks/*" or "**".
func (s *Session) OnNotification(methodPattern string, fn func(Notification)) (*events.Subscription, error) {
	return events.OnPattern(s.hub, notificationPrefix+methodPattern, fn)
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		SessionID:         s.id,
		State:             s.state,
		URL:               s.url,
		QueuedMessages:    s.queue.len(),
		ReconnectAttempts: s.attempts,
		Background:        s.background,
		LastPingAt:        s.lastPingAt,
		LastPongAt:        s.lastPongAt,
		Latency:           s.latency,
	}
	s.mu.Unlock()
	st.PendingRequests = s.pending.len()
	return st
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials url and, once the connection is live, flushes the outbound
// queue. It fails with ErrAlreadyConnected unless the session is
// disconnected, and with ErrSessionClosed after Disconnect.
func (s *Session) Connect(ctx context.Context, url, token string) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnecting, StateConnected, StateReconnecting:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.url, s.token = url, token
	s.attempts = 0
	prev := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.emitState(prev, StateConnecting)

	s.log.Info("connecting", "url", url, "session", s.id)
	if err := s.establish(ctx, url, token, false); err != nil {
		s.mu.Lock()
		changed := s.state == StateConnecting
		if changed {
			s.setStateLocked(StateDisconnected)
		}
		s.mu.Unlock()
		if changed {
			s.emitState(StateConnecting, StateDisconnected)
		}
		s.log.Error("connect failed", "url", url, "error", err)
		return err
	}
	return nil
}

// establish dials, runs the optional handshake and makes the connection
// live. It is shared by Connect and the reconnect timer.
func (s *Session) establish(ctx context.Context, url, token string, reconnected bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(ctx, url, token)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &ConnectionTimeoutError{URL: url, Timeout: s.cfg.ConnectTimeout}
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn, gen)

	if s.cfg.HandshakeMethod != "" {
		if err := s.handshake(ctx, conn, token); err != nil {
			conn.Abort("handshake failed")
			s.detach(conn)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &ConnectionTimeoutError{URL: url, Timeout: s.cfg.ConnectTimeout}
			}
			return err
		}
	}

	s.sendMu.Lock()
	s.mu.Lock()
	if s.conn != conn || s.state == StateClosed {
		s.mu.Unlock()
		s.sendMu.Unlock()
		conn.Close()
		return ErrSessionClosed
	}
	if !conn.IsReady() {
		// closed before going live; the read loop already ignored it
		s.conn = nil
		s.mu.Unlock()
		s.sendMu.Unlock()
		return fmt.Errorf("connection to %s closed during setup: %w", url, transport.ErrTransportClosed)
	}
	prev := s.setStateLocked(StateConnected)
	s.attempts = 0
	items := s.queue.drain()
	s.metrics.queueLen(0)
	s.startHeartbeatLocked(conn)
	s.mu.Unlock()
	flushed := s.flush(conn, items)
	s.sendMu.Unlock()

	s.emitState(prev, StateConnected)
	events.Emit(s.hub, TopicConnected, ConnectedEvent{URL: url, Reconnected: reconnected, Flushed: flushed})
	s.log.Success("connected", "url", url, "session", s.id, "flushed", flushed)
	return nil
}

// handshake performs the opening call directly on conn, before the session
// is live.
func (s *Session) handshake(ctx context.Context, conn transport.Conn, token string) error {
	id := s.ids.Next()
	params := map[string]any{"session": s.id}
	if token != "" {
		params["token"] = token
	}
	if len(s.cfg.ClientInfo) > 0 {
		params["client"] = s.cfg.ClientInfo
	}
	call := newCall(id, s.cfg.HandshakeMethod, params)
	key := id.Key()
	if err := s.pending.add(key, &pendingCall{call: call, started: time.Now()}); err != nil {
		return err
	}
	s.metrics.pendingDelta(1)

	enc, err := codec.Encode(types.NewRequest(id, call.Method, params), s.codec)
	if err == nil {
		err = s.write(conn, enc)
	}
	if err != nil {
		s.settle(key, nil, err, outcomeError)
		return fmt.Errorf("handshake: %w", err)
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		s.settle(key, nil, ctx.Err(), outcomeTimeout)
	}
	if _, err := call.Result(); err != nil {
		var rpcErr *types.RPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("%w: %s", ErrHandshakeRejected, rpcErr.Message)
		}
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// detach forgets conn if it is still the current one.
func (s *Session) detach(conn transport.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// Disconnect closes the session for good: it stops the heartbeat and any
// scheduled reconnect, rejects every pending call with ErrSessionClosed,
// discards the queue and closes the connection cleanly. Calling it again
// has no effect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.setStateLocked(StateClosed)
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.stopHeartbeatLocked()
	s.queue.clear()
	s.metrics.queueLen(0)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.rejectAll(ErrSessionClosed, outcomeClosed)
	if conn != nil {
		conn.Close()
	}
	s.emitState(prev, StateClosed)
	if prev == StateConnected {
		events.Emit(s.hub, TopicDisconnected, DisconnectedEvent{
			Clean:  true,
			Code:   transport.CodeNormal,
			Reason: "client disconnect",
		})
	}
	s.log.Info("session closed", "session", s.id)
}

// readLoop dispatches inbound frames until conn ends.
func (s *Session) readLoop(conn transport.Conn, gen uint64) {
	for f := range conn.ReadMessages() {
		s.handleFrame(conn, f)
	}
	s.handleClose(gen, conn.CloseInfo())
}

// handleClose reacts to the end of a live connection. Connections that end
// before going live, or after Disconnect, are ignored here.
func (s *Session) handleClose(gen uint64, info transport.CloseInfo) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.stopHeartbeatLocked()
	willReconnect := !info.Clean && s.cfg.Reconnect.Enabled
	next := StateDisconnected
	if willReconnect {
		next = StateReconnecting
	}
	prev := s.setStateLocked(next)
	var attempt int
	var delay time.Duration
	if willReconnect {
		attempt, delay = s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	s.emitState(prev, next)
	events.Emit(s.hub, TopicDisconnected, DisconnectedEvent{
		Clean:         info.Clean,
		Code:          info.Code,
		Reason:        info.Reason,
		Err:           info.Err,
		WillReconnect: willReconnect,
	})
	if !willReconnect {
		s.log.Info("disconnected", "code", info.Code, "reason", info.Reason, "clean", info.Clean)
		s.rejectAll(ErrConnectionClosed, outcomeClosed)
		return
	}
	cause := info.Err
	if cause == nil {
		cause = fmt.Errorf("connection closed uncleanly (code %d): %s", info.Code, info.Reason)
	}
	s.reconnecting(attempt, delay, cause)
}

// setStateLocked changes the state and returns the previous one.
func (s *Session) setStateLocked(next State) State {
	prev := s.state
	s.state = next
	return prev
}

func (s *Session) emitState(from, to State) {
	if from != to {
		events.Emit(s.hub, TopicStateChanged, StateChange{From: from, To: to})
	}
}

// rejectAll settles every pending call with err.
func (s *Session) rejectAll(err error, outcome string) {
	taken := s.pending.takeAll()
	keys := make([]string, len(taken))
	for i, pc := range taken {
		keys[i] = pc.call.ID.Key()
	}
	s.unqueue(keys...)
	for _, pc := range taken {
		s.metrics.pendingDelta(-1)
		s.complete(pc, nil, err, outcome)
	}
}
