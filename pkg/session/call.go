package session

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/spool"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

// Call is an issued request. It is settled exactly once, by its response,
// its timeout, cancellation or the session shutting down.
type Call struct {
	ID     types.ID
	Method string
	Params any

	done   chan struct{}
	result any
	err    error
}

func newCall(id types.ID, method string, params any) *Call {
	return &Call{ID: id, Method: method, Params: params, done: make(chan struct{})}
}

// Done is closed once the call is settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result blocks until the call is settled. A non-nil error is a *CallError.
func (c *Call) Result() (any, error) {
	<-c.done
	return c.result, c.err
}

// Wait is Result bounded by ctx. Abandoning the wait does not settle the
// call.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Call) finish(result any, err error) {
	c.result, c.err = result, err
	close(c.done)
}

// Go issues a request and returns without waiting for the response. A
// non-positive timeout uses Config.CallTimeout.
func (s *Session) Go(method string, params any, timeout time.Duration) *Call {
	return s.start(context.Background(), method, params, timeout)
}

// Call issues a request and waits for its response. The request is sent
// immediately when connected and queued otherwise. Cancelling ctx settles
// the call with the context error.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (any, error) {
	call := s.start(ctx, method, params, timeout)
	select {
	case <-call.done:
	case <-ctx.Done():
		s.settle(call.ID.Key(), nil, ctx.Err(), outcomeCanceled)
	}
	return call.Result()
}

func (s *Session) start(ctx context.Context, method string, params any, timeout time.Duration) *Call {
	if timeout <= 0 {
		timeout = s.cfg.CallTimeout
	}
	id := s.ids.Next()
	call := newCall(id, method, params)
	_, span := s.tracer.Start(ctx, "rpc "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", method),
			attribute.String("rpc.jsonrpc.request_id", id.String()),
		))
	pc := &pendingCall{call: call, started: time.Now(), span: span}

	key := id.Key()
	if err := s.pending.add(key, pc); err != nil {
		s.complete(pc, nil, err, outcomeError)
		return call
	}
	s.metrics.pendingDelta(1)
	s.pending.arm(key, timeout, func() {
		s.settle(key, nil, &RequestTimeoutError{Method: method, ID: id, Timeout: timeout}, outcomeTimeout)
	})

	if err := s.send(types.NewRequest(id, method, params), key); err != nil {
		s.settle(key, nil, err, outcomeFor(err))
	}
	return call
}

// Notify sends a notification, queueing it when not connected.
func (s *Session) Notify(method string, params any) error {
	if err := s.send(types.NewNotification(method, params), ""); err != nil {
		return err
	}
	s.metrics.notificationSent()
	return nil
}

// Respond answers a server-initiated request.
func (s *Session) Respond(id types.ID, result any) error {
	return s.send(types.NewResponse(id, result), "")
}

// RespondError answers a server-initiated request with an error.
func (s *Session) RespondError(id types.ID, rpcErr *types.RPCError) error {
	return s.send(types.NewErrorResponse(id, rpcErr), "")
}

// settle completes the pending call for key. It reports false when the call
// was already settled.
func (s *Session) settle(key string, result any, err error, outcome string) bool {
	pc := s.pending.take(key)
	if pc == nil {
		return false
	}
	s.metrics.pendingDelta(-1)
	s.unqueue(key)
	s.complete(pc, result, err, outcome)
	return true
}

func (s *Session) complete(pc *pendingCall, result any, err error, outcome string) {
	call := pc.call
	if err != nil {
		err = &CallError{Method: call.Method, ID: call.ID, Err: err}
	}
	if pc.span != nil {
		if err != nil {
			pc.span.RecordError(err)
			pc.span.SetStatus(codes.Error, err.Error())
		} else {
			pc.span.SetStatus(codes.Ok, "")
		}
		pc.span.End()
	}
	s.metrics.callSettled(outcome, time.Since(pc.started))
	call.finish(result, err)
}

// unqueue drops queued requests whose calls have been settled.
func (s *Session) unqueue(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.len() == 0 {
		return
	}
	for _, key := range keys {
		s.queue.remove(key)
	}
	s.metrics.queueLen(s.queue.len())
}

func outcomeFor(err error) string {
	var full *QueueFullError
	switch {
	case errors.As(err, &full):
		return outcomeQueueFull
	case errors.Is(err, ErrSessionClosed):
		return outcomeClosed
	default:
		return outcomeError
	}
}

// send writes msg when connected and queues it otherwise. key is the
// pending key for requests.
func (s *Session) send(msg *types.Message, key string) error {
	enc, err := codec.Encode(msg, s.codec)
	if err != nil {
		return err
	}
	item := queued{key: key, msg: msg, enc: enc}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateConnected:
		conn := s.conn
		s.mu.Unlock()
		err := s.write(conn, enc)
		if err == nil {
			if key != "" {
				s.pending.markWritten(key)
			}
			return nil
		}
		if !s.cfg.Reconnect.Enabled {
			return err
		}
		s.log.Warning("write failed, queueing for reconnect", "method", msg.Method, "error", err)
		conn.Abort("write failed")
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return ErrSessionClosed
		}
	}
	defer s.mu.Unlock()
	return s.enqueueLocked(item)
}

func (s *Session) enqueueLocked(item queued) error {
	if s.cfg.MaxQueue > 0 && s.queue.len() >= s.cfg.MaxQueue {
		s.log.Warning("outbound queue full", "limit", s.cfg.MaxQueue, "method", item.msg.Method)
		return &QueueFullError{Limit: s.cfg.MaxQueue, Method: item.msg.Method}
	}
	s.queue.push(item)
	s.metrics.queueLen(s.queue.len())
	return nil
}

// write puts one encoded payload on conn. Compressed payloads travel as
// binary frames.
func (s *Session) write(conn transport.Conn, enc *codec.Encoded) error {
	typ := transport.MessageText
	if enc.Compressed {
		typ = transport.MessageBinary
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, transport.Frame{Type: typ, Data: enc.Payload}); err != nil {
		return err
	}
	s.metrics.bytes(0, enc.WireSize)
	s.record(spool.Outbound, enc.Payload)
	return nil
}

// writeTo sends msg on conn only if conn is still the live connection.
// Used for heartbeat traffic, which is never queued.
func (s *Session) writeTo(conn transport.Conn, msg *types.Message) error {
	enc, err := codec.Encode(msg, s.codec)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.mu.Lock()
	live := s.conn == conn && s.state == StateConnected
	s.mu.Unlock()
	if !live {
		return transport.ErrTransportClosed
	}
	return s.write(conn, enc)
}

func (s *Session) record(dir spool.Direction, payload []byte) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(dir, payload); err != nil {
		s.log.Warning("recorder failed", "direction", dir.String(), "error", err)
	}
}

// flush sends queued items in order on conn and returns how many were
// sent. Items that could not be written go back to the head of the queue.
// Called with sendMu held.
func (s *Session) flush(conn transport.Conn, items []queued) int {
	if len(items) == 0 {
		return 0
	}
	if s.cfg.FlushAsBatch && len(items) > 1 {
		return s.flushBatched(conn, items)
	}
	for i, item := range items {
		if err := s.write(conn, item.enc); err != nil {
			s.flushFailed(conn, items[i:], err)
			return i
		}
		s.markWritten(item)
	}
	return len(items)
}

// flushBatched sends items as batches, splitting wherever the next message
// would push a batch over the payload limit.
func (s *Session) flushBatched(conn transport.Conn, items []queued) int {
	acc := codec.NewAccumulator(s.codec)
	sent, start := 0, 0
	emit := func(end int) bool {
		if end == start {
			return true
		}
		enc, err := acc.Finalize()
		if err == nil {
			err = s.write(conn, enc)
		}
		if err != nil {
			s.flushFailed(conn, items[start:], err)
			return false
		}
		s.markWritten(items[start:end]...)
		sent += end - start
		start = end
		return true
	}
	for i, item := range items {
		if acc.Add(item.msg) == nil {
			continue
		}
		if !emit(i) {
			return sent
		}
		if acc.Add(item.msg) != nil {
			// too large to share a batch
			if err := s.write(conn, item.enc); err != nil {
				s.flushFailed(conn, items[i:], err)
				return sent
			}
			s.markWritten(item)
			sent++
			start = i + 1
		}
	}
	emit(len(items))
	return sent
}

func (s *Session) markWritten(items ...queued) {
	for _, item := range items {
		if item.key != "" {
			s.pending.markWritten(item.key)
		}
	}
}

func (s *Session) flushFailed(conn transport.Conn, rest []queued, err error) {
	s.log.Warning("queue flush interrupted", "remaining", len(rest), "error", err)
	s.mu.Lock()
	s.queue.prepend(rest)
	s.metrics.queueLen(s.queue.len())
	s.mu.Unlock()
	conn.Abort("flush failed")
}
