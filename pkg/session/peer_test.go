package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

// scriptedPeer is the server side of pipe connections dialed by a session.
// Every decoded message is recorded; handle, when set, may answer it.
type scriptedPeer struct {
	t      *testing.T
	handle func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message)

	mu       sync.Mutex
	conns    []*transport.PipeConn
	tokens   []string
	received chan *types.Message
	batches  atomic.Int32
}

func newScriptedPeer(t *testing.T, handle func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message)) *scriptedPeer {
	return &scriptedPeer{t: t, handle: handle, received: make(chan *types.Message, 4096)}
}

func (p *scriptedPeer) dialer() *transport.PipeDialer {
	return &transport.PipeDialer{Accept: p.accept}
}

func (p *scriptedPeer) accept(conn *transport.PipeConn, token string) {
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.tokens = append(p.tokens, token)
	p.mu.Unlock()
	for f := range conn.ReadMessages() {
		msgs, batch, _, err := codec.DecodeAny(f.Data, codec.DefaultOptions())
		if err != nil {
			p.t.Errorf("peer decode: %v", err)
			continue
		}
		if batch {
			p.batches.Add(1)
		}
		for _, m := range msgs {
			p.received <- m
			if p.handle != nil {
				p.handle(p, conn, m)
			}
		}
	}
}

// conn returns the i-th accepted connection, waiting for it to appear.
func (p *scriptedPeer) conn(i int) *transport.PipeConn {
	p.t.Helper()
	var c *transport.PipeConn
	waitFor(p.t, "peer connection", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.conns) > i {
			c = p.conns[i]
			return true
		}
		return false
	})
	return c
}

func (p *scriptedPeer) token(i int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens[i]
}

func (p *scriptedPeer) send(conn transport.Conn, m *types.Message) {
	p.t.Helper()
	enc, err := codec.Encode(m, codec.DefaultOptions())
	if err != nil {
		p.t.Fatalf("peer encode: %v", err)
	}
	p.sendRaw(conn, enc.Payload)
}

func (p *scriptedPeer) sendRaw(conn transport.Conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, transport.Frame{Type: transport.MessageText, Data: data}); err != nil {
		p.t.Errorf("peer write: %v", err)
	}
}

// next returns the next message the peer received.
func (p *scriptedPeer) next() *types.Message {
	p.t.Helper()
	select {
	case m := <-p.received:
		return m
	case <-time.After(2 * time.Second):
		p.t.Fatal("peer received nothing")
		return nil
	}
}

// nextMethod skips messages until one with the given method arrives.
func (p *scriptedPeer) nextMethod(method string) *types.Message {
	p.t.Helper()
	for {
		if m := p.next(); m.Method == method {
			return m
		}
	}
}

// echo answers every request with its params.
func echo(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
	if m.Kind() == types.KindRequest {
		p.send(conn, types.NewResponse(m.IDValue(), m.Params))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// collect subscribes to topic and returns a channel of its events.
func collect[T any](s *Session, topic events.Topic[T]) <-chan T {
	ch := make(chan T, 64)
	events.On(s.Events(), topic, func(v T) { ch <- v })
	return ch
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		var zero T
		t.Fatalf("no %T event", zero)
		return zero
	}
}

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		CallTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
	}
}

func connected(t *testing.T, peer *scriptedPeer, cfg Config, opts ...Option) *Session {
	t.Helper()
	s := New(peer.dialer(), cfg, opts...)
	if err := s.Connect(context.Background(), "ws://test", "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(s.Disconnect)
	return s
}
