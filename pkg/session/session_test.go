package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

func TestCallRoundTrip(t *testing.T) {
	peer := newScriptedPeer(t, echo)
	s := connected(t, peer, testConfig())

	got, err := s.Call(context.Background(), "echo", map[string]any{"x": 1}, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["x"] != float64(1) {
		t.Errorf("result = %#v, want map with x=1", got)
	}
	peer.conn(0)
	if tok := peer.token(0); tok != "secret" {
		t.Errorf("token = %q", tok)
	}
	if st := s.Status(); st.State != StateConnected || st.PendingRequests != 0 || st.URL != "ws://test" {
		t.Errorf("status = %+v", st)
	}
}

func TestCallPeerError(t *testing.T) {
	peer := newScriptedPeer(t, func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
		if m.Kind() == types.KindRequest {
			p.send(conn, types.NewErrorResponse(m.IDValue(), types.NewRPCError(types.CodeMethodNotFound, "no such method")))
		}
	})
	s := connected(t, peer, testConfig())

	_, err := s.Call(context.Background(), "missing", nil, time.Second)
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Method != "missing" {
		t.Fatalf("err = %v, want CallError for missing", err)
	}
	var rpcErr *types.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != types.CodeMethodNotFound {
		t.Errorf("err = %v, want method-not-found RPCError", err)
	}
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	const n = 1000
	var (
		mu   sync.Mutex
		held []*types.Message
		ids  = map[string]bool{}
	)
	peer := newScriptedPeer(t, func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
		if m.Kind() != types.KindRequest {
			return
		}
		mu.Lock()
		ids[m.IDValue().Key()] = true
		held = append(held, m)
		ready := len(held) == n
		mu.Unlock()
		if !ready {
			return
		}
		// answer the last request first
		for i := len(held) - 1; i >= 0; i-- {
			p.send(conn, types.NewResponse(held[i].IDValue(), held[i].Params))
		}
	})
	s := connected(t, peer, testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Call(context.Background(), "echo", map[string]any{"i": i}, 10*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if m, _ := got.(map[string]any); m["i"] != float64(i) {
				errs <- fmt.Errorf("call %d got %v", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	mu.Lock()
	distinct := len(ids)
	mu.Unlock()
	if distinct != n {
		t.Errorf("distinct ids = %d, want %d", distinct, n)
	}
	if p := s.Status().PendingRequests; p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestCallTimeout(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())

	start := time.Now()
	_, err := s.Call(context.Background(), "echo", map[string]any{"x": 1}, 50*time.Millisecond)
	elapsed := time.Since(start)

	var timeout *RequestTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want RequestTimeoutError", err)
	}
	if elapsed < 50*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("timed out after %s", elapsed)
	}
	if p := s.Status().PendingRequests; p != 0 {
		t.Errorf("pending = %d after timeout", p)
	}

	// a late response is ignored
	req := peer.nextMethod("echo")
	peer.send(peer.conn(0), types.NewResponse(req.IDValue(), "late"))

	call := s.Go("again", nil, 50*time.Millisecond)
	if _, err := call.Result(); !errors.As(err, &timeout) {
		t.Errorf("second call err = %v", err)
	}
}

func TestEchoTimeoutScenario(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := New(peer.dialer(), testConfig())
	defer s.Disconnect()
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}

	_, err := s.Call(context.Background(), "echo", map[string]any{"x": 1}, 100*time.Millisecond)
	var timeout *RequestTimeoutError
	if !errors.As(err, &timeout) || timeout.Method != "echo" || timeout.Timeout != 100*time.Millisecond {
		t.Fatalf("err = %v", err)
	}
	if p := s.Status().PendingRequests; p != 0 {
		t.Errorf("pending = %d, want 0", p)
	}
}

func TestDefaultCallTimeout(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	s := connected(t, peer, cfg)

	_, err := s.Call(context.Background(), "slow", nil, 0)
	var timeout *RequestTimeoutError
	if !errors.As(err, &timeout) || timeout.Timeout != 30*time.Millisecond {
		t.Errorf("err = %v", err)
	}
}

func TestCallContextCanceled(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := s.Call(ctx, "slow", nil, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if p := s.Status().PendingRequests; p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestQueueOrderAcrossConnect(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := New(peer.dialer(), testConfig())
	defer s.Disconnect()

	for i := 0; i < 5; i++ {
		if err := s.Notify("note", map[string]any{"n": i}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	if q := s.Status().QueuedMessages; q != 5 {
		t.Fatalf("queued = %d, want 5", q)
	}
	conns := collect(s, TopicConnected)
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}
	if ev := receive(t, conns); ev.Flushed != 5 || ev.Reconnected {
		t.Errorf("connected event = %+v", ev)
	}
	for i := 0; i < 5; i++ {
		m := peer.next()
		if p, _ := m.Params.(map[string]any); p["n"] != float64(i) {
			t.Fatalf("message %d params = %v", i, m.Params)
		}
	}
	if q := s.Status().QueuedMessages; q != 0 {
		t.Errorf("queued = %d after flush", q)
	}
}

func TestQueuedCallAnsweredAfterConnect(t *testing.T) {
	peer := newScriptedPeer(t, echo)
	s := New(peer.dialer(), testConfig())
	defer s.Disconnect()

	call := s.Go("echo", map[string]any{"v": "queued"}, 2*time.Second)
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}
	got, err := call.Result()
	if m, _ := got.(map[string]any); err != nil || m["v"] != "queued" {
		t.Errorf("result = %v, %v", got, err)
	}
}

func TestQueuedCallTimeoutLeavesQueue(t *testing.T) {
	s := New(transport.DialerFunc(func(context.Context, string, string) (transport.Conn, error) {
		return nil, errors.New("unreachable")
	}), testConfig())
	defer s.Disconnect()

	call := s.Go("echo", nil, 20*time.Millisecond)
	<-call.Done()
	if st := s.Status(); st.QueuedMessages != 0 || st.PendingRequests != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestFlushAsBatch(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.FlushAsBatch = true
	s := New(peer.dialer(), cfg)
	defer s.Disconnect()

	for i := 0; i < 3; i++ {
		if err := s.Notify("note", map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if p, _ := peer.next().Params.(map[string]any); p["n"] != float64(i) {
			t.Fatalf("message %d out of order: %v", i, p)
		}
	}
	if b := peer.batches.Load(); b != 1 {
		t.Errorf("batches = %d, want 1", b)
	}
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueue = 2
	s := New(transport.DialerFunc(func(context.Context, string, string) (transport.Conn, error) {
		return nil, errors.New("unused")
	}), cfg)
	defer s.Disconnect()

	for i := 0; i < 2; i++ {
		if err := s.Notify("note", []any{i}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	err := s.Notify("note", []any{3})
	var full *QueueFullError
	if !errors.As(err, &full) || full.Limit != 2 || full.Method != "note" {
		t.Fatalf("err = %v, want QueueFullError", err)
	}

	call := s.Go("echo", nil, time.Minute)
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("overflowing call not settled")
	}
	if _, err := call.Result(); !errors.As(err, &full) {
		t.Errorf("call err = %v", err)
	}
	if p := s.Status().PendingRequests; p != 0 {
		t.Errorf("pending = %d", p)
	}
}

func TestConnectStates(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := New(peer.dialer(), testConfig())
	changes := collect(s, TopicStateChanged)

	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background(), "ws://test", ""); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect = %v", err)
	}
	if c := receive(t, changes); c.From != StateDisconnected || c.To != StateConnecting {
		t.Errorf("first change = %+v", c)
	}
	if c := receive(t, changes); c.From != StateConnecting || c.To != StateConnected {
		t.Errorf("second change = %+v", c)
	}
	s.Disconnect()
	if c := receive(t, changes); c.To != StateClosed {
		t.Errorf("third change = %+v", c)
	}
}

func TestConnectTimeout(t *testing.T) {
	dialer := transport.DialerFunc(func(ctx context.Context, url, token string) (transport.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.ConnectTimeout = 30 * time.Millisecond
	s := New(dialer, cfg)
	defer s.Disconnect()

	err := s.Connect(context.Background(), "ws://slow", "")
	var timeout *ConnectionTimeoutError
	if !errors.As(err, &timeout) || timeout.URL != "ws://slow" {
		t.Fatalf("err = %v, want ConnectionTimeoutError", err)
	}
	if st := s.State(); st != StateDisconnected {
		t.Errorf("state = %s", st)
	}
}

func TestHandshake(t *testing.T) {
	handshake := func(accept bool) func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
		return func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
			if m.Method != "auth" {
				return
			}
			params, _ := m.Params.(map[string]any)
			if accept && params["token"] == "secret" {
				p.send(conn, types.NewResponse(m.IDValue(), true))
				return
			}
			p.send(conn, types.NewErrorResponse(m.IDValue(), types.NewRPCError(-32001, "bad token")))
		}
	}
	cfg := testConfig()
	cfg.HandshakeMethod = "auth"
	cfg.ClientInfo = map[string]any{"name": "test"}

	t.Run("accepted", func(t *testing.T) {
		peer := newScriptedPeer(t, handshake(true))
		s := connected(t, peer, cfg)
		if st := s.State(); st != StateConnected {
			t.Errorf("state = %s", st)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		peer := newScriptedPeer(t, handshake(false))
		s := New(peer.dialer(), cfg)
		defer s.Disconnect()
		err := s.Connect(context.Background(), "ws://test", "wrong")
		if !errors.Is(err, ErrHandshakeRejected) {
			t.Fatalf("err = %v, want ErrHandshakeRejected", err)
		}
		if st := s.Status(); st.State != StateDisconnected || st.PendingRequests != 0 {
			t.Errorf("status = %+v", st)
		}
	})
}

func TestDisconnect(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())
	disconnects := collect(s, TopicDisconnected)

	call := s.Go("slow", nil, time.Minute)
	peer.nextMethod("slow")

	s.Disconnect()
	s.Disconnect()

	if _, err := call.Result(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("pending call err = %v", err)
	}
	if ev := receive(t, disconnects); !ev.Clean || ev.WillReconnect {
		t.Errorf("disconnected event = %+v", ev)
	}
	select {
	case ev := <-disconnects:
		t.Errorf("second disconnected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Connect(context.Background(), "ws://test", ""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Connect after close = %v", err)
	}
	if _, err := s.Call(context.Background(), "late", nil, time.Second); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Call after close = %v", err)
	}
	if err := s.Notify("late", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Notify after close = %v", err)
	}
	if st := s.Status(); st.State != StateClosed || st.PendingRequests != 0 || st.QueuedMessages != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestDisconnectClearsQueue(t *testing.T) {
	s := New(transport.DialerFunc(func(context.Context, string, string) (transport.Conn, error) {
		return nil, errors.New("unused")
	}), testConfig())
	call := s.Go("queued", nil, time.Minute)
	if err := s.Notify("queued", nil); err != nil {
		t.Fatal(err)
	}
	s.Disconnect()
	if _, err := call.Result(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v", err)
	}
	if q := s.Status().QueuedMessages; q != 0 {
		t.Errorf("queued = %d", q)
	}
}

func TestCleanCloseRejectsPending(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.Reconnect = ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
	s := connected(t, peer, cfg)
	disconnects := collect(s, TopicDisconnected)

	call := s.Go("slow", nil, time.Minute)
	peer.nextMethod("slow")
	peer.conn(0).Close()

	if _, err := call.Result(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("err = %v, want ErrConnectionClosed", err)
	}
	if ev := receive(t, disconnects); !ev.Clean || ev.WillReconnect {
		t.Errorf("event = %+v", ev)
	}
	if st := s.State(); st != StateDisconnected {
		t.Errorf("state = %s", st)
	}
}

func TestReconnectBackoff(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	var dials int
	var mu sync.Mutex
	dialer := transport.DialerFunc(func(ctx context.Context, url, token string) (transport.Conn, error) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if !first {
			return nil, errors.New("connection refused")
		}
		return peer.dialer().Dial(ctx, url, token)
	})
	base := 10 * time.Millisecond
	cfg := testConfig()
	cfg.Reconnect = ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: base}

	s := New(dialer, cfg)
	defer s.Disconnect()
	scheduled := collect(s, TopicReconnecting)
	failed := collect(s, TopicReconnectionFailed)
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}

	call := s.Go("slow", nil, time.Minute)
	peer.nextMethod("slow")
	peer.conn(0).Abort("network down")

	want := []time.Duration{base, 2 * base, 4 * base}
	for i, d := range want {
		ev := receive(t, scheduled)
		if ev.Attempt != i+1 || ev.Delay != d {
			t.Errorf("reconnecting event %d = attempt %d delay %s, want %d %s", i, ev.Attempt, ev.Delay, i+1, d)
		}
	}
	ev := receive(t, failed)
	if ev.Attempts != 3 || ev.LastErr == nil {
		t.Errorf("reconnectionFailed = %+v", ev)
	}
	select {
	case extra := <-failed:
		t.Errorf("second reconnectionFailed %+v", extra)
	case extra := <-scheduled:
		t.Errorf("unexpected reconnecting %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if st := s.State(); st != StateDisconnected {
		t.Errorf("state = %s", st)
	}
	var exhausted *ReconnectionExhaustedError
	if _, err := call.Result(); !errors.As(err, &exhausted) || exhausted.Attempts != 3 {
		t.Errorf("pending call err = %v", err)
	}
}

func TestReconnectSucceeds(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.Reconnect = ReconnectConfig{Enabled: true, MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
	s := connected(t, peer, cfg)
	conns := collect(s, TopicConnected)
	disconnects := collect(s, TopicDisconnected)

	peer.conn(0).Abort("blip")
	if ev := receive(t, disconnects); ev.Clean || !ev.WillReconnect {
		t.Errorf("disconnected event = %+v", ev)
	}
	if err := s.Notify("while-down", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if ev := receive(t, conns); !ev.Reconnected {
		t.Errorf("connected event = %+v", ev)
	}
	peer.conn(1)
	if m := peer.nextMethod("while-down"); m == nil {
		t.Fatal("queued notification lost")
	}
	if st := s.Status(); st.State != StateConnected || st.ReconnectAttempts != 0 {
		t.Errorf("status = %+v", st)
	}
}
