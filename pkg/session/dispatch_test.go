package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/spool"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

func TestNotificationTopics(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())

	generic := collect(s, TopicNotification)
	specific := collect(s, NotificationTopic("tasks/updated"))
	matched := make(chan Notification, 4)
	if _, err := s.OnNotification("tasks/*", func(n Notification) { matched <- n }); err != nil {
		t.Fatal(err)
	}

	peer.send(peer.conn(0), types.NewNotification("tasks/updated", map[string]any{"id": "t1"}))

	for name, ch := range map[string]<-chan Notification{"generic": generic, "specific": specific, "pattern": matched} {
		n := receive(t, ch)
		if n.Method != "tasks/updated" || n.IsRequest() {
			t.Errorf("%s: notification = %+v", name, n)
		}
		if p, _ := n.Params.(map[string]any); p["id"] != "t1" {
			t.Errorf("%s: params = %v", name, n.Params)
		}
	}
}

func TestServerRequestRespond(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())
	requests := collect(s, NotificationTopic("confirm"))

	peer.send(peer.conn(0), types.NewRequest(types.NewStringID("srv-1"), "confirm", map[string]any{"q": "ok?"}))
	n := receive(t, requests)
	if !n.IsRequest() || n.ID.String() != "srv-1" {
		t.Fatalf("notification = %+v", n)
	}
	if err := s.Respond(*n.ID, map[string]any{"answer": true}); err != nil {
		t.Fatal(err)
	}
	resp := peer.next()
	if !resp.IsResponse() || resp.IDValue().Key() != types.NewStringID("srv-1").Key() {
		t.Errorf("response = %+v", resp)
	}

	peer.send(peer.conn(0), types.NewRequest(types.NewNumberID(9), "confirm", nil))
	n = receive(t, requests)
	if err := s.RespondError(*n.ID, types.NewRPCError(types.CodeInvalidParams, "no")); err != nil {
		t.Fatal(err)
	}
	if resp := peer.next(); resp.Error == nil || resp.Error.Code != types.CodeInvalidParams {
		t.Errorf("error response = %+v", resp)
	}
}

func TestPeerPingAnswered(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())
	published := collect(s, TopicNotification)

	peer.send(peer.conn(0), types.NewNotification("ping", map[string]any{"nonce": "abc"}))
	pong := peer.nextMethod("pong")
	if p, _ := pong.Params.(map[string]any); p["nonce"] != "abc" {
		t.Errorf("pong params = %v", pong.Params)
	}

	peer.send(peer.conn(0), types.NewRequest(types.NewNumberID(7), "ping", nil))
	resp := peer.next()
	if n, _ := resp.IDValue().Number(); !resp.IsResponse() || n != 7 || resp.Result != "pong" {
		t.Errorf("ping response = %+v", resp)
	}

	select {
	case n := <-published:
		t.Errorf("ping was published: %+v", n)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHeartbeatPong(t *testing.T) {
	peer := newScriptedPeer(t, func(p *scriptedPeer, conn *transport.PipeConn, m *types.Message) {
		if m.Method == "ping" {
			p.send(conn, types.NewNotification("pong", m.Params))
		}
	})
	cfg := testConfig()
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	s := connected(t, peer, cfg)
	beats := collect(s, TopicHeartbeat)

	ping := peer.nextMethod("ping")
	if p, _ := ping.Params.(map[string]any); p["nonce"] == nil || p["ts"] == nil {
		t.Errorf("ping params = %v", ping.Params)
	}
	if ev := receive(t, beats); ev.Latency < 0 {
		t.Errorf("latency = %s", ev.Latency)
	}
	st := s.Status()
	if st.LastPingAt.IsZero() || st.LastPongAt.IsZero() {
		t.Errorf("status = %+v", st)
	}

	// a pong nobody asked for is an ordinary notification
	stray := collect(s, NotificationTopic("pong"))
	peer.send(peer.conn(0), types.NewNotification("pong", map[string]any{"nonce": "unknown"}))
	if n := receive(t, stray); n.Method != "pong" {
		t.Errorf("stray = %+v", n)
	}

	// stays up across several intervals
	time.Sleep(100 * time.Millisecond)
	if st := s.State(); st != StateConnected {
		t.Errorf("state = %s", st)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	s := New(peer.dialer(), cfg)
	defer s.Disconnect()
	timeouts := collect(s, TopicHeartbeatTimeout)
	disconnects := collect(s, TopicDisconnected)
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}

	ev := receive(t, timeouts)
	if ev.Unanswered < 2 {
		t.Errorf("unanswered = %d", ev.Unanswered)
	}
	if d := receive(t, disconnects); d.Clean || d.Code != transport.CodeAbnormal {
		t.Errorf("disconnected = %+v", d)
	}
	if st := s.State(); st != StateDisconnected {
		t.Errorf("state = %s", st)
	}
}

func TestHeartbeatTimeoutRejectsWrittenCalls(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.Heartbeat.Interval = 20 * time.Millisecond
	cfg.Reconnect = ReconnectConfig{Enabled: true, MaxAttempts: 5, BaseDelay: 10 * time.Millisecond}
	s := New(peer.dialer(), cfg)
	defer s.Disconnect()
	timeouts := collect(s, TopicHeartbeatTimeout)
	disconnects := collect(s, TopicDisconnected)
	if err := s.Connect(context.Background(), "ws://test", ""); err != nil {
		t.Fatal(err)
	}

	call := s.Go("slow", nil, 5*time.Second)
	peer.nextMethod("slow")
	receive(t, timeouts)
	if d := receive(t, disconnects); !d.WillReconnect {
		t.Errorf("disconnected = %+v", d)
	}

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatalf("call still pending after heartbeat timeout; status = %+v", s.Status())
	}
	_, err := call.Result()
	var hb *HeartbeatTimeoutError
	if !errors.As(err, &hb) || hb.Unanswered < 2 {
		t.Errorf("err = %v", err)
	}
}

func TestBackgroundInterval(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	cfg := testConfig()
	cfg.Heartbeat = HeartbeatConfig{Interval: time.Hour, BackgroundInterval: 10 * time.Millisecond}
	s := connected(t, peer, cfg)

	s.SetBackground(true)
	peer.nextMethod("ping")
	if !s.Status().Background {
		t.Error("background not reported")
	}

	s.SetBackground(false)
	s.SetHeartbeatInterval(0)
	if got := s.heartbeatInterval(); got != 0 {
		t.Errorf("interval = %s", got)
	}
}

func TestUndecodableFrame(t *testing.T) {
	peer := newScriptedPeer(t, echo)
	s := connected(t, peer, testConfig())
	errs := collect(s, TopicError)

	peer.sendRaw(peer.conn(0), []byte("{not json"))
	if ev := receive(t, errs); ev.Op != "decode" || ev.Err == nil {
		t.Errorf("error event = %+v", ev)
	}
	if _, err := s.Call(context.Background(), "echo", map[string]any{"still": "up"}, time.Second); err != nil {
		t.Errorf("call after bad frame: %v", err)
	}
}

func TestInvalidResponseRejectsCall(t *testing.T) {
	peer := newScriptedPeer(t, nil)
	s := connected(t, peer, testConfig())

	call := s.Go("echo", nil, time.Minute)
	req := peer.nextMethod("echo")
	n, _ := req.IDValue().Number()
	bad := []byte(`{"jsonrpc":"2.0","id":` + strconv.FormatInt(n, 10) + `,"result":1,"error":{"code":1,"message":"both"}}`)
	peer.sendRaw(peer.conn(0), bad)

	_, err := call.Result()
	var parseErr *codec.ParseError
	var validation *types.ValidationError
	if !errors.As(err, &parseErr) && !errors.As(err, &validation) {
		t.Errorf("err = %v, want decode failure", err)
	}
}

type memRecorder struct {
	mu   sync.Mutex
	dirs []spool.Direction
}

func (r *memRecorder) Record(dir spool.Direction, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, dir)
	return nil
}

func TestRecorderAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &memRecorder{}
	peer := newScriptedPeer(t, echo)
	s := connected(t, peer, testConfig(),
		WithRecorder(rec),
		WithMetrics(NewMetrics(WithRegistry(reg))),
		WithIDGenerator(ULIDs()),
	)

	if _, err := s.Call(context.Background(), "echo", map[string]any{"a": 1}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Notify("note", nil); err != nil {
		t.Fatal(err)
	}

	rec.mu.Lock()
	dirs := append([]spool.Direction(nil), rec.dirs...)
	rec.mu.Unlock()
	count := map[spool.Direction]int{}
	for _, d := range dirs {
		count[d]++
	}
	if count[spool.Outbound] != 2 || count[spool.Inbound] != 1 {
		t.Errorf("recorded directions = %v", dirs)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[f.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	checks := map[string]float64{
		"wirerpc_session_calls_total":              1,
		"wirerpc_session_notifications_sent_total": 1,
		"wirerpc_session_pending_requests":         0,
	}
	for name, want := range checks {
		if got := values[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if values["wirerpc_session_sent_bytes_total"] == 0 || values["wirerpc_session_received_bytes_total"] == 0 {
		t.Errorf("byte counters not updated: %v", values)
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	m.callSettled(outcomeOK, time.Millisecond)
	m.pendingDelta(1)
	m.bytes(1, 1)
	m.queueLen(3)
}
