package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
)

// defaultReadLimit caps a single inbound WebSocket message (16 MB).
const defaultReadLimit = 16 << 20

// WebSocketDialer dials ws:// and wss:// URLs. The token is sent as an
// Authorization: Bearer header.
type WebSocketDialer struct {
	// HTTPClient performs the upgrade request. Ignored when ProxyURL is set.
	HTTPClient *http.Client
	// Header is added to the upgrade request.
	Header http.Header
	// Subprotocols to negotiate.
	Subprotocols []string
	// ProxyURL routes the connection through a SOCKS5 proxy.
	ProxyURL string
	// ReadLimit caps one inbound message. 0 means 16 MB.
	ReadLimit int64
	// Buffer is the inbound frame channel capacity.
	Buffer int
}

func (d *WebSocketDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	client := d.HTTPClient
	if d.ProxyURL != "" {
		var err error
		if client, err = proxyHTTPClient(d.ProxyURL); err != nil {
			return nil, err
		}
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   client,
		HTTPHeader:   header,
		Subprotocols: d.Subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)
	return NewWebSocketConn(ws, d.Buffer), nil
}

// WebSocketConn is a Conn over an established WebSocket.
type WebSocketConn struct {
	base
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// NewWebSocketConn wraps ws and starts reading from it.
func NewWebSocketConn(ws *websocket.Conn, buffer int) *WebSocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketConn{conn: ws, ctx: ctx, cancel: cancel}
	c.init(buffer)
	go c.readLoop()
	return c
}

func (c *WebSocketConn) readLoop() {
	defer close(c.inputCh)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}
		ft := MessageText
		if typ == websocket.MessageBinary {
			ft = MessageBinary
		}
		if !c.deliver(Frame{Type: ft, Data: data}) {
			return
		}
	}
}

// readFailed classifies the error that ended the read loop.
func (c *WebSocketConn) readFailed(err error) {
	var ce websocket.CloseError
	switch {
	case errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway):
		c.shutdown(CloseInfo{Clean: true, Code: int(ce.Code), Reason: ce.Reason}, c.cancel)
	case errors.As(err, &ce):
		c.shutdown(CloseInfo{Code: int(ce.Code), Reason: ce.Reason, Err: err}, c.cancel)
	default:
		c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: "connection lost", Err: err}, func() {
			c.cancel()
			c.conn.CloseNow()
		})
	}
}

// Write sends f as a text or binary message. Thread-safe via mutex.
func (c *WebSocketConn) Write(ctx context.Context, f Frame) error {
	if !c.ready.Load() {
		return ErrTransportClosed
	}
	typ := websocket.MessageText
	if f.Type == MessageBinary {
		typ = websocket.MessageBinary
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, typ, f.Data)
}

// Close starts the close handshake and returns without waiting for it.
// Safe to call multiple times.
func (c *WebSocketConn) Close() error {
	c.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: "client disconnect"}, func() {
		go func() {
			c.conn.Close(websocket.StatusNormalClosure, "")
			c.cancel()
		}()
	})
	return nil
}

// Abort drops the TCP connection without a close frame.
func (c *WebSocketConn) Abort(reason string) {
	c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: reason}, func() {
		c.cancel()
		c.conn.CloseNow()
	})
}
