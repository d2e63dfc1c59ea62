package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ServerConn is a Conn over a WebSocket accepted by a gorilla Upgrader.
// It is the server-side counterpart of WebSocketConn.
type ServerConn struct {
	base
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewServerConn wraps an upgraded connection and starts reading from it.
func NewServerConn(ws *websocket.Conn, buffer int) *ServerConn {
	c := &ServerConn{ws: ws}
	c.init(buffer)
	go c.readLoop()
	return c
}

func (c *ServerConn) readLoop() {
	defer close(c.inputCh)

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		ft := MessageText
		if typ == websocket.BinaryMessage {
			ft = MessageBinary
		}
		if !c.deliver(Frame{Type: ft, Data: data}) {
			return
		}
	}
}

func (c *ServerConn) readFailed(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway):
		c.shutdown(CloseInfo{Clean: true, Code: ce.Code, Reason: ce.Text}, c.closeSocket)
	case errors.As(err, &ce):
		c.shutdown(CloseInfo{Code: ce.Code, Reason: ce.Text, Err: err}, c.closeSocket)
	default:
		c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: "connection lost", Err: err}, c.closeSocket)
	}
}

func (c *ServerConn) closeSocket() { c.ws.Close() }

// Write sends f. A deadline on ctx becomes the socket write deadline.
func (c *ServerConn) Write(ctx context.Context, f Frame) error {
	if !c.ready.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	typ := websocket.TextMessage
	if f.Type == MessageBinary {
		typ = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(typ, f.Data)
}

// Close sends a close frame and closes the socket.
func (c *ServerConn) Close() error {
	c.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: "server closing"}, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server closing")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.ws.Close()
	})
	return nil
}

// Abort closes the socket without a close frame.
func (c *ServerConn) Abort(reason string) {
	c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: reason}, c.closeSocket)
}
