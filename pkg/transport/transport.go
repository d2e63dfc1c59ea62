// Package transport provides the socket abstraction the session runs on:
// a message-oriented, bidirectional connection that reports how it closed.
//
// Bindings: WebSocketConn (nhooyr.io/websocket) for dialing, ServerConn
// (gorilla/websocket) for accepted sockets, StreamConn (length-prefixed
// frames over any byte stream, dialed as tcp:// or unix://) and PipeConn
// (in-process pairs for embedding and tests).
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTransportClosed is returned when operations are attempted on a closed
// connection.
var ErrTransportClosed = errors.New("transport closed")

// MessageType is the frame kind.
type MessageType uint8

const (
	MessageText   MessageType = 1 // UTF-8 JSON
	MessageBinary MessageType = 2 // compressed payloads
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one message on the connection.
type Frame struct {
	Type MessageType
	Data []byte
}

// Close codes, shared by all bindings. They follow the WebSocket registry.
const (
	CodeNormal    = 1000
	CodeGoingAway = 1001
	CodeAbnormal  = 1006
	CodeTooBig    = 1009
)

// CloseInfo describes how a connection ended. A clean close was initiated
// deliberately by either side; anything else should be treated as a failure.
type CloseInfo struct {
	Clean  bool
	Code   int
	Reason string
	Err    error
}

// Conn is a live connection.
type Conn interface {
	// Write sends one frame. Safe for concurrent use.
	Write(ctx context.Context, f Frame) error

	// ReadMessages returns the inbound frames. The channel is closed when the
	// connection ends, after which CloseInfo is final.
	ReadMessages() <-chan Frame

	// CloseInfo reports how the connection ended. Zero while open.
	CloseInfo() CloseInfo

	// Close shuts the connection down cleanly. Safe to call multiple times.
	Close() error

	// Abort drops the connection without a close handshake; the close is
	// reported as unclean.
	Abort(reason string)

	// IsReady reports whether the connection accepts writes.
	IsReady() bool
}

// Dialer opens connections. token is a bearer credential; empty means none.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url, token string) (Conn, error) {
	return f(ctx, url, token)
}

// base carries the lifecycle state every binding shares.
type base struct {
	inputCh   chan Frame
	doneCh    chan struct{}
	ready     atomic.Bool
	closeOnce sync.Once

	infoMu sync.Mutex
	info   *CloseInfo
}

func (b *base) init(buffer int) {
	if buffer <= 0 {
		buffer = 64
	}
	b.inputCh = make(chan Frame, buffer)
	b.doneCh = make(chan struct{})
	b.ready.Store(true)
}

// setInfo records how the connection ended. The first call wins.
func (b *base) setInfo(ci CloseInfo) {
	b.infoMu.Lock()
	defer b.infoMu.Unlock()
	if b.info == nil {
		b.info = &ci
	}
}

func (b *base) CloseInfo() CloseInfo {
	b.infoMu.Lock()
	defer b.infoMu.Unlock()
	if b.info == nil {
		return CloseInfo{}
	}
	return *b.info
}

func (b *base) ReadMessages() <-chan Frame { return b.inputCh }

func (b *base) IsReady() bool { return b.ready.Load() }

// deliver hands f to the reader. It returns false once the connection is
// shutting down and the reader has no room left.
func (b *base) deliver(f Frame) bool {
	select {
	case b.inputCh <- f:
		return true
	default:
	}
	select {
	case b.inputCh <- f:
		return true
	case <-b.doneCh:
		return false
	}
}

// shutdown marks the connection closed with ci and runs fn once.
func (b *base) shutdown(ci CloseInfo, fn func()) {
	b.closeOnce.Do(func() {
		b.ready.Store(false)
		b.setInfo(ci)
		close(b.doneCh)
		if fn != nil {
			fn()
		}
	})
}
