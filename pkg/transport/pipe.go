package transport

import (
	"context"
	"errors"
)

// PipeConn is one end of an in-process connection. Frames are passed
// directly, with no serialization.
type PipeConn struct {
	base
	raw  chan Frame // frames written by the other end
	peer *PipeConn
}

// NewPipe returns two connected ends. buffer controls the capacity of each
// direction.
func NewPipe(buffer int) (*PipeConn, *PipeConn) {
	if buffer <= 0 {
		buffer = 64
	}
	a := &PipeConn{raw: make(chan Frame, buffer)}
	b := &PipeConn{raw: make(chan Frame, buffer)}
	a.init(buffer)
	b.init(buffer)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// pump moves frames from raw to the reader until this end shuts down, then
// hands over whatever was already written.
func (c *PipeConn) pump() {
	defer close(c.inputCh)
	for {
		select {
		case f := <-c.raw:
			if !c.deliver(f) {
				c.drain()
				return
			}
		case <-c.doneCh:
			c.drain()
			return
		}
	}
}

func (c *PipeConn) drain() {
	for {
		select {
		case f := <-c.raw:
			select {
			case c.inputCh <- f:
			default:
				return
			}
		default:
			return
		}
	}
}

// Write passes f to the other end.
func (c *PipeConn) Write(ctx context.Context, f Frame) error {
	if !c.ready.Load() || !c.peer.ready.Load() {
		return ErrTransportClosed
	}
	f.Data = append([]byte(nil), f.Data...)
	select {
	case c.peer.raw <- f:
		return nil
	case <-c.doneCh:
		return ErrTransportClosed
	case <-c.peer.doneCh:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends both sides cleanly.
func (c *PipeConn) Close() error {
	c.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: "client disconnect"}, nil)
	c.peer.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: "peer closed"}, nil)
	return nil
}

// Abort ends both sides uncleanly, as a dropped network connection would.
func (c *PipeConn) Abort(reason string) {
	c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: reason}, nil)
	c.peer.shutdown(CloseInfo{Code: CodeAbnormal, Reason: "peer aborted"}, nil)
}

// PipeDialer serves each Dial with a fresh pipe. The server end is handed to
// Accept on its own goroutine.
type PipeDialer struct {
	Accept func(server *PipeConn, token string)
	Buffer int
}

func (d *PipeDialer) Dial(ctx context.Context, url, token string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Accept == nil {
		return nil, errors.New("transport: pipe dialer has no acceptor")
	}
	client, server := NewPipe(d.Buffer)
	go d.Accept(server, token)
	return client, nil
}
