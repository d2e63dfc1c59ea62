package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// Stream frames are a 1-byte type, a 4-byte big-endian length and the body.
// Types 1 and 2 carry messages; the rest are control frames.
const (
	frameHeaderSize = 5

	frameAuth  byte = 0x03 // body is the bearer token
	frameClose byte = 0x08 // body is the close reason

	// DefaultMaxFrameSize caps a single stream frame body (64 MB).
	DefaultMaxFrameSize = 64 << 20
)

const closeWriteTimeout = time.Second

// StreamConfig tunes a StreamConn.
type StreamConfig struct {
	// MaxFrameSize caps one frame body in either direction. 0 means
	// DefaultMaxFrameSize.
	MaxFrameSize int
	// Buffer is the inbound frame channel capacity.
	Buffer int
}

// StreamConn is a Conn over any byte stream: a TCP or unix socket, a pipe,
// a child's stdio.
type StreamConn struct {
	base
	rwc      io.ReadWriteCloser
	maxFrame int
	writeMu  sync.Mutex

	tokenMu sync.Mutex
	token   string
}

// NewStreamConn wraps rwc and starts reading frames from it.
func NewStreamConn(rwc io.ReadWriteCloser, cfg StreamConfig) *StreamConn {
	c := &StreamConn{rwc: rwc, maxFrame: cfg.MaxFrameSize}
	if c.maxFrame <= 0 {
		c.maxFrame = DefaultMaxFrameSize
	}
	c.init(cfg.Buffer)
	go c.readLoop()
	return c
}

// PeerToken returns the bearer token the remote side sent, if any. It is set
// before the first message frame is delivered.
func (c *StreamConn) PeerToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *StreamConn) readLoop() {
	defer close(c.inputCh)

	br := bufio.NewReader(c.rwc)
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			c.readFailed(err)
			return
		}
		typ, n := hdr[0], binary.BigEndian.Uint32(hdr[1:])
		if uint64(n) > uint64(c.maxFrame) {
			c.shutdown(CloseInfo{
				Code:   CodeTooBig,
				Reason: "frame too large",
				Err:    fmt.Errorf("transport: frame of %d bytes exceeds %d", n, c.maxFrame),
			}, c.closeRWC)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			c.readFailed(err)
			return
		}

		switch typ {
		case byte(MessageText), byte(MessageBinary):
			if !c.deliver(Frame{Type: MessageType(typ), Data: body}) {
				return
			}
		case frameAuth:
			c.tokenMu.Lock()
			c.token = string(body)
			c.tokenMu.Unlock()
		case frameClose:
			c.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: string(body)}, c.closeRWC)
			return
		default:
			c.shutdown(CloseInfo{
				Code:   1002,
				Reason: "protocol error",
				Err:    fmt.Errorf("transport: unknown frame type 0x%02x", typ),
			}, c.closeRWC)
			return
		}
	}
}

func (c *StreamConn) readFailed(err error) {
	reason := "connection lost"
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		reason = "connection closed without close frame"
	}
	c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: reason, Err: err}, c.closeRWC)
}

func (c *StreamConn) closeRWC() { c.rwc.Close() }

// Write sends f. A deadline on ctx becomes a write deadline when the stream
// supports one.
func (c *StreamConn) Write(ctx context.Context, f Frame) error {
	if !c.ready.Load() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeFrame(ctx, byte(f.Type), f.Data)
}

func (c *StreamConn) writeFrame(ctx context.Context, typ byte, body []byte) error {
	if len(body) > c.maxFrame {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d", len(body), c.maxFrame)
	}
	buf := make([]byte, frameHeaderSize+len(body))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if d, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if deadline, has := ctx.Deadline(); has {
			d.SetWriteDeadline(deadline)
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	_, err := c.rwc.Write(buf)
	return err
}

// Close sends a close frame and closes the stream. The close frame is written
// in the background so a stalled peer cannot block the caller.
func (c *StreamConn) Close() error {
	c.shutdown(CloseInfo{Clean: true, Code: CodeNormal, Reason: "client disconnect"}, func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
			defer cancel()
			c.writeFrame(ctx, frameClose, []byte("client disconnect"))
			c.rwc.Close()
		}()
	})
	return nil
}

// Abort closes the stream without a close frame.
func (c *StreamConn) Abort(reason string) {
	c.shutdown(CloseInfo{Code: CodeAbnormal, Reason: reason}, c.closeRWC)
}

// StreamDialer dials tcp://host:port and unix:///path URLs.
type StreamDialer struct {
	// Timeout bounds the TCP/unix dial. The context deadline also applies.
	Timeout time.Duration
	// ProxyURL routes tcp connections through a SOCKS5 proxy.
	ProxyURL string
	Config   StreamConfig
}

func (d *StreamDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	network, addr, err := StreamTarget(rawURL)
	if err != nil {
		return nil, err
	}

	nd := net.Dialer{Timeout: d.Timeout}
	dial := dialContextFunc(nd.DialContext)
	if d.ProxyURL != "" && network == "tcp" {
		if dial, err = proxyDialer(d.ProxyURL); err != nil {
			return nil, err
		}
	}
	nc, err := dial(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", rawURL, err)
	}

	c := NewStreamConn(nc, d.Config)
	if token != "" {
		if err := c.writeFrame(ctx, frameAuth, []byte(token)); err != nil {
			c.Abort("auth write failed")
			return nil, fmt.Errorf("transport: send token: %w", err)
		}
	}
	return c, nil
}

// StreamTarget splits a tcp:// or unix:// URL into a network and address.
func StreamTarget(rawURL string) (network, addr string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("transport: %w", err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("transport: %q has no host", rawURL)
		}
		return "tcp", u.Host, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" {
			return "", "", fmt.Errorf("transport: %q has no socket path", rawURL)
		}
		return "unix", path, nil
	default:
		return "", "", fmt.Errorf("transport: stream dialer cannot handle scheme %q", u.Scheme)
	}
}
