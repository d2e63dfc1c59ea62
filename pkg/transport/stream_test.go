package transport

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func streamPair(t *testing.T) (*StreamConn, *StreamConn) {
	t.Helper()
	x, y := net.Pipe()
	return NewStreamConn(x, StreamConfig{}), NewStreamConn(y, StreamConfig{})
}

func TestStream_RoundTrip(t *testing.T) {
	a, b := streamPair(t)
	defer a.Abort("test done")

	ctx := context.Background()
	go a.Write(ctx, Frame{Type: MessageText, Data: []byte(`{"jsonrpc":"2.0","method":"a"}`)})
	if f := recvFrame(t, b); f.Type != MessageText || string(f.Data) != `{"jsonrpc":"2.0","method":"a"}` {
		t.Errorf("got %v %q", f.Type, f.Data)
	}

	go b.Write(ctx, Frame{Type: MessageBinary, Data: []byte{0x01, 0xff}})
	if f := recvFrame(t, a); f.Type != MessageBinary || f.Data[1] != 0xff {
		t.Errorf("got %v %v", f.Type, f.Data)
	}
}

func TestStream_CloseFrameIsClean(t *testing.T) {
	a, b := streamPair(t)
	a.Close()

	info := waitClosed(t, b)
	if !info.Clean || info.Code != CodeNormal || info.Reason != "client disconnect" {
		t.Errorf("peer CloseInfo = %+v", info)
	}
	if !a.CloseInfo().Clean {
		t.Errorf("local CloseInfo = %+v", a.CloseInfo())
	}
}

func TestStream_EOFIsUnclean(t *testing.T) {
	x, y := net.Pipe()
	b := NewStreamConn(y, StreamConfig{})
	x.Close()

	info := waitClosed(t, b)
	if info.Clean || info.Code != CodeAbnormal {
		t.Errorf("CloseInfo = %+v, want unclean", info)
	}
}

func TestStream_OversizedFrame(t *testing.T) {
	x, y := net.Pipe()
	b := NewStreamConn(y, StreamConfig{MaxFrameSize: 16})
	defer x.Close()

	var hdr [frameHeaderSize]byte
	hdr[0] = byte(MessageText)
	binary.BigEndian.PutUint32(hdr[1:], 1<<20)
	go x.Write(hdr[:])

	info := waitClosed(t, b)
	if info.Code != CodeTooBig || info.Clean {
		t.Errorf("CloseInfo = %+v", info)
	}

	if err := b.writeFrame(context.Background(), byte(MessageText), make([]byte, 17)); err == nil {
		t.Error("expected error writing an oversized frame")
	}
}

func TestStreamDialer_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan *StreamConn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- NewStreamConn(nc, StreamConfig{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d := &StreamDialer{Timeout: time.Second}
	c, err := d.Dial(ctx, "tcp://"+ln.Addr().String(), "tok-123")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	server := <-accepted
	if err := c.Write(ctx, Frame{Type: MessageText, Data: []byte("hi")}); err != nil {
		t.Fatal(err)
	}
	if f := recvFrame(t, server); string(f.Data) != "hi" {
		t.Errorf("got %q", f.Data)
	}
	if server.PeerToken() != "tok-123" {
		t.Errorf("PeerToken = %q", server.PeerToken())
	}
}

func TestStreamTarget(t *testing.T) {
	tests := []struct {
		url     string
		network string
		addr    string
		wantErr bool
	}{
		{"tcp://127.0.0.1:9000", "tcp", "127.0.0.1:9000", false},
		{"unix:///tmp/rpc.sock", "unix", "/tmp/rpc.sock", false},
		{"tcp://", "", "", true},
		{"ws://host", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			network, addr, err := StreamTarget(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if network != tt.network || addr != tt.addr {
				t.Errorf("got %s %s", network, addr)
			}
		})
	}
}
