package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/types"
)

var errStreamClosed = errors.New("peer: event stream closed")

// Broadcast sends a notification to every connected client and event stream.
// It returns the number of clients the notification was written to. Clients
// whose write fails are dropped.
func (s *Server) Broadcast(method string, params any) (int, error) {
	msg := types.NewNotification(method, params)
	enc, err := codec.Encode(msg, s.codec)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	streams := make([]*eventStream, 0, len(s.streams))
	for es := range s.streams {
		streams = append(streams, es)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(c.ctx, s.writeTimeout)
		err := c.conn.Write(ctx, frameOf(enc))
		cancel()
		if err != nil {
			s.log.Warning("dropping client after failed broadcast", "client", c.id, "error", err)
			c.conn.Abort("broadcast write failed")
			continue
		}
		sent++
	}
	s.metrics.broadcasts.Inc()

	if len(streams) > 0 {
		plain := s.codec
		plain.Compress = false
		plain.Pretty = false
		text, err := codec.Encode(msg, plain)
		if err != nil {
			return sent, err
		}
		for _, es := range streams {
			if err := es.emit(method, text.Payload); err != nil && !errors.Is(err, errStreamClosed) {
				s.log.Warning("event stream write failed", "error", err)
				es.close()
			}
		}
	}
	return sent, nil
}

// eventStream is one Server-Sent Events subscriber.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}

	writeMu sync.Mutex
	closed  bool
}

// emit writes one event as "event: <name>\ndata: <data>\n\n" and flushes.
func (es *eventStream) emit(event string, data []byte) error {
	es.writeMu.Lock()
	defer es.writeMu.Unlock()
	if es.closed {
		return errStreamClosed
	}
	if _, err := fmt.Fprintf(es.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	es.flusher.Flush()
	return nil
}

// close stops further writes and releases the handler. Safe to call more
// than once.
func (es *eventStream) close() {
	es.writeMu.Lock()
	defer es.writeMu.Unlock()
	if !es.closed {
		es.closed = true
		close(es.done)
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	es := &eventStream{w: w, flusher: flusher, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	s.streams[es] = struct{}{}
	s.mu.Unlock()

	defer func() {
		es.close()
		s.mu.Lock()
		delete(s.streams, es)
		s.mu.Unlock()
	}()

	if err := es.emit("ready", fmt.Appendf(nil, `{"server":%q}`, s.id)); err != nil {
		return
	}
	select {
	case <-r.Context().Done():
	case <-es.done:
	}
}
