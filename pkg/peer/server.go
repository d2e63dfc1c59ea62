// Package peer is a development JSON-RPC endpoint. It accepts WebSocket and
// stream connections, dispatches requests to registered methods, answers
// pings, and broadcasts notifications to every connected client and to
// Server-Sent Events subscribers.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/logging"
	"github.com/jg-phare/wirerpc/pkg/transport"
)

const (
	methodPing = "ping"
	methodPong = "pong"

	defaultWriteTimeout = 5 * time.Second
)

// ErrServerClosed is returned by ServeStream after Close.
var ErrServerClosed = errors.New("peer: server closed")

// HandlerFunc answers one method. Returning a *types.RPCError sends it as
// is; any other error becomes an internal error response.
type HandlerFunc func(ctx context.Context, params any) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithToken requires clients to present token as a bearer credential.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the log sink.
func WithLogger(log logging.Sink) Option {
	return func(s *Server) { s.log = logging.OrNop(log) }
}

// WithCodecOptions sets the options used to decode requests and encode
// replies.
func WithCodecOptions(o codec.Options) Option {
	return func(s *Server) { s.codec = o }
}

// WithRegistry registers the server's metrics with reg and serves reg on
// /metrics. By default each server gets its own registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithWriteTimeout bounds each reply and broadcast write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// Server is a development peer.
type Server struct {
	id           string
	token        string
	log          logging.Sink
	codec        codec.Options
	registry     *prometheus.Registry
	metrics      *metrics
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	methods map[string]HandlerFunc
	clients map[*client]struct{}
	streams map[*eventStream]struct{}
	lns     map[net.Listener]struct{}
	closed  bool
}

// client is one connected session.
type client struct {
	id     string
	remote string
	conn   transport.Conn
	ctx    context.Context

	// tokenOf reports the credential for bindings that carry it in-band.
	// nil once the client is authorized.
	tokenOf func() string
}

// New creates a server with no methods registered.
func New(opts ...Option) *Server {
	s := &Server{
		id:           uuid.NewString(),
		log:          logging.Nop,
		codec:        codec.DefaultOptions(),
		writeTimeout: defaultWriteTimeout,
		methods:      make(map[string]HandlerFunc),
		clients:      make(map[*client]struct{}),
		streams:      make(map[*eventStream]struct{}),
		lns:          make(map[net.Listener]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.registry)
	return s
}

// ID returns the server instance id.
func (s *Server) ID() string { return s.id }

// Handle registers fn for method, replacing any earlier registration.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handler returns the HTTP routes:
//
//	GET /rpc      WebSocket JSON-RPC endpoint
//	GET /events   broadcast notifications as Server-Sent Events
//	GET /healthz  liveness and client count
//	GET /metrics  Prometheus metrics
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/rpc", s.serveWebSocket)
	r.Get("/events", s.serveEvents)
	r.Get("/healthz", s.serveHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warning("rejected unauthorized client", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warning("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.ServeConn(transport.NewServerConn(ws, 0), r.RemoteAddr)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == s.token
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"server":  s.id,
		"clients": s.Clients(),
		"methods": s.Methods(),
	})
}

// ServeConn runs a connected client until its connection ends. It is used
// for every binding and can be called directly with an in-process pipe.
func (s *Server) ServeConn(conn transport.Conn, remote string) {
	s.serve(conn, remote, nil)
}

// ServeStream accepts stream connections from ln until ctx is done or the
// server is closed. When a token is required, each client must send it
// before its first message.
func (s *Server) ServeStream(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.lns[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.lns, ln)
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.isClosed() {
				return ErrServerClosed
			}
			return fmt.Errorf("peer: accept: %w", err)
		}
		sc := transport.NewStreamConn(nc, transport.StreamConfig{})
		var tokenOf func() string
		if s.token != "" {
			tokenOf = sc.PeerToken
		}
		go s.serve(sc, nc.RemoteAddr().String(), tokenOf)
	}
}

func (s *Server) serve(conn transport.Conn, remote string, tokenOf func() string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &client{id: uuid.NewString(), remote: remote, conn: conn, ctx: ctx, tokenOf: tokenOf}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()
	s.log.Info("client connected", "client", c.id, "remote", remote)

	for f := range conn.ReadMessages() {
		if !s.admit(c) {
			break
		}
		s.handleFrame(c, f)
	}

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.metrics.connections.Dec()
	info := conn.CloseInfo()
	s.log.Info("client disconnected", "client", c.id, "code", info.Code, "reason", info.Reason)
}

// admit checks an in-band credential on the first frame.
func (s *Server) admit(c *client) bool {
	if c.tokenOf == nil {
		return true
	}
	if c.tokenOf() != s.token {
		s.log.Warning("rejected unauthorized client", "client", c.id, "remote", c.remote)
		c.conn.Abort("unauthorized")
		return false
	}
	c.tokenOf = nil
	return true
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops every stream listener and disconnects every client and event
// stream. Later connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	streams := make([]*eventStream, 0, len(s.streams))
	for es := range s.streams {
		streams = append(streams, es)
	}
	for ln := range s.lns {
		ln.Close()
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	for _, es := range streams {
		es.close()
	}
}
