package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jg-phare/wirerpc/pkg/logging"
	"github.com/jg-phare/wirerpc/pkg/peer"
	"github.com/jg-phare/wirerpc/pkg/transport"
	"github.com/jg-phare/wirerpc/pkg/types"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		addr       string
		streamAddr string
		tick       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development peer",
		Long: `Serve runs a JSON-RPC peer for local development and testing.

Routes:
  /rpc      WebSocket endpoint
  /events   broadcast notifications as Server-Sent Events
  /healthz  liveness
  /metrics  Prometheus metrics

Built-in methods: echo, time, sleep, broadcast. With --stream the peer also
accepts length-prefixed stream connections (dial as tcp://host:port or
unix:///path).

Examples:
  rpcwire serve --addr :8080
  rpcwire serve --addr :8080 --stream tcp://127.0.0.1:9000 --tick 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := g.codecOptions()
			if err != nil {
				return err
			}
			log := g.logger(cmd.ErrOrStderr(), nil)
			srv := peer.New(
				peer.WithToken(g.token),
				peer.WithLogger(log),
				peer.WithCodecOptions(o),
			)
			registerBuiltins(srv)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, srv, log, addr, streamAddr, tick)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "HTTP listen address")
	cmd.Flags().StringVar(&streamAddr, "stream", "", "Also accept stream connections at this tcp:// or unix:// URL")
	cmd.Flags().DurationVar(&tick, "tick", 0, "Broadcast a \"tick\" notification at this interval")

	return cmd
}

// runPeer serves until ctx is done, then shuts down.
func runPeer(ctx context.Context, srv *peer.Server, log logging.Sink, addr, streamAddr string, tick time.Duration) error {
	log = logging.OrNop(log)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	hs := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Success("peer listening", "url", "ws://"+ln.Addr().String()+"/rpc")

	if streamAddr != "" {
		network, address, err := transport.StreamTarget(streamAddr)
		if err != nil {
			hs.Close()
			return err
		}
		sl, err := net.Listen(network, address)
		if err != nil {
			hs.Close()
			return err
		}
		go func() {
			if err := srv.ServeStream(ctx, sl); err != nil && !errors.Is(err, peer.ErrServerClosed) {
				errCh <- err
			}
		}()
		log.Success("stream listening", "url", streamAddr)
	}

	if tick > 0 {
		go func() {
			t := time.NewTicker(tick)
			defer t.Stop()
			for n := 1; ; n++ {
				select {
				case <-ctx.Done():
					return
				case now := <-t.C:
					srv.Broadcast("tick", map[string]any{"n": n, "at": now})
				}
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// registerBuiltins adds the development methods.
func registerBuiltins(srv *peer.Server) {
	srv.Handle("echo", func(ctx context.Context, params any) (any, error) {
		return params, nil
	})

	// time returns the server clock; it travels as a tagged Date value.
	srv.Handle("time", func(ctx context.Context, params any) (any, error) {
		return map[string]any{"now": time.Now()}, nil
	})

	srv.Handle("sleep", func(ctx context.Context, params any) (any, error) {
		ms, err := numberParam(params, "ms")
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return map[string]any{"slept": ms}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	srv.Handle("broadcast", func(ctx context.Context, params any) (any, error) {
		m, ok := params.(map[string]any)
		method, _ := m["method"].(string)
		if !ok || method == "" {
			return nil, types.NewRPCError(types.CodeInvalidParams, `broadcast needs {"method": ..., "params": ...}`)
		}
		n, err := srv.Broadcast(method, m["params"])
		if err != nil {
			return nil, types.NewRPCError(types.CodeInvalidParams, err.Error())
		}
		return map[string]any{"delivered": n}, nil
	})
}

// numberParam reads a named number from object params or the first
// positional param.
func numberParam(params any, name string) (float64, error) {
	var v any
	switch p := params.(type) {
	case map[string]any:
		v = p[name]
	case []any:
		if len(p) > 0 {
			v = p[0]
		}
	}
	n, ok := v.(float64)
	if !ok || n < 0 {
		return 0, types.NewRPCError(types.CodeInvalidParams, fmt.Sprintf("%s must be a non-negative number", name))
	}
	return n, nil
}
