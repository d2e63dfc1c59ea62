// Command rpcwire is a client and development peer for JSON-RPC 2.0 over
// WebSocket and stream connections.
//
// Usage:
//
//	rpcwire serve --addr :8080
//	rpcwire call --url ws://localhost:8080/rpc echo '{"hello":"world"}'
//	rpcwire listen --config client.toml --record session.spool
//	rpcwire encode --method sum --params '[1,2]' --compress | rpcwire decode
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/config"
	"github.com/jg-phare/wirerpc/pkg/logging"
	"github.com/jg-phare/wirerpc/pkg/session"
	"github.com/jg-phare/wirerpc/pkg/transport"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// globalFlags are shared by every command that talks to a peer.
type globalFlags struct {
	configPath string
	url        string
	token      string
	jsonLogs   bool
	noColor    bool
}

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "rpcwire",
		Short: "JSON-RPC 2.0 client and development peer",
		Long: `rpcwire speaks JSON-RPC 2.0 over WebSocket (ws://, wss://) and
length-prefixed stream connections (tcp://, unix://).

It can make one-off calls, listen for notifications, record traffic to a
spool file, encode and decode wire payloads, and run a development peer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Client profile (.toml, .yaml)")
	pf.StringVarP(&g.url, "url", "u", "", "Peer URL (overrides the profile)")
	pf.StringVarP(&g.token, "token", "t", "", "Bearer token (overrides the profile)")
	pf.BoolVar(&g.jsonLogs, "log-json", false, "Log as JSON lines")
	pf.BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		encodeCmd(g),
		decodeCmd(g),
		callCmd(g),
		listenCmd(g),
		serveCmd(g),
		versionCmd(),
	)
	return root
}

// profile loads the configured profile and applies flag overrides. Without
// --config a profile is built from the flags alone.
func (g *globalFlags) profile() (*config.Profile, error) {
	p := &config.Profile{}
	if g.configPath != "" {
		var err error
		if p, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.url != "" {
		p.URL = g.url
	}
	if g.token != "" {
		p.Token = g.token
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// logger returns the sink commands report through: colored console lines by
// default, structured slog output with --log-json or a json profile.
func (g *globalFlags) logger(w io.Writer, p *config.Profile) logging.Sink {
	if p != nil && (g.jsonLogs || p.Log.Format == "json") {
		if g.jsonLogs {
			p.Log.Format = "json"
		}
		return logging.NewSlog(p.NewLogger(w))
	}
	return logging.NewConsole(w, !g.noColor)
}

// codecOptions returns the profile's codec options, or the defaults without
// a profile.
func (g *globalFlags) codecOptions() (codec.Options, error) {
	if g.configPath == "" {
		return codec.DefaultOptions(), nil
	}
	p, err := config.Load(g.configPath)
	if err != nil {
		return codec.Options{}, err
	}
	return p.CodecOptions()
}

// newSession builds a session for p.
func newSession(p *config.Profile, log logging.Sink, opts ...session.Option) (*session.Session, error) {
	co, err := p.CodecOptions()
	if err != nil {
		return nil, err
	}
	dialer := transport.NewDialer()
	dialer.WebSocket.ProxyURL = p.ProxyURL
	dialer.Stream.ProxyURL = p.ProxyURL

	opts = append([]session.Option{
		session.WithLogger(log),
		session.WithCodecOptions(co),
		session.WithIDGenerator(p.IDGenerator()),
	}, opts...)
	return session.New(dialer, p.SessionConfig(), opts...), nil
}

// parseParams parses a JSON params argument. Empty means no params.
func parseParams(s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	return v, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
