package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jg-phare/wirerpc/pkg/config"
	"github.com/jg-phare/wirerpc/pkg/events"
	"github.com/jg-phare/wirerpc/pkg/session"
	"github.com/jg-phare/wirerpc/pkg/spool"
)

func callCmd(g *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		notify  bool
	)

	cmd := &cobra.Command{
		Use:   "call METHOD [PARAMS]",
		Short: "Call a method and print the result",
		Long: `Call connects to the peer, sends one request and prints its result as
JSON. PARAMS is a JSON object or array.

Examples:
  rpcwire call --url ws://localhost:8080/rpc echo '{"hello":"world"}'
  rpcwire call --config client.toml --notify log '["started"]'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile()
			if err != nil {
				return err
			}
			var params any
			if len(args) == 2 {
				if params, err = parseParams(args[1]); err != nil {
					return err
				}
			}
			log := g.logger(cmd.ErrOrStderr(), p)
			s, err := newSession(p, log)
			if err != nil {
				return err
			}
			defer s.Disconnect()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := s.Connect(ctx, p.URL, p.ResolveToken()); err != nil {
				return err
			}

			if notify {
				return s.Notify(args[0], params)
			}
			result, err := s.Call(ctx, args[0], params, timeout)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Call timeout (default from the profile)")
	cmd.Flags().BoolVar(&notify, "notify", false, "Send a notification and exit")

	return cmd
}

func listenCmd(g *globalFlags) *cobra.Command {
	var (
		pattern string
		record  string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print notifications until interrupted",
		Long: `Listen connects to the peer and prints every notification it sends as
one JSON line. The session reconnects as the profile allows.

With --record every payload sent and received is appended to a spool file,
which "rpcwire decode --spool" prints back. With --config the profile is
watched and a changed heartbeat interval is applied without reconnecting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.profile()
			if err != nil {
				return err
			}
			log := g.logger(cmd.ErrOrStderr(), p)

			var opts []session.Option
			if record != "" {
				w, err := spool.Create(record)
				if err != nil {
					return err
				}
				defer w.Close()
				opts = append(opts, session.WithRecorder(w))
				log.Info("recording", "path", w.Path())
			}

			s, err := newSession(p, log, opts...)
			if err != nil {
				return err
			}
			defer s.Disconnect()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			show := func(n session.Notification) {
				line := map[string]any{"method": n.Method, "params": n.Params}
				if n.IsRequest() {
					line["id"] = n.ID
				}
				if err := printJSON(out, line); err != nil {
					log.Error("write notification", "error", err)
				}
			}
			if pattern != "" {
				if _, err := s.OnNotification(pattern, show); err != nil {
					return err
				}
			} else {
				events.On(s.Events(), session.TopicNotification, show)
			}

			failed := make(chan error, 1)
			events.On(s.Events(), session.TopicReconnectionFailed, func(ev session.ReconnectionFailedEvent) {
				failed <- fmt.Errorf("gave up after %d reconnect attempts: %w", ev.Attempts, ev.LastErr)
			})
			closed := make(chan session.DisconnectedEvent, 1)
			events.On(s.Events(), session.TopicDisconnected, func(ev session.DisconnectedEvent) {
				if !ev.WillReconnect {
					select {
					case closed <- ev:
					default:
					}
				}
			})

			if g.configPath != "" {
				w := config.NewWatcher(g.configPath, func(next *config.Profile, err error) {
					if err != nil {
						return
					}
					interval := next.SessionConfig().Heartbeat.Interval
					s.SetHeartbeatInterval(interval)
					log.Info("heartbeat interval updated", "interval", interval)
				}, log)
				if err := w.Start(ctx); err != nil {
					log.Warning("config watch disabled", "error", err)
				} else {
					defer w.Stop()
				}
			}

			if err := s.Connect(ctx, p.URL, p.ResolveToken()); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				return nil
			case err := <-failed:
				return err
			case ev := <-closed:
				if ev.Clean {
					log.Info("peer closed the connection", "reason", ev.Reason)
					return nil
				}
				return fmt.Errorf("connection lost: %s", ev.Reason)
			}
		},
	}

	cmd.Flags().StringVar(&pattern, "methods", "", "Only print methods matching this pattern (e.g. \"tasks/*\")")
	cmd.Flags().StringVar(&record, "record", "", "Append all traffic to this spool file")

	return cmd
}
