package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/spool"
	"github.com/jg-phare/wirerpc/pkg/types"
)

func encodeCmd(g *globalFlags) *cobra.Command {
	var (
		method    string
		params    string
		id        string
		notify    bool
		compress  bool
		threshold int
		algorithm string
		pretty    bool
	)

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a message to its wire form",
		Long: `Encode builds a request or notification from flags, or re-encodes the
JSON-RPC message or batch read from stdin, and writes the wire payload to
stdout. Compressed payloads are binary.

Examples:
  rpcwire encode --method sum --params '[1,2]'
  rpcwire encode --method log --notify --params '{"line":"hi"}'
  echo '[{"jsonrpc":"2.0","method":"a"}]' | rpcwire encode --compress`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := g.codecOptions()
			if err != nil {
				return err
			}
			if compress {
				o = o.With(codec.WithCompression(threshold))
			}
			switch algorithm {
			case "":
			case "brotli":
				o = o.With(codec.WithAlgorithm(codec.Brotli))
			case "gzip":
				o = o.With(codec.WithAlgorithm(codec.Gzip))
			default:
				return fmt.Errorf("unknown algorithm %q", algorithm)
			}
			if pretty {
				o = o.With(codec.WithPretty(true))
			}

			var enc *codec.Encoded
			if method != "" {
				p, err := parseParams(params)
				if err != nil {
					return err
				}
				msg := types.NewNotification(method, p)
				if !notify {
					msg = types.NewRequest(parseID(id), method, p)
				}
				enc, err = codec.Encode(msg, o)
				if err != nil {
					return err
				}
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				msgs, batch, _, err := codec.DecodeAny(data, o)
				if err != nil {
					return err
				}
				if batch {
					enc, err = codec.EncodeBatch(msgs, o)
				} else {
					enc, err = codec.Encode(msgs[0], o)
				}
				if err != nil {
					return err
				}
			}

			log := g.logger(cmd.ErrOrStderr(), nil)
			if enc.Compressed {
				log.Info("encoded", "bytes", enc.ByteSize, "wire", enc.WireSize,
					"algorithm", enc.Metadata.Algorithm, "ratio", fmt.Sprintf("%.2f", enc.Metadata.Ratio()))
			} else {
				log.Info("encoded", "bytes", enc.ByteSize)
			}
			_, err = cmd.OutOrStdout().Write(enc.Payload)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&method, "method", "m", "", "Method name (reads a message from stdin when empty)")
	f.StringVarP(&params, "params", "p", "", "Params as JSON")
	f.StringVar(&id, "id", "1", "Request id; numeric ids are sent as numbers")
	f.BoolVar(&notify, "notify", false, "Build a notification instead of a request")
	f.BoolVar(&compress, "compress", false, "Compress when above the threshold")
	f.IntVar(&threshold, "threshold", codec.DefaultOptions().CompressThreshold, "Compression threshold in bytes")
	f.StringVar(&algorithm, "algorithm", "", "Compression algorithm: brotli or gzip (default from the profile, else brotli)")
	f.BoolVar(&pretty, "pretty", false, "Indent the JSON")

	return cmd
}

func parseID(s string) types.ID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return types.NewNumberID(n)
	}
	return types.NewStringID(s)
}

func decodeCmd(g *globalFlags) *cobra.Command {
	var spoolPath string

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a wire payload or a spool file",
		Long: `Decode reads a wire payload (compressed or not) from a file or stdin
and prints its messages as indented JSON. With --spool it prints every
record of a spool file written by "rpcwire listen --record".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := g.codecOptions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			log := g.logger(cmd.ErrOrStderr(), nil)

			if spoolPath != "" {
				records, err := spool.ReadAll(spoolPath)
				if err != nil {
					return err
				}
				for _, rec := range records {
					fmt.Fprintf(out, "# %s %s %d bytes\n", rec.Direction, rec.Time.Format(time.RFC3339Nano), len(rec.Payload))
					if err := printPayload(out, rec.Payload, o); err != nil {
						log.Warning("undecodable record", "error", err)
					}
				}
				return nil
			}

			var data []byte
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			if codec.IsCompressed(data) {
				log.Info("compressed payload", "wire", len(data))
			}
			return printPayload(out, data, o)
		},
	}

	cmd.Flags().StringVar(&spoolPath, "spool", "", "Spool file to dump")

	return cmd
}

// printPayload decodes payload and writes each message as indented JSON.
func printPayload(w io.Writer, payload []byte, o codec.Options) error {
	msgs, _, _, err := codec.DecodeAny(payload, o)
	if err != nil {
		return err
	}
	view := o
	view.Compress = false
	view.Pretty = true
	view.Validate = false
	for _, m := range msgs {
		enc, err := codec.Encode(m, view)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", enc.Payload)
	}
	return nil
}
