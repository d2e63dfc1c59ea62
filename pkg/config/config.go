// Package config loads client profiles: where to connect and how the
// session and codec behave. Profiles are TOML or YAML files, chosen by
// extension.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/session"
)

// Format is a profile file format.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// ErrUnsupportedFormat is returned for files that are neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Duration is a time.Duration written as a Go duration string ("1.5s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalYAML accepts the same strings as UnmarshalText.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	if err := d.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Profile is one client configuration.
type Profile struct {
	Name     string `toml:"name" yaml:"name"`
	URL      string `toml:"url" yaml:"url"`
	Token    string `toml:"token" yaml:"token"`
	TokenEnv string `toml:"tokenEnv" yaml:"tokenEnv"`
	ProxyURL string `toml:"proxyURL" yaml:"proxyURL"`
	// IDs selects the request id strategy: counter (default), ulid or uuid.
	IDs string `toml:"ids" yaml:"ids"`

	Session   SessionSection   `toml:"session" yaml:"session"`
	Heartbeat HeartbeatSection `toml:"heartbeat" yaml:"heartbeat"`
	Reconnect ReconnectSection `toml:"reconnect" yaml:"reconnect"`
	Codec     CodecSection     `toml:"codec" yaml:"codec"`
	Log       LogSection       `toml:"log" yaml:"log"`
}

type SessionSection struct {
	ConnectTimeout Duration       `toml:"connectTimeout" yaml:"connectTimeout"`
	CallTimeout    Duration       `toml:"callTimeout" yaml:"callTimeout"`
	WriteTimeout   Duration       `toml:"writeTimeout" yaml:"writeTimeout"`
	MaxQueue       *int           `toml:"maxQueue" yaml:"maxQueue"`
	FlushAsBatch   bool           `toml:"flushAsBatch" yaml:"flushAsBatch"`
	Handshake      string         `toml:"handshake" yaml:"handshake"`
	ClientInfo     map[string]any `toml:"clientInfo" yaml:"clientInfo"`
}

type HeartbeatSection struct {
	Interval           *Duration `toml:"interval" yaml:"interval"`
	BackgroundInterval Duration  `toml:"backgroundInterval" yaml:"backgroundInterval"`
}

type ReconnectSection struct {
	Enabled     *bool    `toml:"enabled" yaml:"enabled"`
	MaxAttempts int      `toml:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay   Duration `toml:"baseDelay" yaml:"baseDelay"`
	MaxDelay    Duration `toml:"maxDelay" yaml:"maxDelay"`
}

type CodecSection struct {
	Validate          *bool   `toml:"validate" yaml:"validate"`
	MaxPayloadBytes   int     `toml:"maxPayloadBytes" yaml:"maxPayloadBytes"`
	Compress          bool    `toml:"compress" yaml:"compress"`
	CompressThreshold int     `toml:"compressThreshold" yaml:"compressThreshold"`
	MinSavings        float64 `toml:"minSavings" yaml:"minSavings"`
	Algorithm         string  `toml:"algorithm" yaml:"algorithm"`
	Pretty            bool    `toml:"pretty" yaml:"pretty"`
}

type LogSection struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Load reads and validates the profile at path.
func Load(path string) (*Profile, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a profile.
func Parse(data []byte, format Format) (*Profile, error) {
	var p Profile
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile and the settings it produces.
func (p *Profile) Validate() error {
	var errs []error
	if p.URL == "" {
		errs = append(errs, errors.New("url required"))
	} else if u, err := url.Parse(p.URL); err != nil || u.Scheme == "" {
		errs = append(errs, fmt.Errorf("url %q must be absolute", p.URL))
	}
	if p.ProxyURL != "" {
		if _, err := url.Parse(p.ProxyURL); err != nil {
			errs = append(errs, fmt.Errorf("proxyURL: %w", err))
		}
	}
	switch p.IDs {
	case "", "counter", "ulid", "uuid":
	default:
		errs = append(errs, fmt.Errorf("ids must be counter, ulid or uuid, got %q", p.IDs))
	}
	if _, err := p.CodecOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(p.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch p.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", p.Log.Format))
	}
	if err := p.SessionConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SessionConfig overlays the profile on session.DefaultConfig.
func (p *Profile) SessionConfig() session.Config {
	c := session.DefaultConfig()
	s := p.Session
	if s.ConnectTimeout.Duration != 0 {
		c.ConnectTimeout = s.ConnectTimeout.Duration
	}
	if s.CallTimeout.Duration != 0 {
		c.CallTimeout = s.CallTimeout.Duration
	}
	if s.WriteTimeout.Duration != 0 {
		c.WriteTimeout = s.WriteTimeout.Duration
	}
	if s.MaxQueue != nil {
		c.MaxQueue = *s.MaxQueue
	}
	c.FlushAsBatch = s.FlushAsBatch
	c.HandshakeMethod = s.Handshake
	c.ClientInfo = s.ClientInfo

	if p.Heartbeat.Interval != nil {
		c.Heartbeat.Interval = p.Heartbeat.Interval.Duration
		c.Heartbeat.BackgroundInterval = 2 * p.Heartbeat.Interval.Duration
	}
	if p.Heartbeat.BackgroundInterval.Duration != 0 {
		c.Heartbeat.BackgroundInterval = p.Heartbeat.BackgroundInterval.Duration
	}

	r := p.Reconnect
	if r.Enabled != nil {
		c.Reconnect.Enabled = *r.Enabled
	}
	if r.MaxAttempts != 0 {
		c.Reconnect.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelay.Duration != 0 {
		c.Reconnect.BaseDelay = r.BaseDelay.Duration
	}
	if r.MaxDelay.Duration != 0 {
		c.Reconnect.MaxDelay = r.MaxDelay.Duration
	}
	return c
}

// CodecOptions overlays the profile on codec.DefaultOptions.
func (p *Profile) CodecOptions() (codec.Options, error) {
	c := p.Codec
	var opts []codec.Option
	if c.Validate != nil {
		opts = append(opts, codec.WithValidation(*c.Validate))
	}
	if c.MaxPayloadBytes < 0 {
		return codec.Options{}, fmt.Errorf("codec.maxPayloadBytes must not be negative")
	}
	if c.MaxPayloadBytes > 0 {
		opts = append(opts, codec.WithMaxPayloadBytes(c.MaxPayloadBytes))
	}
	if c.Compress {
		threshold := c.CompressThreshold
		if threshold == 0 {
			threshold = codec.DefaultOptions().CompressThreshold
		}
		opts = append(opts, codec.WithCompression(threshold))
	}
	if c.MinSavings < 0 || c.MinSavings >= 1 {
		return codec.Options{}, fmt.Errorf("codec.minSavings must be in [0, 1), got %v", c.MinSavings)
	}
	if c.MinSavings > 0 {
		opts = append(opts, codec.WithMinSavings(c.MinSavings))
	}
	switch strings.ToLower(c.Algorithm) {
	case "", "brotli":
	case "gzip":
		opts = append(opts, codec.WithAlgorithm(codec.Gzip))
	default:
		return codec.Options{}, fmt.Errorf("codec.algorithm must be brotli or gzip, got %q", c.Algorithm)
	}
	if c.Pretty {
		opts = append(opts, codec.WithPretty(true))
	}
	return codec.NewOptions(opts...), nil
}

// IDGenerator returns the configured request id strategy.
func (p *Profile) IDGenerator() session.IDGenerator {
	switch p.IDs {
	case "ulid":
		return session.ULIDs()
	case "uuid":
		return session.UUIDs()
	default:
		return session.Counter()
	}
}

// ResolveToken returns Token, or the value of the TokenEnv variable when
// Token is empty.
func (p *Profile) ResolveToken() string {
	if p.Token != "" || p.TokenEnv == "" {
		return p.Token
	}
	return os.Getenv(p.TokenEnv)
}

// NewLogger builds the slog logger described by the log section.
func (p *Profile) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(p.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if p.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
