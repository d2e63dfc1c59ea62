package session

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Config holds session settings. Zero durations are replaced with the
// defaults from DefaultConfig when the session is created.
type Config struct {
	// ConnectTimeout bounds dialing plus the optional handshake.
	ConnectTimeout time.Duration
	// CallTimeout is used by calls that pass a non-positive timeout.
	CallTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxQueue caps the outbound queue. 0 means unbounded.
	MaxQueue int
	// FlushAsBatch sends the queue as JSON-RPC batches on connect.
	FlushAsBatch bool
	// HandshakeMethod, when set, is called right after dialing with the
	// token and ClientInfo as params. A failed handshake fails the connect.
	HandshakeMethod string
	// ClientInfo is sent with the handshake.
	ClientInfo map[string]any

	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
}

// HeartbeatConfig controls liveness pings.
type HeartbeatConfig struct {
	// Interval between pings while in the foreground. 0 disables heartbeats.
	Interval time.Duration
	// BackgroundInterval replaces Interval after SetBackground(true).
	BackgroundInterval time.Duration
}

// ReconnectConfig controls automatic reconnection after an unclean close.
type ReconnectConfig struct {
	Enabled bool
	// MaxAttempts is the number of consecutive redials before giving up.
	MaxAttempts int
	// BaseDelay is the delay before the first attempt; each later attempt
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the delay. 0 means uncapped.
	MaxDelay time.Duration
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		CallTimeout:    30 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxQueue:       1000,
		Heartbeat: HeartbeatConfig{
			Interval:           30 * time.Second,
			BackgroundInterval: 60 * time.Second,
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: 5,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	var errs []error
	if c.ConnectTimeout < 0 {
		errs = append(errs, errors.New("connect timeout must not be negative"))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, errors.New("call timeout must not be negative"))
	}
	if c.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("max queue %d must not be negative", c.MaxQueue))
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.BackgroundInterval < 0 {
		errs = append(errs, errors.New("heartbeat intervals must not be negative"))
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.MaxAttempts <= 0 {
			errs = append(errs, errors.New("reconnect max attempts must be positive"))
		}
		if c.Reconnect.BaseDelay <= 0 {
			errs = append(errs, errors.New("reconnect base delay must be positive"))
		}
		if c.Reconnect.MaxDelay != 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
			errs = append(errs, errors.New("reconnect max delay is below base delay"))
		}
	}
	return errors.Join(errs...)
}

// withDefaults fills zero durations and attempt counts from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.Heartbeat.BackgroundInterval <= 0 {
		c.Heartbeat.BackgroundInterval = c.Heartbeat.Interval
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = d.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.MaxDelay < 0 {
		c.Reconnect.MaxDelay = 0
	}
	return c
}

// backoff returns the delay before reconnect attempt n (1-based):
// BaseDelay * 2^(n-1), capped by MaxDelay. Without a cap the delay stops
// growing before it would overflow.
func (r ReconnectConfig) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := r.BaseDelay
	for i := 1; i < n && d <= math.MaxInt64/2; i++ {
		d *= 2
		if r.MaxDelay > 0 && d >= r.MaxDelay {
			break
		}
	}
	if r.MaxDelay > 0 && d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}
