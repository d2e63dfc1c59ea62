package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jg-phare/wirerpc/pkg/types"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name string
		cfg  ReconnectConfig
		n    int
		want time.Duration
	}{
		{"first", ReconnectConfig{BaseDelay: time.Second}, 1, time.Second},
		{"second", ReconnectConfig{BaseDelay: time.Second}, 2, 2 * time.Second},
		{"third", ReconnectConfig{BaseDelay: time.Second}, 3, 4 * time.Second},
		{"zero attempt", ReconnectConfig{BaseDelay: time.Second}, 0, time.Second},
		{"capped", ReconnectConfig{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, 10, 5 * time.Second},
		{"uncapped large", ReconnectConfig{BaseDelay: time.Millisecond}, 11, 1024 * time.Millisecond},
		{"uncapped saturates", ReconnectConfig{BaseDelay: time.Second}, 200, time.Second << 33},
		{"capped far out", ReconnectConfig{BaseDelay: time.Second, MaxDelay: time.Minute}, 200, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.backoff(tt.n); got != tt.want {
				t.Errorf("backoff(%d) = %s, want %s", tt.n, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.MaxQueue = -1
	bad.CallTimeout = -time.Second
	bad.Reconnect.MaxAttempts = 0
	bad.Reconnect.MaxDelay = time.Millisecond
	err := bad.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"max queue", "call timeout", "max attempts", "max delay"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	off := Config{}
	if err := off.Validate(); err != nil {
		t.Errorf("zero config: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{Heartbeat: HeartbeatConfig{Interval: time.Second}}.withDefaults()
	d := DefaultConfig()
	if c.ConnectTimeout != d.ConnectTimeout || c.CallTimeout != d.CallTimeout || c.WriteTimeout != d.WriteTimeout {
		t.Errorf("timeouts not defaulted: %+v", c)
	}
	if c.Heartbeat.BackgroundInterval != time.Second {
		t.Errorf("background interval = %s", c.Heartbeat.BackgroundInterval)
	}
	if c.Reconnect.Enabled {
		t.Error("reconnect enabled by defaults")
	}

	on := Config{Reconnect: ReconnectConfig{Enabled: true}}.withDefaults()
	if on.Reconnect.MaxAttempts != d.Reconnect.MaxAttempts || on.Reconnect.BaseDelay != d.Reconnect.BaseDelay {
		t.Errorf("reconnect not defaulted: %+v", on.Reconnect)
	}
	if err := on.Validate(); err != nil {
		t.Errorf("defaulted config invalid: %v", err)
	}
}

func TestIDGenerators(t *testing.T) {
	c := Counter()
	for want := int64(1); want <= 3; want++ {
		if n, ok := c.Next().Number(); !ok || n != want {
			t.Fatalf("counter = %d, want %d", n, want)
		}
	}

	for name, g := range map[string]IDGenerator{"ulid": ULIDs(), "uuid": UUIDs()} {
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			id := g.Next()
			if !id.IsString() || seen[id.Key()] {
				t.Fatalf("%s: bad or repeated id %s", name, id)
			}
			seen[id.Key()] = true
		}
	}

	g := ULIDs()
	prev := g.Next().String()
	for i := 0; i < 1000; i++ {
		next := g.Next().String()
		if next <= prev {
			t.Fatalf("ulid %s not after %s", next, prev)
		}
		prev = next
	}
}

func TestErrorMessages(t *testing.T) {
	id := types.NewNumberID(4)
	err := error(&CallError{Method: "echo", ID: id, Err: &RequestTimeoutError{Method: "echo", ID: id, Timeout: 100 * time.Millisecond}})
	if got := err.Error(); !strings.Contains(got, "echo") || !strings.Contains(got, "100ms") {
		t.Errorf("message = %q", got)
	}
	exhausted := &ReconnectionExhaustedError{Attempts: 3, LastErr: ErrConnectionClosed}
	if !errors.Is(exhausted, ErrConnectionClosed) {
		t.Error("exhausted error does not unwrap")
	}
}
