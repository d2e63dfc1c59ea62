package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleSink_Plain(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, false)

	c.Success("connected", "url", "ws://x")
	c.Warning("reconnecting", "attempt", 2)
	c.Error("failed")
	c.Info("queued", "n")

	want := "✓ connected url=ws://x\n" +
		"⚠ reconnecting attempt=2\n" +
		"✗ failed\n" +
		"  queued !BADKEY=n\n"
	if buf.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestConsoleSink_Color(t *testing.T) {
	var buf bytes.Buffer
	NewConsole(&buf, true).Success("ok")
	if buf.String() != "\033[32m✓\033[0m ok\n" {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewSlog(logger).With("component", "session")

	s.Success("connected", "url", "ws://x")
	s.Warning("slow")

	out := buf.String()
	for _, want := range []string{
		"level=INFO", "msg=connected", "component=session", "outcome=success", "url=ws://x",
		"level=WARN", "msg=slow",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) != Nop {
		t.Error("OrNop(nil) should be Nop")
	}
	c := NewConsole(&bytes.Buffer{}, false)
	if OrNop(c) != Sink(c) {
		t.Error("OrNop should return a non-nil sink unchanged")
	}
}
