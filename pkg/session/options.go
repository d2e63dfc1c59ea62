package session

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/jg-phare/wirerpc/pkg/codec"
	"github.com/jg-phare/wirerpc/pkg/logging"
	"github.com/jg-phare/wirerpc/pkg/spool"
)

// Recorder receives every payload the session writes or reads. spool.Writer
// satisfies it.
type Recorder interface {
	Record(dir spool.Direction, payload []byte) error
}

// Option configures a Session's collaborators.
type Option func(*Session)

// WithLogger sets the log sink. The default discards everything.
func WithLogger(log logging.Sink) Option {
	return func(s *Session) { s.log = logging.OrNop(log) }
}

// WithMetrics records session activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Session) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithIDGenerator sets the request id strategy. The default is Counter().
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Session) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithCodecOptions sets the options used to encode and decode frames.
func WithCodecOptions(o codec.Options) Option {
	return func(s *Session) { s.codec = o }
}

// WithRecorder copies every frame payload to r.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}
