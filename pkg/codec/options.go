package codec

// Compression selects the algorithm used for compressed payloads.
type Compression uint8

const (
	// Brotli compresses with github.com/andybalholm/brotli.
	Brotli Compression = iota + 1
	// Gzip compresses with compress/gzip.
	Gzip
)

// String returns the algorithm name.
func (c Compression) String() string {
	switch c {
	case Brotli:
		return "brotli"
	case Gzip:
		return "gzip"
	default:
		return "unknown"
	}
}

// Hooks are custom value transforms applied around the built-in tagging.
type Hooks struct {
	// Replace runs before the built-in replacer on every value. Returning
	// handled=true substitutes out for v; return a Tagged value to emit a
	// custom envelope.
	Replace func(v any) (out any, handled bool)

	// Revive runs for envelopes whose tag is not built in. Returning
	// handled=false leaves the tag unknown, which fails the decode.
	Revive func(tag Tag, payload any) (out any, handled bool, err error)
}

// Options configure one encode or decode call. Options is a value type:
// With returns a modified copy and nothing in this package mutates an Options
// it was given.
type Options struct {
	// Validate checks message structure before encode and after decode.
	Validate bool

	// MaxPayloadBytes caps the uncompressed payload size. 0 means no limit.
	MaxPayloadBytes int

	// Compress enables compression for payloads over CompressThreshold.
	Compress bool

	// CompressThreshold is the uncompressed size, in bytes, above which
	// compression is attempted.
	CompressThreshold int

	// MinSavings is the fraction by which the compressed form must be smaller
	// than the original to be used. 0.1 requires at least 10% savings.
	MinSavings float64

	// Algorithm is the compression algorithm.
	Algorithm Compression

	// Pretty indents the JSON output. Size limits apply to the indented form.
	Pretty bool

	// Hooks are custom value transforms.
	Hooks Hooks
}

// Option modifies an Options value.
type Option func(*Options)

// DefaultOptions returns the single set of defaults every call starts from.
func DefaultOptions() Options {
	return Options{
		Validate:          true,
		MaxPayloadBytes:   0,
		Compress:          false,
		CompressThreshold: 1024,
		MinSavings:        0.1,
		Algorithm:         Brotli,
	}
}

// NewOptions returns DefaultOptions with opts applied.
func NewOptions(opts ...Option) Options {
	return DefaultOptions().With(opts...)
}

// With returns a copy of o with opts applied.
func (o Options) With(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithValidation turns structural validation on or off.
func WithValidation(enabled bool) Option {
	return func(o *Options) { o.Validate = enabled }
}

// WithMaxPayloadBytes sets the uncompressed size ceiling.
func WithMaxPayloadBytes(n int) Option {
	return func(o *Options) { o.MaxPayloadBytes = n }
}

// WithCompression enables compression above threshold bytes.
func WithCompression(threshold int) Option {
	return func(o *Options) {
		o.Compress = true
		o.CompressThreshold = threshold
	}
}

// WithAlgorithm selects the compression algorithm.
func WithAlgorithm(c Compression) Option {
	return func(o *Options) { o.Algorithm = c }
}

// WithMinSavings sets the minimum compression savings fraction.
func WithMinSavings(f float64) Option {
	return func(o *Options) { o.MinSavings = f }
}

// WithPretty enables indented output.
func WithPretty(enabled bool) Option {
	return func(o *Options) { o.Pretty = enabled }
}

// WithHooks installs custom value transforms.
func WithHooks(h Hooks) Option {
	return func(o *Options) { o.Hooks = h }
}
