package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Payload format markers. JSON text never begins with a byte below 0x09, so a
// leading byte in that range is an explicit marker rather than a guess.
const (
	markerBrotli byte = 0x01
	markerGzip   byte = 0x02
	markerLimit  byte = 0x09
)

func marker(c Compression) (byte, error) {
	switch c {
	case Brotli:
		return markerBrotli, nil
	case Gzip:
		return markerGzip, nil
	default:
		return 0, fmt.Errorf("codec: unsupported compression %d", c)
	}
}

// IsCompressed reports whether payload carries a compression marker.
func IsCompressed(payload []byte) bool {
	return len(payload) > 0 && payload[0] < markerLimit
}

// compress returns marker + compressed data.
func compress(c Compression, data []byte) ([]byte, error) {
	m, err := marker(c)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data)/2 + 1)
	buf.WriteByte(m)

	var w io.WriteCloser
	switch c {
	case Brotli:
		w = brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	case Gzip:
		w = gzip.NewWriter(&buf)
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompress strips the marker and inflates the payload, reading at most
// limit+1 bytes when limit is positive so oversized output is detected
// without being fully materialized.
func decompress(payload []byte, limit int) ([]byte, Compression, error) {
	var (
		r   io.Reader
		alg Compression
	)
	body := bytes.NewReader(payload[1:])
	switch payload[0] {
	case markerBrotli:
		r, alg = brotli.NewReader(body), Brotli
	case markerGzip:
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, Gzip, &ParseError{Err: fmt.Errorf("gzip: %w", err)}
		}
		defer zr.Close()
		r, alg = zr, Gzip
	default:
		return nil, 0, &ParseError{Err: fmt.Errorf("%w: marker 0x%02x", ErrUnknownFormat, payload[0])}
	}

	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, alg, &ParseError{Err: fmt.Errorf("%s: %w", alg, err)}
	}
	if limit > 0 && len(data) > limit {
		return nil, alg, &PayloadTooLargeError{Size: len(data), Limit: limit}
	}
	return data, alg, nil
}
