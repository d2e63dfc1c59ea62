package codec

import (
	"errors"
	"fmt"
)

// ErrUnknownTag is wrapped by a ParseError when a payload contains a type-tag
// envelope whose tag is neither built in nor claimed by a Revive hook.
var ErrUnknownTag = errors.New("unknown type tag")

// ErrUnknownFormat is wrapped by a ParseError when a payload starts with a
// reserved marker byte that names no known compression format.
var ErrUnknownFormat = errors.New("unknown payload format")

// ParseError reports wire text that could not be turned into a message.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "codec: parse: " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

// PayloadTooLargeError reports a payload over the configured ceiling. Size is
// always the uncompressed size.
type PayloadTooLargeError struct {
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("codec: payload too large: %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// InvalidRequestError reports a batch that is not a non-empty array.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "codec: invalid request: " + e.Reason }

// BatchError identifies the batch member that failed to encode or decode.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("codec: batch item %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
