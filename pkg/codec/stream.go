package codec

import (
	"bytes"

	"github.com/jg-phare/wirerpc/pkg/types"
)

// Accumulator builds a batch payload incrementally. Each Add serializes one
// message and enforces the size ceiling against the running total, so an
// oversized batch fails at the member that crosses the limit.
//
// An Accumulator is not safe for concurrent use.
type Accumulator struct {
	opts  Options
	buf   bytes.Buffer
	count int
}

// NewAccumulator returns an empty accumulator that encodes with o.
func NewAccumulator(o Options) *Accumulator {
	return &Accumulator{opts: o}
}

// Add appends msg. On error the accumulator is left unchanged.
func (a *Accumulator) Add(msg *types.Message) error {
	frag, err := marshalMessage(msg, a.opts)
	if err != nil {
		return &BatchError{Index: a.count, Err: err}
	}
	projected := a.Size() + len(frag) + 1
	if a.count == 0 {
		projected = len(frag) + 2
	}
	if limit := a.opts.MaxPayloadBytes; limit > 0 && projected > limit {
		return &BatchError{Index: a.count, Err: &PayloadTooLargeError{Size: projected, Limit: limit}}
	}

	if a.count == 0 {
		a.buf.WriteByte('[')
	} else {
		a.buf.WriteByte(',')
	}
	a.buf.Write(frag)
	a.count++
	return nil
}

// Len returns the number of accumulated messages.
func (a *Accumulator) Len() int { return a.count }

// Size returns the byte size the finalized, uncompressed batch would have.
func (a *Accumulator) Size() int {
	if a.count == 0 {
		return 0
	}
	return a.buf.Len() + 1
}

// Finalize returns the encoded batch and resets the accumulator, whether or
// not encoding succeeds.
func (a *Accumulator) Finalize() (*Encoded, error) {
	if a.count == 0 {
		return nil, &InvalidRequestError{Reason: "empty batch"}
	}
	a.buf.WriteByte(']')
	data := a.buf.Bytes()
	a.buf = bytes.Buffer{}
	a.count = 0

	if a.opts.Pretty {
		var err error
		if data, err = indent(data); err != nil {
			return nil, err
		}
	}
	return finish(data, a.opts)
}

// Clear discards accumulated messages.
func (a *Accumulator) Clear() {
	a.buf.Reset()
	a.count = 0
}
