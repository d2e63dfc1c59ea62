// Package codec converts JSON-RPC messages to and from wire payloads.
//
// Values JSON cannot carry natively (time.Time, []byte, Pattern, *big.Int,
// Undefined) travel as {"__type": tag, "__value": payload} envelopes and are
// restored on decode. Payloads over a size threshold may be compressed with
// brotli or gzip; a compressed payload starts with a one-byte format marker
// below 0x09, a range no JSON text can begin with, so decoding never has to
// guess.
//
// Every function takes an Options value. Start from DefaultOptions or
// NewOptions and adjust with Options.With.
package codec
