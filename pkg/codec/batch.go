package codec

import (
	"bytes"
	"encoding/json"

	"github.com/jg-phare/wirerpc/pkg/types"
)

// DecodedBatch is the result of decoding a batch payload.
type DecodedBatch struct {
	Messages   []*types.Message
	Compressed bool
	Metadata   *Metadata
}

// EncodeBatch encodes msgs as a single JSON array. A failing member is
// reported as a *BatchError carrying its index.
func EncodeBatch(msgs []*types.Message, o Options) (*Encoded, error) {
	if len(msgs) == 0 {
		return nil, &InvalidRequestError{Reason: "empty batch"}
	}
	acc := NewAccumulator(o)
	for _, m := range msgs {
		if err := acc.Add(m); err != nil {
			return nil, err
		}
	}
	return acc.Finalize()
}

// DecodeBatch decodes a payload holding a JSON array of messages.
func DecodeBatch(payload []byte, o Options) (*DecodedBatch, error) {
	data, meta, err := unwrap(payload, o)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeArray(data, o)
	if err != nil {
		return nil, err
	}
	return &DecodedBatch{Messages: msgs, Compressed: meta != nil, Metadata: meta}, nil
}

func decodeArray(data []byte, o Options) ([]*types.Message, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ParseError{Err: err}
	}
	trimmed := bytes.TrimSpace(probe)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &InvalidRequestError{Reason: "batch payload is not an array"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(items) == 0 {
		return nil, &InvalidRequestError{Reason: "empty batch"}
	}

	msgs := make([]*types.Message, 0, len(items))
	for i, item := range items {
		raw, err := parseObject(item)
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		msg, err := buildMessage(raw, o)
		if err != nil {
			return nil, &BatchError{Index: i, Err: err}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
