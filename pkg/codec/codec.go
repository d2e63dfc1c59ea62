package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jg-phare/wirerpc/pkg/types"
)

// Metadata describes the compression applied to a payload.
type Metadata struct {
	Algorithm      Compression
	OriginalSize   int
	CompressedSize int
}

// Ratio returns compressed size over original size.
func (m *Metadata) Ratio() float64 {
	if m == nil || m.OriginalSize == 0 {
		return 1
	}
	return float64(m.CompressedSize) / float64(m.OriginalSize)
}

// Encoded is the result of encoding one message or batch.
type Encoded struct {
	Payload    []byte
	ByteSize   int // uncompressed JSON size
	WireSize   int // len(Payload)
	Compressed bool
	Metadata   *Metadata // non-nil when Compressed
}

// Decoded is the result of decoding one message.
type Decoded struct {
	Message    *types.Message
	Compressed bool
	Metadata   *Metadata
}

// wireMessage fixes member order and lets a response carry "result": null.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Encode converts msg to a wire payload.
func Encode(msg *types.Message, o Options) (*Encoded, error) {
	data, err := marshalMessage(msg, o)
	if err != nil {
		return nil, err
	}
	if o.Pretty {
		if data, err = indent(data); err != nil {
			return nil, err
		}
	}
	return finish(data, o)
}

// Decode converts a wire payload holding a single message back to a Message.
func Decode(payload []byte, o Options) (*Decoded, error) {
	data, meta, err := unwrap(payload, o)
	if err != nil {
		return nil, err
	}
	raw, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	msg, err := buildMessage(raw, o)
	if err != nil {
		return nil, err
	}
	return &Decoded{Message: msg, Compressed: meta != nil, Metadata: meta}, nil
}

// DecodeAny decodes a payload that may hold either one message or a batch.
// batch reports which form was found.
func DecodeAny(payload []byte, o Options) (msgs []*types.Message, batch bool, meta *Metadata, err error) {
	data, meta, err := unwrap(payload, o)
	if err != nil {
		return nil, false, nil, err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		msgs, err := decodeArray(data, o)
		return msgs, true, meta, err
	}
	raw, err := parseObject(data)
	if err != nil {
		return nil, false, meta, err
	}
	msg, err := buildMessage(raw, o)
	if err != nil {
		return nil, false, meta, err
	}
	return []*types.Message{msg}, false, meta, nil
}

// marshalMessage produces compact JSON for one message.
func marshalMessage(msg *types.Message, o Options) ([]byte, error) {
	if msg == nil {
		return nil, types.Validate(nil)
	}
	m := *msg
	if m.JSONRPC == "" {
		m.JSONRPC = types.Version
	}
	if o.Validate {
		if err := types.Validate(&m); err != nil {
			return nil, err
		}
	}

	r := replacer{hooks: o.Hooks}
	w := wireMessage{JSONRPC: m.JSONRPC, Method: m.Method}
	kind := m.Kind()

	if kind != types.KindNotification {
		id, err := json.Marshal(m.IDValue())
		if err != nil {
			return nil, fmt.Errorf("codec: marshal id: %w", err)
		}
		w.ID = id
	}
	if m.Params != nil {
		p, err := marshalValue(r, m.Params)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal params: %w", err)
		}
		w.Params = p
	}
	if kind == types.KindResponse {
		if m.Error != nil {
			we := &wireError{Code: m.Error.Code, Message: m.Error.Message}
			if m.Error.Data != nil {
				d, err := marshalValue(r, m.Error.Data)
				if err != nil {
					return nil, fmt.Errorf("codec: marshal error data: %w", err)
				}
				we.Data = d
			}
			w.Error = we
		} else {
			res, err := marshalValue(r, m.Result)
			if err != nil {
				return nil, fmt.Errorf("codec: marshal result: %w", err)
			}
			w.Result = res
		}
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return data, nil
}

func marshalValue(r replacer, v any) (json.RawMessage, error) {
	safe, err := r.value(v, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(safe)
}

func indent(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, fmt.Errorf("codec: indent: %w", err)
	}
	return buf.Bytes(), nil
}

// finish applies the size ceiling and the compression policy.
func finish(data []byte, o Options) (*Encoded, error) {
	size := len(data)
	if o.MaxPayloadBytes > 0 && size > o.MaxPayloadBytes {
		return nil, &PayloadTooLargeError{Size: size, Limit: o.MaxPayloadBytes}
	}

	enc := &Encoded{Payload: data, ByteSize: size, WireSize: size}
	if !o.Compress || size <= o.CompressThreshold {
		return enc, nil
	}

	packed, err := compress(o.Algorithm, data)
	if err != nil {
		return nil, err
	}
	if float64(len(packed)) > float64(size)*(1-o.MinSavings) {
		return enc, nil
	}
	enc.Payload = packed
	enc.WireSize = len(packed)
	enc.Compressed = true
	enc.Metadata = &Metadata{Algorithm: o.Algorithm, OriginalSize: size, CompressedSize: len(packed)}
	return enc, nil
}

// unwrap returns the JSON text inside payload, decompressing when marked.
func unwrap(payload []byte, o Options) ([]byte, *Metadata, error) {
	if len(payload) == 0 {
		return nil, nil, &ParseError{Err: fmt.Errorf("empty payload")}
	}
	if !IsCompressed(payload) {
		if o.MaxPayloadBytes > 0 && len(payload) > o.MaxPayloadBytes {
			return nil, nil, &PayloadTooLargeError{Size: len(payload), Limit: o.MaxPayloadBytes}
		}
		return payload, nil, nil
	}
	data, alg, err := decompress(payload, o.MaxPayloadBytes)
	if err != nil {
		return nil, nil, err
	}
	return data, &Metadata{Algorithm: alg, OriginalSize: len(data), CompressedSize: len(payload)}, nil
}

// parseObject parses data as a JSON object.
func parseObject(data []byte) (map[string]json.RawMessage, error) {
	var probe json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &ParseError{Err: err}
	}
	trimmed := bytes.TrimSpace(probe)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &types.ValidationError{Check: "shape", Reason: "message must be a JSON object"}
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, &ParseError{Err: err}
	}
	return raw, nil
}

// buildMessage turns a parsed envelope into a Message, reviving tagged values.
func buildMessage(raw map[string]json.RawMessage, o Options) (*types.Message, error) {
	if o.Validate {
		if err := types.ValidateEnvelope(raw); err != nil {
			return nil, err
		}
	}
	rv := reviver{hooks: o.Hooks}
	m := &types.Message{}

	if v, ok := raw["jsonrpc"]; ok {
		if err := json.Unmarshal(v, &m.JSONRPC); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("jsonrpc: %w", err)}
		}
	}
	if v, ok := raw["id"]; ok {
		var id types.ID
		if err := json.Unmarshal(v, &id); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("id: %w", err)}
		}
		m.ID = &id
	}
	if v, ok := raw["method"]; ok {
		if err := json.Unmarshal(v, &m.Method); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("method: %w", err)}
		}
	}
	if v, ok := raw["params"]; ok {
		p, err := decodeValue(rv, v)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("params: %w", err)}
		}
		m.Params = p
	}
	if v, ok := raw["result"]; ok {
		res, err := decodeValue(rv, v)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("result: %w", err)}
		}
		m.Result = res
	}
	if v, ok := raw["error"]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		var we wireError
		if err := json.Unmarshal(v, &we); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("error: %w", err)}
		}
		rpcErr := &types.RPCError{Code: we.Code, Message: we.Message}
		if len(we.Data) > 0 {
			d, err := decodeValue(rv, we.Data)
			if err != nil {
				return nil, &ParseError{Err: fmt.Errorf("error data: %w", err)}
			}
			rpcErr.Data = d
		}
		m.Error = rpcErr
	}
	return m, nil
}

func decodeValue(rv reviver, raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return rv.value(v, 0)
}
