package types

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strconv"
)

// Validate checks that m is a well-formed request, response, or notification.
// It returns a *ValidationError naming the first check that failed.
func Validate(m *Message) error {
	if m == nil {
		return invalid("shape", "message is nil")
	}
	if m.JSONRPC != Version {
		return invalid("jsonrpc", "version must be %q, got %q", Version, m.JSONRPC)
	}

	switch m.Kind() {
	case KindRequest, KindNotification:
		if m.Result != nil || m.Error != nil {
			return invalid("result", "%s %q must not carry result or error", m.Kind(), m.Method)
		}
		if !structuredParams(m.Params) {
			return invalid("params", "params must be an object or array, got %T", m.Params)
		}
	case KindResponse:
		if m.Params != nil {
			return invalid("params", "response must not carry params")
		}
		if m.Error != nil && m.Result != nil {
			return invalid("result", "response carries both result and error")
		}
		if m.Error == nil && m.IDValue().IsZero() {
			return invalid("id", "successful response must carry the request id")
		}
		if m.Error != nil && m.Error.Message == "" {
			return invalid("error", "error object must have a message")
		}
	}
	return nil
}

// structuredParams accepts nil, maps, slices, arrays and structs (and pointers
// to them). Scalars are rejected, as JSON-RPC params are positional or named.
func structuredParams(p any) bool {
	if p == nil {
		return true
	}
	if raw, ok := p.(json.RawMessage); ok {
		return rawIsStructured(raw)
	}
	v := reflect.ValueOf(p)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return true
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}

func rawIsStructured(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	switch raw[0] {
	case '{', '[':
		return true
	case 'n':
		return bytes.Equal(raw, []byte("null"))
	default:
		return false
	}
}

// ValidateEnvelope performs the same checks as Validate against a decoded JSON
// object before it is turned into a Message. Decoding uses it so that member
// presence (a "result": null versus no result at all) can be checked.
func ValidateEnvelope(raw map[string]json.RawMessage) error {
	version, ok := raw["jsonrpc"]
	if !ok {
		return invalid("jsonrpc", "missing jsonrpc member")
	}
	var v string
	if err := json.Unmarshal(version, &v); err != nil || v != Version {
		return invalid("jsonrpc", "version must be %q, got %s", Version, version)
	}

	idRaw, hasID := raw["id"]
	idNull := !hasID || isNull(idRaw)
	if hasID && !idNull && !validIDToken(idRaw) {
		return invalid("id", "id must be an integer or string, got %s", idRaw)
	}

	_, hasResult := raw["result"]
	errRaw, hasError := raw["error"]

	if methodRaw, ok := raw["method"]; ok {
		var method string
		if err := json.Unmarshal(methodRaw, &method); err != nil {
			return invalid("method", "method must be a string, got %s", methodRaw)
		}
		if method == "" {
			return invalid("method", "method must not be empty")
		}
		if hasResult || hasError {
			return invalid("result", "%q must not carry result or error", method)
		}
		if params, ok := raw["params"]; ok && !rawIsStructured(params) {
			return invalid("params", "params must be an object or array, got %s", params)
		}
		return nil
	}

	// Response.
	if !hasID {
		return invalid("id", "response must carry an id member")
	}
	if hasResult == hasError {
		return invalid("result", "response must carry exactly one of result or error")
	}
	if hasResult && idNull {
		return invalid("id", "successful response must carry the request id")
	}
	if hasError {
		var obj struct {
			Code    *json.Number `json:"code"`
			Message *string      `json:"message"`
		}
		if err := json.Unmarshal(errRaw, &obj); err != nil {
			return invalid("error", "error must be an object, got %s", errRaw)
		}
		if obj.Code == nil {
			return invalid("error", "error object is missing its code")
		}
		if _, err := strconv.ParseInt(obj.Code.String(), 10, 64); err != nil {
			return invalid("error", "error code must be an integer, got %s", obj.Code.String())
		}
		if obj.Message == nil {
			return invalid("error", "error object is missing its message")
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func validIDToken(raw json.RawMessage) bool {
	var id ID
	return json.Unmarshal(raw, &id) == nil
}
