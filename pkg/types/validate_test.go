package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		msg   *Message
		check string // empty means valid
	}{
		{"request", NewRequest(NewNumberID(1), "echo", map[string]any{"x": 1}), ""},
		{"request array params", NewRequest(NewNumberID(1), "sum", []int{1, 2}), ""},
		{"notification", NewNotification("ping", nil), ""},
		{"response", NewResponse(NewNumberID(1), map[string]any{"ok": true}), ""},
		{"null result", NewResponse(NewNumberID(1), nil), ""},
		{"error response", NewErrorResponse(ID{}, NewRPCError(CodeParseError, "parse")), ""},
		{"nil", nil, "shape"},
		{"wrong version", &Message{JSONRPC: "1.0", Method: "x"}, "jsonrpc"},
		{"scalar params", NewRequest(NewNumberID(1), "echo", 5), "params"},
		{"request with result", &Message{JSONRPC: "2.0", ID: idPtr(NewNumberID(1)), Method: "x", Result: 1}, "result"},
		{"both result and error", &Message{JSONRPC: "2.0", ID: idPtr(NewNumberID(1)), Result: 1, Error: NewRPCError(1, "x")}, "result"},
		{"response without id", &Message{JSONRPC: "2.0", Result: 1}, "id"},
		{"empty error message", NewErrorResponse(NewNumberID(3), &RPCError{Code: 1}), "error"},
		{"response with params", &Message{JSONRPC: "2.0", ID: idPtr(NewNumberID(1)), Params: map[string]any{}}, "params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.msg)
			if tt.check == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Check != tt.check {
				t.Errorf("Check = %q, want %q (%v)", verr.Check, tt.check, err)
			}
		})
	}
}

func TestValidateEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		check string
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"x":1}}`, ""},
		{"string id", `{"jsonrpc":"2.0","id":"a","method":"echo"}`, ""},
		{"notification", `{"jsonrpc":"2.0","method":"tick"}`, ""},
		{"response", `{"jsonrpc":"2.0","id":1,"result":null}`, ""},
		{"error response null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, ""},
		{"missing version", `{"id":1,"method":"echo"}`, "jsonrpc"},
		{"bad version", `{"jsonrpc":2,"id":1,"method":"echo"}`, "jsonrpc"},
		{"object id", `{"jsonrpc":"2.0","id":{},"method":"echo"}`, "id"},
		{"fraction id", `{"jsonrpc":"2.0","id":1.5,"method":"echo"}`, "id"},
		{"numeric method", `{"jsonrpc":"2.0","id":1,"method":3}`, "method"},
		{"empty method", `{"jsonrpc":"2.0","method":""}`, "method"},
		{"scalar params", `{"jsonrpc":"2.0","method":"x","params":"nope"}`, "params"},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"x","result":1}`, "result"},
		{"response without id", `{"jsonrpc":"2.0","result":1}`, "id"},
		{"neither result nor error", `{"jsonrpc":"2.0","id":1}`, "result"},
		{"both result and error", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`, "result"},
		{"null id with result", `{"jsonrpc":"2.0","id":null,"result":1}`, "id"},
		{"error not object", `{"jsonrpc":"2.0","id":1,"error":"boom"}`, "error"},
		{"error without code", `{"jsonrpc":"2.0","id":1,"error":{"message":"m"}}`, "error"},
		{"error fractional code", `{"jsonrpc":"2.0","id":1,"error":{"code":1.5,"message":"m"}}`, "error"},
		{"error without message", `{"jsonrpc":"2.0","id":1,"error":{"code":1}}`, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw map[string]json.RawMessage
			if err := json.Unmarshal([]byte(tt.raw), &raw); err != nil {
				t.Fatal(err)
			}
			err := ValidateEnvelope(raw)
			if tt.check == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Check != tt.check {
				t.Errorf("Check = %q, want %q (%v)", verr.Check, tt.check, err)
			}
		})
	}
}

func idPtr(id ID) *ID { return &id }
