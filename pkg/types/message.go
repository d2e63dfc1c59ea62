// Package types defines the JSON-RPC message model shared by the codec and
// the session: requests, responses, notifications, ids and error objects.
package types

// Version is the only JSON-RPC protocol version this module speaks.
const Version = "2.0"

// Kind discriminates the three message variants.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Message is the unit exchanged on the wire.
//
// A request carries ID and Method, a notification carries Method only, and a
// response carries no Method and exactly one of Result or Error. Params,
// Result and Error.Data hold decoded values, which may include the tagged
// Go types understood by the codec (time.Time, []byte, *big.Int, ...).
type Message struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      *ID       `json:"id,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Kind reports which variant m is.
func (m *Message) Kind() Kind {
	switch {
	case m.Method == "":
		return KindResponse
	case m.ID == nil || m.ID.IsZero():
		return KindNotification
	default:
		return KindRequest
	}
}

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.Kind() == KindResponse }

// IDValue returns the message id, or the zero ID when absent.
func (m *Message) IDValue() ID {
	if m.ID == nil {
		return ID{}
	}
	return *m.ID
}

// NewRequest creates a JSON-RPC 2.0 request with the given id, method, and params.
func NewRequest(id ID, method string, params any) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a JSON-RPC 2.0 notification (no id, no response expected).
func NewNotification(method string, params any) *Message {
	return &Message{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// NewResponse creates a successful response for the request with the given id.
func NewResponse(id ID, result any) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Result:  result,
	}
}

// NewErrorResponse creates an error response. A zero id is sent as null, which
// is how a peer answers a request it could not parse.
func NewErrorResponse(id ID, rpcErr *RPCError) *Message {
	return &Message{
		JSONRPC: Version,
		ID:      &id,
		Error:   rpcErr,
	}
}
