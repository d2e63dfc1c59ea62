package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request id: either an integer or a string.
// The zero value is an absent id.
type ID struct {
	num      int64
	str      string
	isString bool
	set      bool
}

// NewNumberID returns an integer id.
func NewNumberID(n int64) ID { return ID{num: n, set: true} }

// NewStringID returns a string id.
func NewStringID(s string) ID { return ID{str: s, isString: true, set: true} }

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return !id.set }

// IsString reports whether the id is a string id.
func (id ID) IsString() bool { return id.isString }

// Number returns the integer value and whether the id is numeric.
func (id ID) Number() (int64, bool) { return id.num, id.set && !id.isString }

// Key returns a map key that keeps 1 and "1" apart.
func (id ID) Key() string {
	switch {
	case !id.set:
		return ""
	case id.isString:
		return "s:" + id.str
	default:
		return "n:" + strconv.FormatInt(id.num, 10)
	}
}

// String returns the bare id value. Use Key to tell 1 and "1" apart.
func (id ID) String() string {
	switch {
	case !id.set:
		return "<none>"
	case id.isString:
		return id.str
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON encodes the id as a JSON number, string, or null.
func (id ID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.set:
		return []byte("null"), nil
	case id.isString:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
}

// UnmarshalJSON accepts a JSON integer, string, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ID{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be an integer or string, got %s", data)
	}
	*id = NewNumberID(n)
	return nil
}
