package codec

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tag names a value type that JSON cannot express natively.
type Tag string

// The closed set of built-in tags.
const (
	TagDate      Tag = "Date"
	TagBinary    Tag = "Binary"
	TagRegExp    Tag = "RegExp"
	TagBigInt    Tag = "BigInt"
	TagUndefined Tag = "Undefined"
)

// Envelope member names.
const (
	tagKey   = "__type"
	valueKey = "__value"
)

// maxDepth bounds recursion through nested params so a cyclic value fails
// instead of overflowing the stack.
const maxDepth = 128

var errTooDeep = errors.New("value nested too deeply")

// Undefined marks an explicitly absent value, distinct from null.
type Undefined struct{}

// Pattern is a regular expression as it travels on the wire: source text plus
// flag letters (i, m, s, g, u, y).
type Pattern struct {
	Source string `json:"source"`
	Flags  string `json:"flags"`
}

// Compile builds a Go regexp from the pattern. The i, m and s flags map onto
// RE2 flags; g, u and y describe matching mode and are ignored.
func (p Pattern) Compile() (*regexp.Regexp, error) {
	var flags strings.Builder
	for _, f := range p.Flags {
		switch f {
		case 'i', 'm', 's':
			flags.WriteRune(f)
		}
	}
	if flags.Len() == 0 {
		return regexp.Compile(p.Source)
	}
	return regexp.Compile("(?" + flags.String() + ")" + p.Source)
}

// Tagged is returned by a Replace hook to emit a custom envelope.
type Tagged struct {
	Tag   Tag
	Value any
}

func envelope(tag Tag, payload any) map[string]any {
	return map[string]any{tagKey: string(tag), valueKey: payload}
}

// replacer turns Go values into JSON-safe trees, wrapping tagged types in
// envelopes.
type replacer struct {
	hooks Hooks
}

func (r replacer) value(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	if r.hooks.Replace != nil {
		if out, ok := r.hooks.Replace(v); ok {
			v = out
		}
	}

	switch x := v.(type) {
	case nil:
		return nil, nil
	case Tagged:
		payload, err := r.value(x.Value, depth+1)
		if err != nil {
			return nil, err
		}
		return envelope(x.Tag, payload), nil
	case Undefined, *Undefined:
		return envelope(TagUndefined, nil), nil
	case time.Time:
		return envelope(TagDate, x.Format(time.RFC3339Nano)), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return envelope(TagDate, x.Format(time.RFC3339Nano)), nil
	case json.RawMessage:
		return x, nil
	case []byte:
		if x == nil {
			return nil, nil
		}
		return envelope(TagBinary, base64.StdEncoding.EncodeToString(x)), nil
	case Pattern:
		return envelope(TagRegExp, map[string]any{"source": x.Source, "flags": x.Flags}), nil
	case *Pattern:
		if x == nil {
			return nil, nil
		}
		return envelope(TagRegExp, map[string]any{"source": x.Source, "flags": x.Flags}), nil
	case *regexp.Regexp:
		if x == nil {
			return nil, nil
		}
		return envelope(TagRegExp, map[string]any{"source": x.String(), "flags": ""}), nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return envelope(TagBigInt, x.String()), nil
	case big.Int:
		return envelope(TagBigInt, x.String()), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			rv, err := r.value(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			rv, err := r.value(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return v, nil
	}
	return r.reflectValue(reflect.ValueOf(v), depth)
}

var (
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// reflectValue walks typed containers (structs, maps, slices, pointers) the
// way encoding/json would, so tagged values nested inside them still get
// their envelopes. Types with their own MarshalJSON or MarshalText are left
// to encoding/json.
func (r replacer) reflectValue(rv reflect.Value, depth int) (any, error) {
	if rv.Kind() != reflect.Pointer && rv.Kind() != reflect.Interface && marshalsItself(rv.Type()) {
		return rv.Interface(), nil
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		if marshalsItself(rv.Type()) {
			return rv.Interface(), nil
		}
		return r.value(rv.Elem().Interface(), depth+1)
	case reflect.Struct:
		out := make(map[string]any)
		if err := r.structFields(rv, out, depth); err != nil {
			return nil, err
		}
		return out, nil
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, ok, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			if !ok {
				// encoding/json reports the unsupported key type
				return rv.Interface(), nil
			}
			e, err := r.value(iter.Value().Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 && !rv.Type().Elem().Implements(jsonMarshaler) {
			return envelope(TagBinary, base64.StdEncoding.EncodeToString(rv.Bytes())), nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e, err := r.value(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	default:
		return rv.Interface(), nil
	}
}

// structFields copies the exported fields of rv into out under their json
// names. Fields of embedded structs are promoted unless an outer field
// already took the name.
func (r replacer) structFields(rv reflect.Value, out map[string]any, depth int) error {
	if depth > maxDepth {
		return errTooDeep
	}
	rt := rv.Type()
	var embedded []reflect.Value
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && !marshalsItself(f.Type) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						continue
					}
					fv = fv.Elem()
				}
				embedded = append(embedded, fv)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if omitted(fv, opts) {
			continue
		}
		e, err := r.value(fv.Interface(), depth+1)
		if err != nil {
			return err
		}
		out[name] = e
	}
	for _, ev := range embedded {
		inner := make(map[string]any)
		if err := r.structFields(ev, inner, depth+1); err != nil {
			return err
		}
		for k, e := range inner {
			if _, taken := out[k]; !taken {
				out[k] = e
			}
		}
	}
	return nil
}

func marshalsItself(t reflect.Type) bool {
	return t.Implements(jsonMarshaler) || t.Implements(textMarshaler)
}

// omitted applies the omitempty and omitzero options.
func omitted(v reflect.Value, opts string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		switch opt {
		case "omitempty":
			switch v.Kind() {
			case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
				if v.Len() == 0 {
					return true
				}
			case reflect.Bool:
				if !v.Bool() {
					return true
				}
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
				if v.Int() == 0 {
					return true
				}
			case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
				if v.Uint() == 0 {
					return true
				}
			case reflect.Float32, reflect.Float64:
				if v.Float() == 0 {
					return true
				}
			case reflect.Pointer, reflect.Interface:
				if v.IsNil() {
					return true
				}
			}
		case "omitzero":
			if z, ok := v.Interface().(interface{ IsZero() bool }); ok {
				if z.IsZero() {
					return true
				}
			} else if v.IsZero() {
				return true
			}
		}
	}
	return false
}

// mapKey renders a map key as encoding/json does: strings as-is, then
// TextMarshaler, then integers in decimal. ok is false for other kinds.
func mapKey(k reflect.Value) (string, bool, error) {
	if k.Kind() == reflect.String {
		return k.String(), true, nil
	}
	if k.Type().Implements(textMarshaler) {
		if k.Kind() == reflect.Pointer && k.IsNil() {
			return "", true, nil
		}
		b, err := k.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
	switch k.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10), true, nil
	}
	return "", false, nil
}

// reviver is the inverse of replacer over a tree produced by encoding/json.
type reviver struct {
	hooks Hooks
}

func (r reviver) value(v any, depth int) (any, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	switch x := v.(type) {
	case map[string]any:
		if tag, payload, ok := asEnvelope(x); ok {
			return r.tagged(tag, payload, depth)
		}
		for k, e := range x {
			rv, err := r.value(e, depth+1)
			if err != nil {
				return nil, err
			}
			x[k] = rv
		}
		return x, nil
	case []any:
		for i, e := range x {
			rv, err := r.value(e, depth+1)
			if err != nil {
				return nil, err
			}
			x[i] = rv
		}
		return x, nil
	default:
		return v, nil
	}
}

func asEnvelope(m map[string]any) (Tag, any, bool) {
	if len(m) != 2 {
		return "", nil, false
	}
	tag, ok := m[tagKey].(string)
	if !ok {
		return "", nil, false
	}
	payload, ok := m[valueKey]
	if !ok {
		return "", nil, false
	}
	return Tag(tag), payload, true
}

func (r reviver) tagged(tag Tag, payload any, depth int) (any, error) {
	switch tag {
	case TagDate:
		switch p := payload.(type) {
		case string:
			t, err := time.Parse(time.RFC3339Nano, p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tag, err)
			}
			return t, nil
		case float64:
			// Millisecond timestamps, as sent by peers that serialize
			// dates with getTime().
			return time.UnixMilli(int64(p)).UTC(), nil
		}
	case TagBinary:
		if p, ok := payload.(string); ok {
			b, err := base64.StdEncoding.DecodeString(p)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tag, err)
			}
			return b, nil
		}
	case TagRegExp:
		switch p := payload.(type) {
		case map[string]any:
			src, ok := p["source"].(string)
			if !ok {
				break
			}
			flags, _ := p["flags"].(string)
			return Pattern{Source: src, Flags: flags}, nil
		case string:
			return Pattern{Source: p}, nil
		}
	case TagBigInt:
		if p, ok := payload.(string); ok {
			n, ok := new(big.Int).SetString(p, 10)
			if !ok {
				return nil, fmt.Errorf("%s: invalid integer %q", tag, p)
			}
			return n, nil
		}
	case TagUndefined:
		return Undefined{}, nil
	default:
		if r.hooks.Revive != nil {
			inner, err := r.value(payload, depth+1)
			if err != nil {
				return nil, err
			}
			out, handled, err := r.hooks.Revive(tag, inner)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", tag, err)
			}
			if handled {
				return out, nil
			}
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownTag, tag)
	}
	return nil, fmt.Errorf("%s: unexpected payload %T", tag, payload)
}
