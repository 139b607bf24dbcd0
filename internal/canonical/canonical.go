// Package canonical produces deterministic JSON encodings for signing.
//
// Every signature in the system is computed over the output of Encode, so
// two structurally-equal values must encode to identical bytes regardless
// of field insertion order. Map keys are sorted bytewise, array order is
// preserved, numbers pass through verbatim, and no insignificant
// whitespace is emitted.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCircularReference is returned when the input contains a cycle and
// therefore cannot be serialized.
var ErrCircularReference = errors.New("canonical: circular reference in value")

// Encode serializes v into canonical JSON bytes.
//
// The value is first marshaled with encoding/json (so struct tags apply),
// then re-rendered with recursively sorted object keys. Cyclic values fail
// with ErrCircularReference.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		// encoding/json reports cycles as an unsupported value.
		if strings.Contains(err.Error(), "encountered a cycle") {
			return nil, ErrCircularReference
		}
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	// Decode with UseNumber so re-encoding never reformats numbers.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	if err := write(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// write renders a decoded JSON value with sorted object keys.
func write(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonical: string: %w", err)
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := write(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: key: %w", err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := write(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}
