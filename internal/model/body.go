package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// BodyKind tags the variant held by a BodyValue.
type BodyKind int

const (
	BodyNull BodyKind = iota
	BodyString
	BodyObject
)

func (k BodyKind) String() string {
	switch k {
	case BodyString:
		return "string"
	case BodyObject:
		return "object"
	default:
		return "null"
	}
}

// BodyValue is the normalized request body: null, a string, or an object.
// The array-of-pairs form is reduced to an object when decoded.
type BodyValue struct {
	Kind   BodyKind
	Text   string
	Object map[string]json.RawMessage
}

// StringBody returns a string BodyValue.
func StringBody(s string) BodyValue {
	return BodyValue{Kind: BodyString, Text: s}
}

// ObjectBody returns an object BodyValue.
func ObjectBody(obj map[string]json.RawMessage) BodyValue {
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	return BodyValue{Kind: BodyObject, Object: obj}
}

// IsEmpty reports whether the body carries nothing worth sending:
// null or the empty string. An empty object is not empty.
func (b BodyValue) IsEmpty() bool {
	return b.Kind == BodyNull || (b.Kind == BodyString && b.Text == "")
}

// MarshalJSON encodes the body. Object keys are emitted in sorted order and
// <, > and & are written literally. Callers that need the exact bytes must
// call it directly: json.Marshal re-escapes a Marshaler's output.
func (b BodyValue) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BodyString:
		return encodeLiteral(b.Text)
	case BodyObject:
		return encodeLiteral(b.Object)
	default:
		return []byte("null"), nil
	}
}

func encodeLiteral(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// UnmarshalJSON decodes null, a string, an object, or an array of
// {"key": ..., "value": ...} pairs. For pairs, later keys overwrite earlier
// ones, elements without a key are skipped, and a pair without a value
// removes the key.
func (b *BodyValue) UnmarshalJSON(data []byte) error {
	*b = BodyValue{}

	data = bytes.TrimSpace(data)
	if isNullOrAbsent(data) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = StringBody(s)
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*b = ObjectBody(obj)
	case '[':
		obj, err := reducePairs(data)
		if err != nil {
			return err
		}
		*b = ObjectBody(obj)
	default:
		return errors.New("body must be a string, an object or an array of key/value pairs")
	}
	return nil
}

func reducePairs(data []byte) (map[string]json.RawMessage, error) {
	pairs, err := decodePairs(data)
	if err != nil {
		return nil, err
	}
	obj := make(map[string]json.RawMessage, len(pairs))
	for _, p := range pairs {
		if isNullOrAbsent(p.Key) {
			continue
		}
		key, err := scalarText(p.Key)
		if err != nil {
			return nil, fmt.Errorf("body key: %w", err)
		}
		if len(bytes.TrimSpace(p.Value)) == 0 {
			delete(obj, key)
			continue
		}
		obj[key] = p.Value
	}
	return obj, nil
}
