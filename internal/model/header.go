package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Header is a single header entry with its original casing.
type Header struct {
	Key   string
	Value string
}

// HeaderSet is an ordered set of headers keyed case-insensitively.
// Setting an existing key replaces that entry in place, so the last write wins.
type HeaderSet struct {
	entries []Header
}

func (h *HeaderSet) index(key string) int {
	for i, e := range h.entries {
		if strings.EqualFold(e.Key, key) {
			return i
		}
	}
	return -1
}

// Set adds or replaces the entry for key.
func (h *HeaderSet) Set(key, value string) {
	if i := h.index(key); i >= 0 {
		h.entries[i] = Header{Key: key, Value: value}
		return
	}
	h.entries = append(h.entries, Header{Key: key, Value: value})
}

// Get returns the value for key, or "" if absent.
func (h HeaderSet) Get(key string) string {
	if i := h.index(key); i >= 0 {
		return h.entries[i].Value
	}
	return ""
}

// Has reports whether key is present.
func (h HeaderSet) Has(key string) bool {
	return h.index(key) >= 0
}

// Len returns the number of entries.
func (h HeaderSet) Len() int {
	return len(h.entries)
}

// Entries returns a copy of the entries in order.
func (h HeaderSet) Entries() []Header {
	out := make([]Header, len(h.entries))
	copy(out, h.entries)
	return out
}

// HTTPHeader converts the set into an http.Header. Keys are canonicalized so
// net/http recognizes headers such as User-Agent regardless of the casing the
// caller used.
func (h HeaderSet) HTTPHeader() http.Header {
	out := make(http.Header, len(h.entries))
	for _, e := range h.entries {
		out.Set(e.Key, e.Value)
	}
	return out
}

// UnmarshalJSON accepts either an object of name/value pairs or an array of
// {"key": ..., "value": ...} elements. Array elements without a key are skipped.
func (h *HeaderSet) UnmarshalJSON(data []byte) error {
	*h = HeaderSet{}

	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		return nil
	case len(data) > 0 && data[0] == '{':
		fields, err := decodeObjectFields(data)
		if err != nil {
			return err
		}
		for _, f := range fields {
			v, err := scalarText(f.value)
			if err != nil {
				return fmt.Errorf("header %q: %w", f.key, err)
			}
			h.Set(f.key, v)
		}
		return nil
	case len(data) > 0 && data[0] == '[':
		pairs, err := decodePairs(data)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			if isNullOrAbsent(p.Key) {
				continue
			}
			var key string
			if err := json.Unmarshal(p.Key, &key); err != nil {
				return errors.New("header key must be a string")
			}
			v, err := scalarText(p.Value)
			if err != nil {
				return fmt.Errorf("header %q: %w", key, err)
			}
			h.Set(key, v)
		}
		return nil
	default:
		return errors.New("headers must be an object or an array of key/value pairs")
	}
}

// pair is one element of the ordered key/value array form.
type pair struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// decodePairs decodes an array of pairs. Elements that are not objects are skipped.
func decodePairs(data []byte) ([]pair, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	pairs := make([]pair, 0, len(elems))
	for _, el := range elems {
		el = bytes.TrimSpace(el)
		if len(el) == 0 || el[0] != '{' {
			continue
		}
		var p pair
		if err := json.Unmarshal(el, &p); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

type objectField struct {
	key   string
	value json.RawMessage
}

// decodeObjectFields decodes a JSON object keeping its fields in document order.
func decodeObjectFields(data []byte) ([]objectField, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var fields []objectField
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		fields = append(fields, objectField{key: key, value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func isNullOrAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// scalarText returns the text form of a JSON string, number, bool or null.
func scalarText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if isNullOrAbsent(raw) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("value must be a string, number or boolean")
	default:
		return string(raw), nil
	}
}
