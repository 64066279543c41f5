// Copyright The Propsd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package properties implements the property tree: the recursive JSON-value
// union that every source produces and Storage merges.
package properties

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Map is an ordered string-keyed mapping. Go's map type does not preserve
// insertion order, and the index document's flattening is only deterministic
// if mapping order survives decode, so Map keeps keys in an explicit slice
// alongside a lookup index.
type Map struct {
	keys   []string
	values map[string]any
}

// NewMap returns an empty, ready-to-use Map.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Keys returns the mapping's keys in insertion order. The caller must not
// mutate the returned slice.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Get returns the value at key and whether it was present.
func (m *Map) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or overwrites key. Overwriting an existing key keeps its
// original position.
func (m *Map) Set(key string, value any) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key, if present.
func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len reports the number of keys.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a deep copy of m.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := NewMap()
	for _, k := range m.keys {
		out.Set(k, CloneValue(m.values[k]))
	}
	return out
}

// CloneValue deep-copies a property-tree value of any shape.
func CloneValue(v any) any {
	switch t := v.(type) {
	case *Map:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}

// UnmarshalJSON decodes a JSON object into an ordered Map, walking the token
// stream so key order survives decode (the stdlib's map[string]interface{}
// target does not preserve it).
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '{' {
		return fmt.Errorf("properties: expected object, got %v", tok)
	}
	*m = *NewMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("properties: expected string key, got %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		val, err := decodeValue(raw)
		if err != nil {
			return err
		}
		m.Set(key, val)
	}
	return nil
}

// MarshalJSON encodes the Map preserving key order.
func (m *Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeValue decodes a single JSON value, producing *Map for objects,
// []any for arrays, and the JSON-native scalar types otherwise.
func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("properties: empty value")
	}
	switch trimmed[0] {
	case '{':
		m := NewMap()
		if err := m.UnmarshalJSON(trimmed); err != nil {
			return nil, err
		}
		return m, nil
	case '[':
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := tok.(json.Delim); !ok || d != '[' {
			return nil, fmt.Errorf("properties: expected array")
		}
		var out []any
		for dec.More() {
			var item json.RawMessage
			if err := dec.Decode(&item); err != nil {
				return nil, err
			}
			v, err := decodeValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// ParseTree decodes a JSON document into an ordered property tree rooted at
// a Map. The document must be a JSON object.
func ParseTree(data []byte) (*Map, error) {
	m := NewMap()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("properties: parse: %w", err)
	}
	return m, nil
}

// Path resolves a dotted key path ("a.b.c") against the tree, returning the
// value and whether every segment resolved. Arrays are not descended into.
func Path(root *Map, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(*Map)
		if !ok {
			return nil, false
		}
		v, ok := m.Get(seg)
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath sets the value at a dotted key path, creating intermediate Maps as
// needed.
func SetPath(root *Map, path string, value any) {
	segments := strings.Split(path, ".")
	cur := root
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur.Set(seg, value)
			return
		}
		next, ok := cur.Get(seg)
		child, ok2 := next.(*Map)
		if !ok || !ok2 {
			child = NewMap()
			cur.Set(seg, child)
		}
		cur = child
	}
}
