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

package properties

import "encoding/json"

// SourceSpec is one entry of an index document's "sources" list.
type SourceSpec struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// Key identifies a source by (type, name): at most one Source exists per
// (type, name).
func (s SourceSpec) Key() string {
	return s.Type + ":" + s.Name
}

// Clone returns a deep copy of the spec, including its Parameters map.
func (s SourceSpec) Clone() SourceSpec {
	out := SourceSpec{Name: s.Name, Type: s.Type}
	if s.Parameters != nil {
		out.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// IndexDocument is the root source's parsed payload: the ordered list of
// child source specs. Order is significant; see SourceSpec.
type IndexDocument struct {
	Version string       `json:"version"`
	Sources []SourceSpec `json:"sources"`
}

// ParseIndexDocument decodes an index document from JSON.
func ParseIndexDocument(data []byte) (*IndexDocument, error) {
	var doc IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// PropertyFile is the wire format fetched from an s3 (object-store) child
// source: {"version": "1.0", "properties": {...}}.
type PropertyFile struct {
	Version    string `json:"version"`
	Properties *Map   `json:"properties"`
}

// ParsePropertyFile decodes a property file from JSON.
func ParsePropertyFile(data []byte) (*PropertyFile, error) {
	var pf PropertyFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	if pf.Properties == nil {
		pf.Properties = NewMap()
	}
	return &pf, nil
}
