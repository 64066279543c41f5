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

// Package template interpolates {{ dotted.path }} references in strings
// against a property tree.
//
// No library in the retrieval pack implements single-token {{ }} dotted-path
// substitution outside full templating engines (text/template and its
// ecosystem cousins expect a whole-document grammar with actions, pipelines,
// and control flow); reaching for one here to replace one regexp and a
// map walk would add a dependency, not remove complexity, so this stays on
// the standard library. See DESIGN.md.
package template

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/propsd/propsd/internal/properties"
)

// ErrUnresolved means a referenced path did not resolve against the
// property tree.
var ErrUnresolved = errors.New("UNRESOLVED_TEMPLATE")

// placeholder matches "{{ a.b.c }}" with tolerant whitespace:
// "{{" WS <ident> ("." <ident>)* WS "}}", <ident> = [A-Za-z0-9_-]+.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\s*\}\}`)

// Coerce substitutes every {{ path }} occurrence in value against tree.
// Non-string values pass through unchanged. If any referenced path fails to
// resolve, Coerce fails the entire substitution with ErrUnresolved.
func Coerce(value any, tree *properties.Map) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}

	var firstErr error
	result := placeholder.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		sub := placeholder.FindStringSubmatch(match)
		path := sub[1]
		v, ok := properties.Path(tree, path)
		if !ok {
			firstErr = fmt.Errorf("%w: %s", ErrUnresolved, path)
			return match
		}
		return stringify(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return result, nil
}

// CoerceParameters applies Coerce to every string-valued entry of params,
// passing non-string values through unchanged: only strings are
// interpolated.
func CoerceParameters(params map[string]any, tree *properties.Map) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		coerced, err := Coerce(v, tree)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = coerced
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}
