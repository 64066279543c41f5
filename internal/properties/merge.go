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

// Merge deep-merges src on top of dst and returns the result as a new tree.
// Neither argument is mutated. Mappings merge recursively, key by key, with
// src winning at leaf collisions; sequences are replaced wholesale, never
// concatenated or zipped.
func Merge(dst, src *Map) *Map {
	if dst == nil {
		return src.Clone()
	}
	if src == nil {
		return dst.Clone()
	}
	out := dst.Clone()
	for _, key := range src.Keys() {
		sv := src.values[key]
		dv, exists := out.Get(key)
		if exists {
			if dm, ok := dv.(*Map); ok {
				if sm, ok := sv.(*Map); ok {
					out.Set(key, Merge(dm, sm))
					continue
				}
			}
		}
		out.Set(key, CloneValue(sv))
	}
	return out
}

// MergeAll deep-merges an ordered list of trees: later sources override
// earlier ones at leaf collisions.
func MergeAll(trees ...*Map) *Map {
	out := NewMap()
	for _, t := range trees {
		out = Merge(out, t)
	}
	return out
}
