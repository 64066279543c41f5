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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTreePreservesKeyOrder(t *testing.T) {
	tree, err := ParseTree([]byte(`{"c": 1, "a": 2, "b": 3}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, tree.Keys())
}

func TestParseTreeNested(t *testing.T) {
	tree, err := ParseTree([]byte(`{"instance":{"account":"12345","tags":["x","y"]}}`))
	require.NoError(t, err)

	v, ok := Path(tree, "instance.account")
	require.True(t, ok)
	assert.Equal(t, "12345", v)

	seq, ok := Path(tree, "instance.tags")
	require.True(t, ok)
	assert.Equal(t, []any{"x", "y"}, seq)

	_, ok = Path(tree, "instance.missing")
	assert.False(t, ok)
}

func TestSetPathCreatesIntermediateMaps(t *testing.T) {
	tree := NewMap()
	SetPath(tree, "a.b.c", "leaf")

	v, ok := Path(tree, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, "leaf", v)
}

func TestCloneIsDeep(t *testing.T) {
	tree, err := ParseTree([]byte(`{"a":{"b":1}}`))
	require.NoError(t, err)

	clone := tree.Clone()
	inner, _ := clone.Get("a")
	inner.(*Map).Set("b", 2)

	orig, _ := Path(tree, "a.b")
	assert.Equal(t, float64(1), orig, "mutating the clone must not affect the original")
}

func TestMarshalRoundTripsOrder(t *testing.T) {
	tree, err := ParseTree([]byte(`{"z":1,"a":2}`))
	require.NoError(t, err)

	data, err := tree.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2}`, string(data))
}
