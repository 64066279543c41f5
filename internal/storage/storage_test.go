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

package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
)

type fakeSource struct {
	typ, name string
	ok        bool
	tree      *properties.Map
	events    chan source.Event
}

func newFakeSource(typ, name, doc string) *fakeSource {
	tr, err := properties.ParseTree([]byte(doc))
	if err != nil {
		panic(err)
	}
	return &fakeSource{typ: typ, name: name, ok: true, tree: tr, events: make(chan source.Event, 4)}
}

func (f *fakeSource) Type() string { return f.typ }
func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Initialize(ctx context.Context) error { return nil }
func (f *fakeSource) Shutdown()                            {}
func (f *fakeSource) Status() source.Status {
	return source.Status{Type: f.typ, Name: f.name, OK: f.ok}
}
func (f *fakeSource) Properties() *properties.Map    { return f.tree }
func (f *fakeSource) Events() <-chan source.Event    { return f.events }

type fakeTransformer struct {
	calls int32
	tree  *properties.Map
}

func (f *fakeTransformer) Transform(ctx context.Context, tree *properties.Map) *properties.Map {
	atomic.AddInt32(&f.calls, 1)
	if f.tree == nil {
		return properties.NewMap()
	}
	return f.tree
}

func TestStorageRegisterRejectsDuplicate(t *testing.T) {
	s := New(10*time.Millisecond, nil, nil)
	a := newFakeSource("s3", "app", `{}`)
	b := newFakeSource("s3", "app", `{}`)

	require.NoError(t, s.Register(context.Background(), a))
	err := s.Register(context.Background(), b)
	require.Error(t, err)
}

func TestStorageBuildMergesInRegistrationOrder(t *testing.T) {
	s := New(10*time.Millisecond, nil, nil)
	a := newFakeSource("s3", "base", `{"app":{"color":"blue","size":1}}`)
	b := newFakeSource("s3", "override", `{"app":{"color":"red"}}`)

	require.NoError(t, s.Register(context.Background(), a))
	require.NoError(t, s.Register(context.Background(), b))

	s.Build(context.Background())

	v, ok := properties.Path(s.Properties(), "app.color")
	require.True(t, ok)
	assert.Equal(t, "red", v, "later-registered source must win at leaf collisions")

	v, ok = properties.Path(s.Properties(), "app.size")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)
}

func TestStorageBuildAppliesTransformerOverlay(t *testing.T) {
	overlay, err := properties.ParseTree([]byte(`{"app":{"password":"resolved"}}`))
	require.NoError(t, err)
	tf := &fakeTransformer{tree: overlay}

	s := New(10*time.Millisecond, tf, nil)
	a := newFakeSource("s3", "base", `{"app":{"password":{"$tokend":{"type":"generic","resource":"x"}}}}`)
	require.NoError(t, s.Register(context.Background(), a))

	s.Build(context.Background())

	v, ok := properties.Path(s.Properties(), "app.password")
	require.True(t, ok)
	assert.Equal(t, "resolved", v)
	assert.EqualValues(t, 1, tf.calls)
}

func TestStorageUpdateCoalescesBurstsIntoOneRebuild(t *testing.T) {
	tf := &fakeTransformer{}
	s := New(20*time.Millisecond, tf, nil)
	a := newFakeSource("s3", "base", `{}`)
	require.NoError(t, s.Register(context.Background(), a))

	for i := 0; i < 10; i++ {
		s.Update()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tf.calls) == 1
	}, 500*time.Millisecond, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&tf.calls), "a burst of Update calls within the hold-down window must coalesce into one rebuild")
}

func TestStorageSourceEventTriggersRebuild(t *testing.T) {
	tf := &fakeTransformer{}
	s := New(5*time.Millisecond, tf, nil)
	a := newFakeSource("s3", "base", `{}`)
	require.NoError(t, s.Register(context.Background(), a))

	a.events <- source.Event{Type: source.EventUpdate}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&tf.calls) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestStorageHealthAggregatesSourceStatus(t *testing.T) {
	s := New(10*time.Millisecond, nil, nil)
	a := newFakeSource("s3", "ok-one", `{}`)
	b := newFakeSource("consul", "broken", `{}`)
	b.ok = false

	require.NoError(t, s.Register(context.Background(), a))
	require.NoError(t, s.Register(context.Background(), b))

	h := s.Health()
	assert.False(t, h.OK)
	assert.Equal(t, 503, h.Code)
	require.Len(t, h.Sources, 2)
}

func TestStorageUnregisterStopsWatching(t *testing.T) {
	tf := &fakeTransformer{}
	s := New(5*time.Millisecond, tf, nil)
	a := newFakeSource("s3", "base", `{}`)
	require.NoError(t, s.Register(context.Background(), a))
	s.Unregister("s3", "base")

	assert.Empty(t, s.Sources())
}
