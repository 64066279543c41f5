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

// End-to-end scenarios wiring Manager against real Storage and, where a
// scenario calls for it, the real fetch-loop Source implementation.
package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/secret"
	"github.com/propsd/propsd/internal/source"
	"github.com/propsd/propsd/internal/source/metadata"
	"github.com/propsd/propsd/internal/source/objectstore"
	"github.com/propsd/propsd/internal/storage"
)

// scriptedFetcher fails its first failUntil calls with err, then returns
// body as a single Fetched result forever after.
type scriptedFetcher struct {
	mu        sync.Mutex
	calls     int
	failUntil int
	err       error
	body      []byte
}

func (f *scriptedFetcher) Fetch(ctx context.Context, lastETag string) (source.FetchResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if n <= f.failUntil {
		return source.FetchResult{}, f.err
	}
	return source.FetchResult{Outcome: source.Fetched, Body: f.body}, nil
}

// Cold start: three S3 sources interpolated from metadata, registered in
// index order under their bucket-qualified object identity, with a healthy
// Storage.
func TestColdStartRegistersThreeObjectStoreSources(t *testing.T) {
	index := newFakeSource("s3", "index", `{"bucket":"mybucket","sources":[
		{"name":"global","type":"s3","parameters":{"path":"global.json"}},
		{"name":"account","type":"s3","parameters":{"path":"account/{{ instance.account }}.json"}},
		{"name":"ami","type":"s3","parameters":{"path":"ami-{{ instance.ami-id }}.json"}}
	]}`)
	meta := newFakeSource("metadata", "instance", `{"instance":{"account":"12345","ami-id":"4aface7a"}}`)

	st := storage.New(0, nil, nil)
	var created []properties.SourceSpec
	var mu sync.Mutex
	factory := recordingFactory(&created, &mu, nil)

	m := New(index, meta, st, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown()

	index.events <- source.Event{Type: source.EventUpdate}

	require.Eventually(t, func() bool {
		return len(st.Sources()) == 3
	}, time.Second, 5*time.Millisecond)

	names := make([]string, 3)
	for i, s := range st.Sources() {
		names[i] = s.Name()
	}
	assert.Equal(t, []string{
		"s3-mybucket-global.json",
		"s3-mybucket-account/12345.json",
		"s3-mybucket-ami-4aface7a.json",
	}, names)

	mu.Lock()
	assert.Equal(t, "account/12345.json", created[1].Parameters["path"])
	assert.Equal(t, "ami-4aface7a.json", created[2].Parameters["path"])
	mu.Unlock()

	assert.Equal(t, 200, st.Health().Code)
	assert.True(t, m.OK())
}

// An unrecognized source type is skipped and marks the manager not-ok,
// without preventing other sources from registering.
func TestUnknownSourceTypeSkippedWithoutBlockingOthers(t *testing.T) {
	index := newFakeSource("s3", "index", `{"sources":[
		{"name":"known","type":"s3","parameters":{"path":"known.json"}},
		{"name":"weird","type":"someBrandNewSourceType","parameters":{}}
	]}`)
	meta := newFakeSource("metadata", "instance", `{}`)

	st := storage.New(0, nil, nil)
	var created []properties.SourceSpec
	var mu sync.Mutex
	factory := recordingFactory(&created, &mu, map[string]bool{"someBrandNewSourceType": true})

	m := New(index, meta, st, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown()

	index.events <- source.Event{Type: source.EventUpdate}

	require.Eventually(t, func() bool {
		return len(st.Sources()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "s3--known.json", st.Sources()[0].Name())
	assert.False(t, m.OK(), "an unknown source type leaves the manager not-ok")
}

// The metadata source refuses connections on its first ticks and recovers
// later. No spurious registrations happen while interpolation keeps
// failing; the manager settles once metadata recovers.
func TestMetadataConnectionRefusedRecoversWithoutSpuriousRegistrations(t *testing.T) {
	index := newFakeSource("s3", "index", `{"sources":[
		{"name":"a","type":"s3","parameters":{"path":"{{ instance.account }}/a.json"}},
		{"name":"b","type":"s3","parameters":{"path":"b.json"}},
		{"name":"c","type":"s3","parameters":{"path":"c.json"}}
	]}`)

	fetcher := &scriptedFetcher{
		failUntil: 2,
		err:       errors.New("connection refused"),
		body:      []byte(`{"instance":{"account":"123"}}`),
	}
	meta := source.NewBase("metadata", "instance", 15*time.Millisecond, fetcher, metadata.Parse, nil)

	st := storage.New(0, nil, nil)
	var created []properties.SourceSpec
	var mu sync.Mutex
	factory := recordingFactory(&created, &mu, nil)

	m := New(index, meta, st, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		return meta.Status().Running
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return !m.OK()
	}, time.Second, 5*time.Millisecond, "unresolved template during the outage leaves the manager not-ok")
	assert.Empty(t, st.Sources(), "no source registers while metadata can't resolve instance.account")

	require.Eventually(t, func() bool {
		return m.OK() && len(st.Sources()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, meta.Status().Running, "the source keeps running across the outage, it is never torn down")

	mu.Lock()
	assert.Len(t, created, 3, "the outage's failed reconciles never reach the factory")
	mu.Unlock()
}

// The index source itself errors until a later tick succeeds. Shaped like
// the metadata-outage case above but the failure is on the index side.
func TestIndexFetchErrorsThenRecovers(t *testing.T) {
	meta := newFakeSource("metadata", "instance", `{}`)

	fetcher := &scriptedFetcher{
		failUntil: 2,
		err:       errors.New("server error"),
		body: []byte(`{"version":"1.0","sources":[
			{"name":"a","type":"s3","parameters":{"path":"a.json"}},
			{"name":"b","type":"s3","parameters":{"path":"b.json"}},
			{"name":"c","type":"s3","parameters":{"path":"c.json"}}
		]}`),
	}
	index := source.NewBase("s3", "index", 15*time.Millisecond, fetcher, objectstore.ParseIndexSources, nil)

	st := storage.New(0, nil, nil)
	var created []properties.SourceSpec
	var mu sync.Mutex
	factory := recordingFactory(&created, &mu, nil)

	m := New(index, meta, st, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		return index.Status().Running
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(st.Sources()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.OK())
	assert.True(t, index.Status().Running, "the index source is never torn down across its own outage")
}

// fakeBroker is a local, scriptable secret.Broker used by the resolution
// scenarios below.
type fakeBroker struct {
	mu    sync.Mutex
	calls int
	resp  map[string]any
}

func (b *fakeBroker) Get(ctx context.Context, resource string) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.resp, nil
}

func (b *fakeBroker) Post(ctx context.Context, resource string, body map[string]any) (map[string]any, error) {
	return b.Get(ctx, resource)
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// A $tokend sentinel resolves against the broker, and a second build
// within the cache TTL does not call the broker again.
func TestSecretSentinelResolvesAndCachesWithinTTL(t *testing.T) {
	src := newFakeSource("s3", "app", `{"password":{"$tokend":{"type":"generic","resource":"/v1/secret/kali/root/password"}}}`)
	broker := &fakeBroker{resp: map[string]any{"plaintext": "toor"}}
	transformer := secret.NewTransformer(broker, time.Minute, nil)

	st := storage.New(0, transformer, nil)
	require.NoError(t, st.Register(context.Background(), src))

	st.Build(context.Background())
	password, ok := properties.Path(st.Properties(), "password")
	require.True(t, ok)
	assert.Equal(t, "toor", password)

	st.Build(context.Background())
	assert.Equal(t, 1, broker.callCount(), "the same sentinel within TTL calls the broker at most once")
}

// A broker response missing "plaintext" degrades the path to null without
// touching the rest of the tree.
func TestSecretBrokerResponseMissingPlaintextDegradesToNull(t *testing.T) {
	src := newFakeSource("s3", "app", `{
		"password":{"$tokend":{"type":"generic","resource":"/v1/secret/kali/root/password"}},
		"unrelated":"kept"
	}`)
	broker := &fakeBroker{resp: map[string]any{"plaintexts": "toor"}}
	transformer := secret.NewTransformer(broker, time.Minute, nil)

	st := storage.New(0, transformer, nil)
	require.NoError(t, st.Register(context.Background(), src))

	st.Build(context.Background())
	password, ok := properties.Path(st.Properties(), "password")
	require.True(t, ok)
	assert.Nil(t, password)

	unrelated, ok := properties.Path(st.Properties(), "unrelated")
	require.True(t, ok)
	assert.Equal(t, "kept", unrelated)
}

// Idempotent lifecycle: a second Initialize/Shutdown is a no-op alongside
// the first.
func TestManagerLifecycleIsIdempotent(t *testing.T) {
	index := newFakeSource("s3", "index", `{"sources":[]}`)
	meta := newFakeSource("metadata", "instance", `{}`)
	st := storage.New(0, nil, nil)
	factory := recordingFactory(&[]properties.SourceSpec{}, &sync.Mutex{}, nil)

	m := New(index, meta, st, factory, nil)
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))

	m.Shutdown()
	m.Shutdown()
}

// Single instance: Storage never holds two sources with the same
// (type, name): registering a second source under the same pair fails.
func TestStorageRejectsDuplicateTypeName(t *testing.T) {
	st := storage.New(0, nil, nil)
	a := newFakeSource("s3", "app", `{}`)
	b := newFakeSource("s3", "app", `{}`)

	require.NoError(t, st.Register(context.Background(), a))
	require.Error(t, st.Register(context.Background(), b))
	assert.Len(t, st.Sources(), 1)
}
