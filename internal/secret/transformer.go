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

// Package secret implements the property-tree secret transformer: it walks
// a property tree, resolves $tokend sentinels against a secret broker, and
// returns an overlay tree of resolved substitutions, caching results with a
// jittered TTL. Modeled on pkg/secrets/manager.go and pkg/secrets/watch.go's
// mutex-guarded, TTL-diffed cache.
package secret

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/propsd/propsd/internal/properties"
)

// sentinelKey is the sole mapping key that marks a node as a secret
// reference.
const sentinelKey = "$tokend"

// Sentinel is a $tokend sentinel's value.
type Sentinel struct {
	Type       string `json:"type"`
	Resource   string `json:"resource"`
	Key        string `json:"key,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Region     string `json:"region,omitempty"`
	Datakey    string `json:"datakey,omitempty"`
}

// Broker is the secret broker contract: a generic key/value GET and a
// POST for transit/KMS-style unwrap requests.
type Broker interface {
	Get(ctx context.Context, resource string) (map[string]any, error)
	Post(ctx context.Context, resource string, body map[string]any) (map[string]any, error)
}

type cacheEntry struct {
	value    any
	cachedAt time.Time
}

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propsd_secret_cache_hits_total",
		Help: "Secret resolutions served from cache without a broker call.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propsd_secret_cache_misses_total",
		Help: "Secret resolutions that required a broker call.",
	})
	brokerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "propsd_secret_broker_failures_total",
		Help: "Secret broker calls or responses that degraded to a null substitution.",
	})
)

// RegisterMetrics registers the package's collectors with reg. Safe to call
// once per process; a nil reg is a no-op.
func RegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(cacheHits, cacheMisses, brokerFailures)
}

// Transformer resolves $tokend sentinels against a Broker, caching results
// for TTL (plus jitter).
type Transformer struct {
	broker Broker
	ttl    time.Duration
	logger log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewTransformer constructs a Transformer. ttl is the cache lifetime
// (defaults to 300000ms at the call site).
func NewTransformer(broker Broker, ttl time.Duration, logger log.Logger) *Transformer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Transformer{
		broker: broker,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// RunJanitor periodically wipes the whole cache every TTL + jitter(0..60s),
// until ctx is done.
func (tr *Transformer) RunJanitor(ctx context.Context) {
	for {
		wait := tr.ttl + time.Duration(rand.Int63n(int64(60*time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			tr.mu.Lock()
			tr.cache = make(map[string]cacheEntry)
			tr.mu.Unlock()
		}
	}
}

type record struct {
	keyPath string
	spec    Sentinel
}

// Transform walks tree depth-first collecting $tokend sentinels, resolves
// each (via cache or broker), and returns an overlay tree mapping every
// sentinel's key path to its resolved value (or nil). It never returns an
// error: every failure degrades to a nil substitution with a logged
// warning.
func (tr *Transformer) Transform(ctx context.Context, tree *properties.Map) *properties.Map {
	var records []record
	collect(tree, "", &records)

	overlay := properties.NewMap()
	for _, r := range records {
		value := tr.resolve(ctx, r.spec)
		properties.SetPath(overlay, r.keyPath, value)
	}
	return overlay
}

// collect walks tree depth-first. A mapping whose sole key is "$tokend" is
// recorded as a sentinel and not descended into further.
func collect(node any, prefix string, out *[]record) {
	m, ok := node.(*properties.Map)
	if !ok {
		return
	}
	if m.Len() == 1 && m.Keys()[0] == sentinelKey {
		raw, ok := m.Get(sentinelKey)
		if !ok {
			return
		}
		spec, err := toSentinel(raw)
		if err != nil {
			return
		}
		*out = append(*out, record{keyPath: prefix, spec: spec})
		return
	}
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		childPath := k
		if prefix != "" {
			childPath = prefix + "." + k
		}
		collect(v, childPath, out)
	}
}

func toSentinel(raw any) (Sentinel, error) {
	m, ok := raw.(*properties.Map)
	if !ok {
		return Sentinel{}, errNotSentinel
	}
	data, err := m.MarshalJSON()
	if err != nil {
		return Sentinel{}, err
	}
	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		return Sentinel{}, err
	}
	return s, nil
}

var errNotSentinel = jsonError("secret: not a sentinel value")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func (tr *Transformer) resolve(ctx context.Context, spec Sentinel) any {
	sig := signature(spec)

	tr.mu.Lock()
	if entry, ok := tr.cache[sig]; ok {
		tr.mu.Unlock()
		cacheHits.Inc()
		return entry.value
	}
	tr.mu.Unlock()

	cacheMisses.Inc()
	value := tr.dispatch(ctx, spec)

	tr.mu.Lock()
	tr.cache[sig] = cacheEntry{value: value, cachedAt: time.Now()}
	tr.mu.Unlock()

	return value
}

func (tr *Transformer) dispatch(ctx context.Context, spec Sentinel) any {
	var resp map[string]any
	var err error

	switch spec.Type {
	case "generic":
		resp, err = tr.broker.Get(ctx, spec.Resource)
	case "transit":
		resp, err = tr.broker.Post(ctx, spec.Resource, map[string]any{
			"key":        spec.Key,
			"ciphertext": spec.Ciphertext,
		})
	case "kms":
		body := map[string]any{
			"key":        "KMS",
			"ciphertext": spec.Ciphertext,
		}
		if spec.Region != "" {
			body["region"] = spec.Region
		}
		if spec.Datakey != "" {
			body["datakey"] = spec.Datakey
		}
		resp, err = tr.broker.Post(ctx, spec.Resource, body)
	default:
		level.Warn(tr.logger).Log("msg", "unknown secret sentinel type", "type", spec.Type, "resource", spec.Resource)
		brokerFailures.Inc()
		return nil
	}

	if err != nil {
		level.Warn(tr.logger).Log("msg", "secret broker call failed", "resource", spec.Resource, "err", err)
		brokerFailures.Inc()
		return nil
	}

	plaintext, ok := resp["plaintext"]
	if !ok {
		level.Warn(tr.logger).Log("msg", "secret broker response missing plaintext", "resource", spec.Resource)
		brokerFailures.Inc()
		return nil
	}
	return plaintext
}

// signature computes the cache key: SHA-1 of the sentinel's canonical JSON.
func signature(spec Sentinel) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	_ = enc.Encode(spec)
	sum := sha1.Sum(buf.Bytes()) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
