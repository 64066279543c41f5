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

// Package plugin implements the PluginManager: it owns the index and
// metadata sources and keeps Storage's child-source list consistent with
// the interpolated index, diff-registering sources as the index or
// metadata change. Modeled on cmd/rule-evaluator/main.go's orchestration of
// independently-reloadable subsystems wired together and torn down
// together.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
	"github.com/propsd/propsd/internal/template"
)

// Registrar is the subset of Storage the manager needs: register/unregister
// by (type, name) and the current ordered source list. Narrowed so tests
// can fake it.
type Registrar interface {
	Register(ctx context.Context, src source.Source) error
	Unregister(typ, name string)
	Sources() []source.Source
}

// Factory instantiates a child Source from its interpolated spec. Returns
// an error for an unrecognized type.
type Factory func(ctx context.Context, spec properties.SourceSpec, indexBucket string) (source.Source, error)

// Manager owns the index and metadata sources and reconciles Storage's
// child-source list against the interpolated index on every update from
// either.
type Manager struct {
	index    source.Source
	metadata source.Source
	storage  Registrar
	factory  Factory
	logger   log.Logger

	mu      sync.Mutex
	running bool
	ok      bool
	cancel  context.CancelFunc
	done    chan struct{}

	// specs is the last interpolated, successfully-diffed spec list, keyed
	// by (type, name), used to detect changed parameters on the next
	// reconcile.
	specs map[string]properties.SourceSpec
}

// New constructs a Manager. index and metadata are already-constructed but
// not-yet-initialized sources; factory builds child sources by type.
func New(index, metadata source.Source, storage Registrar, factory Factory, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		index:    index,
		metadata: metadata,
		storage:  storage,
		factory:  factory,
		logger:   logger,
		specs:    make(map[string]properties.SourceSpec),
	}
}

// OK reports whether the last reconcile succeeded.
func (m *Manager) OK() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ok
}

// Initialize starts the index and metadata sources and subscribes both to
// reloadSources.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.index.Initialize(loopCtx); err != nil {
		return fmt.Errorf("plugin: initialize index source: %w", err)
	}
	if err := m.metadata.Initialize(loopCtx); err != nil {
		return fmt.Errorf("plugin: initialize metadata source: %w", err)
	}

	go m.run(loopCtx)
	return nil
}

// Shutdown stops the index and metadata sources and every registered child.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	m.index.Shutdown()
	m.metadata.Shutdown()
	for _, src := range m.storage.Sources() {
		src.Shutdown()
		m.storage.Unregister(src.Type(), src.Name())
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.index.Events():
			if e.Type == source.EventUpdate {
				m.reloadSources(ctx)
			}
		case e := <-m.metadata.Events():
			if e.Type == source.EventUpdate {
				m.reloadSources(ctx)
			}
		}
	}
}

// reloadSources re-interpolates the index's source list against the
// metadata tree and reconciles Storage's child sources to match.
func (m *Manager) reloadSources(ctx context.Context) {
	indexTree := m.index.Properties()
	metadataTree := m.metadata.Properties()

	rawSources, ok := properties.Path(indexTree, "sources")
	if !ok {
		rawSources = []any{}
	}
	seq, _ := rawSources.([]any)

	indexBucket, _ := properties.Path(indexTree, "bucket")
	bucket, _ := indexBucket.(string)

	interpolated := make([]properties.SourceSpec, 0, len(seq))
	for _, item := range seq {
		entryMap, ok := item.(*properties.Map)
		if !ok {
			continue
		}
		spec, err := interpolateSpec(entryMap, metadataTree, bucket)
		if err != nil {
			m.setOK(false)
			level.Warn(m.logger).Log("msg", "reload sources: interpolation failed, will retry on next update", "err", err)
			return
		}
		interpolated = append(interpolated, spec)
	}

	ok = m.diffRegister(ctx, interpolated, bucket)
	m.setOK(ok)
}

func (m *Manager) setOK(ok bool) {
	m.mu.Lock()
	m.ok = ok
	m.mu.Unlock()
}

// interpolateSpec builds a SourceSpec from an index entry, substituting
// metadata template placeholders into its parameters. For an s3 entry, the
// spec's registered identity is rewritten from the index-declared name to
// "s3-<bucket>-<path>" (path after interpolation) so that two index entries
// resolving to the same S3 object collide on the same child source, and so
// Storage's source list reads as the actual objects being fetched rather
// than the index's own naming for them. indexBucket is the index document's
// top-level bucket, used when the entry has no bucket parameter of its own.
func interpolateSpec(entry *properties.Map, metadataTree *properties.Map, indexBucket string) (properties.SourceSpec, error) {
	name, _ := entry.Get("name")
	typ, _ := entry.Get("type")
	nameStr, _ := name.(string)
	typStr, _ := typ.(string)

	spec := properties.SourceSpec{Name: nameStr, Type: typStr, Parameters: make(map[string]any)}

	params, ok := entry.Get("parameters")
	if ok {
		if paramsMap, ok := params.(*properties.Map); ok {
			raw := make(map[string]any, paramsMap.Len())
			for _, k := range paramsMap.Keys() {
				v, _ := paramsMap.Get(k)
				raw[k] = v
			}

			coerced, err := template.CoerceParameters(raw, metadataTree)
			if err != nil {
				return properties.SourceSpec{}, err
			}
			spec.Parameters = coerced
		}
	}

	if typStr == "s3" {
		bucket, _ := spec.Parameters["bucket"].(string)
		if bucket == "" {
			bucket = indexBucket
		}
		path, _ := spec.Parameters["path"].(string)
		spec.Name = fmt.Sprintf("s3-%s-%s", bucket, path)
	}

	return spec, nil
}

// diffRegister diffs interpolated against the manager's last-known spec
// list, keyed by (type, name), and adds/removes/replaces Storage's child
// sources to match, preserving the interpolated list's order. It returns
// false if any entry's type was unrecognized or failed to come up, even
// though the other entries still register normally.
func (m *Manager) diffRegister(ctx context.Context, interpolated []properties.SourceSpec, indexBucket string) bool {
	m.mu.Lock()
	previous := m.specs
	m.mu.Unlock()

	ok := true

	wanted := make(map[string]properties.SourceSpec, len(interpolated))
	for _, spec := range interpolated {
		wanted[spec.Key()] = spec
	}

	// Removed: present before, absent now.
	for key := range previous {
		if _, ok := wanted[key]; ok {
			continue
		}
		for _, src := range m.storage.Sources() {
			if src.Type()+":"+src.Name() == key {
				src.Shutdown()
				m.storage.Unregister(src.Type(), src.Name())
			}
		}
	}

	// Added or changed.
	for _, spec := range interpolated {
		prior, existed := previous[spec.Key()]
		if existed && paramsEqual(prior.Parameters, spec.Parameters) {
			continue
		}
		if existed {
			for _, src := range m.storage.Sources() {
				if src.Type() == spec.Type && src.Name() == spec.Name {
					src.Shutdown()
					m.storage.Unregister(src.Type(), src.Name())
				}
			}
		}

		src, err := m.factory(ctx, spec, indexBucket)
		if err != nil {
			level.Warn(m.logger).Log("msg", "source type not implemented", "type", spec.Type, "name", spec.Name, "err", err)
			ok = false
			delete(wanted, spec.Key())
			continue
		}
		if err := src.Initialize(ctx); err != nil {
			level.Warn(m.logger).Log("msg", "failed to initialize source", "type", spec.Type, "name", spec.Name, "err", err)
			ok = false
			delete(wanted, spec.Key())
			continue
		}
		if err := m.storage.Register(ctx, src); err != nil {
			level.Warn(m.logger).Log("msg", "failed to register source", "type", spec.Type, "name", spec.Name, "err", err)
			src.Shutdown()
			ok = false
			delete(wanted, spec.Key())
			continue
		}
	}

	m.mu.Lock()
	m.specs = wanted
	m.mu.Unlock()
	return ok
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
