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

// Package storage implements the Storage/Properties builder: the ordered
// list of active sources, their deep-merged property tree, and the
// hold-down-debounced, single-flight rebuild that feeds the secret
// transformer. Modeled on pkg/secrets/manager.go's Manager.ApplyConfig
// single-flight rebuild-under-mutex pattern.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/secret"
	"github.com/propsd/propsd/internal/source"
)

// Transformer resolves $tokend sentinels into an overlay tree. Narrowed to
// what Storage needs from *secret.Transformer so tests can fake it.
type Transformer interface {
	Transform(ctx context.Context, tree *properties.Map) *properties.Map
}

var _ Transformer = (*secret.Transformer)(nil)

// SourceStatus is one entry of Health's per-source breakdown.
type SourceStatus struct {
	Name   string
	Type   string
	Status string // "okay" or "fail"
}

// Health is Storage's aggregate health.
type Health struct {
	OK      bool
	Code    int
	Sources []SourceStatus
}

// entry pairs a registered source with the unsubscribe plumbing for its
// event channel.
type entry struct {
	src    source.Source
	cancel context.CancelFunc
}

// Storage holds the ordered list of active sources, deep-merges their
// property trees in registration order, and runs Transformer over the
// result.
type Storage struct {
	holdDown    time.Duration
	transformer Transformer
	logger      log.Logger

	mu       sync.Mutex
	entries  []*entry
	built    *properties.Map
	buildSeq uint64

	buildMu      sync.Mutex
	timer        *time.Timer
	rebuilding   bool
	pendingAgain bool

	events chan *properties.Map
}

// New constructs an empty Storage. holdDown is the debounce window
// (defaults to 100ms at the call site); transformer may be nil, in which
// case build() skips secret resolution.
func New(holdDown time.Duration, transformer Transformer, logger log.Logger) *Storage {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Storage{
		holdDown:    holdDown,
		transformer: transformer,
		logger:      logger,
		built:       properties.NewMap(),
		events:      make(chan *properties.Map, 4),
	}
}

// Events delivers the resolved tree P′ after every successful build.
func (s *Storage) Events() <-chan *properties.Map { return s.events }

// Register appends src to the ordered source list and subscribes to its
// event channel, scheduling a rebuild on every update/no-update/error. It
// rejects a duplicate (type, name) pair.
func (s *Storage) Register(ctx context.Context, src source.Source) error {
	s.mu.Lock()
	for _, e := range s.entries {
		if e.src.Type() == src.Type() && e.src.Name() == src.Name() {
			s.mu.Unlock()
			return fmt.Errorf("storage: duplicate source %s:%s", src.Type(), src.Name())
		}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	e := &entry{src: src, cancel: cancel}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	go s.watch(watchCtx, src)
	return nil
}

// Unregister removes src from the list and stops watching its events. It
// does not call src.Shutdown(); the caller owns that lifecycle decision.
func (s *Storage) Unregister(typ, name string) {
	s.mu.Lock()
	for i, e := range s.entries {
		if e.src.Type() == typ && e.src.Name() == name {
			e.cancel()
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Sources returns the current ordered list of registered sources. The
// caller must not mutate the returned slice.
func (s *Storage) Sources() []source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]source.Source, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.src
	}
	return out
}

func (s *Storage) watch(ctx context.Context, src source.Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-src.Events():
			if !ok {
				return
			}
			s.Update()
		}
	}
}

// Update schedules a rebuild after the hold-down window. Calls that arrive
// while the timer is pending, or while a rebuild is already running, are
// coalesced into a single follow-up rebuild.
func (s *Storage) Update() {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if s.rebuilding {
		s.pendingAgain = true
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.holdDown, s.runBuild)
}

func (s *Storage) runBuild() {
	s.buildMu.Lock()
	s.rebuilding = true
	s.timer = nil
	s.buildMu.Unlock()

	s.build(context.Background())

	s.buildMu.Lock()
	s.rebuilding = false
	again := s.pendingAgain
	s.pendingAgain = false
	s.buildMu.Unlock()

	if again {
		s.Update()
	}
}

// Build forces an immediate synchronous rebuild, bypassing the hold-down
// timer. Intended for tests and for an explicit first build on startup.
func (s *Storage) Build(ctx context.Context) {
	s.buildMu.Lock()
	s.rebuilding = true
	s.buildMu.Unlock()

	s.build(ctx)

	s.buildMu.Lock()
	s.rebuilding = false
	again := s.pendingAgain
	s.pendingAgain = false
	s.buildMu.Unlock()

	if again {
		s.Update()
	}
}

func (s *Storage) build(ctx context.Context) {
	s.mu.Lock()
	trees := make([]*properties.Map, len(s.entries))
	for i, e := range s.entries {
		trees[i] = e.src.Properties()
	}
	s.mu.Unlock()

	merged := properties.MergeAll(trees...)

	resolved := merged
	if s.transformer != nil {
		overlay := s.transformer.Transform(ctx, merged)
		resolved = properties.Merge(merged, overlay)
	}

	s.mu.Lock()
	s.built = resolved
	s.buildSeq++
	s.mu.Unlock()

	level.Debug(s.logger).Log("msg", "storage rebuilt", "sources", len(trees))

	select {
	case s.events <- resolved:
	default:
	}
}

// Properties returns the last successfully built resolved tree P′.
func (s *Storage) Properties() *properties.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

// Health aggregates the ok/fail status of every registered source.
func (s *Storage) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := Health{OK: true, Code: 200}
	for _, e := range s.entries {
		st := e.src.Status()
		status := "okay"
		if !st.OK {
			status = "fail"
			h.OK = false
		}
		h.Sources = append(h.Sources, SourceStatus{
			Name:   e.src.Name(),
			Type:   e.src.Type(),
			Status: status,
		})
	}
	if !h.OK {
		h.Code = 503
	}
	return h
}
