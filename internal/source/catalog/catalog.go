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

// Package catalog implements a Source that watches a service-discovery
// catalog and, per service, maintains a sub-watch yielding
// {name: {addresses: […]}}.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
)

// Entry is one health-checked service instance.
type Entry struct {
	// ServiceAddress is the instance's own advertised address; preferred
	// over NodeAddress when non-empty.
	ServiceAddress string
	NodeAddress    string
}

func (e Entry) address() string {
	if e.ServiceAddress != "" {
		return e.ServiceAddress
	}
	return e.NodeAddress
}

// Client is the subset of the consul catalog/health API the source needs,
// expressed as long-poll ("blocking query") calls. Satisfied by a thin
// adapter over *consulapi.Client (github.com/hashicorp/consul/api).
type Client interface {
	// ServiceList blocks until the service→tags catalog changes past
	// waitIndex, or the context is done, and returns the new index.
	ServiceList(ctx context.Context, waitIndex uint64) (map[string][]string, uint64, error)
	// ServiceHealth blocks until the named (service, tag) health set changes
	// past waitIndex, or the context is done. tag == "" watches the whole
	// service, untagged.
	ServiceHealth(ctx context.Context, service, tag string, waitIndex uint64) ([]Entry, uint64, error)
}

// Source watches a service catalog and maintains one sub-watch per
// (service, tag) pair observed in the service list.
type Source struct {
	client   Client
	name     string
	logger   log.Logger
	interval time.Duration

	mu         sync.Mutex
	properties *properties.Map
	watchers   map[string]context.CancelFunc
	ok         bool
	running    bool
	updated    time.Time
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	events     chan source.Event
}

// New constructs a CatalogSource. interval bounds how long a single
// blocking query may run before it is retried.
func New(name string, client Client, interval time.Duration, logger log.Logger) *Source {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Source{
		client:     client,
		name:       name,
		logger:     log.With(logger, "source_type", "consul", "source_name", name),
		interval:   interval,
		properties: properties.NewMap(),
		watchers:   make(map[string]context.CancelFunc),
		events:     make(chan source.Event, 32),
	}
}

func (s *Source) Type() string { return "consul" }
func (s *Source) Name() string { return s.name }

func (s *Source) Events() <-chan source.Event { return s.events }

func (s *Source) Properties() *properties.Map {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.properties.Clone()
}

func (s *Source) Status() source.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := source.StateRunning
	if !s.running {
		state = source.StateStopped
	} else if !s.ok {
		state = source.StateFailed
	}
	return source.Status{
		Type:     "consul",
		Name:     s.name,
		OK:       s.ok,
		Running:  s.running,
		Updated:  s.updated,
		Interval: s.interval,
		State:    state,
	}
}

// Initialize starts the service-list watch loop. Idempotent.
func (s *Source) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.emit(source.Event{Type: source.EventStartup})
	s.wg.Add(1)
	go s.watchServiceList(loopCtx)
	return nil
}

// Shutdown stops the service-list watch and every health sub-watch.
// Idempotent.
func (s *Source) Shutdown() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	for _, c := range s.watchers {
		c()
	}
	s.watchers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.emit(source.Event{Type: source.EventShutdown})
}

func (s *Source) emit(e source.Event) {
	select {
	case s.events <- e:
	default:
	}
}

func (s *Source) watchServiceList(ctx context.Context) {
	defer s.wg.Done()
	var waitIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		callCtx, cancel := context.WithTimeout(ctx, s.interval)
		services, newIndex, err := s.client.ServiceList(callCtx, waitIndex)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.mu.Lock()
			s.ok = false
			s.mu.Unlock()
			level.Warn(s.logger).Log("msg", "service list watch failed", "err", err)
			s.emit(source.Event{Type: source.EventError, Err: err})
			time.Sleep(time.Second)
			continue
		}
		if newIndex == waitIndex {
			// No change within the wait window; re-poll.
			continue
		}
		waitIndex = newIndex
		s.reconcileWatchers(ctx, services)

		s.mu.Lock()
		s.ok = true
		s.updated = time.Now()
		s.mu.Unlock()
	}
}

// reconcileWatchers ensures exactly one health watcher per (service, tag)
// pair named by services, tearing down watchers for names no longer
// present.
func (s *Source) reconcileWatchers(ctx context.Context, services map[string][]string) {
	wanted := make(map[string]struct{ service, tag string })
	for svc, tags := range services {
		if len(tags) == 0 {
			wanted[svc] = struct{ service, tag string }{svc, ""}
			continue
		}
		for _, tag := range tags {
			name := svc + "-" + tag
			wanted[name] = struct{ service, tag string }{svc, tag}
		}
	}

	s.mu.Lock()
	var toStart []struct{ name, service, tag string }
	for name, st := range wanted {
		if _, ok := s.watchers[name]; !ok {
			toStart = append(toStart, struct{ name, service, tag string }{name, st.service, st.tag})
		}
	}
	var toStop []string
	for name := range s.watchers {
		if _, ok := wanted[name]; !ok {
			toStop = append(toStop, name)
		}
	}
	for _, name := range toStop {
		s.watchers[name]()
		delete(s.watchers, name)
	}
	s.mu.Unlock()

	for _, t := range toStart {
		watchCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.watchers[t.name] = cancel
		s.mu.Unlock()
		s.wg.Add(1)
		go s.watchHealth(watchCtx, t.name, t.service, t.tag)
	}

	s.mu.Lock()
	for _, name := range toStop {
		s.properties.Delete(name)
	}
	s.mu.Unlock()
	if len(toStop) > 0 {
		s.emit(source.Event{Type: source.EventUpdate})
	}
}

func (s *Source) watchHealth(ctx context.Context, name, service, tag string) {
	defer s.wg.Done()
	var waitIndex uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		callCtx, cancel := context.WithTimeout(ctx, s.interval)
		entries, newIndex, err := s.client.ServiceHealth(callCtx, service, tag, waitIndex)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			level.Warn(s.logger).Log("msg", "health watch failed", "name", name, "err", err)
			s.emit(source.Event{Type: source.EventError, Err: fmt.Errorf("catalog: health %s: %w", name, err)})
			time.Sleep(time.Second)
			continue
		}
		if newIndex == waitIndex {
			continue
		}
		waitIndex = newIndex

		addrs := addresses(entries)

		s.mu.Lock()
		if len(addrs) == 0 {
			s.properties.Delete(name)
		} else {
			entry := properties.NewMap()
			seq := make([]any, len(addrs))
			for i, a := range addrs {
				seq[i] = a
			}
			entry.Set("addresses", seq)
			s.properties.Set(name, entry)
		}
		s.updated = time.Now()
		s.mu.Unlock()
		s.emit(source.Event{Type: source.EventUpdate})

		if len(addrs) == 0 {
			// The entry retired; this watcher's job is done.
			s.mu.Lock()
			delete(s.watchers, name)
			s.mu.Unlock()
			return
		}
	}
}

func addresses(entries []Entry) []string {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if a := e.address(); a != "" {
			seen[a] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
