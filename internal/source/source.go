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

// Package source implements the periodic, etag/signature-gated fetch loop
// every concrete property feed (object store, instance metadata, service
// catalog) is built on top of.
package source

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-change signature, not a security boundary
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/propsd/propsd/internal/properties"
)

// EventType names the closed message alphabet a Source emits.
type EventType string

const (
	EventStartup  EventType = "startup"
	EventUpdate   EventType = "update"
	EventNoUpdate EventType = "no-update"
	EventShutdown EventType = "shutdown"
	EventError    EventType = "error"
)

// Event is one message emitted on a Source's event channel.
type Event struct {
	Type EventType
	Err  error
}

// State is a Source's lifecycle state:
// CREATED → RUNNING ⇄ FAILED → STOPPED.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

// Status is a read-only snapshot of a Source's state.
type Status struct {
	Type     string
	Name     string
	OK       bool
	Running  bool
	Updated  time.Time
	Interval time.Duration
	State    State
}

// Source is the contract every property feed implements: a periodic fetch
// loop with change detection, lifecycle events, and a parsed properties
// tree.
type Source interface {
	Type() string
	Name() string

	// Initialize begins the periodic fetch loop. Idempotent.
	Initialize(ctx context.Context) error
	// Shutdown stops the loop and detaches watchers. Idempotent. Once it
	// returns, no further events are emitted.
	Shutdown()

	Status() Status
	// Properties returns the last successfully parsed tree. A source whose
	// last fetch failed keeps returning its previous tree.
	Properties() *properties.Map

	Events() <-chan Event
}

// Outcome classifies what a Fetch call observed.
type Outcome int

const (
	// Unchanged means the fetch succeeded but the content is identical to
	// what was last seen (an etag match, for example).
	Unchanged Outcome = iota
	// NotFound means the target object does not exist; this is not an
	// error, it drives an empty-tree update.
	NotFound
	// Fetched means new bytes were returned and must be parsed.
	Fetched
)

// FetchResult is what a concrete Fetcher returns for one tick.
type FetchResult struct {
	Outcome Outcome
	// ETag is the backend's change-detection token, if it has one. Left
	// empty for etag-less backends, in which case Base falls back to a
	// content hash over the parsed tree.
	ETag string
	// Body holds the raw bytes when Outcome == Fetched.
	Body []byte
}

// Fetcher performs the backend-specific half of one tick: issuing the
// conditional request and reporting what came back. Concrete Source
// specializations (ObjectStoreSource, MetadataSource) implement this and
// delegate tick sequencing to Base.
type Fetcher interface {
	Fetch(ctx context.Context, lastETag string) (FetchResult, error)
}

// Parser turns raw fetched bytes into a property tree. Injected at
// construction so the same Base can serve both a plain child source
// (properties = parsed root) and the index source (properties = parsed
// root's "sources" field).
type Parser func(body []byte) (*properties.Map, error)

// Base implements the generic tick algorithm on top of a backend-specific
// Fetcher and Parser. ObjectStoreSource and MetadataSource are both thin
// wrappers around a Base.
type Base struct {
	typ      string
	name     string
	interval time.Duration
	fetcher  Fetcher
	parser   Parser
	logger   log.Logger

	mu         sync.Mutex
	running    bool
	ok         bool
	state      State
	updated    time.Time
	etag       string
	signature  string
	properties *properties.Map

	cancel context.CancelFunc
	done   chan struct{}
	events chan Event
}

// NewBase constructs a Base. interval is the fetch period; the first fetch
// happens immediately on Initialize.
func NewBase(typ, name string, interval time.Duration, fetcher Fetcher, parser Parser, logger log.Logger) *Base {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Base{
		typ:        typ,
		name:       name,
		interval:   interval,
		fetcher:    fetcher,
		parser:     parser,
		logger:     log.With(logger, "source_type", typ, "source_name", name),
		state:      StateCreated,
		properties: properties.NewMap(),
		events:     make(chan Event, 16),
	}
}

func (b *Base) Type() string { return b.typ }
func (b *Base) Name() string { return b.name }

// Events returns the Source's event channel.
func (b *Base) Events() <-chan Event { return b.events }

// Properties returns the last successfully parsed tree.
func (b *Base) Properties() *properties.Map {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.properties
}

// Status returns a snapshot of the Source's state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Type:     b.typ,
		Name:     b.name,
		OK:       b.ok,
		Running:  b.running,
		Updated:  b.updated,
		Interval: b.interval,
		State:    b.state,
	}
}

// Initialize begins the periodic fetch loop. A second call on an already
// running Base is a no-op.
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.state = StateRunning
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.emit(Event{Type: EventStartup})
	go b.loop(loopCtx)
	return nil
}

// Shutdown stops the timer and marks the Source stopped. Idempotent: a
// second call is a no-op. After it returns, no further events are emitted.
func (b *Base) Shutdown() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.state = StateStopped
	cancel := b.cancel
	done := b.done
	b.etag = ""
	b.signature = ""
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	b.emit(Event{Type: EventShutdown})
}

func (b *Base) loop(ctx context.Context) {
	defer close(b.done)

	b.tick(ctx)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Base) tick(ctx context.Context) {
	b.mu.Lock()
	lastETag := b.etag
	b.mu.Unlock()

	result, err := b.fetcher.Fetch(ctx, lastETag)
	if err != nil {
		b.mu.Lock()
		b.ok = false
		b.state = StateFailed
		b.mu.Unlock()
		level.Warn(b.logger).Log("msg", "fetch failed", "err", err)
		b.emit(Event{Type: EventError, Err: err})
		return
	}

	switch result.Outcome {
	case Unchanged:
		b.mu.Lock()
		b.ok = true
		b.state = StateRunning
		b.updated = time.Now()
		b.mu.Unlock()
		b.emit(Event{Type: EventNoUpdate})

	case NotFound:
		b.mu.Lock()
		b.properties = properties.NewMap()
		b.etag = ""
		b.signature = ""
		b.ok = true
		b.state = StateRunning
		b.updated = time.Now()
		b.mu.Unlock()
		b.emit(Event{Type: EventUpdate})

	case Fetched:
		tree, perr := b.parser(result.Body)
		if perr != nil {
			b.mu.Lock()
			b.ok = false
			b.state = StateFailed
			b.mu.Unlock()
			level.Warn(b.logger).Log("msg", "parse failed, retaining previous properties", "err", perr)
			b.emit(Event{Type: EventError, Err: fmt.Errorf("parse: %w", perr)})
			return
		}

		sig := result.ETag
		if sig == "" {
			sig = contentSignature(tree)
		}

		b.mu.Lock()
		changed := sig != b.signature
		if changed {
			b.properties = tree
			b.signature = sig
			b.etag = result.ETag
		}
		b.ok = true
		b.state = StateRunning
		b.updated = time.Now()
		b.mu.Unlock()

		if changed {
			b.emit(Event{Type: EventUpdate})
		} else {
			b.emit(Event{Type: EventNoUpdate})
		}
	}
}

func (b *Base) emit(e Event) {
	select {
	case b.events <- e:
	default:
		// A slow or absent consumer must never block the fetch loop; drop
		// rather than stall. Status() remains authoritative regardless.
	}
}

// contentSignature hashes a parsed tree's canonical JSON form, used for
// etag-less backends to decide update vs no-update.
func contentSignature(tree *properties.Map) string {
	data, err := tree.MarshalJSON()
	if err != nil {
		return ""
	}
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}
