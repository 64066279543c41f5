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

// Package metadata implements a Source specialization that walks a fixed
// hierarchy on an instance-metadata HTTP service and flattens it into a
// nested map under key "instance".
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/go-kit/log"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
)

// ErrConnectionRefused marks a fetch that failed because the metadata
// service refused the connection, keeping it distinguishable from other
// fetch failures. The source's fetch loop keeps running, so the next tick
// retries.
var ErrConnectionRefused = errors.New("metadata: CONNECTION_REFUSED")

// Client is the subset of a cloud instance-metadata client the source needs.
// Satisfied by *metadata.Client from cloud.google.com/go/compute/metadata.
type Client interface {
	ProjectIDWithContext(ctx context.Context) (string, error)
	InstanceIDWithContext(ctx context.Context) (string, error)
	ZoneWithContext(ctx context.Context) (string, error)
	InstanceAttributeValueWithContext(ctx context.Context, attr string) (string, error)
	InstanceAttributesWithContext(ctx context.Context) ([]string, error)
	EmailWithContext(ctx context.Context, serviceAccount string) (string, error)
}

// TokenFetcher fetches the default service account's identity, stored under
// "instance.iam". The fetcher built by NewIAMTokenFetcher returns only the
// account email; no access token is fetched.
type TokenFetcher func(ctx context.Context) (map[string]any, error)

type fetcher struct {
	client Client
	token  TokenFetcher
}

// Fetch walks the fixed metadata hierarchy and assembles it into the
// "instance" subtree. It has no etag of its own, so Base falls back to a
// content hash over the resulting tree.
func (f *fetcher) Fetch(ctx context.Context, _ string) (source.FetchResult, error) {
	instance := properties.NewMap()

	projectID, err := f.client.ProjectIDWithContext(ctx)
	if err != nil {
		return source.FetchResult{}, classify(err)
	}
	instance.Set("project-id", projectID)

	instanceID, err := f.client.InstanceIDWithContext(ctx)
	if err != nil {
		return source.FetchResult{}, classify(err)
	}
	instance.Set("instance-id", instanceID)

	zone, err := f.client.ZoneWithContext(ctx)
	if err != nil {
		return source.FetchResult{}, classify(err)
	}
	instance.Set("zone", zone)

	attrNames, err := f.client.InstanceAttributesWithContext(ctx)
	if err != nil {
		return source.FetchResult{}, classify(err)
	}
	attrs := properties.NewMap()
	for _, name := range attrNames {
		val, err := f.client.InstanceAttributeValueWithContext(ctx, name)
		if err != nil {
			return source.FetchResult{}, classify(err)
		}
		attrs.Set(name, val)
	}
	instance.Set("attributes", attrs)

	if f.token != nil {
		creds, err := f.token(ctx)
		if err != nil {
			return source.FetchResult{}, classify(err)
		}
		credMap := properties.NewMap()
		for k, v := range creds {
			credMap.Set(k, v)
		}
		instance.Set("iam", credMap)
	}

	root := properties.NewMap()
	root.Set("instance", instance)

	body, err := root.MarshalJSON()
	if err != nil {
		return source.FetchResult{}, fmt.Errorf("metadata: marshal: %w", err)
	}
	return source.FetchResult{Outcome: source.Fetched, Body: body}, nil
}

// classify maps a connection-refused condition to ErrConnectionRefused so
// callers can distinguish it (with errors.Is) from any other failure.
func classify(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	return fmt.Errorf("metadata: fetch: %w", err)
}

// Parse decodes the fetcher's assembled JSON back into a property tree. The
// Fetcher already produces the final shape, so this is a pass-through.
func Parse(body []byte) (*properties.Map, error) {
	return properties.ParseTree(body)
}

// ParseAttributeJSON decodes a JSON-encoded instance attribute value (for
// attributes whose values are themselves JSON). The fetcher does not call
// it: attribute values are stored as plain strings.
func ParseAttributeJSON(raw string) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("metadata: decode attribute json: %w", err)
	}
	return m, nil
}

// New constructs a MetadataSource. interval defaults to 60s if unset.
func New(client Client, token TokenFetcher, interval time.Duration, logger log.Logger) source.Source {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	f := &fetcher{client: client, token: token}
	return source.NewBase("metadata", "instance", interval, f, Parse, logger)
}
