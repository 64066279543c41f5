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

package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
	"github.com/propsd/propsd/internal/source/catalog"
	"github.com/propsd/propsd/internal/source/objectstore"
)

// NewStandardFactory returns the Factory that dispatches by spec.Type: "s3"
// to ObjectStoreSource, "consul" to CatalogSource, anything else an error
// ("source type <t> not implemented"). The Manager logs that error as a
// warning, skips the entry and marks the reconcile not-ok; it emits no
// event.
func NewStandardFactory(logger log.Logger) Factory {
	return func(ctx context.Context, spec properties.SourceSpec, indexBucket string) (source.Source, error) {
		switch spec.Type {
		case "s3":
			return newObjectStoreChild(ctx, spec, indexBucket, logger)
		case "consul":
			return newCatalogChild(spec, logger)
		default:
			return nil, fmt.Errorf("source type %s not implemented", spec.Type)
		}
	}
}

func newObjectStoreChild(ctx context.Context, spec properties.SourceSpec, indexBucket string, logger log.Logger) (source.Source, error) {
	bucket, _ := spec.Parameters["bucket"].(string)
	if bucket == "" {
		bucket = indexBucket
	}
	path, _ := spec.Parameters["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("s3 source %s: missing required parameter %q", spec.Name, "path")
	}
	endpoint, _ := spec.Parameters["endpoint"].(string)
	region, _ := spec.Parameters["region"].(string)
	interval := durationParam(spec.Parameters["interval"], 60*time.Second)

	params := objectstore.Params{
		Bucket:   bucket,
		Path:     path,
		Endpoint: endpoint,
		Region:   region,
		Interval: interval,
	}
	client, err := objectstore.NewClient(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("s3 source %s: %w", spec.Name, err)
	}
	return objectstore.New(spec.Name, client, params, objectstore.ParseRoot, logger), nil
}

func newCatalogChild(spec properties.SourceSpec, logger log.Logger) (source.Source, error) {
	address, _ := spec.Parameters["address"].(string)
	interval := durationParam(spec.Parameters["interval"], 60*time.Second)

	client, err := catalog.NewConsulClient(address)
	if err != nil {
		return nil, fmt.Errorf("consul source %s: %w", spec.Name, err)
	}
	return catalog.New(spec.Name, client, interval, logger), nil
}

// durationParam coerces an index parameter (a JSON number of milliseconds)
// into a time.Duration, falling back to def when absent or the wrong type.
func durationParam(v any, def time.Duration) time.Duration {
	switch n := v.(type) {
	case float64:
		return time.Duration(n) * time.Millisecond
	case int:
		return time.Duration(n) * time.Millisecond
	default:
		return def
	}
}
