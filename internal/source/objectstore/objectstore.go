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

// Package objectstore implements a Source specialization that fetches a
// JSON blob from an object store keyed by (bucket, path), using entity-tag
// conditional requests.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-kit/log"

	"github.com/propsd/propsd/internal/properties"
	"github.com/propsd/propsd/internal/source"
)

// Params are the s3-type source parameters: "bucket", "path", optional
// "endpoint", "region", "interval".
type Params struct {
	Bucket   string
	Path     string
	Endpoint string
	Region   string
	Interval time.Duration
}

// Client is the subset of the S3 API the source needs, satisfied by
// *s3.Client. Abstracted for testability.
type Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewClient builds an aws-sdk-go-v2 S3 client for Params, forcing
// path-style addressing when an explicit endpoint is set (e.g. a
// non-AWS-hosted, S3-compatible store).
func NewClient(ctx context.Context, p Params) (Client, error) {
	var optFns []func(*config.LoadOptions) error
	if p.Region != "" {
		optFns = append(optFns, config.WithRegion(p.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ParseRoot parses a fetched blob as a property file ({"version", "properties"})
// and returns its "properties" field — the parser child sources use.
func ParseRoot(body []byte) (*properties.Map, error) {
	pf, err := properties.ParsePropertyFile(body)
	if err != nil {
		return nil, err
	}
	return pf.Properties, nil
}

// ParseIndexSources parses a fetched blob as an index document and returns
// only its "sources" field reshaped as a property tree — the parser the
// index source uses.
func ParseIndexSources(body []byte) (*properties.Map, error) {
	doc, err := properties.ParseIndexDocument(body)
	if err != nil {
		return nil, err
	}
	out := properties.NewMap()
	seq := make([]any, 0, len(doc.Sources))
	for _, s := range doc.Sources {
		m := properties.NewMap()
		m.Set("name", s.Name)
		m.Set("type", s.Type)
		params := properties.NewMap()
		for k, v := range s.Parameters {
			params.Set(k, v)
		}
		m.Set("parameters", params)
		seq = append(seq, m)
	}
	out.Set("sources", seq)
	return out, nil
}

type fetcher struct {
	client Client
	bucket string
	path   string
}

// Fetch implements source.Fetcher by issuing a conditional GetObject.
func (f *fetcher) Fetch(ctx context.Context, lastETag string) (source.FetchResult, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.path),
	}
	if lastETag != "" {
		in.IfNoneMatch = aws.String(lastETag)
	}

	out, err := f.client.GetObject(ctx, in)
	if err != nil {
		if isNotModified(err) {
			return source.FetchResult{Outcome: source.Unchanged}, nil
		}
		if isNotFound(err) {
			return source.FetchResult{Outcome: source.NotFound}, nil
		}
		return source.FetchResult{}, fmt.Errorf("objectstore: get %s/%s: %w", f.bucket, f.path, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return source.FetchResult{}, fmt.Errorf("objectstore: read %s/%s: %w", f.bucket, f.path, err)
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return source.FetchResult{Outcome: source.Fetched, ETag: etag, Body: body}, nil
}

// httpStatusCoder is satisfied by both smithy's and the AWS SDK's HTTP
// response error types, letting isNotModified/isNotFound classify the
// response without depending on either concrete type.
type httpStatusCoder interface {
	HTTPStatusCode() int
}

func isNotModified(err error) bool {
	var sc httpStatusCoder
	return errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusNotModified
}

func isNotFound(err error) bool {
	var sc httpStatusCoder
	if errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

// New constructs an ObjectStoreSource. parser is ParseRoot for ordinary
// child sources or ParseIndexSources for the root index source.
func New(name string, client Client, p Params, parser source.Parser, logger log.Logger) source.Source {
	f := &fetcher{client: client, bucket: p.Bucket, path: p.Path}
	interval := p.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return source.NewBase("s3", name, interval, f, parser, logger)
}
