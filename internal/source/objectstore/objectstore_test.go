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

package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propsd/propsd/internal/source"
)

type fakeClient struct {
	etag string
	body string
}

func (c *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if in.IfNoneMatch != nil && *in.IfNoneMatch == c.etag {
		return nil, &notModifiedError{}
	}
	return &s3.GetObjectOutput{
		ETag: aws.String(c.etag),
		Body: io.NopCloser(bytes.NewReader([]byte(c.body))),
	}, nil
}

type notModifiedError struct{}

func (e *notModifiedError) Error() string       { return "not modified" }
func (e *notModifiedError) HTTPStatusCode() int { return 304 }

func TestFetcherReturnsFetchedOnFirstCall(t *testing.T) {
	c := &fakeClient{etag: `"abc"`, body: `{"version":"1.0","properties":{"k":"v"}}`}
	f := &fetcher{client: c, bucket: "b", path: "p.json"}

	result, err := f.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, result.ETag)
	assert.NotEmpty(t, result.Body)
}

func TestFetcherReturnsUnchangedOnMatchingETag(t *testing.T) {
	c := &fakeClient{etag: `"abc"`, body: `{}`}
	f := &fetcher{client: c, bucket: "b", path: "p.json"}

	result, err := f.Fetch(context.Background(), `"abc"`)
	require.NoError(t, err)
	assert.Equal(t, source.Unchanged, result.Outcome)
}

func TestParseIndexSourcesExtractsSourcesList(t *testing.T) {
	body := []byte(`{"version":"1.0","sources":[{"name":"global","type":"s3","parameters":{"path":"global.json"}}]}`)
	tree, err := ParseIndexSources(body)
	require.NoError(t, err)

	v, ok := tree.Get("sources")
	require.True(t, ok)
	seq, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, seq, 1)
}

func TestParseRootExtractsPropertiesField(t *testing.T) {
	tree, err := ParseRoot([]byte(`{"version":"1.0","properties":{"k":"v"}}`))
	require.NoError(t, err)
	v, _ := tree.Get("k")
	assert.Equal(t, "v", v)
}
