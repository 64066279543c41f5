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

package secret

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
)

// HTTPBroker is a Broker backed by a tokend-compatible HTTP secret broker.
// It reuses go-cleanhttp's pooled transport rather than http.DefaultClient,
// matching pkg/secrets/manager.go's client setup.
type HTTPBroker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBroker builds an HTTPBroker against baseURL (e.g.
// "http://localhost:4500/v1").
func NewHTTPBroker(baseURL string) *HTTPBroker {
	return &HTTPBroker{
		baseURL: baseURL,
		client:  cleanhttp.DefaultPooledClient(),
	}
}

// Get issues GET {baseURL}/{resource}.
func (b *HTTPBroker) Get(ctx context.Context, resource string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/"+resource, nil)
	if err != nil {
		return nil, err
	}
	return b.do(req)
}

// Post issues POST {baseURL}/{resource} with body encoded as JSON.
func (b *HTTPBroker) Post(ctx context.Context, resource string, body map[string]any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/"+resource, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

func (b *HTTPBroker) do(req *http.Request) (map[string]any, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secret broker: %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("secret broker: %s: decode response: %w", req.URL.Path, err)
	}
	return out, nil
}
