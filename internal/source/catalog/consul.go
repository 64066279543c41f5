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

package catalog

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// consulClient adapts github.com/hashicorp/consul/api's blocking-query
// style to the Client interface this package depends on.
type consulClient struct {
	api *consulapi.Client
}

// NewConsulClient builds a Client backed by a real consul agent at addr
// (host:port).
func NewConsulClient(addr string) (Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	c, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: new consul client: %w", err)
	}
	return &consulClient{api: c}, nil
}

func (c *consulClient) ServiceList(ctx context.Context, waitIndex uint64) (map[string][]string, uint64, error) {
	opts := (&consulapi.QueryOptions{WaitIndex: waitIndex}).WithContext(ctx)
	services, meta, err := c.api.Catalog().Services(opts)
	if err != nil {
		return nil, 0, err
	}
	return services, meta.LastIndex, nil
}

func (c *consulClient) ServiceHealth(ctx context.Context, service, tag string, waitIndex uint64) ([]Entry, uint64, error) {
	opts := (&consulapi.QueryOptions{WaitIndex: waitIndex}).WithContext(ctx)
	entries, meta, err := c.api.Health().Service(service, tag, false, opts)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		entry := Entry{}
		if e.Service != nil {
			entry.ServiceAddress = e.Service.Address
		}
		if e.Node != nil {
			entry.NodeAddress = e.Node.Address
		}
		out = append(out, entry)
	}
	return out, meta.LastIndex, nil
}
