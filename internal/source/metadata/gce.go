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

package metadata

import (
	"context"
	"os"

	gcemetadata "cloud.google.com/go/compute/metadata"
)

// NewGCEClient builds a Client backed by cloud.google.com/go/compute/metadata.
// host, if non-empty, overrides the metadata service's host:port via the
// library's GCE_METADATA_HOST environment hook.
func NewGCEClient(host string) (Client, error) {
	if host != "" {
		if err := os.Setenv("GCE_METADATA_HOST", host); err != nil {
			return nil, err
		}
	}
	return gcemetadata.NewClient(nil), nil
}

// NewIAMTokenFetcher returns a TokenFetcher reading the default service
// account's email via the same client, as {"email": ...}. It does not fetch
// an access token or any other credential.
func NewIAMTokenFetcher(client Client) TokenFetcher {
	return func(ctx context.Context) (map[string]any, error) {
		email, err := client.EmailWithContext(ctx, "default")
		if err != nil {
			return nil, err
		}
		return map[string]any{"email": email}, nil
	}
}
