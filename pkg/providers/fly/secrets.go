/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fly

import (
	"context"
	"net/http"
	"net/url"
)

// Secret is an encrypted application secret as reported by the provider.
// Values are write-only; listings only carry names and versions.
type Secret struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`
}

type setSecretRequest struct {
	Value string `json:"value"`
}

// SetSecretResponse carries the secrets version after a write.  Passing
// this as min_secrets_version on machine create/update makes the machine
// wait for the new value to propagate before booting.
type SetSecretResponse struct {
	Version int64 `json:"version"`
}

// SetSecret sets an app secret and returns the resulting secrets version.
func (c *Client) SetSecret(ctx context.Context, appName, name, value string) (*SetSecretResponse, error) {
	req := &request{
		operation: "/v1/apps/{app}/secrets/{name}#set",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/secrets/" + url.PathEscape(name),
		body:      &setSecretRequest{Value: value},
	}

	response := &SetSecretResponse{}

	if err := c.do(ctx, req, response); err != nil {
		return nil, err
	}

	return response, nil
}

// DeleteSecret removes an app secret.
func (c *Client) DeleteSecret(ctx context.Context, appName, name string) error {
	req := &request{
		operation: "/v1/apps/{app}/secrets/{name}#delete",
		method:    http.MethodDelete,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/secrets/" + url.PathEscape(name),
	}

	return c.do(ctx, req, nil)
}

// ListSecrets returns the app's secret names and versions.
func (c *Client) ListSecrets(ctx context.Context, appName string) ([]Secret, error) {
	req := &request{
		operation:  "/v1/apps/{app}/secrets#list",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName) + "/secrets",
		idempotent: true,
	}

	var secrets []Secret

	if err := c.do(ctx, req, &secrets); err != nil {
		return nil, err
	}

	return secrets, nil
}
