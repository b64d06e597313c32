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
	"errors"
	"net/http"
	"net/url"
)

// IPType selects the flavour of address to allocate.
type IPType string

const (
	// IPTypeV6 is a dedicated public IPv6 address.
	IPTypeV6 IPType = "v6"

	// IPTypeSharedV4 is a shared public IPv4 address.
	IPTypeSharedV4 IPType = "shared_v4"
)

type allocateIPRequest struct {
	Type string `json:"type"`
}

// AllocateIP allocates a public address for the app.  Allocation is
// idempotent from the caller's perspective: the provider answers 409 or 422
// when an address of that type already exists, and both are success here.
func (c *Client) AllocateIP(ctx context.Context, appName string, ipType IPType) error {
	req := &request{
		operation: "/v1/apps/{app}/ips#allocate",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/ips",
		body:      &allocateIPRequest{Type: string(ipType)},
	}

	err := c.do(ctx, req, nil)
	if err == nil {
		return nil
	}

	var perr *Error

	if errors.As(err, &perr) {
		if perr.Status == http.StatusConflict || perr.Status == http.StatusUnprocessableEntity {
			return nil
		}
	}

	return err
}
