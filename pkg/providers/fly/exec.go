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
	"time"
)

type execRequest struct {
	Command []string `json:"command"`
	Timeout int      `json:"timeout"`
}

// ExecResult is the outcome of a command run inside the machine.
type ExecResult struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	//nolint:tagliatelle
	ExitCode int `json:"exit_code"`
}

// Exec runs a command inside the machine and returns its output.  The
// timeout is enforced provider side; the HTTP request gets headroom on top.
func (c *Client) Exec(ctx context.Context, appName, machineID string, command []string, timeout time.Duration) (*ExecResult, error) {
	req := &request{
		operation: "/v1/apps/{app}/machines/{id}/exec",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/machines/" + url.PathEscape(machineID) + "/exec",
		body: &execRequest{
			Command: command,
			Timeout: int(timeout.Seconds()),
		},
		timeout: timeout + 10*time.Second,
	}

	result := &ExecResult{}

	if err := c.do(ctx, req, result); err != nil {
		return nil, err
	}

	return result, nil
}
