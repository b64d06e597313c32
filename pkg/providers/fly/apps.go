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

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
)

// App is a provider application, a network-isolated namespace that machines
// and volumes live in.
type App struct {
	Name string `json:"name"`
	//nolint:tagliatelle
	Organization AppOrganization `json:"organization"`
	Status       string          `json:"status"`
}

// AppOrganization identifies the owning org.
type AppOrganization struct {
	Slug string `json:"slug"`
}

type createAppRequest struct {
	//nolint:tagliatelle
	AppName string `json:"app_name"`
	//nolint:tagliatelle
	OrgSlug string `json:"org_slug"`
	Network string `json:"network"`
}

// CreateApp creates an application whose private network is named after the
// app itself, giving each user an isolated 6PN segment.
//
// A 409 means the name already exists.  Because app names are truncated
// user-ID hashes, "already exists" is normally just a retry of our own
// earlier create, but it could be another tenant.  Ownership is verified by
// listing the app's machines and checking the user metadata tag: a machine
// owned by someone else is a collision and fatal.  An empty app or a failure
// to enumerate machines succeeds; the listing is best effort and the
// reconciler revisits on every alarm, so availability wins here.
func (c *Client) CreateApp(ctx context.Context, appName, userID string) error {
	body := &createAppRequest{
		AppName: appName,
		OrgSlug: c.options.OrgSlug,
		Network: appName,
	}

	req := &request{
		operation: "/v1/apps#create",
		method:    http.MethodPost,
		path:      "/v1/apps",
		body:      body,
	}

	err := c.do(ctx, req, nil)
	if err == nil {
		return nil
	}

	var perr *Error

	if !errors.As(err, &perr) || perr.Status != http.StatusConflict {
		return err
	}

	return c.verifyAppOwnership(ctx, appName, userID)
}

// verifyAppOwnership checks whether any machine in the app is tagged with a
// different user ID.
func (c *Client) verifyAppOwnership(ctx context.Context, appName, userID string) error {
	log := logr.FromContextOrDiscard(ctx)

	machines, err := c.ListMachines(ctx, appName, nil)
	if err != nil {
		// Fail open: an unreachable listing shouldn't wedge app setup,
		// and the next ensure pass re-probes.
		log.Info("app ownership probe inconclusive, proceeding",
			"app", appName, "user", userID, "error", err.Error())

		return nil
	}

	for i := range machines {
		if machines[i].Config == nil {
			continue
		}

		owner, ok := machines[i].Config.Metadata[constants.MetadataKeyUserID]
		if !ok || owner == userID {
			continue
		}

		return &AppNameCollisionError{
			AppName:          appName,
			RequestingUserID: userID,
		}
	}

	return nil
}

// GetApp returns the named application.
func (c *Client) GetApp(ctx context.Context, appName string) (*App, error) {
	req := &request{
		operation:  "/v1/apps/{app}#get",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName),
		idempotent: true,
	}

	app := &App{}

	if err := c.do(ctx, req, app); err != nil {
		return nil, err
	}

	return app, nil
}

// DeleteApp deletes the named application and everything in it.
func (c *Client) DeleteApp(ctx context.Context, appName string) error {
	req := &request{
		operation: "/v1/apps/{app}#delete",
		method:    http.MethodDelete,
		path:      "/v1/apps/" + url.PathEscape(appName),
	}

	return c.do(ctx, req, nil)
}
