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

	"github.com/go-logr/logr"
)

// Volume is a persistent disk.
type Volume struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	State  string `json:"state"`
	//nolint:tagliatelle
	SizeGB int `json:"size_gb"`
	//nolint:tagliatelle
	AttachedMachineID string `json:"attached_machine_id"`
	//nolint:tagliatelle
	CreatedAt time.Time `json:"created_at"`
}

// VolumeSnapshot is a point-in-time volume backup.
type VolumeSnapshot struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Size   int64  `json:"size"`
	//nolint:tagliatelle
	CreatedAt time.Time `json:"created_at"`
}

// CreateVolumeRequest describes a new volume.
type CreateVolumeRequest struct {
	Name   string `json:"name"`
	Region string `json:"region"`
	//nolint:tagliatelle
	SizeGB int `json:"size_gb"`

	// SourceVolumeID forks an existing volume server side, preserving its
	// contents.  Used for capacity recovery on instances with user data.
	//nolint:tagliatelle
	SourceVolumeID string `json:"source_volume_id,omitempty"`

	// Compute hints the size of the machine that will attach, so the
	// provider places the volume on a host that can also fit it.
	Compute *MachineGuest `json:"compute,omitempty"`
}

// CreateVolume creates a volume in the given region.
func (c *Client) CreateVolume(ctx context.Context, appName string, create *CreateVolumeRequest) (*Volume, error) {
	req := &request{
		operation: "/v1/apps/{app}/volumes#create",
		method:    http.MethodPost,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/volumes",
		body:      create,
	}

	volume := &Volume{}

	if err := c.do(ctx, req, volume); err != nil {
		return nil, err
	}

	return volume, nil
}

// CreateVolumeWithFallback walks the region list creating the volume in the
// first region with capacity.  Only genuine capacity exhaustion moves on to
// the next region; any other error is settled and terminates the walk.  When
// every region is exhausted the last error is surfaced.
func (c *Client) CreateVolumeWithFallback(ctx context.Context, appName string, create *CreateVolumeRequest, regions []string) (*Volume, error) {
	log := logr.FromContextOrDiscard(ctx)

	var lastErr error

	for _, region := range regions {
		attempt := *create
		attempt.Region = region

		volume, err := c.CreateVolume(ctx, appName, &attempt)
		if err == nil {
			return volume, nil
		}

		if !IsInsufficientResources(ctx, err) {
			return nil, err
		}

		log.Info("volume region exhausted, falling back", "app", appName, "region", region)

		lastErr = err
	}

	return nil, lastErr
}

// GetVolume returns the volume by ID.
func (c *Client) GetVolume(ctx context.Context, appName, volumeID string) (*Volume, error) {
	req := &request{
		operation:  "/v1/apps/{app}/volumes/{id}#get",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName) + "/volumes/" + url.PathEscape(volumeID),
		idempotent: true,
	}

	volume := &Volume{}

	if err := c.do(ctx, req, volume); err != nil {
		return nil, err
	}

	return volume, nil
}

// DeleteVolume deletes the volume by ID.
func (c *Client) DeleteVolume(ctx context.Context, appName, volumeID string) error {
	req := &request{
		operation: "/v1/apps/{app}/volumes/{id}#delete",
		method:    http.MethodDelete,
		path:      "/v1/apps/" + url.PathEscape(appName) + "/volumes/" + url.PathEscape(volumeID),
	}

	return c.do(ctx, req, nil)
}

// ListVolumeSnapshots returns the volume's snapshots.
func (c *Client) ListVolumeSnapshots(ctx context.Context, appName, volumeID string) ([]VolumeSnapshot, error) {
	req := &request{
		operation:  "/v1/apps/{app}/volumes/{id}/snapshots#list",
		method:     http.MethodGet,
		path:       "/v1/apps/" + url.PathEscape(appName) + "/volumes/" + url.PathEscape(volumeID) + "/snapshots",
		idempotent: true,
	}

	var snapshots []VolumeSnapshot

	if err := c.do(ctx, req, &snapshots); err != nil {
		return nil, err
	}

	return snapshots, nil
}
