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

package instance

import (
	"context"
	"strings"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// ProvisionResult is returned by Provision.
type ProvisionResult struct {
	SandboxID string `json:"sandboxId"`
}

// Provision creates or reconfigures the user's instance.  A first
// provision binds identity, ensures the per-user app exists and creates
// the persistent volume; a repeat provision only rewrites the
// configuration fields.  Input validation happens before anything is
// persisted.
func (c *Controller) Provision(ctx context.Context, userID string, config *Config) (*ProvisionResult, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.checkUser(record, userID); err != nil {
		return nil, err
	}

	if record.Status == StatusDestroying {
		return nil, ErrDestroying
	}

	first := record.empty()

	if first {
		record.UserID = userID
		record.SandboxID = crypto.DeriveSandboxID(userID)
		record.Status = StatusProvisioned
		record.ProvisionedAt = nowMilli()
		record.HealthCheckFailCount = 0
		record.PendingDestroyMachineID = ""
		record.PendingDestroyVolumeID = ""

		// Identity is durable before the first remote call so a crash
		// leaves a record the reconciler can drive forward.
		if err := c.save(ctx, record); err != nil {
			return nil, err
		}
	}

	record.applyConfig(config)

	if first {
		if err := c.setup(ctx, record, config.Region); err != nil {
			if saveErr := c.save(ctx, record); saveErr != nil {
				logr.FromContextOrDiscard(ctx).Error(saveErr, "failed to persist partial provision", "user", c.userID)
			}

			c.rearm(ctx, record)

			return nil, err
		}
	}

	if err := c.save(ctx, record); err != nil {
		return nil, err
	}

	if first {
		c.rearm(ctx, record)
	}

	return &ProvisionResult{SandboxID: record.SandboxID}, nil
}

// setup performs the remote half of a first provision: app plus volume.
func (c *Controller) setup(ctx context.Context, record *Record, region string) error {
	if record.FlyAppName == "" {
		result, err := c.apps.EnsureApp(ctx, record.UserID)
		if err != nil {
			return err
		}

		record.FlyAppName = result.AppName
	}

	return c.ensureVolume(ctx, record, region)
}

// ensureVolume creates the instance volume when none is recorded.  The
// new identifier and its authoritative region are persisted immediately.
func (c *Controller) ensureVolume(ctx context.Context, record *Record, region string) error {
	if record.FlyVolumeID != "" {
		return nil
	}

	regions := c.regions(region)

	volume, err := c.compute.CreateVolume(ctx, record.FlyAppName, &fly.CreateVolumeRequest{
		Name:   volumeName(record.SandboxID),
		Region: regions[0],
		SizeGB: constants.DefaultVolumeSizeGB,
	})
	if err != nil {
		return err
	}

	record.FlyVolumeID = volume.ID
	record.FlyRegion = volume.Region

	return c.save(ctx, record)
}

// volumeName derives the provider volume name from the sandbox ID.  The
// provider only accepts [A-Za-z0-9_], the sandbox ID is base64url.
func volumeName(sandboxID string) string {
	return "kiloclaw_" + strings.ReplaceAll(sandboxID, "-", "_")
}

// machineName derives the provider machine name from the sandbox ID.
func machineName(sandboxID string) string {
	return "kiloclaw-" + strings.ReplaceAll(sandboxID, "_", "-")
}
