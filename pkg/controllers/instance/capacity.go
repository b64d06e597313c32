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
	"fmt"

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// recoverCapacity handles capacity exhaustion on machine create/update by
// moving the volume to a region with headroom, then retrying the machine
// create exactly once.  An instance that has run before carries user data,
// so its volume is forked and the source deleted only after the fork
// lands; a fresh provision has nothing to preserve and gets a new volume
// outright.
func (c *Controller) recoverCapacity(ctx context.Context, record *Record, env map[string]string, secretsVersion int64) error {
	log := logr.FromContextOrDiscard(ctx)

	log.Info("reconcile", "reason", "insufficient capacity", "action", "relocate volume", "user", c.userID, "region", record.FlyRegion)
	reconcileActions.WithLabelValues("capacity_recovery").Inc()

	// The compute hint steers volume placement onto a host that can also
	// fit the machine, the whole point of the move.
	request := &fly.CreateVolumeRequest{
		Name:    volumeName(record.SandboxID),
		SizeGB:  constants.DefaultVolumeSizeGB,
		Compute: record.MachineSize.guest(),
	}

	regions := deprioritize(c.regions(""), record.FlyRegion)

	oldVolumeID := record.FlyVolumeID
	fresh := record.LastStartedAt == nil

	if fresh {
		if oldVolumeID != "" {
			if err := c.compute.DeleteVolume(ctx, record.FlyAppName, oldVolumeID); err != nil && !fly.IsNotFound(err) {
				log.Error(err, "failed to delete stranded volume", "user", c.userID, "volume", oldVolumeID)
			}

			record.FlyVolumeID = ""

			if err := c.save(ctx, record); err != nil {
				return err
			}
		}
	} else {
		request.SourceVolumeID = oldVolumeID
	}

	volume, err := c.compute.CreateVolumeWithFallback(ctx, record.FlyAppName, request, regions)
	if err != nil {
		// The fork failed; the source volume is untouched and the user's
		// data is still intact.
		return fmt.Errorf("volume relocation failed: %w", err)
	}

	record.FlyVolumeID = volume.ID
	record.FlyRegion = volume.Region

	if err := c.save(ctx, record); err != nil {
		return err
	}

	if !fresh && oldVolumeID != "" {
		if err := c.compute.DeleteVolume(ctx, record.FlyAppName, oldVolumeID); err != nil && !fly.IsNotFound(err) {
			log.Error(err, "failed to delete forked source volume", "user", c.userID, "volume", oldVolumeID)
		}
	}

	if record.FlyMachineID != "" {
		if err := c.compute.DestroyMachine(ctx, record.FlyAppName, record.FlyMachineID); err != nil && !fly.IsNotFound(err) {
			log.Error(err, "failed to destroy stranded machine", "user", c.userID, "machine", record.FlyMachineID)
		}

		record.FlyMachineID = ""

		if err := c.save(ctx, record); err != nil {
			return err
		}
	}

	return c.createAndStart(ctx, record, env, secretsVersion)
}
