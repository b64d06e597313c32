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

	"github.com/go-logr/logr"

	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

// Destroy tears down the user's instance in two phases.  Phase one makes
// the intent durable by moving the machine and volume IDs into the
// pending-destroy ledger; phase two deletes them, retried by the alarm
// until both clear, at which point the record is wiped.  Once the intent
// is persisted nothing resurrects the instance, including caller
// cancellation.
func (c *Controller) Destroy(ctx context.Context, userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return err
	}

	if record.empty() {
		return nil
	}

	if err := c.checkUser(record, userID); err != nil {
		return err
	}

	if record.Status != StatusDestroying {
		record.PendingDestroyMachineID = record.FlyMachineID
		record.PendingDestroyVolumeID = record.FlyVolumeID
		record.Status = StatusDestroying

		if err := c.save(ctx, record); err != nil {
			return err
		}
	}

	// The intent is durable; a cancellation from here on just defers the
	// remaining deletes to the alarm.
	ctx = context.WithoutCancel(ctx)

	c.runPendingDestroy(ctx, record)

	return c.finalizeDestroy(ctx, record)
}

// runPendingDestroy attempts the outstanding deletes.  Each ID clears on
// success or not-found and is retained on any other error.
func (c *Controller) runPendingDestroy(ctx context.Context, record *Record) {
	log := logr.FromContextOrDiscard(ctx)

	if record.PendingDestroyMachineID != "" {
		err := c.compute.DestroyMachine(ctx, record.FlyAppName, record.PendingDestroyMachineID)
		if err != nil && !fly.IsNotFound(err) {
			log.Error(err, "pending machine destroy failed, will retry", "user", c.userID, "machine", record.PendingDestroyMachineID)
		} else {
			record.PendingDestroyMachineID = ""
		}
	}

	if record.PendingDestroyVolumeID != "" {
		err := c.compute.DeleteVolume(ctx, record.FlyAppName, record.PendingDestroyVolumeID)
		if err != nil && !fly.IsNotFound(err) {
			log.Error(err, "pending volume delete failed, will retry", "user", c.userID, "volume", record.PendingDestroyVolumeID)
		} else {
			record.PendingDestroyVolumeID = ""
		}
	}
}

// finalizeDestroy wipes the record once the ledger is empty, or persists
// the remaining work and arms the destroying-cadence alarm.
func (c *Controller) finalizeDestroy(ctx context.Context, record *Record) error {
	if record.PendingDestroyMachineID == "" && record.PendingDestroyVolumeID == "" {
		if err := c.alarms.Cancel(ctx, AlarmKey(c.userID)); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "failed to cancel alarm during finalize", "user", c.userID)
		}

		return c.store.Delete(ctx, store.InstanceKey(c.userID))
	}

	if err := c.save(ctx, record); err != nil {
		return err
	}

	c.rearm(ctx, record)

	return nil
}
