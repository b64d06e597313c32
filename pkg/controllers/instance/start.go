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
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// Start brings the user's machine to a started state.  It is idempotent:
// an already-started machine hits a fast path that only verifies the
// mount.  Capacity exhaustion triggers volume replacement and a single
// create retry; any other transient error propagates without creating a
// duplicate machine, leaving repair to the reconciler.
func (c *Controller) Start(ctx context.Context, userID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	record, err := c.load(ctx)
	if err != nil {
		return err
	}

	if record.empty() {
		record, err = c.restore(ctx, userID)
		if err != nil {
			return err
		}
	}

	if err := c.checkUser(record, userID); err != nil {
		return err
	}

	if record.Status == StatusDestroying {
		return ErrDestroying
	}

	if err := c.start(ctx, record); err != nil {
		c.rearm(ctx, record)

		return err
	}

	record.Status = StatusRunning
	record.LastStartedAt = nowMilli()
	record.HealthCheckFailCount = 0

	if err := c.save(ctx, record); err != nil {
		return err
	}

	c.rearm(ctx, record)

	return nil
}

func (c *Controller) start(ctx context.Context, record *Record) error {
	if record.FlyAppName == "" {
		result, err := c.apps.EnsureApp(ctx, record.UserID)
		if err != nil {
			return err
		}

		record.FlyAppName = result.AppName

		if err := c.save(ctx, record); err != nil {
			return err
		}
	}

	if err := c.checkVolume(ctx, record); err != nil {
		return err
	}

	// Fast path: we believe the machine is running, the provider agrees.
	// Environment changes made since the last start deliberately do not
	// apply here; they land on the next cold start.
	if record.Status == StatusRunning && record.FlyMachineID != "" {
		machine, err := c.compute.GetMachine(ctx, record.FlyAppName, record.FlyMachineID)

		switch {
		case fly.IsNotFound(err):
			record.FlyMachineID = ""

			if err := c.save(ctx, record); err != nil {
				return err
			}
		case err != nil:
			return err
		case machine.State == fly.MachineStateStarted:
			return c.reconcileMount(ctx, record, machine)
		}
	}

	keyResult, err := c.apps.EnsureEnvKey(ctx, record.UserID)
	if err != nil {
		return err
	}

	env, err := c.buildEnv(record, keyResult.Key)
	if err != nil {
		return err
	}

	if record.FlyMachineID != "" {
		err := c.startExisting(ctx, record, env, keyResult.SecretsVersion)

		switch {
		case err == nil:
			return nil
		case fly.IsNotFound(err):
			record.FlyMachineID = ""

			if err := c.save(ctx, record); err != nil {
				return err
			}
		case fly.IsInsufficientResources(ctx, err):
			return c.recoverCapacity(ctx, record, env, keyResult.SecretsVersion)
		default:
			return err
		}
	}

	err = c.createAndStart(ctx, record, env, keyResult.SecretsVersion)
	if fly.IsInsufficientResources(ctx, err) {
		return c.recoverCapacity(ctx, record, env, keyResult.SecretsVersion)
	}

	return err
}

// checkVolume makes sure a volume exists and the recorded region matches
// the provider's, recreating on loss and correcting drift.
func (c *Controller) checkVolume(ctx context.Context, record *Record) error {
	if record.FlyVolumeID == "" {
		return c.ensureVolume(ctx, record, "")
	}

	volume, err := c.compute.GetVolume(ctx, record.FlyAppName, record.FlyVolumeID)
	if err != nil {
		if !fly.IsNotFound(err) {
			return err
		}

		logr.FromContextOrDiscard(ctx).Info("volume lost, recreating", "user", c.userID, "volume", record.FlyVolumeID)

		record.FlyVolumeID = ""

		if err := c.save(ctx, record); err != nil {
			return err
		}

		return c.ensureVolume(ctx, record, "")
	}

	if volume.Region != record.FlyRegion {
		record.FlyRegion = volume.Region

		return c.save(ctx, record)
	}

	return nil
}

// startExisting drives a known machine to started.  A not-found
// propagates so the caller drops the stale ID; a transient error
// propagates without creating a duplicate.
func (c *Controller) startExisting(ctx context.Context, record *Record, env map[string]string, secretsVersion int64) error {
	machine, err := c.compute.GetMachine(ctx, record.FlyAppName, record.FlyMachineID)
	if err != nil {
		return err
	}

	switch machine.State {
	case fly.MachineStateStarted:
		return nil
	case fly.MachineStateStopped, fly.MachineStateCreated:
		options := &fly.UpdateMachineOptions{
			MinSecretsVersion: secretsVersion,
		}

		if _, err := c.compute.UpdateMachine(ctx, record.FlyAppName, record.FlyMachineID, c.machineConfig(record, env), options); err != nil {
			return err
		}
	}

	return c.compute.WaitMachineState(ctx, record.FlyAppName, record.FlyMachineID, fly.MachineStateStarted, constants.StartupTimeout, machine.InstanceID)
}

// createAndStart creates a fresh machine.  The new ID is persisted before
// the started wait so a timeout cannot orphan it.
func (c *Controller) createAndStart(ctx context.Context, record *Record, env map[string]string, secretsVersion int64) error {
	machine, err := c.compute.CreateMachine(ctx, record.FlyAppName, c.machineConfig(record, env), &fly.CreateMachineOptions{
		Name:              machineName(record.SandboxID),
		Region:            record.FlyRegion,
		MinSecretsVersion: secretsVersion,
	})
	if err != nil {
		return err
	}

	record.FlyMachineID = machine.ID

	if err := c.save(ctx, record); err != nil {
		return err
	}

	return c.compute.WaitMachineState(ctx, record.FlyAppName, machine.ID, fly.MachineStateStarted, constants.StartupTimeout, machine.InstanceID)
}

// restore hydrates a wiped local record from the external registry.  The
// registry knows identity only; provider identifiers are rediscovered by
// an immediate metadata-recovery pass.
func (c *Controller) restore(ctx context.Context, userID string) (*Record, error) {
	if c.reg == nil {
		return nil, ErrNotProvisioned
	}

	row, err := c.reg.Lookup(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}

	if row == nil {
		return nil, ErrNotProvisioned
	}

	logr.FromContextOrDiscard(ctx).Info("restoring instance from registry", "user", userID)

	record := &Record{
		UserID:        row.UserID,
		SandboxID:     row.SandboxID,
		Status:        StatusProvisioned,
		FlyAppName:    row.AppName,
		ProvisionedAt: nowMilli(),
	}

	if record.SandboxID == "" {
		record.SandboxID = crypto.DeriveSandboxID(userID)
	}

	if err := c.save(ctx, record); err != nil {
		return nil, err
	}

	c.recoverFromMetadata(ctx, record)

	return record, nil
}
