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
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// HandleAlarm is the reconciler.  It runs under the actor lock on the
// cadence of the record's status, detects drift between the persisted
// belief and provider reality, and repairs it.  It is the only component
// allowed to persist belief changes discovered out-of-band.
func (c *Controller) HandleAlarm(ctx context.Context) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	log := logr.FromContextOrDiscard(ctx)

	record, err := c.load(ctx)
	if err != nil {
		log.Error(err, "reconcile: failed to load record", "user", c.userID)

		return
	}

	if record.empty() {
		if err := c.alarms.Cancel(ctx, AlarmKey(c.userID)); err != nil {
			log.Error(err, "failed to cancel orphan alarm", "user", c.userID)
		}

		return
	}

	if record.Status == StatusDestroying {
		c.runPendingDestroy(ctx, record)

		if err := c.finalizeDestroy(ctx, record); err != nil {
			log.Error(err, "reconcile: destroy finalization failed", "user", c.userID)
		}

		return
	}

	// Machine before volume: metadata recovery can rediscover both IDs.
	c.reconcileMachine(ctx, record)
	c.reconcileVolume(ctx, record)

	c.rearm(ctx, record)
}

func (c *Controller) reconcileMachine(ctx context.Context, record *Record) {
	log := logr.FromContextOrDiscard(ctx)

	if record.FlyMachineID == "" {
		c.recoverFromMetadata(ctx, record)

		return
	}

	machine, err := c.compute.GetMachine(ctx, record.FlyAppName, record.FlyMachineID)
	if err != nil {
		if !fly.IsNotFound(err) {
			log.Error(err, "reconcile: machine fetch failed", "user", c.userID, "machine", record.FlyMachineID)

			return
		}

		log.Info("reconcile", "reason", "machine gone", "action", "clear id and stop", "user", c.userID, "machine", record.FlyMachineID)
		reconcileActions.WithLabelValues("machine_gone").Inc()

		record.FlyMachineID = ""
		record.Status = StatusStopped
		record.HealthCheckFailCount = 0

		if err := c.save(ctx, record); err != nil {
			log.Error(err, "reconcile: failed to persist", "user", c.userID)
		}

		return
	}

	switch machine.State {
	case fly.MachineStateStarted:
		if record.Status != StatusRunning || record.HealthCheckFailCount != 0 {
			log.Info("reconcile", "reason", "machine started", "action", "sync running", "user", c.userID)
			reconcileActions.WithLabelValues("sync_running").Inc()

			record.Status = StatusRunning
			record.HealthCheckFailCount = 0

			if err := c.save(ctx, record); err != nil {
				log.Error(err, "reconcile: failed to persist", "user", c.userID)
			}
		}

	case fly.MachineStateStopped, fly.MachineStateCreated:
		if record.Status == StatusRunning {
			record.HealthCheckFailCount++

			if record.HealthCheckFailCount >= constants.SelfHealThreshold {
				log.Info("reconcile", "reason", "dead machine threshold", "action", "mark stopped", "user", c.userID, "failures", record.HealthCheckFailCount)
				reconcileActions.WithLabelValues("self_heal_stop").Inc()

				record.Status = StatusStopped
				record.HealthCheckFailCount = 0
			}

			if err := c.save(ctx, record); err != nil {
				log.Error(err, "reconcile: failed to persist", "user", c.userID)
			}
		}
	}

	if machine.State == fly.MachineStateStarted && record.FlyVolumeID != "" {
		if err := c.reconcileMount(ctx, record, machine); err != nil {
			log.Error(err, "reconcile: mount repair failed", "user", c.userID, "machine", record.FlyMachineID)
		}
	}
}

// recoverFromMetadata relocates the user's machine by provider metadata
// tag when the local ID is lost.  A cooldown keeps this from hammering
// the list API for users with no machine.
func (c *Controller) recoverFromMetadata(ctx context.Context, record *Record) {
	log := logr.FromContextOrDiscard(ctx)

	if record.LastMetadataRecoveryAt != nil {
		last := time.UnixMilli(*record.LastMetadataRecoveryAt)

		if time.Since(last) < constants.MetadataRecoveryCooldown {
			return
		}
	}

	record.LastMetadataRecoveryAt = nowMilli()

	if err := c.save(ctx, record); err != nil {
		log.Error(err, "reconcile: failed to persist recovery timestamp", "user", c.userID)

		return
	}

	machines, err := c.compute.ListMachines(ctx, record.FlyAppName, map[string]string{
		constants.MetadataKeyUserID: record.UserID,
	})
	if err != nil {
		log.Error(err, "reconcile: metadata listing failed", "user", c.userID)

		return
	}

	candidate := SelectRecoveryCandidate(machines)
	if candidate == nil {
		return
	}

	if live := lo.CountBy(machines, func(m fly.Machine) bool { return liveState(m.State) }); live > 1 {
		log.Info("multiple live machines for one user", "user", c.userID, "count", live)
	}

	log.Info("reconcile", "reason", "metadata recovery", "action", "adopt machine", "user", c.userID, "machine", candidate.ID, "state", candidate.State)
	reconcileActions.WithLabelValues("metadata_recovery").Inc()

	record.FlyMachineID = candidate.ID

	if candidate.Region != "" {
		record.FlyRegion = candidate.Region
	}

	switch candidate.State {
	case fly.MachineStateStarted:
		record.Status = StatusRunning
	case fly.MachineStateStopped, fly.MachineStateCreated:
		record.Status = StatusStopped
	}

	if err := c.save(ctx, record); err != nil {
		log.Error(err, "reconcile: failed to persist adopted machine", "user", c.userID)

		return
	}

	c.adoptMountedVolume(ctx, record, candidate)
}

// adoptMountedVolume recovers the volume ID from the adopted machine's
// mount, verifying the volume still exists before trusting it.
func (c *Controller) adoptMountedVolume(ctx context.Context, record *Record, machine *fly.Machine) {
	if record.FlyVolumeID != "" || machine.Config == nil {
		return
	}

	log := logr.FromContextOrDiscard(ctx)

	for _, mount := range machine.Config.Mounts {
		if mount.Path != constants.VolumeMountPath || mount.Volume == "" {
			continue
		}

		if _, err := c.compute.GetVolume(ctx, record.FlyAppName, mount.Volume); err != nil {
			log.Info("mounted volume not verifiable, leaving for next cycle", "user", c.userID, "volume", mount.Volume, "error", err.Error())

			return
		}

		log.Info("reconcile", "reason", "metadata recovery", "action", "adopt volume", "user", c.userID, "volume", mount.Volume)

		record.FlyVolumeID = mount.Volume

		if err := c.save(ctx, record); err != nil {
			log.Error(err, "reconcile: failed to persist adopted volume", "user", c.userID)
		}

		return
	}
}

// statePriority ranks machine states for recovery candidate selection.
func statePriority(state string) int {
	switch state {
	case fly.MachineStateStarted:
		return 4
	case fly.MachineStateStarting:
		return 3
	case fly.MachineStateStopped:
		return 2
	case fly.MachineStateCreated:
		return 1
	}

	return 0
}

func liveState(state string) bool {
	return state == fly.MachineStateStarted || state == fly.MachineStateStarting
}

// SelectRecoveryCandidate picks the machine to adopt from a metadata
// listing: destroyed and destroying machines are ignored, higher state
// priority wins, ties break to the most recently updated.  Returns nil
// only when no machine survives the filter.
func SelectRecoveryCandidate(machines []fly.Machine) *fly.Machine {
	candidates := lo.Filter(machines, func(m fly.Machine, _ int) bool {
		return m.State != fly.MachineStateDestroyed && m.State != fly.MachineStateDestroying
	})

	if len(candidates) == 0 {
		return nil
	}

	best := lo.MaxBy(candidates, func(a, b fly.Machine) bool {
		if statePriority(a.State) != statePriority(b.State) {
			return statePriority(a.State) > statePriority(b.State)
		}

		return a.UpdatedAt.After(b.UpdatedAt)
	})

	return &best
}

// reconcileMount repairs a machine whose config has lost the volume
// mount.  Repair needs a stop, an update with the corrected mounts, and a
// restart.
func (c *Controller) reconcileMount(ctx context.Context, record *Record, machine *fly.Machine) error {
	if machine.Config == nil {
		return nil
	}

	for _, mount := range machine.Config.Mounts {
		if mount.Volume == record.FlyVolumeID && mount.Path == constants.VolumeMountPath {
			return nil
		}
	}

	logr.FromContextOrDiscard(ctx).Info("reconcile", "reason", "missing mount", "action", "stop, remount, restart", "user", c.userID, "machine", machine.ID)
	reconcileActions.WithLabelValues("mount_repair").Inc()

	if err := c.compute.StopMachineAndWait(ctx, record.FlyAppName, machine.ID, constants.StartupTimeout); err != nil {
		return err
	}

	config := machine.Config
	config.Mounts = []fly.MachineMount{
		{
			Volume: record.FlyVolumeID,
			Path:   constants.VolumeMountPath,
		},
	}

	if _, err := c.compute.UpdateMachine(ctx, record.FlyAppName, machine.ID, config, nil); err != nil {
		return err
	}

	return c.compute.WaitMachineState(ctx, record.FlyAppName, machine.ID, fly.MachineStateStarted, constants.StartupTimeout, machine.InstanceID)
}

func (c *Controller) reconcileVolume(ctx context.Context, record *Record) {
	log := logr.FromContextOrDiscard(ctx)

	if record.FlyVolumeID == "" {
		if err := c.ensureVolume(ctx, record, ""); err != nil {
			log.Error(err, "reconcile: volume create failed", "user", c.userID)
		}

		return
	}

	_, err := c.compute.GetVolume(ctx, record.FlyAppName, record.FlyVolumeID)
	if err == nil {
		return
	}

	if !fly.IsNotFound(err) {
		log.Error(err, "reconcile: volume fetch failed", "user", c.userID, "volume", record.FlyVolumeID)

		return
	}

	log.Info("reconcile", "reason", "volume lost", "action", "replace", "user", c.userID, "volume", record.FlyVolumeID)
	reconcileActions.WithLabelValues("volume_replace").Inc()

	record.FlyVolumeID = ""

	if err := c.save(ctx, record); err != nil {
		log.Error(err, "reconcile: failed to persist", "user", c.userID)

		return
	}

	if err := c.ensureVolume(ctx, record, ""); err != nil {
		log.Error(err, "reconcile: replacement volume create failed", "user", c.userID)
	}
}
