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

package instance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/registry"
)

type fakeRegistry struct {
	row *registry.Instance
}

func (f *fakeRegistry) Lookup(ctx context.Context, userID string) (*registry.Instance, error) {
	return f.row, nil
}

// TestStartRestoresFromRegistry: the local record is gone, the registry
// knows the user, metadata recovery finds the machine, and the start
// proceeds against the rediscovered identifiers.
func TestStartRestoresFromRegistry(t *testing.T) {
	t.Parallel()

	sandboxID := crypto.DeriveSandboxID(testUser)

	h := newHarnessWithRegistry(t, &fakeRegistry{
		row: &registry.Instance{
			UserID:    testUser,
			SandboxID: sandboxID,
			AppName:   "dev-app",
			Active:    true,
		},
	})

	h.compute.listMachines = func(appName string, metadata map[string]string) ([]fly.Machine, error) {
		assert.Equal(t, "dev-app", appName)

		return []fly.Machine{
			{
				ID:     "m-found",
				State:  fly.MachineStateStarted,
				Region: "iad",
				Config: &fly.MachineConfig{
					Mounts: []fly.MachineMount{{Volume: "v-found", Path: constants.VolumeMountPath}},
				},
			},
		}, nil
	}
	h.compute.getVolume = func(appName, volumeID string) (*fly.Volume, error) {
		return &fly.Volume{ID: volumeID, Region: "iad"}, nil
	}
	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		return &fly.Machine{
			ID:    machineID,
			State: fly.MachineStateStarted,
			Config: &fly.MachineConfig{
				Mounts: []fly.MachineMount{{Volume: "v-found", Path: constants.VolumeMountPath}},
			},
		}, nil
	}

	require.NoError(t, h.controller.Start(testContext(), testUser))

	record := h.record(t)
	assert.Equal(t, testUser, record.UserID)
	assert.Equal(t, sandboxID, record.SandboxID)
	assert.Equal(t, "dev-app", record.FlyAppName)
	assert.Equal(t, "m-found", record.FlyMachineID)
	assert.Equal(t, "v-found", record.FlyVolumeID)
	assert.Equal(t, instance.StatusRunning, record.Status)
}

// TestStartWithoutRegistryRowFails: nothing local, nothing in the
// registry.
func TestStartWithoutRegistryRowFails(t *testing.T) {
	t.Parallel()

	h := newHarnessWithRegistry(t, &fakeRegistry{})

	require.ErrorIs(t, h.controller.Start(testContext(), testUser), instance.ErrNotProvisioned)
}
