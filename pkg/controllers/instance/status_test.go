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
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

func TestGetStatusNotProvisioned(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.controller.GetStatus(testContext(), testUser)
	require.ErrorIs(t, err, instance.ErrNotProvisioned)
}

func TestGetStatusProjectsRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusStopped
	record.EnvVars = map[string]string{"A": "1", "B": "2"}
	h.seed(t, record)

	view, err := h.controller.GetStatus(testContext(), testUser)
	require.NoError(t, err)

	assert.Equal(t, testUser, view.UserID)
	assert.Equal(t, instance.StatusStopped, view.Status)
	assert.Equal(t, 2, view.EnvVarCount)
	assert.Equal(t, "dev-app", view.FlyAppName)
	assert.Equal(t, "m1", view.FlyMachineID)
}

// TestLiveCheckFlipsInMemoryOnly: a dead machine flips the served status
// to stopped without touching the persisted record.
func TestLiveCheckFlipsInMemoryOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		return &fly.Machine{ID: machineID, State: fly.MachineStateStopped}, nil
	}

	// First read dispatches the background probe and still reports the
	// cached belief.
	view, err := h.controller.GetStatus(testContext(), testUser)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, view.Status)

	require.Eventually(t, func() bool {
		view, err := h.controller.GetStatus(testContext(), testUser)
		require.NoError(t, err)

		return view.Status == instance.StatusStopped
	}, 5*time.Second, 10*time.Millisecond)

	// Persistence belongs to the reconciler.
	assert.Equal(t, instance.StatusRunning, h.record(t).Status)
}

// TestLiveCheckClearsOverrideWhenStartedAgain makes sure a healthy probe
// drops a stale stopped override.
func TestLiveCheckTransientErrorKeepsBelief(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	probed := make(chan struct{})

	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		defer close(probed)

		return nil, providerError(http.StatusBadGateway, "flake")
	}

	view, err := h.controller.GetStatus(testContext(), testUser)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, view.Status)

	select {
	case <-probed:
	case <-time.After(5 * time.Second):
		t.Fatal("probe never ran")
	}

	view, err = h.controller.GetStatus(testContext(), testUser)
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, view.Status)
}
