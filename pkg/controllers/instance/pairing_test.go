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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

func TestListPairingCachesResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	var execs int

	h.compute.exec = func(appName, machineID string, command []string) (*fly.ExecResult, error) {
		execs++

		assert.Equal(t, []string{"openclaw", "pairing", "list", "--json"}, command)

		return &fly.ExecResult{
			Stdout: `[{"channel":"telegram","code":"ABC123"}]`,
		}, nil
	}

	requests, err := h.controller.ListPairing(testContext(), testUser)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, "telegram", requests[0].Channel)
	assert.Equal(t, "ABC123", requests[0].Code)

	// Second call is served from the cache.
	requests, err = h.controller.ListPairing(testContext(), testUser)
	require.NoError(t, err)
	assert.Len(t, requests, 1)
	assert.Equal(t, 1, execs)
}

func TestApprovePairingInvalidatesCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	var execs int

	h.compute.exec = func(appName, machineID string, command []string) (*fly.ExecResult, error) {
		execs++

		switch execs {
		case 1, 3:
			return &fly.ExecResult{Stdout: `[]`}, nil
		default:
			assert.Equal(t, []string{"openclaw", "pairing", "approve", "telegram", "ABC123"}, command)

			return &fly.ExecResult{}, nil
		}
	}

	_, err := h.controller.ListPairing(testContext(), testUser)
	require.NoError(t, err)

	require.NoError(t, h.controller.ApprovePairing(testContext(), testUser, "telegram", "ABC123"))

	// The cache was invalidated: the next list execs again.
	_, err = h.controller.ListPairing(testContext(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 3, execs)
}

func TestApprovePairingValidatesInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	// No exec stub: invalid input must fail before any remote call.
	err := h.controller.ApprovePairing(testContext(), testUser, "telegram; rm -rf /", "ABC123")
	require.ErrorIs(t, err, instance.ErrInvalidArgument)

	err = h.controller.ApprovePairing(testContext(), testUser, "telegram", "$(reboot)")
	require.ErrorIs(t, err, instance.ErrInvalidArgument)

	err = h.controller.ApprovePairing(testContext(), testUser, "Telegram", "ABC123")
	require.ErrorIs(t, err, instance.ErrInvalidArgument, "channel must be lowercase")
}

func TestPairingRequiresRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusStopped
	h.seed(t, record)

	_, err := h.controller.ListPairing(testContext(), testUser)
	require.ErrorIs(t, err, instance.ErrNotRunning)

	err = h.controller.ApprovePairing(testContext(), testUser, "telegram", "ABC123")
	require.ErrorIs(t, err, instance.ErrNotRunning)
}

func TestPairingExecFailureSurfacesStderr(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.exec = func(appName, machineID string, command []string) (*fly.ExecResult, error) {
		return &fly.ExecResult{ExitCode: 1, Stderr: "no such code"}, nil
	}

	err := h.controller.ApprovePairing(testContext(), testUser, "telegram", "ABC123")
	require.ErrorContains(t, err, "no such code")
}
