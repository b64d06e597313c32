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
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/app"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/instance"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/registry"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

const testUser = "u1"

// fakeCompute is a function-field stub for the provider client.  Unset
// fields mean "not expected to be called" and fail the test.
type fakeCompute struct {
	t *testing.T

	createMachine            func(appName string, config *fly.MachineConfig, options *fly.CreateMachineOptions) (*fly.Machine, error)
	getMachine               func(appName, machineID string) (*fly.Machine, error)
	updateMachine            func(appName, machineID string, config *fly.MachineConfig, options *fly.UpdateMachineOptions) (*fly.Machine, error)
	stopMachineAndWait       func(appName, machineID string) error
	destroyMachine           func(appName, machineID string) error
	waitMachineState         func(appName, machineID, state string) error
	listMachines             func(appName string, metadata map[string]string) ([]fly.Machine, error)
	createVolume             func(appName string, create *fly.CreateVolumeRequest) (*fly.Volume, error)
	createVolumeWithFallback func(appName string, create *fly.CreateVolumeRequest, regions []string) (*fly.Volume, error)
	getVolume                func(appName, volumeID string) (*fly.Volume, error)
	deleteVolume             func(appName, volumeID string) error
	exec                     func(appName, machineID string, command []string) (*fly.ExecResult, error)
}

func (f *fakeCompute) CreateMachine(ctx context.Context, appName string, config *fly.MachineConfig, options *fly.CreateMachineOptions) (*fly.Machine, error) {
	require.NotNil(f.t, f.createMachine, "unexpected CreateMachine")

	return f.createMachine(appName, config, options)
}

func (f *fakeCompute) GetMachine(ctx context.Context, appName, machineID string) (*fly.Machine, error) {
	require.NotNil(f.t, f.getMachine, "unexpected GetMachine")

	return f.getMachine(appName, machineID)
}

func (f *fakeCompute) UpdateMachine(ctx context.Context, appName, machineID string, config *fly.MachineConfig, options *fly.UpdateMachineOptions) (*fly.Machine, error) {
	require.NotNil(f.t, f.updateMachine, "unexpected UpdateMachine")

	return f.updateMachine(appName, machineID, config, options)
}

func (f *fakeCompute) StopMachineAndWait(ctx context.Context, appName, machineID string, timeout time.Duration) error {
	require.NotNil(f.t, f.stopMachineAndWait, "unexpected StopMachineAndWait")

	return f.stopMachineAndWait(appName, machineID)
}

func (f *fakeCompute) DestroyMachine(ctx context.Context, appName, machineID string) error {
	require.NotNil(f.t, f.destroyMachine, "unexpected DestroyMachine")

	return f.destroyMachine(appName, machineID)
}

func (f *fakeCompute) WaitMachineState(ctx context.Context, appName, machineID, state string, timeout time.Duration, instanceID string) error {
	require.NotNil(f.t, f.waitMachineState, "unexpected WaitMachineState")

	return f.waitMachineState(appName, machineID, state)
}

func (f *fakeCompute) ListMachines(ctx context.Context, appName string, metadata map[string]string) ([]fly.Machine, error) {
	require.NotNil(f.t, f.listMachines, "unexpected ListMachines")

	return f.listMachines(appName, metadata)
}

func (f *fakeCompute) CreateVolume(ctx context.Context, appName string, create *fly.CreateVolumeRequest) (*fly.Volume, error) {
	require.NotNil(f.t, f.createVolume, "unexpected CreateVolume")

	return f.createVolume(appName, create)
}

func (f *fakeCompute) CreateVolumeWithFallback(ctx context.Context, appName string, create *fly.CreateVolumeRequest, regions []string) (*fly.Volume, error) {
	require.NotNil(f.t, f.createVolumeWithFallback, "unexpected CreateVolumeWithFallback")

	return f.createVolumeWithFallback(appName, create, regions)
}

func (f *fakeCompute) GetVolume(ctx context.Context, appName, volumeID string) (*fly.Volume, error) {
	require.NotNil(f.t, f.getVolume, "unexpected GetVolume")

	return f.getVolume(appName, volumeID)
}

func (f *fakeCompute) DeleteVolume(ctx context.Context, appName, volumeID string) error {
	require.NotNil(f.t, f.deleteVolume, "unexpected DeleteVolume")

	return f.deleteVolume(appName, volumeID)
}

func (f *fakeCompute) Exec(ctx context.Context, appName, machineID string, command []string, timeout time.Duration) (*fly.ExecResult, error) {
	require.NotNil(f.t, f.exec, "unexpected Exec")

	return f.exec(appName, machineID, command)
}

// fakeApps is the app controller stub.
type fakeApps struct {
	envKey string
}

func (f *fakeApps) EnsureApp(ctx context.Context, userID string) (*app.EnsureResult, error) {
	return &app.EnsureResult{AppName: "dev-app"}, nil
}

func (f *fakeApps) EnsureEnvKey(ctx context.Context, userID string) (*app.EnvKeyResult, error) {
	return &app.EnvKeyResult{Key: f.envKey, SecretsVersion: 7}, nil
}

// fakeAlarms records armed slots.
type fakeAlarms struct {
	armed    map[string]time.Duration
	canceled []string
}

func newFakeAlarms() *fakeAlarms {
	return &fakeAlarms{armed: map[string]time.Duration{}}
}

func (f *fakeAlarms) Arm(ctx context.Context, key string, base time.Duration) error {
	f.armed[key] = base

	return nil
}

func (f *fakeAlarms) Cancel(ctx context.Context, key string) error {
	f.canceled = append(f.canceled, key)

	return nil
}

type harness struct {
	controller *instance.Controller
	compute    *fakeCompute
	alarms     *fakeAlarms
	store      *store.Store
	envKey     string
	rsaKey     *rsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return newHarnessWithRegistry(t, nil)
}

func newHarnessWithRegistry(t *testing.T, reg registry.Reader) *harness {
	t.Helper()

	redisServer := miniredis.RunT(t)
	s := store.NewWithClient(redis.NewClient(&redis.Options{Addr: redisServer.Addr()}))

	envKey, err := crypto.GenerateEnvKey()
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	compute := &fakeCompute{t: t}
	alarms := newFakeAlarms()

	options := &instance.Options{
		Image:       "registry.fly.io/kiloclaw:test",
		Regions:     []string{"iad", "lhr", "cdg"},
		PlatformEnv: map[string]string{"PLATFORM_FLAG": "on"},
	}

	secrets := &instance.Secrets{
		GatewayHMACSecret: "gateway-secret",
		EnvelopeKey:       rsaKey,
	}

	controller := instance.New(testUser, options, secrets, compute, &fakeApps{envKey: envKey}, s, alarms, reg)

	return &harness{
		controller: controller,
		compute:    compute,
		alarms:     alarms,
		store:      s,
		envKey:     envKey,
		rsaKey:     rsaKey,
	}
}

func (h *harness) seed(t *testing.T, record *instance.Record) {
	t.Helper()

	require.NoError(t, h.store.Put(testContext(), store.InstanceKey(testUser), record))
}

func (h *harness) record(t *testing.T) *instance.Record {
	t.Helper()

	record := &instance.Record{}

	found, err := h.store.Get(testContext(), store.InstanceKey(testUser), record)
	require.NoError(t, err)
	require.True(t, found)

	return record
}

func milli(t time.Time) *int64 {
	ms := t.UnixMilli()

	return &ms
}

func providerError(status int, message string) error {
	return &fly.Error{Status: status, Body: message, Message: message}
}

func runningRecord() *instance.Record {
	return &instance.Record{
		UserID:        testUser,
		SandboxID:     crypto.DeriveSandboxID(testUser),
		Status:        instance.StatusRunning,
		FlyAppName:    "dev-app",
		FlyMachineID:  "m1",
		FlyVolumeID:   "v1",
		FlyRegion:     "iad",
		ProvisionedAt: milli(time.Now().Add(-time.Hour)),
		LastStartedAt: milli(time.Now().Add(-time.Minute)),
	}
}

func TestProvisionFirstRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.compute.createVolume = func(appName string, create *fly.CreateVolumeRequest) (*fly.Volume, error) {
		assert.Equal(t, "dev-app", appName)
		assert.Equal(t, "iad", create.Region)
		assert.Equal(t, constants.DefaultVolumeSizeGB, create.SizeGB)

		return &fly.Volume{ID: "v1", Region: "iad"}, nil
	}

	result, err := h.controller.Provision(testContext(), testUser, &instance.Config{
		EnvVars: map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, crypto.DeriveSandboxID(testUser), result.SandboxID)

	record := h.record(t)
	assert.Equal(t, instance.StatusProvisioned, record.Status)
	assert.Equal(t, "dev-app", record.FlyAppName)
	assert.Equal(t, "v1", record.FlyVolumeID)
	assert.Equal(t, "iad", record.FlyRegion)
	assert.NotNil(t, record.ProvisionedAt)
	assert.Equal(t, "bar", record.EnvVars["FOO"])

	assert.Equal(t, constants.AlarmIntervalIdle, h.alarms.armed[instance.AlarmKey(testUser)])
}

func TestProvisionRepeatOnlyRewritesConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	_, err := h.controller.Provision(testContext(), testUser, &instance.Config{
		EnvVars: map[string]string{"NEW": "value"},
	})
	require.NoError(t, err)

	record := h.record(t)
	assert.Equal(t, "v1", record.FlyVolumeID, "no new volume on repeat provision")
	assert.Equal(t, instance.StatusRunning, record.Status)
	assert.Equal(t, "value", record.EnvVars["NEW"])
}

func TestProvisionWhileDestroyingFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusDestroying
	h.seed(t, record)

	_, err := h.controller.Provision(testContext(), testUser, &instance.Config{})
	require.ErrorIs(t, err, instance.ErrDestroying)
}

func TestProvisionReservedPrefixRejectedSynchronously(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.controller.Provision(testContext(), testUser, &instance.Config{
		EnvVars: map[string]string{"KILOCLAW_ENC_HACK": "x"},
	})
	require.ErrorIs(t, err, instance.ErrInvalidArgument)

	found, err := h.store.Get(testContext(), store.InstanceKey(testUser), &instance.Record{})
	require.NoError(t, err)
	assert.False(t, found, "nothing persisted on invalid input")
}

func TestProvisionUserMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.controller.Provision(testContext(), "someone-else", &instance.Config{})
	require.ErrorIs(t, err, instance.ErrUserMismatch)
}

func TestStartCreatesMachinePersistingIDBeforeWait(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusProvisioned
	record.FlyMachineID = ""
	record.LastStartedAt = nil
	h.seed(t, record)

	h.compute.getVolume = func(appName, volumeID string) (*fly.Volume, error) {
		return &fly.Volume{ID: volumeID, Region: "iad"}, nil
	}
	h.compute.createMachine = func(appName string, config *fly.MachineConfig, options *fly.CreateMachineOptions) (*fly.Machine, error) {
		assert.Equal(t, int64(7), options.MinSecretsVersion)
		assert.Equal(t, "iad", options.Region)
		assert.Equal(t, "v1", config.Mounts[0].Volume)
		assert.Equal(t, constants.VolumeMountPath, config.Mounts[0].Path)
		assert.Equal(t, testUser, config.Metadata[constants.MetadataKeyUserID])
		assert.Equal(t, constants.OpenClawPort, config.Services[0].InternalPort)

		return &fly.Machine{ID: "m-new", State: fly.MachineStateCreated}, nil
	}
	h.compute.waitMachineState = func(appName, machineID, state string) error {
		// The ID must already be durable when the wait begins, so a
		// timeout cannot orphan the machine.
		assert.Equal(t, "m-new", h.record(t).FlyMachineID)
		assert.Equal(t, fly.MachineStateStarted, state)

		return nil
	}

	require.NoError(t, h.controller.Start(testContext(), testUser))

	final := h.record(t)
	assert.Equal(t, instance.StatusRunning, final.Status)
	assert.NotNil(t, final.LastStartedAt)
	assert.Zero(t, final.HealthCheckFailCount)
	assert.Equal(t, constants.AlarmIntervalRunning, h.alarms.armed[instance.AlarmKey(testUser)])
}

func TestStartFastPathSkipsEnvRebuild(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.getVolume = func(appName, volumeID string) (*fly.Volume, error) {
		return &fly.Volume{ID: volumeID, Region: "iad"}, nil
	}
	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		return &fly.Machine{
			ID:    machineID,
			State: fly.MachineStateStarted,
			Config: &fly.MachineConfig{
				Mounts: []fly.MachineMount{{Volume: "v1", Path: constants.VolumeMountPath}},
			},
		}, nil
	}

	// No createMachine, updateMachine or wait stubs: the fast path must
	// not touch them.
	require.NoError(t, h.controller.Start(testContext(), testUser))
}

func TestStartStoppedMachineUpdatesAndWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusStopped
	h.seed(t, record)

	var updated bool

	h.compute.getVolume = func(appName, volumeID string) (*fly.Volume, error) {
		return &fly.Volume{ID: volumeID, Region: "iad"}, nil
	}
	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		return &fly.Machine{ID: machineID, State: fly.MachineStateStopped}, nil
	}
	h.compute.updateMachine = func(appName, machineID string, config *fly.MachineConfig, options *fly.UpdateMachineOptions) (*fly.Machine, error) {
		updated = true

		assert.Equal(t, "m1", machineID)
		assert.Equal(t, int64(7), options.MinSecretsVersion)

		return &fly.Machine{ID: machineID, State: fly.MachineStateStarting}, nil
	}
	h.compute.waitMachineState = func(appName, machineID, state string) error {
		return nil
	}

	require.NoError(t, h.controller.Start(testContext(), testUser))

	assert.True(t, updated)
	assert.Equal(t, instance.StatusRunning, h.record(t).Status)
}

func TestStartTransientErrorDoesNotCreateDuplicate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusStopped
	h.seed(t, record)

	h.compute.getVolume = func(appName, volumeID string) (*fly.Volume, error) {
		return &fly.Volume{ID: volumeID, Region: "iad"}, nil
	}
	h.compute.getMachine = func(appName, machineID string) (*fly.Machine, error) {
		return &fly.Machine{ID: machineID, State: fly.MachineStateStopped}, nil
	}
	h.compute.updateMachine = func(appName, machineID string, config *fly.MachineConfig, options *fly.UpdateMachineOptions) (*fly.Machine, error) {
		return nil, providerError(http.StatusBadGateway, "upstream flake")
	}

	err := h.controller.Start(testContext(), testUser)
	require.Error(t, err)

	// Machine ID unchanged, alarm armed for repair.
	assert.Equal(t, "m1", h.record(t).FlyMachineID)
	assert.Contains(t, h.alarms.armed, instance.AlarmKey(testUser))
}

func TestStopTreatsNotFoundAsStopped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.stopMachineAndWait = func(appName, machineID string) error {
		return providerError(http.StatusNotFound, "gone")
	}

	require.NoError(t, h.controller.Stop(testContext(), testUser))

	record := h.record(t)
	assert.Equal(t, instance.StatusStopped, record.Status)
	assert.NotNil(t, record.LastStoppedAt)
}

func TestStopFailureKeepsStatusUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.stopMachineAndWait = func(appName, machineID string) error {
		return providerError(http.StatusInternalServerError, "fail")
	}

	require.Error(t, h.controller.Stop(testContext(), testUser))
	assert.Equal(t, instance.StatusRunning, h.record(t).Status)
}

func TestStopIsNoopWhenNotRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusProvisioned
	h.seed(t, record)

	// No compute stubs: nothing remote may be called.
	require.NoError(t, h.controller.Stop(testContext(), testUser))
	assert.Equal(t, instance.StatusProvisioned, h.record(t).Status)
}

// TestDestroyPartialFirstPhase: the machine delete fails, the volume
// delete succeeds.  The surviving ledger entry drives the retry alarm.
func TestDestroyPartialFirstPhase(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.destroyMachine = func(appName, machineID string) error {
		return providerError(http.StatusInternalServerError, "fail")
	}
	h.compute.deleteVolume = func(appName, volumeID string) error {
		return nil
	}

	require.NoError(t, h.controller.Destroy(testContext(), testUser))

	record := h.record(t)
	assert.Equal(t, instance.StatusDestroying, record.Status)
	assert.Equal(t, "m1", record.PendingDestroyMachineID)
	assert.Empty(t, record.PendingDestroyVolumeID)

	assert.Equal(t, constants.AlarmIntervalDestroying, h.alarms.armed[instance.AlarmKey(testUser)])
}

func TestDestroyFinalizesWhenBothDeletesSucceed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.destroyMachine = func(appName, machineID string) error { return nil }
	h.compute.deleteVolume = func(appName, volumeID string) error { return nil }

	require.NoError(t, h.controller.Destroy(testContext(), testUser))

	found, err := h.store.Get(testContext(), store.InstanceKey(testUser), &instance.Record{})
	require.NoError(t, err)
	assert.False(t, found, "record wiped after finalize")
	assert.Contains(t, h.alarms.canceled, instance.AlarmKey(testUser))
}

// TestDestroyRetryViaAlarm crashes phase two, then lets the reconciler
// finish the job.
func TestDestroyRetryViaAlarm(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	h.compute.destroyMachine = func(appName, machineID string) error {
		return providerError(http.StatusInternalServerError, "fail")
	}
	h.compute.deleteVolume = func(appName, volumeID string) error { return nil }

	require.NoError(t, h.controller.Destroy(testContext(), testUser))

	h.compute.destroyMachine = func(appName, machineID string) error {
		return providerError(http.StatusNotFound, "already gone")
	}

	h.controller.HandleAlarm(testContext())

	found, err := h.store.Get(testContext(), store.InstanceKey(testUser), &instance.Record{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStartWhileDestroyingFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	record := runningRecord()
	record.Status = instance.StatusDestroying
	h.seed(t, record)

	require.ErrorIs(t, h.controller.Start(testContext(), testUser), instance.ErrDestroying)
}

func TestUpdateConfigRewritesWithoutRemoteCalls(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seed(t, runningRecord())

	err := h.controller.UpdateConfig(testContext(), testUser, &instance.Config{
		KilocodeDefaultModel: "gpt-large",
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-large", h.record(t).KilocodeDefaultModel)
}
