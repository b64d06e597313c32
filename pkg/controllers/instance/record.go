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
	"time"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/crypto"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
)

// Status is the instance state machine position.
type Status string

const (
	// StatusProvisioned means the instance exists but has never run, or
	// has no machine yet.
	StatusProvisioned Status = "provisioned"

	// StatusRunning means we believe the machine is started.  The
	// provider is authoritative; this is a cached belief that the
	// reconciler keeps honest.
	StatusRunning Status = "running"

	// StatusStopped means the machine is stopped (or gone).
	StatusStopped Status = "stopped"

	// StatusDestroying means a two-phase destroy is in flight.  The only
	// way out is deletion of the record.
	StatusDestroying Status = "destroying"
)

// MachineSize is the requested guest spec.
type MachineSize struct {
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memoryMb"`
	CPUKind  string `json:"cpuKind"`
}

// guest converts the size to a provider guest, falling back to defaults.
func (s *MachineSize) guest() *fly.MachineGuest {
	guest := &fly.MachineGuest{
		CPUs:     constants.DefaultGuestCPUs,
		MemoryMB: constants.DefaultGuestMemoryMB,
		CPUKind:  constants.DefaultGuestCPUKind,
	}

	if s == nil {
		return guest
	}

	if s.CPUs > 0 {
		guest.CPUs = s.CPUs
	}

	if s.MemoryMB > 0 {
		guest.MemoryMB = s.MemoryMB
	}

	if s.CPUKind != "" {
		guest.CPUKind = s.CPUKind
	}

	return guest
}

// Record is the persisted instance state.  All fields are exclusively
// owned by the instance controller; the app controller's record is separate.
// Every field defaults cleanly so records written by older versions parse.
type Record struct {
	UserID    string `json:"userId"`
	SandboxID string `json:"sandboxId"`
	Status    Status `json:"status"`

	EnvVars          map[string]string           `json:"envVars,omitempty"`
	EncryptedSecrets map[string]*crypto.Envelope `json:"encryptedSecrets,omitempty"`
	Channels         map[string]*crypto.Envelope `json:"channels,omitempty"`

	// The kilocode credential bag is opaque to the lifecycle core; it is
	// materialized into the machine environment verbatim.
	KilocodeAPIKey       string   `json:"kilocodeApiKey,omitempty"`
	KilocodeDefaultModel string   `json:"kilocodeDefaultModel,omitempty"`
	KilocodeModels       []string `json:"kilocodeModels,omitempty"`

	MachineSize *MachineSize `json:"machineSize,omitempty"`

	ProvisionedAt *int64 `json:"provisionedAt,omitempty"`
	LastStartedAt *int64 `json:"lastStartedAt,omitempty"`
	LastStoppedAt *int64 `json:"lastStoppedAt,omitempty"`

	FlyAppName   string `json:"flyAppName,omitempty"`
	FlyMachineID string `json:"flyMachineId,omitempty"`
	FlyVolumeID  string `json:"flyVolumeId,omitempty"`
	FlyRegion    string `json:"flyRegion,omitempty"`

	HealthCheckFailCount int `json:"healthCheckFailCount,omitempty"`

	// The pending-destroy ledger: the only durable work queue the
	// two-phase destroy has.  Both empty while destroying means the
	// record can be finalized.
	PendingDestroyMachineID string `json:"pendingDestroyMachineId,omitempty"`
	PendingDestroyVolumeID  string `json:"pendingDestroyVolumeId,omitempty"`

	LastMetadataRecoveryAt *int64 `json:"lastMetadataRecoveryAt,omitempty"`
}

// empty reports whether the record has never been bound.
func (r *Record) empty() bool {
	return r.UserID == ""
}

// alarmInterval returns the reconcile cadence for the record's status.
func (r *Record) alarmInterval() time.Duration {
	switch r.Status {
	case StatusRunning:
		return constants.AlarmIntervalRunning
	case StatusDestroying:
		return constants.AlarmIntervalDestroying
	case StatusProvisioned, StatusStopped:
		return constants.AlarmIntervalIdle
	}

	return constants.AlarmIntervalIdle
}

// nowMilli returns the current epoch milliseconds, as a pointer for the
// nullable timestamp fields.
func nowMilli() *int64 {
	ms := time.Now().UnixMilli()

	return &ms
}

// Config is the caller-supplied instance configuration.
type Config struct {
	EnvVars          map[string]string           `json:"envVars,omitempty"`
	EncryptedSecrets map[string]*crypto.Envelope `json:"encryptedSecrets,omitempty"`
	Channels         map[string]*crypto.Envelope `json:"channels,omitempty"`

	KilocodeAPIKey       string   `json:"kilocodeApiKey,omitempty"`
	KilocodeDefaultModel string   `json:"kilocodeDefaultModel,omitempty"`
	KilocodeModels       []string `json:"kilocodeModels,omitempty"`

	MachineSize *MachineSize `json:"machineSize,omitempty"`

	// Region is only honored on first provision; afterwards the volume
	// pins the instance.
	Region string `json:"region,omitempty"`
}

// apply copies the configuration onto the record.
func (r *Record) applyConfig(config *Config) {
	r.EnvVars = config.EnvVars
	r.EncryptedSecrets = config.EncryptedSecrets
	r.Channels = config.Channels
	r.KilocodeAPIKey = config.KilocodeAPIKey
	r.KilocodeDefaultModel = config.KilocodeDefaultModel
	r.KilocodeModels = config.KilocodeModels
	r.MachineSize = config.MachineSize
}

// StatusView is the low-latency status read returned to the platform API.
type StatusView struct {
	UserID        string `json:"userId"`
	SandboxID     string `json:"sandboxId"`
	Status        Status `json:"status"`
	ProvisionedAt *int64 `json:"provisionedAt"`
	LastStartedAt *int64 `json:"lastStartedAt"`
	LastStoppedAt *int64 `json:"lastStoppedAt"`
	EnvVarCount   int    `json:"envVarCount"`
	SecretCount   int    `json:"secretCount"`
	ChannelCount  int    `json:"channelCount"`
	FlyAppName    string `json:"flyAppName"`
	FlyMachineID  string `json:"flyMachineId"`
	FlyVolumeID   string `json:"flyVolumeId"`
	FlyRegion     string `json:"flyRegion"`
}

// view projects the record into a status view.
func (r *Record) view(status Status) *StatusView {
	return &StatusView{
		UserID:        r.UserID,
		SandboxID:     r.SandboxID,
		Status:        status,
		ProvisionedAt: r.ProvisionedAt,
		LastStartedAt: r.LastStartedAt,
		LastStoppedAt: r.LastStoppedAt,
		EnvVarCount:   len(r.EnvVars),
		SecretCount:   len(r.EncryptedSecrets),
		ChannelCount:  len(r.Channels),
		FlyAppName:    r.FlyAppName,
		FlyMachineID:  r.FlyMachineID,
		FlyVolumeID:   r.FlyVolumeID,
		FlyRegion:     r.FlyRegion,
	}
}
