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

package constants

import (
	"fmt"
	"os"
	"path"
	"time"
)

var (
	// Application is the application name.
	//nolint:gochecknoglobals
	Application = path.Base(os.Args[0])

	// Version is the application version set via the Makefile.
	//nolint:gochecknoglobals
	Version string

	// Revision is the git revision set via the Makefile.
	//nolint:gochecknoglobals
	Revision string
)

// VersionString returns a canonical version string.  It's based on
// HTTP's User-Agent so can be used to set that too when calling out
// to the compute provider.
func VersionString() string {
	return fmt.Sprintf("%s/%s (revision/%s)", Application, Version, Revision)
}

const (
	// OpenClawPort is the port the guest workload listens on inside
	// the machine, and thus the internal port for machine services.
	OpenClawPort = 18789

	// StartupTimeout bounds a single machine wait-for-started call.
	// The provider caps long polls at 60 seconds.
	StartupTimeout = 60 * time.Second

	// AlarmIntervalRunning is the reconcile cadence for running instances.
	AlarmIntervalRunning = 5 * time.Minute

	// AlarmIntervalDestroying is the reconcile cadence while a two-phase
	// destroy has pending deletions.
	AlarmIntervalDestroying = time.Minute

	// AlarmIntervalIdle is the reconcile cadence for provisioned and
	// stopped instances.
	AlarmIntervalIdle = 30 * time.Minute

	// AlarmJitter is added (uniformly random) to every alarm interval so
	// reconciles don't herd against the provider API.
	AlarmJitter = time.Minute

	// SelfHealThreshold is the number of consecutive dead-machine
	// observations before the reconciler persists a stopped status.
	SelfHealThreshold = 5

	// LiveCheckThrottle rate-limits the background machine liveness probe
	// dispatched by status reads.
	LiveCheckThrottle = 30 * time.Second

	// MetadataRecoveryCooldown gates metadata-based machine rediscovery.
	MetadataRecoveryCooldown = AlarmIntervalIdle

	// DefaultVolumeSizeGB is the persistent volume size for new instances.
	DefaultVolumeSizeGB = 10

	// DefaultGuestCPUs, DefaultGuestMemoryMB and DefaultGuestCPUKind make
	// up the default machine guest when no size is requested.
	DefaultGuestCPUs     = 2
	DefaultGuestMemoryMB = 4096
	DefaultGuestCPUKind  = "shared"

	// MetadataKeyUserID tags provider machines with the owning user so
	// they can be rediscovered when local state is lost.
	MetadataKeyUserID = "kiloclaw_user_id"

	// MetadataKeySandboxID tags provider machines with the sandbox.
	MetadataKeySandboxID = "kiloclaw_sandbox_id"

	// VolumeMountPath is where the instance volume is attached in the guest.
	VolumeMountPath = "/root"

	// EncryptedEnvPrefix prefixes machine environment variable names whose
	// values are sealed with the per-app env key.
	EncryptedEnvPrefix = "KILOCLAW_ENC_"

	// ReservedEnvPrefix is reserved for platform use; user variables may
	// not start with it.
	ReservedEnvPrefix = "KILOCLAW_ENV_"

	// EnvKeySecretName is the provider app secret holding the per-app
	// envelope encryption key.
	EnvKeySecretName = "KILOCLAW_ENV_KEY"

	// PairingCacheTTL bounds how long a cached pairing listing is served.
	PairingCacheTTL = 2 * time.Minute
)
