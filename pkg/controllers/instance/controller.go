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

// Package instance is the per-user instance lifecycle controller: two
// cooperating state machines (application via the app controller, instance
// here) that reconcile provider reality against persisted intent.
//
// The controller is a single-threaded actor per user: every public
// operation and the alarm handler hold one mutex, so within a user there is
// no interleaving, while different users proceed in parallel.  Persistence
// happens before any remote call whose outcome cannot be re-derived from
// provider state, so a crash leaves a retryable record rather than an
// orphaned resource.
package instance

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/pflag"
	"golang.org/x/sync/singleflight"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
	"github.com/kiloclaw/kiloclaw/pkg/controllers/app"
	"github.com/kiloclaw/kiloclaw/pkg/providers/fly"
	"github.com/kiloclaw/kiloclaw/pkg/registry"
	"github.com/kiloclaw/kiloclaw/pkg/store"
)

var (
	// ErrUserMismatch is raised when a controller bound to one user is
	// invoked for another.
	ErrUserMismatch = errors.New("controller bound to a different user")

	// ErrDestroying is raised when an operation arrives while a destroy
	// is in flight.  Nothing resurrects a destroying instance.
	ErrDestroying = errors.New("instance is being destroyed")

	// ErrNotRunning is raised by operations that need a live machine.
	ErrNotRunning = errors.New("instance is not running")

	// ErrNotProvisioned is raised when there is no instance at all.
	ErrNotProvisioned = errors.New("instance is not provisioned")

	// ErrInvalidArgument is raised by synchronous input validation.
	// Nothing is persisted when it fires.
	ErrInvalidArgument = errors.New("invalid argument")
)

//nolint:gochecknoglobals
var reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kiloclaw_reconcile_actions_total",
	Help: "Reconciler actions by reason.",
}, []string{"action"})

// Compute is the slice of the provider client the instance controller
// needs.  *fly.Client satisfies it; tests substitute a stub.
type Compute interface {
	CreateMachine(ctx context.Context, appName string, config *fly.MachineConfig, options *fly.CreateMachineOptions) (*fly.Machine, error)
	GetMachine(ctx context.Context, appName, machineID string) (*fly.Machine, error)
	UpdateMachine(ctx context.Context, appName, machineID string, config *fly.MachineConfig, options *fly.UpdateMachineOptions) (*fly.Machine, error)
	StopMachineAndWait(ctx context.Context, appName, machineID string, timeout time.Duration) error
	DestroyMachine(ctx context.Context, appName, machineID string) error
	WaitMachineState(ctx context.Context, appName, machineID, state string, timeout time.Duration, instanceID string) error
	ListMachines(ctx context.Context, appName string, metadata map[string]string) ([]fly.Machine, error)
	CreateVolume(ctx context.Context, appName string, create *fly.CreateVolumeRequest) (*fly.Volume, error)
	CreateVolumeWithFallback(ctx context.Context, appName string, create *fly.CreateVolumeRequest, regions []string) (*fly.Volume, error)
	GetVolume(ctx context.Context, appName, volumeID string) (*fly.Volume, error)
	DeleteVolume(ctx context.Context, appName, volumeID string) error
	Exec(ctx context.Context, appName, machineID string, command []string, timeout time.Duration) (*fly.ExecResult, error)
}

// AppService is the narrow ensure-interface onto the app controller.  The
// instance controller consumes the app name and env key through it and
// owns nothing on that side.
type AppService interface {
	EnsureApp(ctx context.Context, userID string) (*app.EnsureResult, error)
	EnsureEnvKey(ctx context.Context, userID string) (*app.EnvKeyResult, error)
}

// Alarms is the slice of the alarm scheduler the controller needs.
type Alarms interface {
	Arm(ctx context.Context, key string, base time.Duration) error
	Cancel(ctx context.Context, key string) error
}

// Options configures instance controllers.
type Options struct {
	// Image is the machine image every instance runs.
	Image string

	// Regions is the ordered region preference for volume placement.
	Regions []string

	// PlatformEnv are non-sensitive platform default environment
	// variables, the bottom layer of env materialization.
	PlatformEnv map[string]string
}

// AddFlags registers instance controller flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Image, "machine-image", "registry.fly.io/kiloclaw:latest", "Machine image for instances.")
	f.StringSliceVar(&o.Regions, "machine-regions", []string{"iad", "lhr", "cdg"}, "Ordered region preference for volume placement.")
	f.StringToStringVar(&o.PlatformEnv, "platform-env", nil, "Platform default environment variables (non-sensitive).")
}

// Secrets are the worker-level key material the controller derives and
// decrypts with.  Sourced from the environment, never flags.
type Secrets struct {
	// GatewayHMACSecret derives per-sandbox gateway tokens.
	GatewayHMACSecret string

	// EnvelopeKey decrypts user secret envelopes.
	EnvelopeKey *rsa.PrivateKey
}

// AlarmKey returns the scheduler slot for a user's instance controller.
func AlarmKey(userID string) string {
	return "instance/" + userID
}

// Controller serializes all instance work for one user.
type Controller struct {
	userID  string
	options *Options
	secrets *Secrets
	compute Compute
	apps    AppService
	store   *store.Store
	alarms  Alarms

	// reg is the fallback registry; nil disables restore-from-registry.
	reg registry.Reader

	// mutex is the actor lock.
	mutex sync.Mutex

	// liveState carries the in-memory-only belief updates produced by
	// the status live check.  It never feeds persistence; the reconciler
	// owns that.
	liveState *gocache.Cache

	// liveGroup dedupes concurrent background live checks.
	liveGroup singleflight.Group
}

// New returns the controller for a user.
func New(userID string, options *Options, secrets *Secrets, compute Compute, apps AppService, s *store.Store, alarms Alarms, reg registry.Reader) *Controller {
	return &Controller{
		userID:    userID,
		options:   options,
		secrets:   secrets,
		compute:   compute,
		apps:      apps,
		store:     s,
		alarms:    alarms,
		reg:       reg,
		liveState: gocache.New(constants.AlarmIntervalRunning, 10*time.Minute),
	}
}

// load reads the record with the corrupt-record fail-safe: an unparseable
// record is logged and treated as fresh, since metadata recovery can
// rediscover everything that matters.
func (c *Controller) load(ctx context.Context) (*Record, error) {
	record := &Record{}

	found, err := c.store.Get(ctx, store.InstanceKey(c.userID), record)
	if err != nil {
		if !found {
			return nil, err
		}

		logr.FromContextOrDiscard(ctx).Error(err, "corrupt instance record, starting fresh", "user", c.userID)

		return &Record{}, nil
	}

	return record, nil
}

func (c *Controller) save(ctx context.Context, record *Record) error {
	return c.store.Put(ctx, store.InstanceKey(c.userID), record)
}

func (c *Controller) checkUser(record *Record, userID string) error {
	if userID != c.userID {
		return fmt.Errorf("%w: bound %s, called %s", ErrUserMismatch, c.userID, userID)
	}

	if record.UserID != "" && record.UserID != userID {
		return fmt.Errorf("%w: record %s, called %s", ErrUserMismatch, record.UserID, userID)
	}

	return nil
}

// rearm schedules the next reconcile for the record's status.
func (c *Controller) rearm(ctx context.Context, record *Record) {
	if err := c.alarms.Arm(ctx, AlarmKey(c.userID), record.alarmInterval()); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to arm reconcile alarm", "user", c.userID)
	}
}

// machineConfig materializes the provider machine config for the record.
func (c *Controller) machineConfig(record *Record, env map[string]string) *fly.MachineConfig {
	autostart := false

	return &fly.MachineConfig{
		Image: c.options.Image,
		Env:   env,
		Guest: record.MachineSize.guest(),
		Services: []fly.MachineService{
			{
				InternalPort: constants.OpenClawPort,
				Protocol:     "tcp",
				Autostart:    &autostart,
			},
		},
		Mounts: []fly.MachineMount{
			{
				Volume: record.FlyVolumeID,
				Path:   constants.VolumeMountPath,
			},
		},
		Metadata: map[string]string{
			constants.MetadataKeyUserID:    record.UserID,
			constants.MetadataKeySandboxID: record.SandboxID,
		},
	}
}

// regions returns the volume placement preference, honoring an explicit
// request first.
func (c *Controller) regions(requested string) []string {
	if requested == "" {
		return c.options.Regions
	}

	regions := []string{requested}

	for _, region := range c.options.Regions {
		if region != requested {
			regions = append(regions, region)
		}
	}

	return regions
}

// deprioritize moves a failed region to the end of the preference list so
// capacity recovery tries somewhere else first.
func deprioritize(regions []string, failed string) []string {
	if failed == "" {
		return regions
	}

	out := make([]string, 0, len(regions)+1)

	for _, region := range regions {
		if region != failed {
			out = append(out, region)
		}
	}

	return append(out, failed)
}
